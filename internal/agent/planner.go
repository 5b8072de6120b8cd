package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/llm"
	"EVMQuery-Chain/internal/plan"
	"EVMQuery-Chain/pkg/logger"
)

// GenerationContext 是计划生成所需的全部状态。它按值传递，
// 每次重试通过 IncorporateFeedback 得到新副本，旧尝试的反馈不会泄漏。
type GenerationContext struct {
	Functions  []plan.FunctionDescriptor
	SourceCode string
	Feedback   string
}

// NewGenerationContext 从合约上下文构造初始生成上下文。
func NewGenerationContext(cc *ContractContext) GenerationContext {
	return GenerationContext{Functions: cc.ReadOnly, SourceCode: cc.SourceCode}
}

// IncorporateFeedback 返回覆盖了 Feedback 的副本，不累积历史反馈。
func (g GenerationContext) IncorporateFeedback(feedback string) GenerationContext {
	g.Feedback = feedback
	return g
}

// Planner 通过模型工具调用生成执行计划。
type Planner struct {
	model llm.Client
}

// NewPlanner 创建计划生成器。
func NewPlanner(model llm.Client) *Planner {
	return &Planner{model: model}
}

// CreatePlan 生成一份新的计划，返回前已完成引用归一化。
func (p *Planner) CreatePlan(ctx context.Context, goal plan.Goal, params map[string]any, gen GenerationContext) (*plan.ExecutionPlan, error) {
	call, err := p.model.CallTool(ctx, llm.Request{
		System: planSystemPrompt,
		User:   buildPlanPrompt(goal.Intent, params, gen),
		Tool:   planTool,
	})
	if stdErrors.Is(err, llm.ErrNoToolCall) {
		return nil, xerrors.Wrap(xerrors.CodePlanGeneration, err, "model returned no execution plan")
	}
	if err != nil {
		return nil, asModelError(err, xerrors.CodePlanGeneration, "generate execution plan")
	}

	generated, err := plan.Decode(call.Arguments)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(generated.Goal) == "" {
		generated.Goal = goal.Intent
	}
	logger.FromContext(ctx).Debug("execution plan generated", "goal", generated.Goal, "steps", len(generated.Steps))
	return generated, nil
}

// buildPlanPrompt 组装用户提示词；只有存在时才附带源码与上一轮评审意见。
func buildPlanPrompt(goal string, params map[string]any, gen GenerationContext) string {
	var b strings.Builder
	b.WriteString("# Goal:\n\n")
	b.WriteString(goal)

	b.WriteString("\n\n## Available functions:\n\n```json\n")
	b.WriteString(indentJSON(gen.Functions, "[]"))
	b.WriteString("\n```")

	b.WriteString("\n\n## Parameters:\n\n```json\n")
	b.WriteString(indentJSON(params, "{}"))
	b.WriteString("\n```")

	if strings.TrimSpace(gen.SourceCode) != "" {
		b.WriteString("\n\n## Contract Source Code:\n\n```solidity\n")
		b.WriteString(gen.SourceCode)
		b.WriteString("\n```")
	}
	if strings.TrimSpace(gen.Feedback) != "" {
		b.WriteString("\n\n## Previous plan critique:\n\n")
		b.WriteString(gen.Feedback)
	}
	return b.String()
}

func indentJSON(v any, empty string) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}
