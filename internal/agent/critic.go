package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/llm"
	"EVMQuery-Chain/internal/plan"
)

// CritiqueContext 是评审时可见的合约信息。
type CritiqueContext struct {
	ChainID    string
	Contract   string
	Functions  []plan.FunctionDescriptor
	SourceCode string
}

// NewCritiqueContext 从合约上下文构造评审上下文。
func NewCritiqueContext(cc *ContractContext) CritiqueContext {
	return CritiqueContext{
		ChainID:    cc.ChainID,
		Contract:   cc.Address.Hex(),
		Functions:  cc.ReadOnly,
		SourceCode: cc.SourceCode,
	}
}

// Critic 在执行前审查计划，本身从不访问链。
type Critic struct {
	model llm.Client
}

// NewCritic 创建评审器。
func NewCritic(model llm.Client) *Critic {
	return &Critic{model: model}
}

// CritiquePlan 先做本地结构检查，未通过时直接拒绝且不调用模型；
// 通过后再交由模型判断语义是否满足目标。
func (c *Critic) CritiquePlan(ctx context.Context, goal plan.Goal, p *plan.ExecutionPlan, cc CritiqueContext) (plan.Critique, error) {
	if feedback, ok := checkPlan(p, cc.Functions); !ok {
		return plan.Critique{IsValid: false, Feedback: feedback}, nil
	}

	call, err := c.model.CallTool(ctx, llm.Request{
		System: critiqueSystemPrompt,
		User:   buildCritiquePrompt(goal.Intent, p, cc),
		Tool:   critiqueTool,
	})
	if stdErrors.Is(err, llm.ErrNoToolCall) {
		return plan.Critique{}, xerrors.Wrap(xerrors.CodePlanGeneration, err, "model returned no critique")
	}
	if err != nil {
		return plan.Critique{}, asModelError(err, xerrors.CodePlanGeneration, "critique execution plan")
	}

	var verdict plan.Critique
	if err := call.Decode(&verdict); err != nil {
		return plan.Critique{}, xerrors.Wrap(xerrors.CodePlanGeneration, err, "decode critique")
	}
	if !verdict.IsValid && strings.TrimSpace(verdict.Feedback) == "" {
		verdict.Feedback = "plan rejected without feedback; regenerate it"
	}
	return verdict, nil
}

// checkPlan 返回拒绝原因；通过时第二个返回值为 true。
func checkPlan(p *plan.ExecutionPlan, functions []plan.FunctionDescriptor) (string, bool) {
	if err := p.Validate(); err != nil {
		return describeRejection(err), false
	}
	available := make(map[string]plan.FunctionDescriptor, len(functions))
	for _, fn := range functions {
		available[fn.Name] = fn
	}
	for i, step := range p.Steps {
		fn, ok := available[step.FunctionName]
		if !ok {
			return fmt.Sprintf("step %d calls %q which is not an available read-only function", i, step.FunctionName), false
		}
		if len(step.Inputs) != len(fn.Inputs) {
			return fmt.Sprintf("step %d calls %q with %d inputs but it takes %d", i, step.FunctionName, len(step.Inputs), len(fn.Inputs)), false
		}
		for j, in := range step.Inputs {
			if in.Ref == nil && in.Value == nil {
				return fmt.Sprintf("step %d input %q (%s) has no value", i, nameOr(in.Name, fn.Inputs[j].Name), fn.Inputs[j].Type), false
			}
		}
	}
	return "", true
}

func describeRejection(err error) string {
	e, ok := xerrors.From(err)
	if !ok {
		return err.Error()
	}
	meta := e.Metadata()
	if step, ok := meta["step"]; ok {
		return fmt.Sprintf("step %s: %s", step, e.Message())
	}
	return e.Message()
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func buildCritiquePrompt(goal string, p *plan.ExecutionPlan, cc CritiqueContext) string {
	var b strings.Builder
	b.WriteString("# Goal:\n\n")
	b.WriteString(goal)
	fmt.Fprintf(&b, "\n\n## Contract:\n\n%s on chain %s", cc.Contract, cc.ChainID)
	b.WriteString("\n\n## Available functions:\n\n```json\n")
	b.WriteString(indentJSON(cc.Functions, "[]"))
	b.WriteString("\n```")
	b.WriteString("\n\n## Proposed plan:\n\n```json\n")
	b.WriteString(p.JSON())
	b.WriteString("\n```")
	if strings.TrimSpace(cc.SourceCode) != "" {
		b.WriteString("\n\n## Contract Source Code:\n\n```solidity\n")
		b.WriteString(cc.SourceCode)
		b.WriteString("\n```")
	}
	return b.String()
}
