package agent

import (
	"context"
	stdErrors "errors"
	"strings"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/llm"
	"EVMQuery-Chain/internal/plan"
	"EVMQuery-Chain/pkg/logger"
)

// ErrNoInteraction 表示用户问题不需要调用合约。可通过 errors.Is 比较。
var ErrNoInteraction = xerrors.New(xerrors.CodeNoInteraction, "Unable to extract a valid smart contract query from intent")

// IntentExtractor 把自然语言问题转换为结构化的 Goal。
type IntentExtractor struct {
	model llm.Client
}

// NewIntentExtractor 创建意图抽取器。
func NewIntentExtractor(model llm.Client) *IntentExtractor {
	return &IntentExtractor{model: model}
}

type intentArguments struct {
	Intent   string  `json:"intent"`
	Contract *string `json:"contract"`
	EOA      *string `json:"eoa"`
}

// ExtractIntent 调用一次模型。模型未调用工具或没有给出合约地址时返回 ErrNoInteraction。
func (e *IntentExtractor) ExtractIntent(ctx context.Context, text string) (plan.Goal, error) {
	if strings.TrimSpace(text) == "" {
		return plan.Goal{}, ErrNoInteraction
	}
	call, err := e.model.CallTool(ctx, llm.Request{
		System: intentSystemPrompt,
		User:   text,
		Tool:   intentTool,
	})
	if stdErrors.Is(err, llm.ErrNoToolCall) {
		return plan.Goal{}, ErrNoInteraction
	}
	if err != nil {
		return plan.Goal{}, asModelError(err, xerrors.CodeUpstreamUnavailable, "extract intent")
	}

	var args intentArguments
	if err := call.Decode(&args); err != nil {
		return plan.Goal{}, xerrors.Wrap(xerrors.CodeInvalidGoal, err, "decode intent arguments")
	}
	contract := argValue(args.Contract)
	if contract == "" {
		logger.FromContext(ctx).Info("no contract interaction in query", "intent", args.Intent)
		return plan.Goal{}, ErrNoInteraction
	}

	goal := plan.Goal{
		Intent:   strings.TrimSpace(args.Intent),
		Contract: contract,
		EOA:      argValue(args.EOA),
	}
	if err := goal.Validate(); err != nil {
		return plan.Goal{}, err
	}
	return goal, nil
}

// argValue 返回去除空白的参数值，模型用来表示“没有”的占位词视为空。
func argValue(p *string) string {
	if p == nil {
		return ""
	}
	v := strings.TrimSpace(*p)
	switch strings.ToLower(v) {
	case "null", "nil", "none", "undefined", "n/a":
		return ""
	}
	return v
}

// asModelError 保留已分类的错误，超时映射为 CodeTimeout，其余使用 fallback。
func asModelError(err error, fallback xerrors.Code, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(fallback, err, message)
}
