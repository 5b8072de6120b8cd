package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNoToolCall 表示模型没有按要求调用指定的工具。
var ErrNoToolCall = errors.New("model returned no tool call")

// Tool 描述一个强制模型调用的函数签名，Parameters 为 JSON Schema。
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 描述发送给大模型的一次工具调用请求。
type Request struct {
	System string
	User   string
	Tool   Tool
}

// ToolCall 是模型返回的结构化调用，Arguments 为原始 JSON 文本。
type ToolCall struct {
	Name      string
	Arguments string
}

// Decode 将工具参数解析到 v。
func (c *ToolCall) Decode(v any) error {
	if c == nil {
		return ErrNoToolCall
	}
	return json.Unmarshal([]byte(c.Arguments), v)
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	CallTool(ctx context.Context, req Request) (*ToolCall, error)
}

// ClientFunc 允许用函数实现 Client，主要用于测试桩。
type ClientFunc func(ctx context.Context, req Request) (*ToolCall, error)

// CallTool 实现 Client。
func (f ClientFunc) CallTool(ctx context.Context, req Request) (*ToolCall, error) {
	return f(ctx, req)
}
