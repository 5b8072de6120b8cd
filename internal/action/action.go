package action

import (
	"context"
	"fmt"
	"strings"

	"EVMQuery-Chain/internal/agent"
	"EVMQuery-Chain/internal/plan"
	"EVMQuery-Chain/pkg/logger"
)

const (
	// Name 是动作在宿主运行时中的注册名。
	Name = "QUERY_EVM"
	// SettingExplorerAPIKey 是动作可用所需的区块浏览器密钥。
	SettingExplorerAPIKey = "ETHERSCAN_API_KEY"

	interimText = "hang tight, querying substrate..."
)

// similes 是宿主用于匹配动作的同义名称。
var similes = []string{
	"ASK_EVM",
	"GET_CHAIN_DATA",
	"GET_BLOCK",
	"GET_EVM_BALANCE",
	"GET_TRANSACTION_DETAILS",
}

// Example 是一轮示例对话。
type Example struct {
	User  string `json:"user"`
	Agent string `json:"agent"`
}

// examples 提供给宿主的示例对话。
var examples = []Example{
	{User: "How much PEPE does this address hold 0x16b2b042f15564bb8585259f535907f375bdc415", Agent: "Getting balance details for you"},
	{User: "What's the eth balance of this address 0x16b2b042f15564bb8585259f535907f375bdc415", Agent: "This address holds 10 ETH"},
}

// Settings 读取宿主持有的配置与密钥。
type Settings interface {
	GetSetting(key string) string
}

// MapSettings 用 map 实现 Settings。
type MapSettings map[string]string

// GetSetting 实现 Settings。
func (m MapSettings) GetSetting(key string) string { return m[key] }

// Message 是回传给宿主的一条回复。
type Message struct {
	Text    string `json:"text"`
	Content any    `json:"content,omitempty"`
	Error   bool   `json:"error,omitempty"`
}

// Callback 把回复交给宿主渲染。
type Callback func(Message)

// Querier 执行一次查询并返回结果信封。
type Querier interface {
	Query(ctx context.Context, text string) *agent.QueryResult
}

// QueryAction 把 Agent 暴露为宿主可调用的动作。
type QueryAction struct {
	querier Querier
}

// New 创建动作。
func New(querier Querier) *QueryAction {
	return &QueryAction{querier: querier}
}

// Name 返回动作名。
func (a *QueryAction) Name() string { return Name }

// Description 返回动作描述。
func (a *QueryAction) Description() string { return "Query EVM chain based on prompt" }

// Descriptor 是动作注册到宿主时使用的元数据。
type Descriptor struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Similes     []string  `json:"similes"`
	Examples    []Example `json:"examples"`
	Requires    []string  `json:"requires"`
}

// Describe 返回动作元数据，切片为副本。
func (a *QueryAction) Describe() Descriptor {
	return Descriptor{
		Name:        a.Name(),
		Description: a.Description(),
		Similes:     append([]string(nil), similes...),
		Examples:    append([]Example(nil), examples...),
		Requires:    []string{SettingExplorerAPIKey},
	}
}

// Validate 判断动作当前是否可用：需要配置区块浏览器密钥。
func (a *QueryAction) Validate(settings Settings) bool {
	present := settings != nil && strings.TrimSpace(settings.GetSetting(SettingExplorerAPIKey)) != ""
	logger.Named("action").Debug("validate evm query", "explorer_key_present", present)
	return present
}

// Handle 先发送等待提示，再发送查询结果或失败原因。
func (a *QueryAction) Handle(ctx context.Context, text string, callback Callback) *agent.QueryResult {
	if callback == nil {
		callback = func(Message) {}
	}
	logger.FromContext(ctx).Info("evm query request", "text", text)
	callback(Message{Text: interimText})

	result := a.querier.Query(ctx, text)
	if result == nil {
		result = &agent.QueryResult{Error: "Unknown error occurred"}
	}
	if result.Success && result.Data != nil {
		callback(Message{Text: FormatReply(result.Data), Content: result.Data})
	} else {
		callback(Message{Text: "EVM query failed: " + result.Error, Error: true})
	}
	return result
}

// FormatReply 渲染为 "<预期描述> : <实际值>"，余额优先使用格式化后的值。
func FormatReply(data *agent.QueryData) string {
	return fmt.Sprintf("%s : %s", data.ExpectedOutput, displayValue(data.ActualOutput))
}

func displayValue(v any) string {
	switch out := v.(type) {
	case plan.BalanceOutput:
		if out.Formatted != "" {
			return out.Formatted
		}
		return out.Raw
	case *plan.BalanceOutput:
		if out == nil {
			return "<nil>"
		}
		return displayValue(*out)
	case map[string]any:
		if f, ok := out["formatted"]; ok && f != nil {
			return fmt.Sprint(f)
		}
		if r, ok := out["raw"]; ok && r != nil {
			return fmt.Sprint(r)
		}
	}
	return fmt.Sprint(v)
}
