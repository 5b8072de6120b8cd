package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/explorer"
	"EVMQuery-Chain/internal/llm"
	"EVMQuery-Chain/internal/web3"
)

const (
	tokenAddress = "0x6982508145454Ce325dDbE47a25d4ec3d2311933"
	implAddress  = "0x1111111111111111111111111111111111111111"
	holder       = "0x16b2b042f15564bb8585259f535907f375bdc415"
)

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const noDecimalsABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const proxyABI = `[
  {"type":"function","name":"implementation","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"upgradeTo","stateMutability":"nonpayable","inputs":[{"name":"impl","type":"address"}],"outputs":[]}
]`

func mustABI(t *testing.T, raw string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

// fakeProvider 按小写地址返回固定的合约元数据。
type fakeProvider struct {
	mu        sync.Mutex
	contracts map[string]explorer.ContractData
	requested []string
	cached    []bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{contracts: make(map[string]explorer.ContractData)}
}

func (p *fakeProvider) add(address, abiJSON, source string) *fakeProvider {
	p.contracts[strings.ToLower(address)] = explorer.ContractData{ABI: json.RawMessage(abiJSON), SourceCode: source}
	return p
}

func (p *fakeProvider) GetContractData(_ context.Context, _ string, address string, useCache bool) (explorer.ContractData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requested = append(p.requested, strings.ToLower(address))
	p.cached = append(p.cached, useCache)
	data, ok := p.contracts[strings.ToLower(address)]
	if !ok {
		return explorer.ContractData{}, xerrors.New(xerrors.CodeContractMetadata, "failed to fetch contract data: NOTOK")
	}
	return data, nil
}

type readCall struct {
	function string
	args     []any
}

// fakeReader 记录每一次合约读取并按函数名返回预设结果。
type fakeReader struct {
	mu        sync.Mutex
	calls     []readCall
	responses map[string]func(args []any) ([]any, error)
}

func newFakeReader() *fakeReader {
	return &fakeReader{responses: make(map[string]func(args []any) ([]any, error))}
}

func (r *fakeReader) on(function string, values ...any) *fakeReader {
	r.responses[function] = func([]any) ([]any, error) { return values, nil }
	return r
}

func (r *fakeReader) fail(function string, err error) *fakeReader {
	r.responses[function] = func([]any) ([]any, error) { return nil, err }
	return r
}

func (r *fakeReader) ReadContract(_ context.Context, call web3.ContractCall) ([]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, readCall{function: call.Method.Name, args: call.Args})
	respond, ok := r.responses[call.Method.Name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeExecution, "execution reverted")
	}
	return respond(call.Args)
}

func (r *fakeReader) functions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.function)
	}
	return out
}

type reply struct {
	args string
	err  error
}

// fakeModel 按工具名依次返回预设回复，回复用完后重复最后一条。
type fakeModel struct {
	mu       sync.Mutex
	replies  map[string][]reply
	requests []llm.Request
}

func newFakeModel() *fakeModel {
	return &fakeModel{replies: make(map[string][]reply)}
}

func (m *fakeModel) reply(tool string, args ...string) *fakeModel {
	for _, a := range args {
		m.replies[tool] = append(m.replies[tool], reply{args: a})
	}
	return m
}

func (m *fakeModel) replyErr(tool string, err error) *fakeModel {
	m.replies[tool] = append(m.replies[tool], reply{err: err})
	return m
}

func (m *fakeModel) CallTool(_ context.Context, req llm.Request) (*llm.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.count(req.Tool.Name)
	m.requests = append(m.requests, req)
	queue := m.replies[req.Tool.Name]
	if len(queue) == 0 {
		return nil, llm.ErrNoToolCall
	}
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	r := queue[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.ToolCall{Name: req.Tool.Name, Arguments: r.args}, nil
}

func (m *fakeModel) count(tool string) int {
	n := 0
	for _, req := range m.requests {
		if req.Tool.Name == tool {
			n++
		}
	}
	return n
}

func (m *fakeModel) calls(tool string) []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []llm.Request
	for _, req := range m.requests {
		if req.Tool.Name == tool {
			out = append(out, req)
		}
	}
	return out
}

func intentArgs(intent, contract, eoa string) string {
	payload := map[string]any{"intent": intent, "contract": nil, "eoa": nil}
	if contract != "" {
		payload["contract"] = contract
	}
	if eoa != "" {
		payload["eoa"] = eoa
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func balancePlanArgs(account string) string {
	return `{"goal":"get balance","steps":[{"functionName":"balanceOf","description":"read the holder balance",` +
		`"inputs":[{"name":"account","type":"address","value":"` + account + `"}],` +
		`"expectedOutput":{"type":"uint256","description":"token balance"}}]}`
}

func critiqueArgs(valid bool, feedback string) string {
	data, _ := json.Marshal(map[string]any{"isValid": valid, "feedback": feedback})
	return string(data)
}
