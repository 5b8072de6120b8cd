package agent

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/plan"
)

func decodePlan(t *testing.T, raw string) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.Decode(raw)
	if err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	return p
}

func TestExecutorRunsStepsInOrder(t *testing.T) {
	reader := newFakeReader().
		on("totalSupply", big.NewInt(1000)).
		on("symbol", "PEPE").
		on("name", "Pepe")
	exec := NewExecutor(reader, common.HexToAddress(tokenAddress), mustABI(t, erc20ABI))

	p := decodePlan(t, `{"goal":"g","steps":[
		{"functionName":"totalSupply","description":"a","inputs":[],"expectedOutput":{"type":"uint256","description":"supply"}},
		{"functionName":"symbol","description":"b","inputs":[],"expectedOutput":{"type":"string","description":"symbol"}},
		{"functionName":"name","description":"c","inputs":[],"expectedOutput":{"type":"string","description":"token name"}}]}`)

	result, err := exec.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if got, want := reader.functions(), []string{"totalSupply", "symbol", "name"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected reads: %v", got)
	}
	if result.ExpectedOutput != "token name" || result.ActualOutput != "Pepe" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecutorRejectsEmptyPlan(t *testing.T) {
	exec := NewExecutor(newFakeReader(), common.HexToAddress(tokenAddress), mustABI(t, erc20ABI))
	_, err := exec.ExecutePlan(context.Background(), &plan.ExecutionPlan{})
	if xerrors.CodeOf(err) != xerrors.CodeExecution {
		t.Fatalf("expected execution error, got %v", err)
	}
}

func TestExecutorRejectsBadBackReference(t *testing.T) {
	cases := map[string]string{
		"unknown function": `{"goal":"g","steps":[
			{"functionName":"totalSupply","description":"a","inputs":[],"expectedOutput":{"type":"uint256","description":"s"}},
			{"functionName":"balanceOf","description":"b","inputs":[{"name":"account","type":"address","value":"reference to output of step calling owner"}],"expectedOutput":{"type":"uint256","description":"b"}}]}`,
		"forward reference": `{"goal":"g","steps":[
			{"functionName":"balanceOf","description":"b","inputs":[{"name":"account","type":"address","reference":{"step":1,"function":"owner"}}],"expectedOutput":{"type":"uint256","description":"b"}},
			{"functionName":"owner","description":"a","inputs":[],"expectedOutput":{"type":"address","description":"o"}}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			reader := newFakeReader().on("totalSupply", big.NewInt(1)).on("owner", common.HexToAddress(holder))
			exec := NewExecutor(reader, common.HexToAddress(tokenAddress), mustABI(t, erc20ABI))
			_, err := exec.ExecutePlan(context.Background(), decodePlan(t, raw))
			if xerrors.CodeOf(err) != xerrors.CodeExecution {
				t.Fatalf("expected execution error, got %v", err)
			}
			if n := len(reader.functions()); n != 0 {
				t.Fatalf("expected no reads, got %d", n)
			}
		})
	}
}

func TestExecutorChainsRawOutputs(t *testing.T) {
	owner := common.HexToAddress(holder)
	reader := newFakeReader().on("owner", owner).on("balanceOf", big.NewInt(42)).on("decimals", uint8(0))
	exec := NewExecutor(reader, common.HexToAddress(tokenAddress), mustABI(t, erc20ABI))

	p := decodePlan(t, `{"goal":"g","steps":[
		{"functionName":"owner","description":"a","inputs":[],"expectedOutput":{"type":"address","description":"owner"}},
		{"functionName":"balanceOf","description":"b","inputs":[{"name":"account","type":"address","value":"<retrieved owner>"}],"expectedOutput":{"type":"uint256","description":"owner balance"}}]}`)

	result, err := exec.ExecutePlan(context.Background(), p)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if got := reader.calls[1].args[0]; got != owner {
		t.Fatalf("expected raw owner address as argument, got %#v", got)
	}
	bal, ok := result.ActualOutput.(plan.BalanceOutput)
	if !ok || bal.Raw != "42" || bal.Formatted != "42" {
		t.Fatalf("unexpected output: %#v", result.ActualOutput)
	}
}

func TestExecutorBalanceFormatting(t *testing.T) {
	raw, _ := new(big.Int).SetString("1000000000000000000", 10)
	tests := []struct {
		name      string
		abi       string
		reader    *fakeReader
		formatted string
	}{
		{"with decimals", erc20ABI, newFakeReader().on("balanceOf", raw).on("decimals", uint8(18)), "1.000000000000000000"},
		{"without decimals", noDecimalsABI, newFakeReader().on("balanceOf", raw), "1000000000000000000"},
		{"decimals fails", erc20ABI, newFakeReader().on("balanceOf", raw).fail("decimals", errors.New("reverted")), "1000000000000000000"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewExecutor(tc.reader, common.HexToAddress(tokenAddress), mustABI(t, tc.abi))
			result, err := exec.ExecutePlan(context.Background(), decodePlan(t, balancePlanArgs(holder)))
			if err != nil {
				t.Fatalf("ExecutePlan: %v", err)
			}
			bal, ok := result.ActualOutput.(plan.BalanceOutput)
			if !ok {
				t.Fatalf("expected balance output, got %#v", result.ActualOutput)
			}
			if bal.Raw != "1000000000000000000" || bal.Formatted != tc.formatted {
				t.Fatalf("unexpected balance: %+v", bal)
			}
		})
	}
}

func TestExecutorAbortsOnFailedCall(t *testing.T) {
	reader := newFakeReader().fail("totalSupply", xerrors.New(xerrors.CodeUpstreamUnavailable, "rpc down")).on("symbol", "X")
	exec := NewExecutor(reader, common.HexToAddress(tokenAddress), mustABI(t, erc20ABI))
	p := decodePlan(t, `{"goal":"g","steps":[
		{"functionName":"totalSupply","description":"a","inputs":[],"expectedOutput":{"type":"uint256","description":"s"}},
		{"functionName":"symbol","description":"b","inputs":[],"expectedOutput":{"type":"string","description":"sym"}}]}`)

	_, err := exec.ExecutePlan(context.Background(), p)
	e, ok := xerrors.From(err)
	if !ok || e.Code() != xerrors.CodeExecution {
		t.Fatalf("expected execution error, got %v", err)
	}
	if meta := e.Metadata(); meta["step"] != "0" || meta["function"] != "totalSupply" {
		t.Fatalf("unexpected metadata: %v", meta)
	}
	if got := reader.functions(); len(got) != 1 {
		t.Fatalf("expected a single read, got %v", got)
	}
}

func TestExecutorUnknownFunction(t *testing.T) {
	reader := newFakeReader()
	exec := NewExecutor(reader, common.HexToAddress(tokenAddress), mustABI(t, erc20ABI))
	p := decodePlan(t, `{"goal":"g","steps":[{"functionName":"allowance","description":"a","inputs":[],"expectedOutput":{"type":"uint256","description":"x"}}]}`)
	if _, err := exec.ExecutePlan(context.Background(), p); xerrors.CodeOf(err) != xerrors.CodeExecution {
		t.Fatalf("expected execution error, got %v", err)
	}
	if len(reader.functions()) != 0 {
		t.Fatalf("expected no reads")
	}
}

func TestExecutorKeepsLargeIntegerLiterals(t *testing.T) {
	quoteABI := `[{"type":"function","name":"quote","stateMutability":"view","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}]`
	reader := newFakeReader().on("quote", big.NewInt(7))
	exec := NewExecutor(reader, common.HexToAddress(tokenAddress), mustABI(t, quoteABI))

	p := decodePlan(t, `{"goal":"g","steps":[{"functionName":"quote","description":"q",
		"inputs":[{"name":"amount","type":"uint256","value":123456789012345678901}],
		"expectedOutput":{"type":"uint256","description":"quote"}}]}`)
	if _, err := exec.ExecutePlan(context.Background(), p); err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	want, _ := new(big.Int).SetString("123456789012345678901", 10)
	if len(reader.calls) != 1 || reader.calls[0].args[0].(*big.Int).Cmp(want) != 0 {
		t.Fatalf("literal not sent verbatim: %v", reader.calls)
	}
}

func TestCoerceRejectsImpreciseFloat(t *testing.T) {
	parsed := mustABI(t, `[{"type":"function","name":"quote","stateMutability":"view","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}]`)
	typ := parsed.Methods["quote"].Inputs[0].Type
	if _, err := coerceArg(typ, float64(1<<60)); err == nil {
		t.Fatalf("expected float above 2^53 to be rejected")
	}
	if _, err := coerceArg(typ, 1.5); err == nil {
		t.Fatalf("expected fractional float to be rejected")
	}
	n, err := coerceArg(typ, float64(1<<40))
	if err != nil || n.(*big.Int).Int64() != 1<<40 {
		t.Fatalf("exact float: %v %v", n, err)
	}
}
