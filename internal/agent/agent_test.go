package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/llm"
	"EVMQuery-Chain/internal/plan"
	"EVMQuery-Chain/internal/storage/mysql"
)

type countingRecorder struct {
	mu       sync.Mutex
	queries  []string
	attempts []string
}

func (r *countingRecorder) ObserveQuery(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, outcome)
}

func (r *countingRecorder) ObservePlanAttempt(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, outcome)
}

func oneEther() *big.Int {
	v, _ := new(big.Int).SetString("1000000000000000000", 10)
	return v
}

func TestAgentBalanceScenario(t *testing.T) {
	model := newFakeModel().
		reply(intentTool.Name, intentArgs("get user balance for token", tokenAddress, holder)).
		reply(planTool.Name, balancePlanArgs(holder)).
		reply(critiqueTool.Name, critiqueArgs(true, "looks good"))
	provider := newFakeProvider().add(tokenAddress, erc20ABI, "")
	reader := newFakeReader().on("balanceOf", oneEther()).on("decimals", uint8(18))
	history, err := mysql.NewMemoryQueryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	recorder := &countingRecorder{}

	ag := New(model, provider, reader, WithHistory(history), WithMetrics(recorder))
	result, err := ag.Execute(context.Background(), QueryRequest{ID: "q-1", Query: "what's the balance of " + holder})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.Data == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
	bal, ok := result.Data.ActualOutput.(plan.BalanceOutput)
	if !ok || bal.Formatted != "1.000000000000000000" || bal.Raw != "1000000000000000000" {
		t.Fatalf("unexpected output: %#v", result.Data.ActualOutput)
	}
	if result.Data.ExpectedOutput != "token balance" || result.Attempts != 1 {
		t.Fatalf("unexpected envelope: %+v", result)
	}
	if got := reader.functions(); len(got) != 2 || got[0] != "balanceOf" || got[1] != "decimals" {
		t.Fatalf("unexpected reads: %v", got)
	}

	rec, err := history.GetByQueryID(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("history not recorded: %v", err)
	}
	if !rec.Success || rec.Contract != tokenAddress || !strings.Contains(rec.ActualOutput, "1.000000000000000000") {
		t.Fatalf("unexpected history record: %+v", rec)
	}
	if len(recorder.queries) != 1 || recorder.queries[0] != "success" || recorder.attempts[0] != AttemptAccepted {
		t.Fatalf("unexpected metrics: %+v", recorder)
	}
}

func TestAgentNoGoal(t *testing.T) {
	model := newFakeModel().reply(intentTool.Name, intentArgs("gas price", "", ""))
	reader := newFakeReader()
	provider := newFakeProvider()

	result := New(model, provider, reader).Query(context.Background(), "what's the current gas price?")
	if result.Success {
		t.Fatalf("expected failure")
	}
	if result.Error != "Unable to extract a valid smart contract query from intent" || result.Code != string(xerrors.CodeNoInteraction) {
		t.Fatalf("unexpected error: %+v", result)
	}
	if len(reader.functions()) != 0 || len(provider.requested) != 0 {
		t.Fatalf("expected no chain or metadata access")
	}
	if len(model.calls(planTool.Name)) != 0 {
		t.Fatalf("planner must not run")
	}
}

func TestAgentExhaustsRetries(t *testing.T) {
	model := newFakeModel().
		reply(intentTool.Name, intentArgs("get balance", tokenAddress, holder)).
		reply(planTool.Name, balancePlanArgs(holder))
	for i := 1; i <= 5; i++ {
		model.reply(critiqueTool.Name, critiqueArgs(false, fmt.Sprintf("feedback-%d", i)))
	}
	reader := newFakeReader().on("balanceOf", oneEther())
	recorder := &countingRecorder{}

	ag := New(model, newFakeProvider().add(tokenAddress, erc20ABI, ""), reader, WithMetrics(recorder))
	result, err := ag.Execute(context.Background(), QueryRequest{Query: "balance?"})
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "exhausted retries") || result.Attempts != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if n := len(model.calls(planTool.Name)); n != 5 {
		t.Fatalf("expected 5 plan generations, got %d", n)
	}
	if n := len(model.calls(critiqueTool.Name)); n != 5 {
		t.Fatalf("expected 5 critiques, got %d", n)
	}
	if len(reader.functions()) != 0 {
		t.Fatalf("expected zero execution reads, got %v", reader.functions())
	}
	if len(recorder.attempts) != 5 || recorder.attempts[4] != AttemptRejected {
		t.Fatalf("unexpected attempt metrics: %v", recorder.attempts)
	}
}

func TestAgentThreadsFeedbackToNextAttemptOnly(t *testing.T) {
	model := newFakeModel().
		reply(intentTool.Name, intentArgs("get balance", tokenAddress, holder)).
		reply(planTool.Name, balancePlanArgs(holder)).
		reply(critiqueTool.Name,
			critiqueArgs(false, "feedback-1"),
			critiqueArgs(false, "feedback-2"),
			critiqueArgs(true, "ok"),
			critiqueArgs(false, "never used"))
	reader := newFakeReader().on("balanceOf", oneEther()).on("decimals", uint8(18))

	result, err := New(model, newFakeProvider().add(tokenAddress, erc20ABI, ""), reader).
		Execute(context.Background(), QueryRequest{Query: "balance?"})
	if err != nil || !result.Success {
		t.Fatalf("Execute: %+v %v", result, err)
	}

	prompts := model.calls(planTool.Name)
	if len(prompts) != 3 || len(model.calls(critiqueTool.Name)) != 3 {
		t.Fatalf("loop must stop at the first accepted plan, got %d plans", len(prompts))
	}
	if strings.Contains(prompts[0].User, "Previous plan critique") {
		t.Fatalf("first attempt must not carry feedback")
	}
	if !strings.Contains(prompts[1].User, "feedback-1") || strings.Contains(prompts[1].User, "feedback-2") {
		t.Fatalf("attempt 2 prompt has wrong feedback:\n%s", prompts[1].User)
	}
	if !strings.Contains(prompts[2].User, "feedback-2") || strings.Contains(prompts[2].User, "feedback-1") {
		t.Fatalf("attempt 3 prompt has wrong feedback:\n%s", prompts[2].User)
	}
}

func TestAgentAttemptErrorConsumesRetry(t *testing.T) {
	model := newFakeModel().
		reply(intentTool.Name, intentArgs("get balance", tokenAddress, holder)).
		reply(planTool.Name, `not json`, balancePlanArgs(holder)).
		reply(critiqueTool.Name, critiqueArgs(true, "ok"))
	reader := newFakeReader().on("balanceOf", oneEther())

	result, err := New(model, newFakeProvider().add(tokenAddress, noDecimalsABI, ""), reader).
		Execute(context.Background(), QueryRequest{Query: "balance?"})
	if err != nil || result.Attempts != 2 {
		t.Fatalf("expected success on attempt 2, got %+v %v", result, err)
	}
}

func TestAgentTransientErrorAbortsWithoutConsumingAttempts(t *testing.T) {
	model := newFakeModel().
		reply(intentTool.Name, intentArgs("get balance", tokenAddress, holder)).
		replyErr(planTool.Name, xerrors.New(xerrors.CodeUpstreamUnavailable, "429 too many requests"))

	result, err := New(model, newFakeProvider().add(tokenAddress, erc20ABI, ""), newFakeReader(),
		WithRetry(llm.RetryConfig{MaxTries: 2, InitialInterval: time.Millisecond})).
		Execute(context.Background(), QueryRequest{Query: "balance?"})
	if !xerrors.RetryableError(err) || result.Success {
		t.Fatalf("expected retryable failure, got %+v %v", result, err)
	}
	if n := len(model.calls(planTool.Name)); n != 2 {
		t.Fatalf("expected the retry budget to be spent on one attempt, got %d plan calls", n)
	}
	if result.Attempts > 1 {
		t.Fatalf("transient errors must not consume plan attempts, got %d", result.Attempts)
	}
}

func TestAgentRetriesTransientModelErrors(t *testing.T) {
	model := newFakeModel().
		reply(intentTool.Name, intentArgs("get balance", tokenAddress, holder)).
		replyErr(planTool.Name, xerrors.New(xerrors.CodeUpstreamUnavailable, "429 too many requests")).
		reply(planTool.Name, balancePlanArgs(holder)).
		reply(critiqueTool.Name, critiqueArgs(true, "ok"))
	reader := newFakeReader().on("balanceOf", oneEther())

	result, err := New(model, newFakeProvider().add(tokenAddress, noDecimalsABI, ""), reader,
		WithRetry(llm.RetryConfig{MaxTries: 3, InitialInterval: time.Millisecond})).
		Execute(context.Background(), QueryRequest{Query: "balance?"})
	if err != nil || !result.Success {
		t.Fatalf("expected the bare model to be retried, got %+v %v", result, err)
	}
	if result.Attempts != 1 || len(model.calls(planTool.Name)) != 2 {
		t.Fatalf("expected one attempt with two plan calls, got %d attempts", result.Attempts)
	}
}

func TestAgentExecutionErrorIsFatal(t *testing.T) {
	model := newFakeModel().
		reply(intentTool.Name, intentArgs("get balance", tokenAddress, holder)).
		reply(planTool.Name, balancePlanArgs(holder)).
		reply(critiqueTool.Name, critiqueArgs(true, "ok"))
	reader := newFakeReader().fail("balanceOf", errors.New("execution reverted"))

	result, err := New(model, newFakeProvider().add(tokenAddress, erc20ABI, ""), reader).
		Execute(context.Background(), QueryRequest{Query: "balance?"})
	if xerrors.CodeOf(err) != xerrors.CodeExecution || result.Success {
		t.Fatalf("expected execution failure, got %+v %v", result, err)
	}
	if n := len(model.calls(planTool.Name)); n != 1 {
		t.Fatalf("execution errors must not trigger new plans, got %d", n)
	}
}

func TestAgentLLMTimeout(t *testing.T) {
	slow := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (*llm.ToolCall, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil, llm.ErrNoToolCall
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	ag := New(slow, newFakeProvider(), newFakeReader(), WithLLMTimeout(10*time.Millisecond),
		WithRetry(llm.RetryConfig{MaxTries: 2, InitialInterval: time.Millisecond}))

	_, err := ag.Execute(context.Background(), QueryRequest{Query: "balance?"})
	if !errors.Is(err, context.DeadlineExceeded) || xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestAgentLLMTimeoutAppliesPerAttempt(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	model := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.ToolCall, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, llm.ErrNoToolCall
	})
	ag := New(model, newFakeProvider(), newFakeReader(), WithLLMTimeout(20*time.Millisecond),
		WithRetry(llm.RetryConfig{MaxTries: 3, InitialInterval: time.Millisecond}))

	_, err := ag.Execute(context.Background(), QueryRequest{Query: "balance?"})
	if xerrors.CodeOf(err) == xerrors.CodeTimeout {
		t.Fatalf("a timed out attempt must be followed by a fresh one, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two intent calls, got %d", calls)
	}
}

func TestAgentDefaults(t *testing.T) {
	if got := New(nil, nil, nil, WithMaxRetries(0)).MaxRetries(); got != DefaultMaxRetries {
		t.Fatalf("expected default retries, got %d", got)
	}
	if got := New(nil, nil, nil, WithMaxRetries(2)).MaxRetries(); got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
	result, err := New(nil, nil, nil).Execute(context.Background(), QueryRequest{Query: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure || result.QueryID == "" {
		t.Fatalf("expected initialization failure with query id, got %+v %v", result, err)
	}
}
