package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/explorer"
	"EVMQuery-Chain/internal/llm"
	"EVMQuery-Chain/internal/plan"
	"EVMQuery-Chain/internal/storage/mysql"
	"EVMQuery-Chain/internal/web3"
	"EVMQuery-Chain/pkg/logger"
)

const (
	// DefaultMaxRetries 是单次请求内生成/评审的最大轮数。
	DefaultMaxRetries = 5
	// DefaultChainID 是未指定链时使用的以太坊主网。
	DefaultChainID = "1"
)

// 计划尝试的结果标签。
const (
	AttemptAccepted = "accepted"
	AttemptRejected = "rejected"
	AttemptFailed   = "failed"
)

// QueryRequest 描述一次自然语言查询。
type QueryRequest struct {
	ID    string `json:"id,omitempty"`
	Query string `json:"query"`
}

// QueryData 是成功查询的预期描述与实际输出。
type QueryData struct {
	ExpectedOutput string `json:"expectedOutput"`
	ActualOutput   any    `json:"actualOutput"`
}

// QueryResult 是对外返回的结果信封，失败时只包含一行错误描述。
type QueryResult struct {
	QueryID  string     `json:"query_id"`
	Success  bool       `json:"success"`
	Data     *QueryData `json:"data,omitempty"`
	Error    string     `json:"error,omitempty"`
	Code     string     `json:"code,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
}

// Recorder 接收查询与计划尝试的统计信息。
type Recorder interface {
	ObserveQuery(outcome string, elapsed time.Duration)
	ObservePlanAttempt(outcome string)
}

// Agent 串联意图抽取、合约解析、计划生成/评审与执行，是系统的业务核心。
type Agent struct {
	model      llm.Client
	metadata   explorer.Provider
	reader     web3.ContractReader
	chainID    string
	maxRetries int
	llmTimeout time.Duration
	retry      llm.RetryConfig
	history    mysql.QueryRepository
	metrics    Recorder
	noCache    bool
	now        func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMaxRetries 设置生成/评审的最大轮数，非正数使用默认值。
func WithMaxRetries(n int) Option {
	return func(a *Agent) {
		a.maxRetries = n
	}
}

// WithLLMTimeout 为每次模型调用设置超时时间。超时作用于单次尝试，
// 退避重试各自获得完整的时限。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithRetry 配置模型瞬时故障的重试策略。传入的模型已是 *llm.RetryingClient 时不生效。
func WithRetry(cfg llm.RetryConfig) Option {
	return func(a *Agent) {
		a.retry = cfg
	}
}

// WithChainID 指定查询使用的链。
func WithChainID(chainID string) Option {
	return func(a *Agent) {
		if chainID != "" {
			a.chainID = chainID
		}
	}
}

// WithoutMetadataCache 每次请求都重新拉取合约元数据。
func WithoutMetadataCache() Option {
	return func(a *Agent) {
		a.noCache = true
	}
}

// WithHistory 配置查询历史仓库。
func WithHistory(repo mysql.QueryRepository) Option {
	return func(a *Agent) {
		a.history = repo
	}
}

// WithMetrics 配置统计接收方。
func WithMetrics(r Recorder) Option {
	return func(a *Agent) {
		a.metrics = r
	}
}

// New 创建一个 Agent。model 不是 *llm.RetryingClient 时会被包装为重试客户端：
// 规划循环遇到可重试错误会直接终止请求，瞬时故障只能在模型调用层消化。
func New(model llm.Client, metadata explorer.Provider, reader web3.ContractReader, opts ...Option) *Agent {
	ag := &Agent{
		model:      model,
		metadata:   metadata,
		reader:     reader,
		chainID:    DefaultChainID,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.maxRetries <= 0 {
		ag.maxRetries = DefaultMaxRetries
	}
	if ag.model != nil {
		rc, ok := ag.model.(*llm.RetryingClient)
		if !ok {
			rc = llm.NewRetryingClient(ag.model, ag.retry)
		}
		if ag.llmTimeout > 0 {
			rc = rc.WithAttemptTimeout(ag.llmTimeout)
		}
		ag.model = rc
	}
	return ag
}

// MaxRetries 返回生效的最大轮数。
func (a *Agent) MaxRetries() int { return a.maxRetries }

// Query 执行查询并总是返回结果信封。
func (a *Agent) Query(ctx context.Context, text string) *QueryResult {
	result, _ := a.Execute(ctx, QueryRequest{Query: text})
	return result
}

// Execute 执行一次完整查询。返回的结果总是非 nil；出错时同时返回原始错误，
// 供任务处理器判断是否可重试。
func (a *Agent) Execute(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = logger.WithQueryID(ctx, req.ID)
	log := logger.FromContext(ctx)
	started := a.now()

	tr := &trace{}
	execResult, err := a.run(ctx, req.Query, tr)

	result := &QueryResult{QueryID: req.ID, Attempts: tr.attempts}
	if err != nil {
		result.Error = xerrors.MessageOf(err)
		result.Code = string(xerrors.CodeOf(err))
		log.Error("query failed", "error", err, "attempts", tr.attempts)
	} else {
		result.Success = true
		result.Data = &QueryData{ActualOutput: execResult.ActualOutput}
		if s, ok := execResult.ExpectedOutput.(string); ok {
			result.Data.ExpectedOutput = s
		} else {
			result.Data.ExpectedOutput = fmt.Sprint(execResult.ExpectedOutput)
		}
		log.Info("query succeeded", "attempts", tr.attempts)
	}

	a.record(ctx, req, tr, result, started)
	if a.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = result.Code
		}
		a.metrics.ObserveQuery(outcome, a.now().Sub(started))
	}
	logger.Audit().Info("query finished",
		"query_id", req.ID,
		"contract", tr.goal.Contract,
		"success", result.Success,
		"code", result.Code,
		"attempts", tr.attempts,
	)
	return result, err
}

// trace 记录请求在各阶段得到的中间信息，用于历史与审计。
type trace struct {
	goal     plan.Goal
	attempts int
}

func (a *Agent) run(ctx context.Context, text string, tr *trace) (*plan.ExecutionResult, error) {
	if a.model == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "llm client is not configured")
	}
	log := logger.FromContext(ctx)

	log.Info("extracting intent")
	goal, err := NewIntentExtractor(a.model).ExtractIntent(ctx, text)
	if err != nil {
		return nil, err
	}
	tr.goal = goal
	log.Info("intent extracted", "intent", goal.Intent, "contract", goal.Contract, "eoa", goal.EOA)

	log.Info("resolving contract context")
	resolver := NewResolver(a.metadata, a.reader)
	if a.noCache {
		resolver.BypassCache()
	}
	cc, err := resolver.Resolve(ctx, a.chainID, goal.Contract)
	if err != nil {
		return nil, err
	}

	accepted, err := a.planLoop(ctx, goal, cc, tr)
	if err != nil {
		return nil, err
	}

	log.Info("executing plan", "goal", accepted.Goal, "steps", len(accepted.Steps))
	return NewExecutor(a.reader, cc.Address, cc.ABI).ExecutePlan(ctx, accepted)
}

// planLoop 交替生成与评审，返回第一份通过的计划。
// 单轮内的普通错误消耗一次尝试；重试后仍然失败的瞬时错误直接终止请求，不占用计划轮数。
func (a *Agent) planLoop(ctx context.Context, goal plan.Goal, cc *ContractContext, tr *trace) (*plan.ExecutionPlan, error) {
	planner := NewPlanner(a.model)
	critic := NewCritic(a.model)
	gen := NewGenerationContext(cc)
	critiqueCtx := NewCritiqueContext(cc)
	params := planParams(goal)

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		tr.attempts = attempt
		log := logger.FromContext(ctx).With("attempt", attempt, "max_retries", a.maxRetries)
		log.Info("creating plan")

		candidate, verdict, err := a.attempt(ctx, planner, critic, goal, params, gen, critiqueCtx)
		if err != nil {
			if xerrors.RetryableError(err) || ctx.Err() != nil {
				return nil, err
			}
			log.Error("plan attempt failed", "error", err)
			a.observeAttempt(AttemptFailed)
			gen = gen.IncorporateFeedback("")
			continue
		}
		if verdict.IsValid {
			log.Info("plan accepted", "steps", len(candidate.Steps))
			a.observeAttempt(AttemptAccepted)
			return candidate, nil
		}
		log.Warn("plan rejected", "feedback", verdict.Feedback)
		a.observeAttempt(AttemptRejected)
		gen = gen.IncorporateFeedback(verdict.Feedback)
	}

	return nil, xerrors.New(xerrors.CodeRetriesExhausted,
		fmt.Sprintf("exhausted retries: failed to create valid plan after %d attempts", a.maxRetries),
		xerrors.WithMetadata("attempts", strconv.Itoa(a.maxRetries)),
	)
}

func (a *Agent) attempt(ctx context.Context, planner *Planner, critic *Critic, goal plan.Goal, params map[string]any,
	gen GenerationContext, critiqueCtx CritiqueContext) (*plan.ExecutionPlan, plan.Critique, error) {
	candidate, err := planner.CreatePlan(ctx, goal, params, gen)
	if err != nil {
		return nil, plan.Critique{}, err
	}
	verdict, err := critic.CritiquePlan(ctx, goal, candidate, critiqueCtx)
	if err != nil {
		return nil, plan.Critique{}, err
	}
	return candidate, verdict, nil
}

func (a *Agent) observeAttempt(outcome string) {
	if a.metrics != nil {
		a.metrics.ObservePlanAttempt(outcome)
	}
}

// planParams 是提供给计划生成的已知参数。
func planParams(goal plan.Goal) map[string]any {
	params := map[string]any{"contract": goal.Contract, "eoa": nil}
	if goal.EOA != "" {
		params["eoa"] = goal.EOA
	}
	return params
}

// record 保存查询历史。存储失败只记录日志，不影响返回结果。
func (a *Agent) record(ctx context.Context, req QueryRequest, tr *trace, result *QueryResult, started time.Time) {
	if a.history == nil {
		return
	}
	rec := &mysql.QueryRecord{
		QueryID:   req.ID,
		Query:     req.Query,
		Intent:    tr.goal.Intent,
		Contract:  tr.goal.Contract,
		ChainID:   a.chainID,
		Success:   result.Success,
		Error:     result.Error,
		Attempts:  tr.attempts,
		CreatedAt: started.Unix(),
	}
	if result.Data != nil {
		rec.ExpectedOutput = result.Data.ExpectedOutput
		if encoded, err := json.Marshal(result.Data.ActualOutput); err == nil {
			rec.ActualOutput = string(encoded)
		}
	}
	if err := a.history.Save(ctx, rec); err != nil {
		logger.FromContext(ctx).Warn("failed to save query history", "error", err)
	}
}

// ListHistory 获取最近的查询记录。
func (a *Agent) ListHistory(ctx context.Context, limit int) ([]mysql.QueryRecord, error) {
	if a.history == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "query history is not configured")
	}
	records, err := a.history.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list query history")
	}
	return records, nil
}
