package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/pkg/logger"
)

const (
	defaultMaxTries        = 4
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
)

// RetryConfig 控制瞬时故障的重试行为。
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout 限制单次调用耗时，0 表示不限制。退避等待不计入。
	AttemptTimeout time.Duration
}

// RetryingClient 在底层客户端返回可重试错误（超时、限流、5xx）时按指数退避重试。
// 其他错误（包括 ErrNoToolCall）立即返回。
type RetryingClient struct {
	next Client
	cfg  RetryConfig
}

// NewRetryingClient 包装 next。
func NewRetryingClient(next Client, cfg RetryConfig) *RetryingClient {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultMaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	return &RetryingClient{next: next, cfg: cfg}
}

// WithAttemptTimeout 返回一个副本，其每次尝试都受 timeout 约束。
func (c *RetryingClient) WithAttemptTimeout(timeout time.Duration) *RetryingClient {
	cp := *c
	cp.cfg.AttemptTimeout = max(timeout, 0)
	return &cp
}

// CallTool 实现 Client。
func (c *RetryingClient) CallTool(ctx context.Context, req Request) (*ToolCall, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialInterval
	policy.MaxInterval = c.cfg.MaxInterval

	operation := func() (*ToolCall, error) {
		call, err := c.attempt(ctx, req)
		if err == nil {
			return call, nil
		}
		if !xerrors.RetryableError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		logger.FromContext(ctx).Warn("llm call failed, retrying",
			"tool", req.Tool.Name, "wait", wait.String(), "error", err)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithNotify(notify),
	)
}

func (c *RetryingClient) attempt(ctx context.Context, req Request) (*ToolCall, error) {
	if c.cfg.AttemptTimeout <= 0 {
		return c.next.CallTool(ctx, req)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()
	call, err := c.next.CallTool(callCtx, req)
	// 单次尝试超时而调用方仍然有效时，按可重试的超时处理。
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "llm call timed out")
		}
	}
	return call, err
}
