package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/pkg/logger"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxTries = 3
)

// EtherscanConfig 描述 Etherscan 兼容 API 的访问参数。
type EtherscanConfig struct {
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	MaxTries uint
}

// Etherscan 通过 getabi 与 getsourcecode 获取合约元数据。
type Etherscan struct {
	apiKey     string
	baseURL    string
	maxTries   uint
	httpClient *http.Client
	// retryWait 为 nil 时使用指数退避，测试中可替换为固定间隔。
	retryWait backoff.BackOff
}

// NewEtherscan 创建客户端，缺少 API Key 或地址属于配置错误。
func NewEtherscan(cfg EtherscanConfig) (*Etherscan, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "ETHERSCAN_API_KEY is not configured")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "ETHERSCAN_API_URL is not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tries := cfg.MaxTries
	if tries == 0 {
		tries = defaultMaxTries
	}
	return &Etherscan{
		apiKey:     apiKey,
		baseURL:    baseURL,
		maxTries:   tries,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Fetch 实现 Source。ABI 与源码任一请求失败均视为整体失败。
func (e *Etherscan) Fetch(ctx context.Context, chainID, address string) (ContractData, error) {
	abiResult, err := e.call(ctx, chainID, address, "getabi")
	if err != nil {
		return ContractData{}, err
	}
	sourceResult, err := e.call(ctx, chainID, address, "getsourcecode")
	if err != nil {
		return ContractData{}, err
	}

	var abiText string
	if err := json.Unmarshal(abiResult, &abiText); err != nil {
		return ContractData{}, xerrors.Wrap(xerrors.CodeContractMetadata, err, "decode abi result")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(abiText), "", "  "); err != nil {
		return ContractData{}, xerrors.Wrap(xerrors.CodeContractMetadata, err, "abi result is not valid json")
	}

	var sources []struct {
		SourceCode string `json:"SourceCode"`
	}
	if err := json.Unmarshal(sourceResult, &sources); err != nil {
		return ContractData{}, xerrors.Wrap(xerrors.CodeContractMetadata, err, "decode source code result")
	}
	data := ContractData{ABI: json.RawMessage(pretty.Bytes())}
	if len(sources) > 0 {
		data.SourceCode = sources[0].SourceCode
	}
	return data, nil
}

func (e *Etherscan) call(ctx context.Context, chainID, address, action string) (json.RawMessage, error) {
	policy := e.retryWait
	if policy == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = time.Second
		policy = exp
	}
	notify := func(err error, wait time.Duration) {
		logger.FromContext(ctx).Warn("explorer request failed, retrying",
			"action", action, "address", address, "wait", wait.String(), "error", err)
	}
	op := func() (json.RawMessage, error) {
		result, err := e.callOnce(ctx, chainID, address, action)
		if err != nil && !xerrors.RetryableError(err) {
			return nil, backoff.Permanent(err)
		}
		return result, err
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(policy), backoff.WithMaxTries(e.maxTries), backoff.WithNotify(notify))
}

func (e *Etherscan) callOnce(ctx context.Context, chainID, address, action string) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("chainid", chainID)
	query.Set("module", "contract")
	query.Set("action", action)
	query.Set("address", address)
	query.Set("apikey", e.apiKey)

	endpoint := e.baseURL
	if strings.Contains(endpoint, "?") {
		endpoint += "&" + query.Encode()
	} else {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build explorer request")
	}
	meta := []xerrors.Option{xerrors.WithMetadata("action", action), xerrors.WithMetadata("address", address)}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "explorer request failed", meta...)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		opts := append(meta, xerrors.WithRetryable(retryable), xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable,
			fmt.Sprintf("explorer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), opts...)
	}

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContractMetadata, err, "decode explorer response", meta...)
	}
	if decoded.Status != "1" {
		reason := decoded.Message
		var text string
		if json.Unmarshal(decoded.Result, &text) == nil && text != "" {
			reason = text
		}
		if isRateLimited(reason) {
			return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "explorer rate limit: "+reason, meta...)
		}
		return nil, xerrors.New(xerrors.CodeContractMetadata, "failed to fetch contract data: "+reason, meta...)
	}
	return decoded.Result, nil
}

func isRateLimited(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "rate limit")
}
