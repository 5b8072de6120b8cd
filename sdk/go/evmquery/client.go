// Package evmquery is a small HTTP client for the evmqueryd REST API.
package evmquery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous queries run the whole plan/critique loop, so it is generous.
const DefaultHTTPTimeout = 2 * time.Minute

// Task statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with evmqueryd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Data is the payload of a successful query.
type Data struct {
	ExpectedOutput string `json:"expectedOutput"`
	ActualOutput   any    `json:"actualOutput"`
}

// Result is the envelope returned for every query, successful or not.
type Result struct {
	QueryID  string `json:"query_id"`
	Success  bool   `json:"success"`
	Data     *Data  `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Task is an asynchronous query tracked by the server.
type Task struct {
	ID         string  `json:"id"`
	Query      string  `json:"query"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// Record is one entry of the query history.
type Record struct {
	ID             int64  `json:"id"`
	QueryID        string `json:"query_id"`
	Query          string `json:"query"`
	Intent         string `json:"intent"`
	Contract       string `json:"contract"`
	ChainID        string `json:"chain_id"`
	Success        bool   `json:"success"`
	ExpectedOutput string `json:"expected_output"`
	ActualOutput   string `json:"actual_output"`
	Error          string `json:"error,omitempty"`
	Attempts       int    `json:"attempts"`
	CreatedAt      int64  `json:"created_at"`
}

// Health is the /healthz payload.
type Health struct {
	Status string                     `json:"status"`
	Chains map[string]json.RawMessage `json:"chains,omitempty"`
	Errors map[string]string          `json:"errors,omitempty"`
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Statuses []string
	Query    string
	Limit    int
}

// APIError represents a non-2xx response without a query envelope.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("evmquery api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("evmquery api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token (API key or JWT) sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Query runs a query synchronously. Failed queries come back as a Result
// with Success=false and a nil error; transport and validation problems
// surface as *APIError.
func (c *Client) Query(ctx context.Context, id, query string) (*Result, error) {
	var result Result
	err := c.post(ctx, "/api/v1/queries", map[string]any{"id": id, "query": query}, &result)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && result.QueryID != "" {
			return &result, nil
		}
		return nil, err
	}
	return &result, nil
}

// Submit enqueues a query and returns the pending task.
func (c *Client) Submit(ctx context.Context, id, query string) (*Task, error) {
	var t Task
	if err := c.post(ctx, "/api/v1/queries", map[string]any{"id": id, "query": query, "async": true}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches an asynchronous query by id.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.get(ctx, "/api/v1/queries/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks lists asynchronous queries, most recently updated first.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	values := url.Values{}
	if len(opts.Statuses) > 0 {
		values.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Query != "" {
		values.Set("q", opts.Query)
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	var tasks []Task
	if err := c.get(ctx, "/api/v1/queries", values, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Wait polls GetTask until the task is done or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Done() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// History returns the latest recorded queries.
func (c *Client) History(ctx context.Context, limit int) ([]Record, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var records []Record
	if err := c.get(ctx, "/api/v1/history", values, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Health reads /healthz. A 503 still decodes the body and returns an *APIError.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.get(ctx, "/healthz", nil, &h)
	if h.Status != "" {
		return &h, err
	}
	return nil, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do decodes the body into out even on error statuses, so query envelopes
// and health reports are not lost.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
			if out != nil {
				_ = json.Unmarshal(data, out)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
