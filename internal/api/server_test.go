package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"EVMQuery-Chain/internal/agent"
	"EVMQuery-Chain/internal/auth"
	xerrors "EVMQuery-Chain/internal/errors"
	"EVMQuery-Chain/internal/observability/metrics"
	"EVMQuery-Chain/internal/storage/mysql"
	"EVMQuery-Chain/internal/task"
	"EVMQuery-Chain/internal/web3"
)

type stubRunner struct {
	result *agent.QueryResult
	err    error
	got    []agent.QueryRequest
}

func (s *stubRunner) Execute(_ context.Context, req agent.QueryRequest) (*agent.QueryResult, error) {
	s.got = append(s.got, req)
	return s.result, s.err
}

type stubHistory []mysql.QueryRecord

func (h stubHistory) ListHistory(_ context.Context, limit int) ([]mysql.QueryRecord, error) {
	if limit < len(h) {
		return h[:limit], nil
	}
	return h, nil
}

type stubChains struct {
	snapshots map[string]web3.ChainSnapshot
	errs      map[string]error
}

func (s stubChains) Snapshots(context.Context) (map[string]web3.ChainSnapshot, map[string]error) {
	return s.snapshots, s.errs
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateQuerySync(t *testing.T) {
	runner := &stubRunner{result: &agent.QueryResult{
		QueryID: "q-1",
		Success: true,
		Data:    &agent.QueryData{ExpectedOutput: "token balance", ActualOutput: "42"},
	}}
	h := NewServer(":0", runner).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/queries", `{"id":"q-1","query":"balance of vitalik"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}
	var got agent.QueryResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Success || got.Data.ExpectedOutput != "token balance" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(runner.got) != 1 || runner.got[0].ID != "q-1" || runner.got[0].Query != "balance of vitalik" {
		t.Fatalf("unexpected request: %+v", runner.got)
	}
}

func TestCreateQueryFailureEnvelope(t *testing.T) {
	err := xerrors.New(xerrors.CodeNoInteraction, "Unable to extract a valid smart contract query from intent")
	runner := &stubRunner{
		result: &agent.QueryResult{QueryID: "q", Error: xerrors.MessageOf(err), Code: string(xerrors.CodeNoInteraction)},
		err:    err,
	}
	rec := do(t, NewServer(":0", runner).Handler(), http.MethodPost, "/api/v1/queries", `{"query":"gas price?"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Unable to extract a valid smart contract query") {
		t.Fatalf("envelope missing error: %s", rec.Body)
	}
}

func TestCreateQueryValidation(t *testing.T) {
	h := NewServer(":0", &stubRunner{}).Handler()
	if rec := do(t, h, http.MethodPost, "/api/v1/queries", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/queries", `{"query":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/queries", `{"query":"x","async":true}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without task service, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/queries", ``); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestAsyncQueryLifecycle(t *testing.T) {
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(8)
	svc := task.NewService(store, queue, 3)
	h := NewServer(":0", &stubRunner{}, WithTasks(svc)).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/queries", `{"id":"async-1","query":"owner of usdc","async":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}
	var created task.Task
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID != "async-1" || created.Status != task.StatusPending {
		t.Fatalf("unexpected task: %+v", created)
	}

	ctx := context.Background()
	if _, err := store.Claim(ctx, "async-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = store.MarkSucceeded(ctx, "async-1", &agent.QueryResult{QueryID: "async-1", Success: true,
		Data: &agent.QueryData{ExpectedOutput: "owner", ActualOutput: "0xabc"}})

	rec = do(t, h, http.MethodGet, "/api/v1/queries/async-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var got task.Task
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != task.StatusSucceeded || got.Result == nil || got.Result.Data.ExpectedOutput != "owner" {
		t.Fatalf("unexpected task detail: %+v", got)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/queries/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/queries?status=succeeded&q=usdc", ""); !strings.Contains(rec.Body.String(), "async-1") {
		t.Fatalf("list did not include task: %s", rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/queries?status=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	history := stubHistory{
		{QueryID: "b", Query: "second", Success: true, CreatedAt: 2},
		{QueryID: "a", Query: "first", Success: false, CreatedAt: 1},
	}
	rec := do(t, NewServer(":0", nil, WithHistory(history)).Handler(), http.MethodGet, "/api/v1/history?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var got []mysql.QueryRecord
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got) != 1 || got[0].QueryID != "b" {
		t.Fatalf("unexpected history: %+v", got)
	}
}

func TestHealth(t *testing.T) {
	chains := stubChains{
		snapshots: map[string]web3.ChainSnapshot{"1": {ChainID: "1", BlockNumber: "19000000"}},
		errs:      map[string]error{"8453": errors.New("dial tcp: refused")},
	}
	rec := do(t, NewServer(":0", nil, WithChains(chains)).Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var got healthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != "degraded" || got.Chains["1"].BlockNumber != "19000000" || got.Errors["8453"] == "" {
		t.Fatalf("unexpected health: %+v", got)
	}

	down := stubChains{errs: map[string]error{"1": errors.New("timeout")}}
	if rec := do(t, NewServer(":0", nil, WithChains(down)).Handler(), http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when all chains are down, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	h := NewServer(":0", &stubRunner{result: &agent.QueryResult{Success: true}}, WithMetrics(m, "")).Handler()
	do(t, h, http.MethodPost, "/api/v1/queries", `{"query":"x"}`)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `handler="create_query"`) {
		t.Fatalf("metrics not exposed: %d %s", rec.Code, rec.Body)
	}
}

func TestAuthProtectsAPIRoutes(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeAPIKey, APIKeys: []auth.APIKey{
		{Name: "reader", Key: "r-key", Permissions: []string{auth.PermQueryRead}},
	}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := NewServer(":0", &stubRunner{result: &agent.QueryResult{Success: true}},
		WithAuth(svc), WithHistory(stubHistory{})).Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/history", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/history", nil)
	req.Header.Set("Authorization", "Bearer r-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reader must list history, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/queries", strings.NewReader(`{"query":"x"}`))
	req.Header.Set("Authorization", "Bearer r-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reader must not submit queries, got %d", rec.Code)
	}
}

func TestListQueriesFilters(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(8), 3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.Submit(ctx, agent.QueryRequest{ID: id, Query: "supply of " + id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_ = store.MarkSucceeded(ctx, "b", &agent.QueryResult{QueryID: "b", Success: true})
	h := NewServer(":0", nil, WithTasks(svc)).Handler()

	ids := func(path string) []string {
		t.Helper()
		rec := do(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d %s", path, rec.Code, rec.Body)
		}
		var tasks []task.Task
		_ = json.Unmarshal(rec.Body.Bytes(), &tasks)
		out := make([]string, 0, len(tasks))
		for _, tk := range tasks {
			out = append(out, tk.ID)
		}
		return out
	}

	asc, desc := ids("/api/v1/queries?order=asc"), ids("/api/v1/queries?order=desc")
	if len(asc) != 3 || asc[0] != desc[2] || asc[2] != desc[0] {
		t.Fatalf("orders are not reversed: %v %v", asc, desc)
	}
	if got := ids("/api/v1/queries?order=asc&offset=1&limit=1"); len(got) != 1 || got[0] != asc[1] {
		t.Fatalf("unexpected page: %v", got)
	}
	if got := ids("/api/v1/queries?has_result=true"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected has_result filter: %v", got)
	}
	if got := ids("/api/v1/queries?has_result=false&updated_since=2000-01-01T00:00:00Z"); len(got) != 2 {
		t.Fatalf("unexpected combined filter: %v", got)
	}
	if got := ids("/api/v1/queries?updated_until=1"); len(got) != 0 {
		t.Fatalf("expected nothing before epoch+1s, got %v", got)
	}
	for _, bad := range []string{"order=sideways", "offset=-1", "has_result=maybe", "updated_since=yesterday"} {
		if rec := do(t, h, http.MethodGet, "/api/v1/queries?"+bad, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, rec.Code)
		}
	}
}
