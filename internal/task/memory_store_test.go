package task

import (
	"context"
	"testing"
	"time"

	"EVMQuery-Chain/internal/agent"
)

func seedStore(t *testing.T) (*MemoryStore, time.Time) {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-3 * time.Minute)

	for _, task := range []*Task{
		{ID: "t1", Query: "balance of pepe", MaxRetries: 3},
		{ID: "t2", Query: "owner of usdc", MaxRetries: 3},
		{ID: "t3", Query: "total supply of dai", MaxRetries: 3},
	} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "execution reverted", nil, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", &agent.QueryResult{QueryID: "t3", Success: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()
	return store, base
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store, base := seedStore(t)
	ctx := context.Background()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	failed, _ := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if len(failed) != 1 || failed[0].ID != "t2" || failed[0].LastError != "execution reverted" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withResult, _ := store.List(ctx, buildListOptions([]ListOption{WithResult(true)}))
	if len(withResult) != 1 || withResult[0].ID != "t3" || !withResult[0].Result.Success {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	recent, _ := store.List(ctx, buildListOptions([]ListOption{WithUpdatedWindow(base.Add(15*time.Second), time.Time{})}))
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent tasks, got %d", len(recent))
	}

	older, _ := store.List(ctx, buildListOptions([]ListOption{WithUpdatedWindow(time.Time{}, base.Add(15*time.Second))}))
	if len(older) != 1 || older[0].ID != "t1" {
		t.Fatalf("unexpected upper-bounded list: %+v", older)
	}

	matched, _ := store.List(ctx, buildListOptions([]ListOption{WithQuery("USDC")}))
	if len(matched) != 1 || matched[0].ID != "t2" {
		t.Fatalf("unexpected query match: %+v", matched)
	}

	page, _ := store.List(ctx, buildListOptions([]ListOption{WithOrder(OrderOldestFirst), WithLimit(1), WithOffset(1)}))
	if len(page) != 1 || page[0].ID != "t2" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store, base := seedStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected timestamps: %+v", stats)
	}

	without, _ := store.Stats(ctx, buildListOptions([]ListOption{WithResult(false)}))
	if without.Total != 2 || without.Pending != 1 || without.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", without)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "q", Query: "x", MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "q", Query: "x"}); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "q")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("first claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "q"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("running task must not be claimed twice, got %v", err)
	}

	_ = store.MarkFailed(ctx, "q", CodeTaskProcessing, "timeout", nil, false)
	if claimed, err = store.Claim(ctx, "q"); err != nil || claimed.Attempts != 2 {
		t.Fatalf("second claim: %+v %v", claimed, err)
	}
	_ = store.MarkFailed(ctx, "q", CodeTaskProcessing, "timeout", nil, false)
	if _, err := store.Claim(ctx, "q"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if got, _ := store.Get(ctx, "q"); got.Status != StatusFailed {
		t.Fatalf("exhausted task must be failed, got %s", got.Status)
	}
	if _, err := store.Get(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Task{ID: "q", Query: "x"})
	_ = store.MarkSucceeded(ctx, "q", &agent.QueryResult{Success: true, Data: &agent.QueryData{ExpectedOutput: "a"}})

	got, _ := store.Get(ctx, "q")
	got.Result.Data.ExpectedOutput = "mutated"
	again, _ := store.Get(ctx, "q")
	if again.Result.Data.ExpectedOutput != "a" {
		t.Fatalf("store leaked internal state")
	}
}
