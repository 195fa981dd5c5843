package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"OpenAgent-Runtime/internal/agent"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	jobs := []*Job{
		{ID: "j1", AgentID: "dbg", Task: agent.Task{Type: "create_report"}, Status: StatusPending, MaxRetries: 3},
		{ID: "j2", AgentID: "dbg", Task: agent.Task{Type: "resolve_report"}, Status: StatusPending, MaxRetries: 3},
		{ID: "j3", AgentID: "vcs", Task: agent.Task{Type: "commit"}, Status: StatusPending, MaxRetries: 3},
	}
	for _, j := range jobs {
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("create job %s: %v", j.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "j2", "HANDLER_FAILURE", "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", json.RawMessage(`{"id":"abc"}`)); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.UnixMilli()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).UnixMilli()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).UnixMilli()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != "j3" {
		t.Fatalf("expected newest job first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "j2" || failed[0].ErrorCode != "HANDLER_FAILURE" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withResult, err := store.List(ctx, BuildListOptions(WithResultPresence(true)))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].ID != "j3" {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	forDebugger, err := store.List(ctx, BuildListOptions(WithAgent("dbg"), WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(forDebugger) != 2 || forDebugger[0].ID != "j1" {
		t.Fatalf("unexpected agent list: %+v", forDebugger)
	}

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 jobs to match since filter, got %d", len(recent))
	}

	paged, err := store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "j2" {
		t.Fatalf("unexpected page: %+v", paged)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Job{ID: id, AgentID: "dbg", Task: agent.Task{Type: "list_reports"}, Status: StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create job %s: %v", id, err)
		}
	}
	if err := store.MarkFailed(ctx, "b", "HANDLER_FAILURE", "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", json.RawMessage(`[]`)); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["a"].UpdatedAt = base.UnixMilli()
	store.jobs["b"].UpdatedAt = base.Add(30 * time.Second).UnixMilli()
	store.jobs["c"].UpdatedAt = base.Add(2 * time.Minute).UnixMilli()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).UnixMilli() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.UnixMilli() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withoutResults, err := store.Stats(ctx, BuildListOptions(WithResultPresence(false)))
	if err != nil {
		t.Fatalf("stats without result: %v", err)
	}
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Job{ID: "x", AgentID: "dbg", Status: StatusPending, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "x", AgentID: "dbg", Status: StatusPending, MaxRetries: 1}); err != ErrJobConflict {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	claimed, err := store.Claim(ctx, "x")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "x"); err != ErrJobConflict {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "x", "AGENT_BUSY", "busy", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "x"); err != ErrJobExhausted {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); err != ErrJobNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
