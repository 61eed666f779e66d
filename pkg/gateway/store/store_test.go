package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
)

func TestMemory_UpsertGetList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	at := int64(1200)
	first := CallRecord{
		ID:        "CA1",
		Direction: "inbound",
		Status:    "active",
		StartedAt: t0,
		ConversationLog: []convlog.Turn{
			{ID: "t1", Role: convlog.RoleAssistant, Content: "hello", Truncated: true, TruncatedAtMS: &at},
		},
		ProviderConfig: map[string]string{"voice": "alloy"},
	}
	if err := m.UpsertCall(ctx, first); err != nil {
		t.Fatalf("UpsertCall() error = %v", err)
	}
	if err := m.UpsertCall(ctx, CallRecord{ID: "CA2", Status: "completed", StartedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("UpsertCall() error = %v", err)
	}

	got, err := m.GetCall(ctx, "CA1")
	if err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
	if diff := cmp.Diff(first, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	// Stored records are isolated from caller mutation.
	*first.ConversationLog[0].TruncatedAtMS = 1
	first.ProviderConfig["voice"] = "x"
	again, _ := m.GetCall(ctx, "CA1")
	if *again.ConversationLog[0].TruncatedAtMS != 1200 || again.ProviderConfig["voice"] != "alloy" {
		t.Fatalf("stored record was mutated: %+v", again)
	}

	all, _ := m.ListCalls(ctx, ListOptions{})
	if len(all) != 2 || all[0].ID != "CA2" {
		t.Fatalf("ListCalls()=%v, want newest first", all)
	}
	active, _ := m.ListCalls(ctx, ListOptions{Status: "active"})
	if len(active) != 1 || active[0].ID != "CA1" {
		t.Fatalf("filtered=%v", active)
	}
	limited, _ := m.ListCalls(ctx, ListOptions{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limited=%d, want 1", len(limited))
	}

	if _, err := m.GetCall(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if err := m.UpsertCall(ctx, CallRecord{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

type flakyStore struct {
	*Memory
	failures int
	calls    int
	err      error
}

func (f *flakyStore) UpsertCall(ctx context.Context, rec CallRecord) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.Memory.UpsertCall(ctx, rec)
}

func TestRetrying_RetriesTransientFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	next := &flakyStore{Memory: NewMemory(), failures: 2, err: errors.New("connection reset")}
	r := NewRetrying(next, RetryConfig{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}, logger)

	if err := r.UpsertCall(context.Background(), CallRecord{ID: "CA1"}); err != nil {
		t.Fatalf("UpsertCall() error = %v", err)
	}
	if next.calls != 3 {
		t.Fatalf("calls=%d, want 3", next.calls)
	}
	if _, err := r.GetCall(context.Background(), "CA1"); err != nil {
		t.Fatalf("GetCall() error = %v", err)
	}
}

func TestRetrying_GivesUpAfterAttempts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	boom := errors.New("db down")
	next := &flakyStore{Memory: NewMemory(), failures: 10, err: boom}
	r := NewRetrying(next, RetryConfig{Attempts: 2, Base: time.Millisecond, Max: time.Millisecond}, logger)

	err := r.UpsertCall(context.Background(), CallRecord{ID: "CA1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	if next.calls != 2 {
		t.Fatalf("calls=%d, want 2", next.calls)
	}
}
