package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/storyforge/storyforge/internal/common/logger"
)

type fakeUsageStore struct {
	mu   sync.Mutex
	rows map[string]*ModelUsage // key: month|model
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{rows: make(map[string]*ModelUsage)}
}

func (s *fakeUsageStore) Accumulate(ctx context.Context, month, model string, promptTokens, completionTokens, costMicroUSD int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := month + "|" + model
	row, ok := s.rows[key]
	if !ok {
		row = &ModelUsage{Month: month, Model: model}
		s.rows[key] = row
	}
	row.PromptTokens += promptTokens
	row.CompletionTokens += completionTokens
	row.CostMicroUSD += costMicroUSD
	row.Requests++
	return nil
}

func (s *fakeUsageStore) MonthTotals(ctx context.Context, month string) ([]ModelUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ModelUsage
	for _, row := range s.rows {
		if row.Month == month {
			out = append(out, *row)
		}
	}
	return out, nil
}

func newTestAccountant(t *testing.T, store Store, budget int64) *Accountant {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewAccountant(store, budget, log, nil)
}

func TestMonthKey(t *testing.T) {
	ts := time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC)
	if got := MonthKey(ts); got != "2026-08" {
		t.Errorf("MonthKey = %q, want 2026-08", got)
	}
}

func TestRecordAccumulates(t *testing.T) {
	store := newFakeUsageStore()
	a := newTestAccountant(t, store, 0)
	ctx := context.Background()

	if err := a.RecordRequest(ctx, "large-local", 100, 50, 1200); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}
	if err := a.RecordRequest(ctx, "large-local", 200, 80, 1800); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	summary, err := a.MonthToDate(ctx)
	if err != nil {
		t.Fatalf("MonthToDate: %v", err)
	}
	if len(summary.Models) != 1 {
		t.Fatalf("expected 1 model row, got %d", len(summary.Models))
	}
	m := summary.Models[0]
	if m.PromptTokens != 300 || m.CompletionTokens != 130 || m.Requests != 2 {
		t.Errorf("unexpected accumulation: %+v", m)
	}
	if summary.TotalMicroUSD != 3000 {
		t.Errorf("expected total 3000, got %d", summary.TotalMicroUSD)
	}
}

func TestBudgetEnforcement(t *testing.T) {
	store := newFakeUsageStore()
	a := newTestAccountant(t, store, 2000)
	ctx := context.Background()

	ok, err := a.Allowed(ctx)
	if err != nil || !ok {
		t.Fatalf("expected fresh month to be allowed, ok=%v err=%v", ok, err)
	}

	if err := a.RecordRequest(ctx, "m", 10, 10, 2500); err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}

	ok, err = a.Allowed(ctx)
	if err != nil {
		t.Fatalf("Allowed: %v", err)
	}
	if ok {
		t.Error("spend over budget must not be allowed")
	}

	summary, _ := a.MonthToDate(ctx)
	if !summary.BudgetExceeded {
		t.Error("summary should flag the exceeded budget")
	}
}

func TestUnlimitedBudgetAlwaysAllows(t *testing.T) {
	store := newFakeUsageStore()
	a := newTestAccountant(t, store, 0)
	ctx := context.Background()

	_ = a.RecordRequest(ctx, "m", 0, 0, 1<<40)
	ok, err := a.Allowed(ctx)
	if err != nil || !ok {
		t.Errorf("zero budget means unlimited, ok=%v err=%v", ok, err)
	}
}

func TestMonthRolloverResetsSpend(t *testing.T) {
	store := newFakeUsageStore()
	a := newTestAccountant(t, store, 1000)

	current := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return current }
	ctx := context.Background()

	_ = a.RecordRequest(ctx, "m", 1, 1, 5000)
	if ok, _ := a.Allowed(ctx); ok {
		t.Fatal("August spend should exceed the budget")
	}

	current = time.Date(2026, 9, 1, 0, 0, 1, 0, time.UTC)
	ok, err := a.Allowed(ctx)
	if err != nil {
		t.Fatalf("Allowed after rollover: %v", err)
	}
	if !ok {
		t.Error("a new month starts with a fresh budget")
	}
}

func TestSpendSurvivesRestart(t *testing.T) {
	store := newFakeUsageStore()
	ctx := context.Background()

	a1 := newTestAccountant(t, store, 1000)
	_ = a1.RecordRequest(ctx, "m", 1, 1, 5000)

	// A fresh accountant over the same store sees the persisted spend.
	a2 := newTestAccountant(t, store, 1000)
	if ok, _ := a2.Allowed(ctx); ok {
		t.Error("persisted spend must count against the budget after restart")
	}
}
