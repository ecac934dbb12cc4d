package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/oplog"
)

// Summary is the month-to-date view served by the usage API.
type Summary struct {
	Month          string       `json:"month"`
	Models         []ModelUsage `json:"models"`
	TotalMicroUSD  int64        `json:"total_micro_usd"`
	BudgetMicroUSD int64        `json:"budget_micro_usd,omitempty"`
	BudgetExceeded bool         `json:"budget_exceeded"`
}

// Accountant records model consumption and enforces the monthly budget.
// The in-memory month total is a cache over the store; it is rebuilt lazily
// on the first record or query of a month.
type Accountant struct {
	store  Store
	budget int64 // micro-USD per month, 0 = unlimited
	logger *logger.Logger
	oplog  *oplog.Buffer
	now    func() time.Time

	mu         sync.Mutex
	month      string
	monthSpend int64
	loaded     bool
}

// NewAccountant creates an accountant. budgetMicroUSD of zero disables
// enforcement; opLog may be nil.
func NewAccountant(store Store, budgetMicroUSD int64, log *logger.Logger, opLog *oplog.Buffer) *Accountant {
	return &Accountant{
		store:  store,
		budget: budgetMicroUSD,
		logger: log.WithFields(zap.String("component", "usage")),
		oplog:  opLog,
		now:    time.Now,
	}
}

// Allowed reports whether the month-to-date spend is still under budget.
// Unlimited budgets always allow.
func (a *Accountant) Allowed(ctx context.Context) (bool, error) {
	if a.budget <= 0 {
		return true, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureMonthLocked(ctx); err != nil {
		return false, err
	}
	return a.monthSpend < a.budget, nil
}

// RecordRequest accumulates one model request's consumption. The budget is
// not checked here: admission happens before the request, accounting after.
func (a *Accountant) RecordRequest(ctx context.Context, model string, promptTokens, completionTokens, costMicroUSD int64) error {
	month := MonthKey(a.now())

	a.mu.Lock()
	if err := a.ensureMonthLocked(ctx); err != nil {
		a.mu.Unlock()
		return err
	}
	if err := a.store.Accumulate(ctx, month, model, promptTokens, completionTokens, costMicroUSD); err != nil {
		a.mu.Unlock()
		return err
	}
	a.monthSpend += costMicroUSD
	spend := a.monthSpend
	exceeded := a.budget > 0 && spend >= a.budget
	a.mu.Unlock()

	if a.oplog != nil {
		a.oplog.Log(ctx, oplog.LevelDebug, oplog.CategoryUsage,
			fmt.Sprintf("model %s used %d prompt / %d completion tokens", model, promptTokens, completionTokens), nil)
	}
	if exceeded {
		a.logger.Warn("monthly model budget exceeded",
			zap.String("month", month),
			zap.Int64("spend_micro_usd", spend),
			zap.Int64("budget_micro_usd", a.budget))
	}
	return nil
}

// MonthToDate returns the current month's per-model usage and totals.
func (a *Accountant) MonthToDate(ctx context.Context) (Summary, error) {
	month := MonthKey(a.now())
	models, err := a.store.MonthTotals(ctx, month)
	if err != nil {
		return Summary{}, err
	}

	var total int64
	for _, m := range models {
		total += m.CostMicroUSD
	}
	return Summary{
		Month:          month,
		Models:         models,
		TotalMicroUSD:  total,
		BudgetMicroUSD: a.budget,
		BudgetExceeded: a.budget > 0 && total >= a.budget,
	}, nil
}

// ensureMonthLocked reloads the cached spend when the month rolls over or on
// first use. Callers hold a.mu.
func (a *Accountant) ensureMonthLocked(ctx context.Context) error {
	month := MonthKey(a.now())
	if a.loaded && a.month == month {
		return nil
	}
	models, err := a.store.MonthTotals(ctx, month)
	if err != nil {
		return fmt.Errorf("failed to load month-to-date usage: %w", err)
	}
	var total int64
	for _, m := range models {
		total += m.CostMicroUSD
	}
	a.month = month
	a.monthSpend = total
	a.loaded = true
	return nil
}
