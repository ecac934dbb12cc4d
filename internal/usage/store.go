// Package usage tracks model token consumption and cost against a monthly
// budget. Totals accumulate per (month, model) so restarts never lose spend.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/storyforge/storyforge/internal/db"
)

// ModelUsage is the accumulated consumption of one model in one month.
type ModelUsage struct {
	Month            string `db:"month" json:"month"`
	Model            string `db:"model" json:"model"`
	PromptTokens     int64  `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64  `db:"completion_tokens" json:"completion_tokens"`
	CostMicroUSD     int64  `db:"cost_micro_usd" json:"cost_micro_usd"`
	Requests         int64  `db:"requests" json:"requests"`
}

// Store persists accumulated token usage.
type Store interface {
	Accumulate(ctx context.Context, month, model string, promptTokens, completionTokens, costMicroUSD int64) error
	MonthTotals(ctx context.Context, month string) ([]ModelUsage, error)
}

// MonthKey formats t as the usage accumulation key.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// SQLStore persists usage through the shared database pool.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and ensures its schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize token usage schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	writer := s.pool.Writer()
	_, err := writer.Exec(`
	CREATE TABLE IF NOT EXISTS token_usage (
		month TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_tokens BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		cost_micro_usd BIGINT NOT NULL DEFAULT 0,
		requests BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (month, model)
	)`)
	return err
}

// Accumulate adds one request's consumption to the (month, model) row.
// Both SQLite and PostgreSQL share the ON CONFLICT upsert form.
func (s *SQLStore) Accumulate(ctx context.Context, month, model string, promptTokens, completionTokens, costMicroUSD int64) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO token_usage (month, model, prompt_tokens, completion_tokens, cost_micro_usd, requests)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (month, model) DO UPDATE SET
			prompt_tokens = token_usage.prompt_tokens + excluded.prompt_tokens,
			completion_tokens = token_usage.completion_tokens + excluded.completion_tokens,
			cost_micro_usd = token_usage.cost_micro_usd + excluded.cost_micro_usd,
			requests = token_usage.requests + 1
	`)
	if _, err := writer.ExecContext(ctx, query, month, model, promptTokens, completionTokens, costMicroUSD); err != nil {
		return fmt.Errorf("failed to accumulate token usage: %w", err)
	}
	return nil
}

// MonthTotals returns the per-model rows for one month.
func (s *SQLStore) MonthTotals(ctx context.Context, month string) ([]ModelUsage, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT month, model, prompt_tokens, completion_tokens, cost_micro_usd, requests
		FROM token_usage
		WHERE month = ?
		ORDER BY cost_micro_usd DESC, model
	`)
	var rows []ModelUsage
	if err := reader.SelectContext(ctx, &rows, query, month); err != nil {
		return nil, fmt.Errorf("failed to query token usage: %w", err)
	}
	return rows, nil
}
