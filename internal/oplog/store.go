package oplog

import (
	"context"
	"fmt"

	"github.com/storyforge/storyforge/internal/db"
	"github.com/storyforge/storyforge/internal/db/dialect"
)

// SQLStore persists operation log entries through the shared database pool.
// Writes go through the single-writer connection; reads use the reader pool.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and ensures its schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize operation log schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	writer := s.pool.Writer()

	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(writer.DriverName()) {
		idType = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS operation_logs (
		id %s,
		ts TIMESTAMP NOT NULL,
		level TEXT NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		exception TEXT NOT NULL DEFAULT '',
		thread_id BIGINT NOT NULL DEFAULT 0,
		thread_scope TEXT NOT NULL DEFAULT '',
		story_correlation_id TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		model_name TEXT NOT NULL DEFAULT '',
		step_number INTEGER NOT NULL DEFAULT 0,
		max_step INTEGER NOT NULL DEFAULT 0,
		chat_text TEXT NOT NULL DEFAULT '',
		result TEXT,
		result_fail_reason TEXT NOT NULL DEFAULT '',
		examined INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_operation_logs_thread ON operation_logs(thread_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_operation_logs_category ON operation_logs(category);
	`, idType)

	_, err := writer.Exec(schema)
	return err
}

// Append writes the batch in order with a single multi-row statement.
func (s *SQLStore) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	writer := s.pool.Writer()
	rows := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]any{
			"ts":                   e.Timestamp,
			"level":                string(e.Level),
			"category":             string(e.Category),
			"message":              e.Message,
			"exception":            e.Exception,
			"thread_id":            e.ThreadID,
			"thread_scope":         e.ThreadScope,
			"story_correlation_id": e.StoryCorrelationID,
			"agent_name":           e.AgentName,
			"model_name":           e.ModelName,
			"step_number":          e.StepNumber,
			"max_step":             e.MaxStep,
			"chat_text":            e.ChatText,
			"result":               nullableResult(e.Result),
			"result_fail_reason":   e.ResultFailReason,
			"examined":             dialect.BoolToInt(e.Examined),
		})
	}

	_, err := writer.NamedExecContext(ctx, `
		INSERT INTO operation_logs (
			ts, level, category, message, exception, thread_id, thread_scope,
			story_correlation_id, agent_name, model_name, step_number, max_step,
			chat_text, result, result_fail_reason, examined
		) VALUES (
			:ts, :level, :category, :message, :exception, :thread_id, :thread_scope,
			:story_correlation_id, :agent_name, :model_name, :step_number, :max_step,
			:chat_text, :result, :result_fail_reason, :examined
		)
	`, rows)
	if err != nil {
		return fmt.Errorf("failed to append operation logs: %w", err)
	}
	return nil
}

// MarkLatestModelResponse updates the verdict of the most recent persisted
// model-response row for the thread.
func (s *SQLStore) MarkLatestModelResponse(ctx context.Context, threadID int64, result ResultTag, failReason string, examined bool) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`
		UPDATE operation_logs
		SET result = NULLIF(?, ''), result_fail_reason = ?, examined = ?
		WHERE id = (
			SELECT id FROM operation_logs
			WHERE thread_id = ? AND category = ?
			ORDER BY id DESC LIMIT 1
		)
	`)
	_, err := writer.ExecContext(ctx, query,
		string(result), failReason, dialect.BoolToInt(examined),
		threadID, string(CategoryModelResponse))
	if err != nil {
		return fmt.Errorf("failed to mark latest model response: %w", err)
	}
	return nil
}

// logRow mirrors an operation_logs row with scan-friendly nullable columns.
type logRow struct {
	Entry
	ResultCol   *string `db:"result_col"`
	ExaminedCol int     `db:"examined_col"`
}

const selectColumns = `
	id, ts, level, category, message, exception, thread_id, thread_scope,
	story_correlation_id, agent_name, model_name, step_number, max_step,
	chat_text, result AS result_col, result_fail_reason, examined AS examined_col
`

// RecentByThread returns the newest entries for one thread id, newest first.
func (s *SQLStore) RecentByThread(ctx context.Context, threadID int64, limit int) ([]Entry, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT ` + selectColumns + `
		FROM operation_logs
		WHERE thread_id = ?
		ORDER BY id DESC LIMIT ?
	`)
	var rows []logRow
	if err := reader.SelectContext(ctx, &rows, query, threadID, limit); err != nil {
		return nil, fmt.Errorf("failed to query operation logs by thread: %w", err)
	}
	return rowsToEntries(rows), nil
}

// Recent returns the newest entries across all threads, newest first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT ` + selectColumns + `
		FROM operation_logs
		ORDER BY id DESC LIMIT ?
	`)
	var rows []logRow
	if err := reader.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query operation logs: %w", err)
	}
	return rowsToEntries(rows), nil
}

func rowsToEntries(rows []logRow) []Entry {
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := r.Entry
		if r.ResultCol != nil {
			e.Result = ResultTag(*r.ResultCol)
		}
		e.Examined = r.ExaminedCol != 0
		entries = append(entries, e)
	}
	return entries
}

func nullableResult(r ResultTag) any {
	if r == ResultNone {
		return nil
	}
	return string(r)
}
