// Package storystore implements ports.StoryStore over the shared database
// pool. The content services own most writes to these tables; the core only
// reads them for triggers, idle probes, and episode planning, plus the small
// model-capability bookkeeping write.
package storystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/storyforge/storyforge/internal/db"
	"github.com/storyforge/storyforge/internal/db/dialect"
	"github.com/storyforge/storyforge/internal/ports"
)

// ErrNotFound is returned when a story does not exist.
var ErrNotFound = errors.New("story not found")

// Store implements ports.StoryStore.
type Store struct {
	pool *db.Pool
}

var _ ports.StoryStore = (*Store)(nil)

// New creates the store and ensures the minimal schema exists. Deployments
// where the content services already migrated these tables are unaffected:
// everything is IF NOT EXISTS.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize story schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	writer := s.pool.Writer()

	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(writer.DriverName()) {
		idType = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS series (
		id %[1]s,
		title TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		completed_episodes INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS stories (
		id %[1]s,
		series_id BIGINT NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		writer_agent TEXT NOT NULL DEFAULT '',
		raw_text TEXT NOT NULL DEFAULT '',
		tagged_text TEXT NOT NULL DEFAULT '',
		revised INTEGER NOT NULL DEFAULT 0,
		embedding_pending INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS story_evaluations (
		id %[1]s,
		story_id BIGINT NOT NULL,
		rating REAL NOT NULL,
		evaluated_revision INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS writer_scores (
		agent_name TEXT PRIMARY KEY,
		score REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS model_flags (
		model_name TEXT PRIMARY KEY,
		tools_unsupported INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_story_evaluations_story ON story_evaluations(story_id);
	`, idType)

	_, err := writer.Exec(schema)
	return err
}

func (s *Store) GetStory(ctx context.Context, id int64) (*ports.Story, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT id, series_id, title, tagged_text
		FROM stories WHERE id = ?
	`)
	var row struct {
		ID         int64  `db:"id"`
		SeriesID   int64  `db:"series_id"`
		Title      string `db:"title"`
		TaggedText string `db:"tagged_text"`
	}
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load story %d: %w", id, err)
	}
	return &ports.Story{
		ID:                row.ID,
		SeriesID:          row.SeriesID,
		Title:             row.Title,
		HasTaggedArtifact: row.TaggedText != "",
	}, nil
}

func (s *Store) GetEvaluationStats(ctx context.Context, storyID int64) (*ports.EvaluationStats, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT COUNT(*) AS cnt, COALESCE(AVG(rating), 0) AS avg_rating
		FROM story_evaluations WHERE story_id = ?
	`)
	var row struct {
		Count   int     `db:"cnt"`
		Average float64 `db:"avg_rating"`
	}
	if err := reader.GetContext(ctx, &row, query, storyID); err != nil {
		return nil, fmt.Errorf("failed to load evaluation stats for story %d: %w", storyID, err)
	}
	return &ports.EvaluationStats{Count: row.Count, Average: row.Average}, nil
}

func (s *Store) GetLatestModelResponseResult(ctx context.Context, threadID int64) (string, error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`
		SELECT COALESCE(result, '')
		FROM operation_logs
		WHERE thread_id = ? AND category = 'ModelResponse'
		ORDER BY id DESC LIMIT 1
	`)
	var result string
	if err := reader.GetContext(ctx, &result, query, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load latest model response result: %w", err)
	}
	return result, nil
}

func (s *Store) CountRevisionCandidates(ctx context.Context) (int, error) {
	return s.countQuery(ctx, `
		SELECT COUNT(*) FROM stories s
		WHERE s.revised = 0
		  AND EXISTS (SELECT 1 FROM story_evaluations e WHERE e.story_id = s.id)
	`)
}

func (s *Store) CountUnevaluatedRevisions(ctx context.Context) (int, error) {
	return s.countQuery(ctx, `
		SELECT COUNT(*) FROM stories s
		WHERE s.revised = 1
		  AND NOT EXISTS (
			SELECT 1 FROM story_evaluations e
			WHERE e.story_id = s.id AND e.evaluated_revision = 1
		  )
	`)
}

func (s *Store) CountLowRatedStories(ctx context.Context) (int, error) {
	return s.countQuery(ctx, `
		SELECT COUNT(*) FROM stories s
		WHERE (SELECT COALESCE(AVG(rating), 0) FROM story_evaluations e WHERE e.story_id = s.id) > 0
		  AND (SELECT AVG(rating) FROM story_evaluations e WHERE e.story_id = s.id) < 40
	`)
}

func (s *Store) CountPendingEmbeddings(ctx context.Context) (int, error) {
	return s.countQuery(ctx, `SELECT COUNT(*) FROM stories WHERE embedding_pending = 1`)
}

func (s *Store) ListActiveSeries(ctx context.Context) ([]ports.SeriesSummary, error) {
	reader := s.pool.Reader()
	query := `
		SELECT id, title, active, completed_episodes
		FROM series WHERE active = 1
		ORDER BY completed_episodes ASC, id ASC
	`
	var rows []struct {
		ID                int64  `db:"id"`
		Title             string `db:"title"`
		Active            int    `db:"active"`
		CompletedEpisodes int    `db:"completed_episodes"`
	}
	if err := reader.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list active series: %w", err)
	}
	out := make([]ports.SeriesSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, ports.SeriesSummary{
			ID:                r.ID,
			Title:             r.Title,
			Active:            r.Active != 0,
			CompletedEpisodes: r.CompletedEpisodes,
		})
	}
	return out, nil
}

func (s *Store) ListWriterScores(ctx context.Context) ([]ports.WriterScore, error) {
	reader := s.pool.Reader()
	var rows []struct {
		AgentName string  `db:"agent_name"`
		Score     float64 `db:"score"`
	}
	if err := reader.SelectContext(ctx, &rows, `SELECT agent_name, score FROM writer_scores ORDER BY agent_name`); err != nil {
		return nil, fmt.Errorf("failed to list writer scores: %w", err)
	}
	out := make([]ports.WriterScore, 0, len(rows))
	for _, r := range rows {
		out = append(out, ports.WriterScore{AgentName: r.AgentName, Score: r.Score})
	}
	return out, nil
}

func (s *Store) MarkModelToolUnsupported(ctx context.Context, modelName string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO model_flags (model_name, tools_unsupported) VALUES (?, 1)
		ON CONFLICT (model_name) DO UPDATE SET tools_unsupported = 1
	`)
	if _, err := writer.ExecContext(ctx, query, modelName); err != nil {
		return fmt.Errorf("failed to mark model %s tool-unsupported: %w", modelName, err)
	}
	return nil
}

func (s *Store) countQuery(ctx context.Context, query string) (int, error) {
	reader := s.pool.Reader()
	var count int
	if err := reader.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return count, nil
}
