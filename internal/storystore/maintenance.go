package storystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/storyforge/storyforge/internal/db/dialect"
)

// Maintenance writes performed by the operation handlers. The thresholds
// mirror the idle-task probes in store.go: a story is low-rated below an
// average of 40.

// NextRevisionCandidate returns the oldest evaluated story that has not been
// revised yet. ok is false when the backlog is empty.
func (s *Store) NextRevisionCandidate(ctx context.Context) (int64, bool, error) {
	return s.pickOne(ctx, `
		SELECT s.id FROM stories s
		WHERE s.revised = 0
		  AND EXISTS (SELECT 1 FROM story_evaluations e WHERE e.story_id = s.id)
		ORDER BY s.id ASC LIMIT 1
	`)
}

// NextUnevaluatedRevision returns the oldest revised story whose revision has
// not been evaluated yet.
func (s *Store) NextUnevaluatedRevision(ctx context.Context) (int64, bool, error) {
	return s.pickOne(ctx, `
		SELECT s.id FROM stories s
		WHERE s.revised = 1
		  AND NOT EXISTS (
			SELECT 1 FROM story_evaluations e
			WHERE e.story_id = s.id AND e.evaluated_revision = 1
		  )
		ORDER BY s.id ASC LIMIT 1
	`)
}

// GetStoryText loads the text artifacts of one story.
func (s *Store) GetStoryText(ctx context.Context, id int64) (raw, tagged string, revised bool, err error) {
	reader := s.pool.Reader()
	query := reader.Rebind(`SELECT raw_text, tagged_text, revised FROM stories WHERE id = ?`)
	var row struct {
		RawText    string `db:"raw_text"`
		TaggedText string `db:"tagged_text"`
		Revised    int    `db:"revised"`
	}
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return "", "", false, fmt.Errorf("failed to load story text %d: %w", id, err)
	}
	return row.RawText, row.TaggedText, row.Revised != 0, nil
}

// SaveRevision replaces a story's text with its revised form and marks the
// embedding stale.
func (s *Store) SaveRevision(ctx context.Context, id int64, text string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`
		UPDATE stories SET raw_text = ?, revised = 1, embedding_pending = 1 WHERE id = ?
	`)
	if _, err := writer.ExecContext(ctx, query, text, id); err != nil {
		return fmt.Errorf("failed to save revision for story %d: %w", id, err)
	}
	return nil
}

// SaveTaggedText stores the tagged artifact of a story.
func (s *Store) SaveTaggedText(ctx context.Context, id int64, text string) error {
	writer := s.pool.Writer()
	query := writer.Rebind(`UPDATE stories SET tagged_text = ? WHERE id = ?`)
	if _, err := writer.ExecContext(ctx, query, text, id); err != nil {
		return fmt.Errorf("failed to save tagged text for story %d: %w", id, err)
	}
	return nil
}

// RecordEvaluation appends one evaluation row.
func (s *Store) RecordEvaluation(ctx context.Context, storyID int64, rating float64, evaluatedRevision bool) error {
	writer := s.pool.Writer()
	rev := 0
	if evaluatedRevision {
		rev = 1
	}
	query := writer.Rebind(`
		INSERT INTO story_evaluations (story_id, rating, evaluated_revision) VALUES (?, ?, ?)
	`)
	if _, err := writer.ExecContext(ctx, query, storyID, rating, rev); err != nil {
		return fmt.Errorf("failed to record evaluation for story %d: %w", storyID, err)
	}
	return nil
}

// AppendEpisode inserts a new episode story for a series and bumps the
// series episode counter in the same transaction.
func (s *Store) AppendEpisode(ctx context.Context, seriesID int64, writerAgent, title, text string) (int64, error) {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin episode transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	storyID, err := dialect.InsertReturningID(ctx, tx, `
		INSERT INTO stories (series_id, writer_agent, title, raw_text, embedding_pending)
		VALUES (?, ?, ?, ?, 1)
	`, seriesID, writerAgent, title, text)
	if err != nil {
		return 0, fmt.Errorf("failed to insert episode: %w", err)
	}

	bump := tx.Rebind(`UPDATE series SET completed_episodes = completed_episodes + 1 WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, bump, seriesID); err != nil {
		return 0, fmt.Errorf("failed to bump episode counter for series %d: %w", seriesID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit episode: %w", err)
	}
	return storyID, nil
}

// DeleteLowRatedStories removes stories whose evaluation average fell below
// the low-rated threshold, along with their evaluations. Returns the number
// of stories removed.
func (s *Store) DeleteLowRatedStories(ctx context.Context) (int, error) {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selector := `
		SELECT story_id FROM story_evaluations
		GROUP BY story_id HAVING AVG(rating) < 40
	`
	res, err := tx.ExecContext(ctx, `DELETE FROM stories WHERE id IN (`+selector+`)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete low-rated stories: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM story_evaluations WHERE story_id IN (`+selector+`)`); err != nil {
		return 0, fmt.Errorf("failed to delete orphaned evaluations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return int(deleted), nil
}

// RefreshWriterScores recomputes writer scores from the evaluation averages
// of their stories. Returns the number of writers updated.
func (s *Store) RefreshWriterScores(ctx context.Context) (int, error) {
	writer := s.pool.Writer()
	query := `
		INSERT INTO writer_scores (agent_name, score)
		SELECT s.writer_agent, AVG(e.rating)
		FROM stories s
		JOIN story_evaluations e ON e.story_id = s.id
		WHERE s.writer_agent <> ''
		GROUP BY s.writer_agent
		ON CONFLICT (agent_name) DO UPDATE SET score = excluded.score
	`
	res, err := writer.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh writer scores: %w", err)
	}
	updated, _ := res.RowsAffected()
	return int(updated), nil
}

func (s *Store) pickOne(ctx context.Context, query string) (int64, bool, error) {
	reader := s.pool.Reader()
	var id int64
	if err := reader.GetContext(ctx, &id, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to pick story: %w", err)
	}
	return id, true, nil
}
