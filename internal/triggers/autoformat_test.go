package triggers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/events/bus"
	"github.com/storyforge/storyforge/internal/ports"
)

type enqueueCall struct {
	operation string
	opts      dispatch.Options
}

type fakeDispatcher struct {
	mu       sync.Mutex
	snapshot dispatch.Snapshot
	snapErr  error
	enqueued []enqueueCall
}

func (d *fakeDispatcher) GetCommand(runID string) (dispatch.Snapshot, error) {
	return d.snapshot, d.snapErr
}

func (d *fakeDispatcher) Enqueue(operationName string, handler dispatch.Handler, opts dispatch.Options) (*dispatch.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueued = append(d.enqueued, enqueueCall{operation: operationName, opts: opts})
	return &dispatch.Handle{RunID: dispatch.NewRunID(operationName)}, nil
}

type fakeStore struct {
	stats    ports.EvaluationStats
	statsErr error
	story    ports.Story
	storyErr error
}

func (s *fakeStore) GetStory(ctx context.Context, id int64) (*ports.Story, error) {
	if s.storyErr != nil {
		return nil, s.storyErr
	}
	st := s.story
	return &st, nil
}
func (s *fakeStore) GetEvaluationStats(ctx context.Context, storyID int64) (*ports.EvaluationStats, error) {
	if s.statsErr != nil {
		return nil, s.statsErr
	}
	st := s.stats
	return &st, nil
}
func (s *fakeStore) GetLatestModelResponseResult(ctx context.Context, threadID int64) (string, error) {
	return "", nil
}
func (s *fakeStore) CountRevisionCandidates(ctx context.Context) (int, error)   { return 0, nil }
func (s *fakeStore) CountUnevaluatedRevisions(ctx context.Context) (int, error) { return 0, nil }
func (s *fakeStore) CountLowRatedStories(ctx context.Context) (int, error)      { return 0, nil }
func (s *fakeStore) CountPendingEmbeddings(ctx context.Context) (int, error)    { return 0, nil }
func (s *fakeStore) ListActiveSeries(ctx context.Context) ([]ports.SeriesSummary, error) {
	return nil, nil
}
func (s *fakeStore) ListWriterScores(ctx context.Context) ([]ports.WriterScore, error) {
	return nil, nil
}
func (s *fakeStore) MarkModelToolUnsupported(ctx context.Context, modelName string) error {
	return nil
}

type fixedResolver struct{}

func (fixedResolver) Resolve(name string) (dispatch.HandlerFactory, error) {
	return func(md map[string]string) dispatch.Handler {
		return func(ctx context.Context, cmd *dispatch.Context) (dispatch.Result, error) {
			return dispatch.Result{Success: true}, nil
		}
	}, nil
}

func newTrigger(t *testing.T, d Dispatcher, store ports.StoryStore) *AutoFormat {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewAutoFormat(d, fixedResolver{}, store, log, nil)
}

func completionEvent(operation string, success bool) *bus.Event {
	return bus.NewEvent("command.completed", "dispatcher", map[string]interface{}{
		"run_id":         "eval-run-1",
		"operation_name": operation,
		"success":        success,
	})
}

func evalSnapshot(storyID string) dispatch.Snapshot {
	return dispatch.Snapshot{
		RunID:         "eval-run-1",
		OperationName: "evaluate_story",
		Status:        dispatch.StatusCompleted,
		Metadata:      map[string]string{dispatch.MetadataStoryID: storyID},
	}
}

func TestThresholdMetSchedulesFormatting(t *testing.T) {
	d := &fakeDispatcher{snapshot: evalSnapshot("42")}
	store := &fakeStore{
		stats: ports.EvaluationStats{Count: 3, Average: 80},
		story: ports.Story{ID: 42, HasTaggedArtifact: false},
	}
	trig := newTrigger(t, d, store)

	if err := trig.onCompleted(context.Background(), completionEvent("evaluate_story", true)); err != nil {
		t.Fatalf("onCompleted: %v", err)
	}

	if len(d.enqueued) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(d.enqueued))
	}
	call := d.enqueued[0]
	if call.operation != OpTransformStory {
		t.Errorf("expected %s, got %s", OpTransformStory, call.operation)
	}
	if call.opts.ThreadScope != FormatScope || call.opts.Priority != 2 {
		t.Errorf("unexpected options: %+v", call.opts)
	}
	md := call.opts.Metadata
	if md[dispatch.MetadataStoryID] != "42" ||
		md[dispatch.MetadataTrigger] != "evaluate_story_completed" ||
		md[dispatch.MetadataSourceRun] != "eval-run-1" {
		t.Errorf("unexpected metadata: %v", md)
	}
}

func TestBelowThresholdDoesNothing(t *testing.T) {
	cases := []struct {
		name  string
		stats ports.EvaluationStats
	}{
		{"too few evaluations", ports.EvaluationStats{Count: 1, Average: 90}},
		{"average too low", ports.EvaluationStats{Count: 5, Average: 65}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDispatcher{snapshot: evalSnapshot("42")}
			store := &fakeStore{stats: tc.stats, story: ports.Story{ID: 42}}
			trig := newTrigger(t, d, store)

			_ = trig.onCompleted(context.Background(), completionEvent("evaluate_story", true))
			if len(d.enqueued) != 0 {
				t.Errorf("expected no enqueue, got %v", d.enqueued)
			}
		})
	}
}

func TestAlreadyTaggedDoesNothing(t *testing.T) {
	d := &fakeDispatcher{snapshot: evalSnapshot("42")}
	store := &fakeStore{
		stats: ports.EvaluationStats{Count: 3, Average: 80},
		story: ports.Story{ID: 42, HasTaggedArtifact: true},
	}
	trig := newTrigger(t, d, store)

	_ = trig.onCompleted(context.Background(), completionEvent("evaluate_story", true))
	if len(d.enqueued) != 0 {
		t.Errorf("tagged story must not be re-formatted, got %v", d.enqueued)
	}
}

func TestFailedOrForeignCompletionsIgnored(t *testing.T) {
	d := &fakeDispatcher{snapshot: evalSnapshot("42")}
	store := &fakeStore{
		stats: ports.EvaluationStats{Count: 3, Average: 80},
		story: ports.Story{ID: 42},
	}
	trig := newTrigger(t, d, store)
	ctx := context.Background()

	_ = trig.onCompleted(ctx, completionEvent("evaluate_story", false))
	_ = trig.onCompleted(ctx, completionEvent("write_episode", true))
	if len(d.enqueued) != 0 {
		t.Errorf("only successful evaluate operations trigger formatting, got %v", d.enqueued)
	}

	// Prefixed variants of the evaluate family do trigger.
	_ = trig.onCompleted(ctx, completionEvent("evaluate_story_revised", true))
	if len(d.enqueued) != 1 {
		t.Errorf("prefixed evaluate operation should trigger, got %v", d.enqueued)
	}
}

func TestStoreErrorsOnlyLogged(t *testing.T) {
	d := &fakeDispatcher{snapshot: evalSnapshot("42")}
	store := &fakeStore{statsErr: errors.New("db down")}
	trig := newTrigger(t, d, store)

	if err := trig.onCompleted(context.Background(), completionEvent("evaluate_story", true)); err != nil {
		t.Errorf("trigger must swallow store errors, got %v", err)
	}
	if len(d.enqueued) != 0 {
		t.Errorf("expected no enqueue on store failure, got %v", d.enqueued)
	}
}

func TestMissingStoryMetadataIgnored(t *testing.T) {
	d := &fakeDispatcher{snapshot: dispatch.Snapshot{
		RunID:         "eval-run-1",
		OperationName: "evaluate_story",
		Metadata:      map[string]string{},
	}}
	trig := newTrigger(t, d, &fakeStore{})

	_ = trig.onCompleted(context.Background(), completionEvent("evaluate_story", true))
	if len(d.enqueued) != 0 {
		t.Errorf("missing storyId metadata must be ignored, got %v", d.enqueued)
	}
}
