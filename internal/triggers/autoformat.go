// Package triggers reacts to command completions with follow-up work. The
// auto-format trigger watches story evaluations and schedules tagging of the
// raw artifact once a story has gathered enough favorable reviews.
package triggers

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/events"
	"github.com/storyforge/storyforge/internal/events/bus"
	"github.com/storyforge/storyforge/internal/logscope"
	"github.com/storyforge/storyforge/internal/oplog"
	"github.com/storyforge/storyforge/internal/ports"
)

// Formatting fires once a story has at least MinEvaluations reviews
// averaging above MinAverage and no tagged artifact yet.
const (
	MinEvaluations = 2
	MinAverage     = 65.0
)

// OpTransformStory is the operation the trigger schedules.
const OpTransformStory = "TransformStoryRawToTagged"

// FormatScope serializes all formatting work.
const FormatScope = "story/format"

// formatPriority runs formatting ahead of routine work.
const formatPriority = 2

// Dispatcher is the slice of the command dispatcher the trigger needs.
type Dispatcher interface {
	GetCommand(runID string) (dispatch.Snapshot, error)
	Enqueue(operationName string, handler dispatch.Handler, opts dispatch.Options) (*dispatch.Handle, error)
}

// Resolver resolves operation names to handler factories.
type Resolver interface {
	Resolve(name string) (dispatch.HandlerFactory, error)
}

// Subscriber is the slice of the event bus the trigger needs.
type Subscriber interface {
	Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error)
}

// AutoFormat subscribes to command completions and enqueues story formatting
// when an evaluation pushes a story over the threshold.
type AutoFormat struct {
	dispatcher Dispatcher
	resolver   Resolver
	store      ports.StoryStore
	logger     *logger.Logger
	oplog      *oplog.Buffer

	sub bus.Subscription
}

// NewAutoFormat creates the trigger. opLog may be nil.
func NewAutoFormat(d Dispatcher, r Resolver, store ports.StoryStore, log *logger.Logger, opLog *oplog.Buffer) *AutoFormat {
	return &AutoFormat{
		dispatcher: d,
		resolver:   r,
		store:      store,
		logger:     log.WithFields(zap.String("component", "autoformat-trigger")),
		oplog:      opLog,
	}
}

// Start subscribes to command.completed events.
func (t *AutoFormat) Start(subscriber Subscriber) error {
	sub, err := subscriber.Subscribe(events.CommandCompleted, t.onCompleted)
	if err != nil {
		return err
	}
	t.sub = sub
	return nil
}

// Stop removes the subscription.
func (t *AutoFormat) Stop() {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
		t.sub = nil
	}
}

// onCompleted inspects one completion event. Every failure path only logs;
// a trigger must never propagate errors into the event bus.
func (t *AutoFormat) onCompleted(ctx context.Context, event *bus.Event) error {
	runID, _ := event.Data["run_id"].(string)
	operationName, _ := event.Data["operation_name"].(string)
	success, _ := event.Data["success"].(bool)

	if !success || !isEvaluateOperation(operationName) {
		return nil
	}

	snap, err := t.dispatcher.GetCommand(runID)
	if err != nil {
		t.logger.Debug("completed command no longer available", zap.String("run_id", runID))
		return nil
	}
	storyIDRaw := snap.Metadata[dispatch.MetadataStoryID]
	storyID, err := strconv.ParseInt(storyIDRaw, 10, 64)
	if err != nil || storyID == 0 {
		return nil
	}

	// Follow-up work runs detached: the source command's scope frame must
	// not leak into it.
	ctx = logscope.Detach(ctx)

	t.evaluate(ctx, runID, storyID)
	return nil
}

// evaluate checks the thresholds and enqueues formatting when they hold.
func (t *AutoFormat) evaluate(ctx context.Context, sourceRunID string, storyID int64) {
	stats, err := t.store.GetEvaluationStats(ctx, storyID)
	if err != nil {
		t.logger.Warn("failed to load evaluation stats",
			zap.Int64("story_id", storyID), zap.Error(err))
		return
	}
	if stats.Count < MinEvaluations || stats.Average <= MinAverage {
		return
	}

	story, err := t.store.GetStory(ctx, storyID)
	if err != nil {
		t.logger.Warn("failed to load story", zap.Int64("story_id", storyID), zap.Error(err))
		return
	}
	if story.HasTaggedArtifact {
		return
	}

	factory, err := t.resolver.Resolve(OpTransformStory)
	if err != nil {
		t.logger.Warn("format operation not registered", zap.Error(err))
		return
	}

	metadata := map[string]string{
		dispatch.MetadataStoryID:   strconv.FormatInt(storyID, 10),
		dispatch.MetadataTrigger:   "evaluate_story_completed",
		dispatch.MetadataSourceRun: sourceRunID,
	}
	_, err = t.dispatcher.Enqueue(OpTransformStory, factory(metadata), dispatch.Options{
		ThreadScope: FormatScope,
		Priority:    formatPriority,
		Metadata:    metadata,
	})
	if err != nil {
		t.logger.Warn("failed to enqueue story formatting",
			zap.Int64("story_id", storyID), zap.Error(err))
		return
	}

	if t.oplog != nil {
		t.oplog.Log(ctx, oplog.LevelInfo, oplog.CategoryTrigger,
			"story passed evaluation threshold, formatting scheduled", nil)
	}
	t.logger.Info("story formatting scheduled",
		zap.Int64("story_id", storyID),
		zap.Float64("average", stats.Average),
		zap.Int("evaluations", stats.Count),
		zap.String("source_run_id", sourceRunID))
}

// isEvaluateOperation matches the evaluate_story operation family.
func isEvaluateOperation(name string) bool {
	return strings.HasPrefix(name, "evaluate_story")
}
