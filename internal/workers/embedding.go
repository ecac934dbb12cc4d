// Package workers hosts the background producers that feed the dispatcher:
// the memory embedding backfill and the automatic episode producer.
package workers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/events"
	"github.com/storyforge/storyforge/internal/events/bus"
	"github.com/storyforge/storyforge/internal/oplog"
)

// OpMemoryEmbeddingWorker embeds saved agent memories.
const OpMemoryEmbeddingWorker = "memory_embedding_worker"

// EmbeddingScope serializes all embedding work.
const EmbeddingScope = "embeddings"

// Dispatcher is the slice of the command dispatcher the workers need.
type Dispatcher interface {
	Enqueue(operationName string, handler dispatch.Handler, opts dispatch.Options) (*dispatch.Handle, error)
	WaitForCompletion(ctx context.Context, runID string) (dispatch.Result, error)
}

// Resolver resolves operation names to handler factories.
type Resolver interface {
	Resolve(name string) (dispatch.HandlerFactory, error)
}

// Subscriber is the slice of the event bus the workers need.
type Subscriber interface {
	Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error)
}

type backfillState int

const (
	stateIdle backfillState = iota
	stateRunning
	stateRerun
)

// EmbeddingBackfill coalesces memory.saved bursts into at most one active
// embedding run plus one queued replay. Events arriving while a run is
// active flip the state to rerun; when the run completes, exactly one
// follow-up is enqueued regardless of how many events arrived.
type EmbeddingBackfill struct {
	cfg        config.EmbeddingWorkerConfig
	dispatcher Dispatcher
	resolver   Resolver
	logger     *logger.Logger
	oplog      *oplog.Buffer

	mu    sync.Mutex
	state backfillState

	sub bus.Subscription
	wg  sync.WaitGroup
}

// NewEmbeddingBackfill creates the backfill worker. opLog may be nil.
func NewEmbeddingBackfill(cfg config.EmbeddingWorkerConfig, d Dispatcher, r Resolver, log *logger.Logger, opLog *oplog.Buffer) *EmbeddingBackfill {
	return &EmbeddingBackfill{
		cfg:        cfg,
		dispatcher: d,
		resolver:   r,
		logger:     log.WithFields(zap.String("component", "embedding-backfill")),
		oplog:      opLog,
	}
}

// Start subscribes to memory.saved and fires one initial run to catch
// memories saved while the service was down.
func (w *EmbeddingBackfill) Start(ctx context.Context, subscriber Subscriber) error {
	if !w.cfg.Enabled {
		return nil
	}
	sub, err := subscriber.Subscribe(events.MemorySaved, func(_ context.Context, _ *bus.Event) error {
		w.Kick(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	w.sub = sub
	w.Kick(ctx)
	return nil
}

// Stop removes the subscription and waits for the monitor goroutine.
func (w *EmbeddingBackfill) Stop() {
	if w.sub != nil {
		_ = w.sub.Unsubscribe()
		w.sub = nil
	}
	w.wg.Wait()
}

// Kick requests an embedding run. Idle starts one; running records a replay;
// an already-recorded replay absorbs the request.
func (w *EmbeddingBackfill) Kick(ctx context.Context) {
	w.mu.Lock()
	switch w.state {
	case stateIdle:
		w.state = stateRunning
		w.mu.Unlock()
		w.launch(ctx)
	case stateRunning:
		w.state = stateRerun
		w.mu.Unlock()
	case stateRerun:
		w.mu.Unlock()
	}
}

// launch enqueues one run and monitors its completion. Caller has already
// moved the state to running.
func (w *EmbeddingBackfill) launch(ctx context.Context) {
	factory, err := w.resolver.Resolve(OpMemoryEmbeddingWorker)
	if err != nil {
		w.logger.Warn("embedding operation not registered", zap.Error(err))
		w.reset()
		return
	}

	metadata := map[string]string{dispatch.MetadataTrigger: "memory_saved"}
	handle, err := w.dispatcher.Enqueue(OpMemoryEmbeddingWorker, factory(metadata), dispatch.Options{
		ThreadScope: EmbeddingScope,
		Metadata:    metadata,
	})
	if err != nil {
		w.logger.Warn("failed to enqueue embedding run", zap.Error(err))
		w.reset()
		return
	}

	if w.oplog != nil {
		w.oplog.Log(ctx, oplog.LevelDebug, oplog.CategoryEmbedding, "embedding run enqueued", nil)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.monitor(ctx, handle.RunID)
	}()
}

// monitor waits for the active run and replays once if a rerun was recorded
// meanwhile.
func (w *EmbeddingBackfill) monitor(ctx context.Context, runID string) {
	if _, err := w.dispatcher.WaitForCompletion(ctx, runID); err != nil {
		w.logger.Debug("embedding run wait ended", zap.String("run_id", runID), zap.Error(err))
		w.reset()
		return
	}

	w.mu.Lock()
	if w.state == stateRerun {
		w.state = stateRunning
		w.mu.Unlock()
		w.launch(ctx)
		return
	}
	w.state = stateIdle
	w.mu.Unlock()
}

func (w *EmbeddingBackfill) reset() {
	w.mu.Lock()
	w.state = stateIdle
	w.mu.Unlock()
}
