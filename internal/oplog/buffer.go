package oplog

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/events"
	"github.com/storyforge/storyforge/internal/events/bus"
	"github.com/storyforge/storyforge/internal/logscope"
	"github.com/storyforge/storyforge/internal/metrics"
	"github.com/storyforge/storyforge/internal/ports"
)

// pendingCapFactor bounds the pending buffer at batchSize * factor. Beyond
// the cap new entries are dropped with a rate-limited warning; entries age
// out rather than retrying forever against a broken store.
const pendingCapFactor = 50

// Store persists operation log entries.
type Store interface {
	// Append writes entries in order as a single statement.
	Append(ctx context.Context, entries []Entry) error
	// MarkLatestModelResponse updates the verdict of the most recent
	// model-response row for the given thread id.
	MarkLatestModelResponse(ctx context.Context, threadID int64, result ResultTag, failReason string, examined bool) error
}

// Publisher is the slice of the event bus the buffer needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Buffer is the async operation log: entries accumulate in memory and flush
// to the store on a timer or when the batch size is reached. Logging never
// blocks the caller and never propagates store failures.
type Buffer struct {
	cfg       config.CustomLoggerConfig
	store     Store
	notifier  ports.Notifier
	publisher Publisher
	logger    *logger.Logger
	metrics   *metrics.Metrics

	broadcast map[Category]bool

	mu           sync.Mutex
	pending      []Entry
	dropped      int
	lastDropWarn time.Time

	// flushGate serializes flushes without queueing: an overlapping flush
	// postpones to the next tick instead of waiting.
	flushGate chan struct{}
	kick      chan struct{}

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewBuffer creates an operation log buffer. notifier, publisher, and m may
// be nil.
func NewBuffer(cfg config.CustomLoggerConfig, store Store, notifier ports.Notifier, publisher Publisher, log *logger.Logger, m *metrics.Metrics) *Buffer {
	broadcast := make(map[Category]bool, len(cfg.BroadcastCategories))
	for _, c := range cfg.BroadcastCategories {
		broadcast[Category(c)] = true
	}
	return &Buffer{
		cfg:       cfg,
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		logger:    log.WithFields(zap.String("component", "oplog")),
		metrics:   m,
		broadcast: broadcast,
		flushGate: make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
	}
}

// Start launches the periodic flusher.
func (b *Buffer) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.flushLoop(ctx)
	return nil
}

// Stop flushes once more and stops the flusher.
func (b *Buffer) Stop() {
	b.lifecycleMu.Lock()
	if !b.running {
		b.lifecycleMu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.lifecycleMu.Unlock()

	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Flush(ctx)
}

func (b *Buffer) flushLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			b.Flush(ctx)
		}
	}
}

// Log records a structured entry decorated with the current logscope frame.
func (b *Buffer) Log(ctx context.Context, level Level, category Category, message string, err error) {
	entry := b.decorate(ctx, Entry{Level: level, Category: category, Message: message})
	if err != nil {
		entry.Exception = err.Error()
	}
	b.add(entry)
}

// LogResult records an entry with an explicit verdict, bypassing derivation.
func (b *Buffer) LogResult(ctx context.Context, level Level, category Category, message string, result ResultTag, failReason string) {
	entry := b.decorate(ctx, Entry{Level: level, Category: category, Message: message})
	entry.Result = result
	entry.ResultFailReason = failReason
	b.add(entry)
}

// LogPrompt records an outgoing model prompt. ChatText carries the last user
// message as the salient excerpt.
func (b *Buffer) LogPrompt(ctx context.Context, messages []ports.ChatMessage) {
	entry := b.decorate(ctx, Entry{
		Level:    LevelInfo,
		Category: CategoryModelPrompt,
		Message:  "model prompt",
		ChatText: lastUserMessage(messages),
	})
	b.add(entry)
}

// LogResponse records a model reply. ChatText carries the assistant content
// or a tool-call summary. Tool-role responses are dropped when tool-response
// logging is disabled.
func (b *Buffer) LogResponse(ctx context.Context, msg ports.ChatMessage) {
	if msg.Role == "tool" && !b.cfg.LogToolResponses {
		return
	}
	entry := b.decorate(ctx, Entry{
		Level:    LevelInfo,
		Category: CategoryModelCompletion,
		Message:  "model completion",
		ChatText: responseExcerpt(msg),
	})
	b.add(entry)
}

// LogRequestJSON records the raw request payload sent to a model. Dropped
// unless request/response logging is enabled.
func (b *Buffer) LogRequestJSON(ctx context.Context, body string, messages []ports.ChatMessage) {
	if !b.cfg.LogRequestResponse {
		return
	}
	entry := b.decorate(ctx, Entry{
		Level:    LevelDebug,
		Category: CategoryModelRequest,
		Message:  body,
		ChatText: lastUserMessage(messages),
	})
	b.add(entry)
}

// LogResponseJSON records the raw response payload from a model. Dropped
// unless request/response logging is enabled, or when the role is tool and
// tool-response logging is disabled.
func (b *Buffer) LogResponseJSON(ctx context.Context, body string, msg ports.ChatMessage) {
	if !b.cfg.LogRequestResponse {
		return
	}
	if msg.Role == "tool" && !b.cfg.LogToolResponses {
		return
	}
	entry := b.decorate(ctx, Entry{
		Level:    LevelDebug,
		Category: CategoryModelResponse,
		Message:  body,
		ChatText: responseExcerpt(msg),
	})
	b.add(entry)
}

// MarkLatestModelResponseResult annotates the most recent model-response
// entry of the current operation with a verdict. Entries still pending in
// the buffer are updated in place; otherwise the persisted row is updated.
func (b *Buffer) MarkLatestModelResponseResult(ctx context.Context, result ResultTag, failReason string, examined bool) {
	threadID := logscope.Current(ctx).OperationID

	b.mu.Lock()
	for i := len(b.pending) - 1; i >= 0; i-- {
		if b.pending[i].Category == CategoryModelResponse && b.pending[i].ThreadID == threadID {
			b.pending[i].Result = result
			b.pending[i].ResultFailReason = failReason
			b.pending[i].Examined = examined
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()

	if err := b.store.MarkLatestModelResponse(ctx, threadID, result, failReason, examined); err != nil {
		b.logger.Warn("failed to mark latest model response",
			zap.Int64("thread_id", threadID), zap.Error(err))
	}
}

// Flush writes the pending batch to the store. Overlapping flushes postpone:
// the gate is try-acquired, never waited on. On persistence failure the
// batch is reinserted at the head preserving order.
func (b *Buffer) Flush(ctx context.Context) {
	select {
	case b.flushGate <- struct{}{}:
	default:
		return
	}
	defer func() { <-b.flushGate }()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	if err := b.store.Append(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		b.logger.Warn("operation log flush failed, batch reinserted",
			zap.Int("entries", len(batch)), zap.Error(err))
		return
	}
	b.metrics.LogFlushObserved(time.Since(start))

	if b.publisher != nil {
		event := bus.NewEvent(events.LogAppended, "oplog", map[string]interface{}{
			"entries": batch,
		})
		if err := b.publisher.Publish(ctx, events.LogAppended, event); err != nil {
			b.logger.Debug("log.appended publish failed", zap.Error(err))
		}
	}
}

// decorate fills ambient fields from the logscope frame on ctx.
func (b *Buffer) decorate(ctx context.Context, entry Entry) Entry {
	scope := logscope.Current(ctx)
	entry.Timestamp = time.Now().UTC()
	entry.ThreadID = scope.OperationID
	entry.ThreadScope = scope.ThreadScope
	entry.StoryCorrelationID = scope.StoryCorrelationID
	entry.AgentName = scope.AgentName
	entry.ModelName = scope.ModelName
	entry.StepNumber = scope.StepNumber
	entry.MaxStep = scope.MaxStep
	return entry
}

func (b *Buffer) add(entry Entry) {
	if entry.Result == ResultNone {
		entry.Result = DeriveResult(entry.Level, entry.Category, entry.Message)
	}

	b.mirror(entry)

	// Live broadcast is independent of persistence and restricted to the
	// configured allow-list.
	if b.notifier != nil && b.broadcast[entry.Category] {
		b.notifier.Broadcast("logs", entry)
	}

	if !b.persistable(entry.Category) {
		return
	}

	b.mu.Lock()
	if len(b.pending) >= b.cfg.BatchSize*pendingCapFactor {
		b.dropped++
		dropped := b.dropped
		warn := time.Since(b.lastDropWarn) >= b.cfg.FlushInterval()
		if warn {
			b.lastDropWarn = time.Now()
			b.dropped = 0
		}
		b.mu.Unlock()
		b.metrics.LogEntriesDropped(1)
		if warn {
			b.logger.Warn("operation log buffer saturated, dropping entries",
				zap.Int("dropped", dropped))
		}
		return
	}
	b.pending = append(b.pending, entry)
	full := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// persistable applies the category persistence filter: Command and the four
// model-traffic categories always persist, anything else only when otherLogs
// is enabled.
func (b *Buffer) persistable(category Category) bool {
	if category == CategoryCommand || IsModelTraffic(category) {
		return true
	}
	return b.cfg.OtherLogs
}

// mirror writes the entry to the process log at the corresponding level.
func (b *Buffer) mirror(entry Entry) {
	fields := []zap.Field{
		zap.String("category", string(entry.Category)),
		zap.Int64("thread_id", entry.ThreadID),
	}
	if entry.Exception != "" {
		fields = append(fields, zap.String("exception", entry.Exception))
	}
	switch entry.Level {
	case LevelDebug:
		b.logger.Debug(entry.Message, fields...)
	case LevelWarning:
		b.logger.Warn(entry.Message, fields...)
	case LevelError, LevelFatal:
		b.logger.Error(entry.Message, fields...)
	default:
		b.logger.Info(entry.Message, fields...)
	}
}

// PendingCount returns the number of buffered entries.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func lastUserMessage(messages []ports.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func responseExcerpt(msg ports.ChatMessage) string {
	if msg.Content != "" {
		return msg.Content
	}
	if len(msg.ToolCalls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		parts = append(parts, tc.Name+"("+tc.Arguments+")")
	}
	return "tool calls: " + strings.Join(parts, ", ")
}
