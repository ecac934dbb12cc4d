// Package dispatch implements the command dispatcher: queueing with
// per-scope serialization, priority ordering, retry with backoff,
// cancellation, lifecycle snapshots, and the completion event.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/storyforge/storyforge/internal/common/appctx"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/logscope"
	"github.com/storyforge/storyforge/internal/metrics"
	"github.com/storyforge/storyforge/internal/oplog"
	"github.com/storyforge/storyforge/internal/tracing"
)

// CompletionEvent is fired exactly once per command after its terminal state
// is visible in snapshots.
type CompletionEvent struct {
	RunID         string `json:"run_id"`
	OperationName string `json:"operation_name"`
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
}

// CompletionHandler consumes completion events. Handlers are isolated: a
// panic in one subscriber does not affect the others or the dispatcher.
type CompletionHandler func(event CompletionEvent)

// Config holds dispatcher tuning.
type Config struct {
	// MaxWorkers bounds globally concurrent handlers; zero means unbounded
	// (scope serialization remains the admission rule).
	MaxWorkers int
	// ResultCacheSize bounds the terminal result cache consulted by
	// WaitForCompletion and GetCommand after a command leaves the table.
	ResultCacheSize int
	// ShutdownGrace bounds how long Stop waits for in-flight handlers.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      0,
		ResultCacheSize: 1024,
		ShutdownGrace:   30 * time.Second,
	}
}

// Dispatcher owns the command table and the per-scope queues. All
// bookkeeping is guarded by one mutex with short critical sections; handler
// execution happens outside it.
type Dispatcher struct {
	cfg      Config
	policies *PolicyResolver
	logger   *logger.Logger
	oplog    *oplog.Buffer
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	sem      *semaphore.Weighted

	mu       sync.Mutex
	commands map[string]*command
	scopes   map[string]*scopeState
	results  *lru.Cache[string, TerminalCommand]
	opSeq    int64
	queued   int

	subMu       sync.RWMutex
	subscribers []CompletionHandler

	lifecycleMu    sync.Mutex
	running        bool
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

// New creates a dispatcher. opLog and m may be nil.
func New(cfg Config, policies *PolicyResolver, log *logger.Logger, opLog *oplog.Buffer, m *metrics.Metrics) *Dispatcher {
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = DefaultConfig().ResultCacheSize
	}
	results, _ := lru.New[string, TerminalCommand](cfg.ResultCacheSize)

	d := &Dispatcher{
		cfg:      cfg,
		policies: policies,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
		oplog:    opLog,
		metrics:  m,
		tracer:   tracing.Tracer("storyforge/dispatch"),
		commands: make(map[string]*command),
		scopes:   make(map[string]*scopeState),
		results:  results,
	}
	if cfg.MaxWorkers > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxWorkers))
	}
	return d
}

// Start makes the dispatcher accept commands. Command contexts are linked to
// ctx: cancelling it cancels all in-flight work.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	d.running = true
	d.shutdownCtx, d.shutdownCancel = context.WithCancel(ctx)
	d.logger.Info("dispatcher started",
		zap.Int("max_workers", d.cfg.MaxWorkers),
		zap.Int("result_cache_size", d.cfg.ResultCacheSize))
	return nil
}

// Stop rejects new commands, cancels the shutdown token linked into every
// command context, and waits for scope runners up to the grace period.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lifecycleMu.Lock()
	if !d.running {
		d.lifecycleMu.Unlock()
		return ErrDispatcherClosed
	}
	d.running = false
	d.shutdownCancel()
	d.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	grace := d.cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultConfig().ShutdownGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-timer.C:
		d.logger.Warn("dispatcher stop timed out waiting for handlers")
		return fmt.Errorf("dispatcher stop: handlers still running after %s", grace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits a command. An empty RunID gets a server-assigned one; an
// empty ThreadScope defaults to "global". Returns ErrDuplicateRunID when the
// run id is already live.
func (d *Dispatcher) Enqueue(operationName string, handler Handler, opts Options) (*Handle, error) {
	d.lifecycleMu.Lock()
	if !d.running {
		d.lifecycleMu.Unlock()
		return nil, ErrDispatcherClosed
	}
	shutdownCtx := d.shutdownCtx
	d.lifecycleMu.Unlock()

	runID := opts.RunID
	if runID == "" {
		runID = NewRunID(operationName)
	}
	scope := opts.ThreadScope
	if scope == "" {
		scope = DefaultScope
	}
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	metadata := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	cmdCtx, cancel := appctx.Linked(shutdownCtx, opts.Context)
	cmd := &command{
		runID:         runID,
		operationName: operationName,
		threadScope:   scope,
		priority:      priority,
		metadata:      metadata,
		handler:       handler,
		status:        StatusQueued,
		enqueuedAt:    time.Now().UTC(),
		ctx:           cmdCtx,
		cancel:        cancel,
	}
	cmd.handle = &Handle{
		RunID:         runID,
		OperationName: operationName,
		done:          make(chan struct{}),
		cancel:        cancel,
	}

	d.mu.Lock()
	if _, exists := d.commands[runID]; exists {
		d.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRunID, runID)
	}
	d.commands[runID] = cmd
	st, ok := d.scopes[scope]
	if !ok {
		st = newScopeState()
		d.scopes[scope] = st
	}
	st.push(cmd)
	d.queued++
	startRunner := !st.active
	if startRunner {
		st.active = true
		d.wg.Add(1)
	}
	d.updateGauges()
	d.mu.Unlock()

	d.metrics.CommandEnqueued()
	d.logger.Debug("command enqueued",
		zap.String("run_id", runID),
		zap.String("operation", operationName),
		zap.String("thread_scope", scope),
		zap.Int("priority", priority))

	if startRunner {
		go d.runScope(scope)
	}
	return cmd.handle, nil
}

// runScope owns the execution slot of one thread scope: it pops the next
// eligible command and runs it to a terminal state before touching the
// queue again. The scope is reclaimed when its queue drains.
func (d *Dispatcher) runScope(scope string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		st := d.scopes[scope]
		if st == nil {
			d.mu.Unlock()
			return
		}
		cmd := st.pop()
		if cmd == nil {
			delete(d.scopes, scope)
			d.updateGauges()
			d.mu.Unlock()
			return
		}
		d.queued--
		d.updateGauges()
		d.mu.Unlock()

		if d.sem != nil {
			if err := d.sem.Acquire(cmd.ctx, 1); err != nil {
				d.finish(cmd, cmd.ctx, StatusCancelled, Result{Success: false, Message: "cancelled"})
				continue
			}
		}
		d.execute(cmd)
		if d.sem != nil {
			d.sem.Release(1)
		}
	}
}

// execute runs one command to a terminal state: logscope push, policy
// resolution, the retry loop, and terminal bookkeeping.
func (d *Dispatcher) execute(cmd *command) {
	// Cancelled while queued: the handler is never invoked.
	if cmd.ctx.Err() != nil {
		d.finish(cmd, cmd.ctx, StatusCancelled, Result{Success: false, Message: "cancelled"})
		return
	}

	now := time.Now().UTC()
	d.mu.Lock()
	d.opSeq++
	opNum := d.opSeq
	cmd.operationNumber = opNum
	cmd.status = StatusRunning
	cmd.startedAt = &now
	d.mu.Unlock()

	ctx, frame := logscope.Push(cmd.ctx, logscope.Options{
		Name:               cmd.operationName,
		OperationID:        opNum,
		ThreadScope:        cmd.threadScope,
		AgentName:          cmd.metadata[MetadataAgent],
		ModelName:          cmd.metadata[MetadataModel],
		StoryCorrelationID: cmd.metadata[MetadataStoryID],
	})
	d.mu.Lock()
	cmd.frame = frame
	d.mu.Unlock()

	ctx, span := d.tracer.Start(ctx, "command.execute",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("run_id", cmd.runID),
		attribute.String("operation", cmd.operationName),
		attribute.String("thread_scope", cmd.threadScope),
	)
	defer span.End()

	policy := d.policies.Resolve(cmd.operationName, cmd.metadata[MetadataOperation])
	d.logCommand(ctx, oplog.LevelInfo, fmt.Sprintf("command %s started (run %s)", cmd.operationName, cmd.runID), nil)

	var res Result
	var execErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res, execErr = d.invoke(ctx, cmd)
		if cmd.ctx.Err() != nil {
			break
		}

		retryable := (execErr != nil && policy.RetryOnException) ||
			(execErr == nil && !res.Success && policy.RetryOnFailureResult)
		if !retryable || attempt == policy.MaxAttempts {
			break
		}

		d.mu.Lock()
		cmd.retryCount++
		cmd.status = StatusRetrying
		retries := cmd.retryCount
		d.mu.Unlock()
		d.metrics.CommandRetried()

		delay := policy.BackoffDelay(attempt)
		d.logCommand(ctx, oplog.LevelWarning,
			fmt.Sprintf("command %s attempt %d did not succeed, retrying in %s", cmd.operationName, attempt, delay),
			execErr)
		d.logger.Warn("command retrying",
			zap.String("run_id", cmd.runID),
			zap.Int("retry_count", retries),
			zap.Duration("delay", delay))

		if !d.sleep(cmd.ctx, delay) {
			break // cancelled during backoff
		}
		d.mu.Lock()
		cmd.status = StatusRunning
		d.mu.Unlock()
	}

	var status Status
	var result Result
	switch {
	case cmd.ctx.Err() != nil:
		status = StatusCancelled
		result = Result{Success: false, Message: "cancelled"}
	case execErr != nil:
		status = StatusFailed
		result = Result{Success: false, Message: execErr.Error()}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	case !res.Success:
		status = StatusFailed
		result = res
		span.SetStatus(codes.Error, res.Message)
	default:
		status = StatusCompleted
		result = res
	}

	d.finish(cmd, ctx, status, result)
}

// invoke runs the handler once, converting panics into the exception path.
func (d *Dispatcher) invoke(ctx context.Context, cmd *command) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	d.mu.Lock()
	// Copy the metadata so a handler mutating its view cannot leak into
	// snapshots or other readers of the command record.
	md := make(map[string]string, len(cmd.metadata))
	for k, v := range cmd.metadata {
		md[k] = v
	}
	cc := &Context{
		RunID:           cmd.runID,
		OperationName:   cmd.operationName,
		Metadata:        md,
		OperationNumber: cmd.operationNumber,
	}
	d.mu.Unlock()

	return cmd.handler(ctx, cc)
}

// finish records the terminal state, removes the command from the active
// set, resolves the handle, and fires the completion event.
func (d *Dispatcher) finish(cmd *command, ctx context.Context, status Status, result Result) {
	now := time.Now().UTC()

	d.mu.Lock()
	cmd.status = status
	cmd.completedAt = &now
	if status != StatusCompleted && cmd.errorMessage == "" {
		cmd.errorMessage = result.Message
	}
	snap := cmd.snapshot()
	delete(d.commands, cmd.runID)
	cmd.frame = nil
	d.results.Add(cmd.runID, TerminalCommand{Snapshot: snap, Result: result})
	d.mu.Unlock()

	cmd.cancel()
	d.metrics.CommandCompleted(string(status))

	level := oplog.LevelInfo
	if status != StatusCompleted {
		level = oplog.LevelWarning
	}
	d.logCommand(ctx, level,
		fmt.Sprintf("command %s %s (run %s)", snap.OperationName, status, cmd.runID), nil)
	d.logger.Info("command finished",
		zap.String("run_id", cmd.runID),
		zap.String("operation", snap.OperationName),
		zap.String("status", string(status)),
		zap.Int("retry_count", snap.RetryCount))

	cmd.handle.resolve(result)
	d.notifyCompleted(CompletionEvent{
		RunID:         cmd.runID,
		OperationName: snap.OperationName,
		Success:       result.Success,
		Message:       result.Message,
	})
}

// sleep waits out a backoff delay; returns false when ctx was cancelled.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// OnCompleted registers a completion subscriber.
func (d *Dispatcher) OnCompleted(handler CompletionHandler) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subscribers = append(d.subscribers, handler)
}

// notifyCompleted invokes each subscriber in a protected region; a panic in
// one subscriber never reaches the others.
func (d *Dispatcher) notifyCompleted(event CompletionEvent) {
	d.subMu.RLock()
	subscribers := make([]CompletionHandler, len(d.subscribers))
	copy(subscribers, d.subscribers)
	d.subMu.RUnlock()

	for _, handler := range subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("completion subscriber panicked",
						zap.String("run_id", event.RunID),
						zap.Any("panic", r))
				}
			}()
			handler(event)
		}()
	}
}

// GetActiveCommands returns snapshots of all commands not yet terminal,
// sorted by enqueue time.
func (d *Dispatcher) GetActiveCommands() []Snapshot {
	d.mu.Lock()
	snapshots := make([]Snapshot, 0, len(d.commands))
	for _, cmd := range d.commands {
		snapshots = append(snapshots, cmd.snapshot())
	}
	d.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].EnqueuedAt.Before(snapshots[j].EnqueuedAt)
	})
	return snapshots
}

// GetCommand returns the snapshot of a live command, or the cached snapshot
// of a recently terminal one. Returns ErrUnknownRunID otherwise.
func (d *Dispatcher) GetCommand(runID string) (Snapshot, error) {
	d.mu.Lock()
	if cmd, ok := d.commands[runID]; ok {
		snap := cmd.snapshot()
		d.mu.Unlock()
		return snap, nil
	}
	d.mu.Unlock()

	if tc, ok := d.results.Get(runID); ok {
		return tc.Snapshot, nil
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownRunID, runID)
}

// WaitForCompletion resolves with the final result of a command. Already
// terminal commands resolve immediately from the result cache; run ids that
// were never enqueued fail fast with ErrUnknownRunID.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, runID string) (Result, error) {
	d.mu.Lock()
	if cmd, ok := d.commands[runID]; ok {
		handle := cmd.handle
		d.mu.Unlock()
		return handle.Wait(ctx)
	}
	d.mu.Unlock()

	if tc, ok := d.results.Get(runID); ok {
		return tc.Result, nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnknownRunID, runID)
}

// UpdateStep records handler progress; ignored for unknown run ids.
func (d *Dispatcher) UpdateStep(runID string, current, max int, description string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.commands[runID]
	if !ok {
		return
	}
	cmd.currentStep = current
	cmd.maxStep = max
	cmd.stepDescription = description
	if cmd.frame != nil {
		cmd.frame.SetStep(current, max)
	}
}

// UpdateRetry overrides the visible retry counter; ignored for unknown run ids.
func (d *Dispatcher) UpdateRetry(runID string, retryCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.commands[runID]
	if !ok {
		return
	}
	cmd.retryCount = retryCount
}

// UpdateOperationName renames a live command; a silent no-op for unknown or
// already-terminal run ids.
func (d *Dispatcher) UpdateOperationName(runID, newName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.commands[runID]
	if !ok {
		return
	}
	cmd.operationName = newName
	if cmd.frame != nil {
		cmd.frame.SetName(newName)
	}
}

// logCommand writes a Command-category row to the operation log when one is
// attached. Logging failures never reach dispatch.
func (d *Dispatcher) logCommand(ctx context.Context, level oplog.Level, message string, err error) {
	if d.oplog == nil {
		return
	}
	d.oplog.Log(ctx, level, oplog.CategoryCommand, message, err)
}

// updateGauges refreshes queue metrics; call with d.mu held.
func (d *Dispatcher) updateGauges() {
	d.metrics.SetQueueDepth(d.queued)
	d.metrics.SetActiveScopes(len(d.scopes))
}
