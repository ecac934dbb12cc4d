package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
)

func newTestDispatcher(t *testing.T, def config.PolicyConfig, cmds map[string]config.PolicyConfig) *Dispatcher {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	if def.MaxAttempts == 0 {
		def.MaxAttempts = 1
	}
	cfg := &config.Config{}
	cfg.CommandPolicies.Default = def
	cfg.CommandPolicies.Commands = cmds
	resolver := NewPolicyResolver(func() *config.Config { return cfg })
	return New(Config{ResultCacheSize: 32, ShutdownGrace: time.Second}, resolver, log, nil, nil)
}

func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return cancel
}

func mustWait(t *testing.T, h *Handle) Result {
	t.Helper()
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", h.RunID, err)
	}
	return res
}

func okHandler(delay time.Duration) Handler {
	return func(ctx context.Context, cmd *Context) (Result, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		return Result{Success: true, Message: "done"}, nil
	}
}

func TestSameScopeRunsSequentially(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		var mu sync.Mutex
		var order []string
		tracked := func(name string) Handler {
			return func(ctx context.Context, cmd *Context) (Result, error) {
				mu.Lock()
				order = append(order, name+":start")
				mu.Unlock()
				time.Sleep(time.Second)
				mu.Lock()
				order = append(order, name+":end")
				mu.Unlock()
				return Result{Success: true}, nil
			}
		}

		h1, err := d.Enqueue("op_a", tracked("a"), Options{ThreadScope: "story/1"})
		if err != nil {
			t.Fatalf("Enqueue a: %v", err)
		}
		time.Sleep(time.Millisecond)
		h2, err := d.Enqueue("op_b", tracked("b"), Options{ThreadScope: "story/1"})
		if err != nil {
			t.Fatalf("Enqueue b: %v", err)
		}

		mustWait(t, h1)
		mustWait(t, h2)

		want := []string{"a:start", "a:end", "b:start", "b:end"}
		if len(order) != len(want) {
			t.Fatalf("expected %d events, got %v", len(want), order)
		}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("event %d: expected %s, got %s", i, want[i], order[i])
			}
		}
	})
}

func TestDifferentScopesRunConcurrently(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		start := time.Now()
		h1, _ := d.Enqueue("op", okHandler(time.Second), Options{ThreadScope: "story/1"})
		h2, _ := d.Enqueue("op", okHandler(time.Second), Options{ThreadScope: "story/2"})
		mustWait(t, h1)
		mustWait(t, h2)

		// Two 1s handlers in distinct scopes overlap on the fake clock.
		if elapsed := time.Since(start); elapsed != time.Second {
			t.Errorf("expected 1s of concurrent execution, took %s", elapsed)
		}
	})
}

func TestPriorityWithinScope(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		gate := make(chan struct{})
		blocker := func(ctx context.Context, cmd *Context) (Result, error) {
			<-gate
			return Result{Success: true}, nil
		}

		var mu sync.Mutex
		var order []string
		tracked := func(name string) Handler {
			return func(ctx context.Context, cmd *Context) (Result, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return Result{Success: true}, nil
			}
		}

		hBlock, _ := d.Enqueue("blocker", blocker, Options{ThreadScope: "s"})
		synctest.Wait() // blocker now holds the scope's execution slot
		time.Sleep(time.Millisecond)
		hLow, _ := d.Enqueue("low", tracked("low"), Options{ThreadScope: "s", Priority: 7})
		time.Sleep(time.Millisecond)
		hHigh, _ := d.Enqueue("high", tracked("high"), Options{ThreadScope: "s", Priority: 2})

		close(gate)
		mustWait(t, hBlock)
		mustWait(t, hLow)
		mustWait(t, hHigh)

		if len(order) != 2 || order[0] != "high" || order[1] != "low" {
			t.Errorf("expected [high low], got %v", order)
		}
	})
}

func TestRetryOnFailureResultWithBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{
			MaxAttempts:           3,
			RetryDelayBaseSeconds: 1,
			ExponentialBackoff:    true,
			RetryOnFailureResult:  true,
		}, nil)
		defer startDispatcher(t, d)()

		attempts := 0
		handler := func(ctx context.Context, cmd *Context) (Result, error) {
			attempts++
			if attempts < 3 {
				return Result{Success: false, Message: "not yet"}, nil
			}
			return Result{Success: true}, nil
		}

		start := time.Now()
		h, _ := d.Enqueue("flaky", handler, Options{})
		res := mustWait(t, h)

		if !res.Success {
			t.Errorf("expected eventual success, got %+v", res)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
		// Backoff is 1s after attempt 1 and 2s after attempt 2.
		if elapsed := time.Since(start); elapsed != 3*time.Second {
			t.Errorf("expected 3s of backoff, took %s", elapsed)
		}

		snap, err := d.GetCommand(h.RunID)
		if err != nil {
			t.Fatalf("GetCommand after completion: %v", err)
		}
		if snap.RetryCount != 2 {
			t.Errorf("expected retryCount 2, got %d", snap.RetryCount)
		}
		if snap.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", snap.Status)
		}
	})
}

func TestRetryOnException(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{
			MaxAttempts:           2,
			RetryDelayBaseSeconds: 1,
			RetryOnException:      true,
		}, nil)
		defer startDispatcher(t, d)()

		attempts := 0
		handler := func(ctx context.Context, cmd *Context) (Result, error) {
			attempts++
			if attempts == 1 {
				return Result{}, errors.New("transient")
			}
			return Result{Success: true}, nil
		}

		h, _ := d.Enqueue("flaky", handler, Options{})
		res := mustWait(t, h)
		if !res.Success || attempts != 2 {
			t.Errorf("expected success on attempt 2, got %+v after %d attempts", res, attempts)
		}
	})
}

func TestNoRetryWhenPolicyDisabled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{MaxAttempts: 5}, nil)
		defer startDispatcher(t, d)()

		attempts := 0
		handler := func(ctx context.Context, cmd *Context) (Result, error) {
			attempts++
			return Result{Success: false, Message: "semantic failure"}, nil
		}

		h, _ := d.Enqueue("failing", handler, Options{})
		res := mustWait(t, h)

		if res.Success {
			t.Error("expected failure result")
		}
		if attempts != 1 {
			t.Errorf("retryOnFailureResult=false must not retry, got %d attempts", attempts)
		}

		snap, _ := d.GetCommand(h.RunID)
		if snap.Status != StatusFailed {
			t.Errorf("expected failed, got %s", snap.Status)
		}
	})
}

func TestHandlerPanicIsFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		handler := func(ctx context.Context, cmd *Context) (Result, error) {
			panic("boom")
		}

		h, _ := d.Enqueue("panicky", handler, Options{})
		res := mustWait(t, h)

		if res.Success {
			t.Error("panic should produce a failure result")
		}
		if !strings.Contains(res.Message, "boom") {
			t.Errorf("expected panic message in result, got %q", res.Message)
		}
	})
}

func TestCancelQueuedCommandSkipsHandler(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		gate := make(chan struct{})
		blocker := func(ctx context.Context, cmd *Context) (Result, error) {
			<-gate
			return Result{Success: true}, nil
		}

		ran := false
		victim := func(ctx context.Context, cmd *Context) (Result, error) {
			ran = true
			return Result{Success: true}, nil
		}

		hBlock, _ := d.Enqueue("blocker", blocker, Options{ThreadScope: "s"})
		synctest.Wait()
		hVictim, _ := d.Enqueue("victim", victim, Options{ThreadScope: "s"})

		hVictim.Cancel()
		close(gate)

		mustWait(t, hBlock)
		res := mustWait(t, hVictim)

		if ran {
			t.Error("cancelled queued command must never invoke its handler")
		}
		if res.Success {
			t.Error("expected cancelled result")
		}
		snap, err := d.GetCommand(hVictim.RunID)
		if err != nil {
			t.Fatalf("GetCommand: %v", err)
		}
		if snap.Status != StatusCancelled {
			t.Errorf("expected cancelled, got %s", snap.Status)
		}
	})
}

func TestCancelDuringBackoffInterruptsSleep(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{
			MaxAttempts:           5,
			RetryDelayBaseSeconds: 60,
			RetryOnFailureResult:  true,
		}, nil)
		defer startDispatcher(t, d)()

		handler := func(ctx context.Context, cmd *Context) (Result, error) {
			return Result{Success: false, Message: "always fails"}, nil
		}

		start := time.Now()
		h, _ := d.Enqueue("failing", handler, Options{})
		synctest.Wait() // first attempt done, command sleeping out backoff

		h.Cancel()
		res := mustWait(t, h)

		if res.Success {
			t.Error("expected cancelled result")
		}
		if elapsed := time.Since(start); elapsed >= 60*time.Second {
			t.Errorf("cancel should interrupt the backoff sleep, took %s", elapsed)
		}
	})
}

func TestCallerContextCancelsCommand(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		callerCtx, callerCancel := context.WithCancel(context.Background())
		started := make(chan struct{})
		handler := func(ctx context.Context, cmd *Context) (Result, error) {
			close(started)
			<-ctx.Done()
			return Result{}, ctx.Err()
		}

		h, err := d.Enqueue("op", handler, Options{Context: callerCtx})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		<-started

		callerCancel()
		res := mustWait(t, h)
		if res.Success {
			t.Error("expected failure after caller context cancellation")
		}

		snap, err := d.GetCommand(h.RunID)
		if err != nil {
			t.Fatalf("GetCommand: %v", err)
		}
		if snap.Status != StatusCancelled && snap.Status != StatusFailed {
			t.Errorf("expected terminal cancelled/failed status, got %s", snap.Status)
		}
	})
}

func TestHandlerMetadataMutationDoesNotLeak(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		handler := func(ctx context.Context, cmd *Context) (Result, error) {
			cmd.Metadata[MetadataAgent] = "intruder"
			cmd.Metadata["extra"] = "value"
			return Result{Success: true}, nil
		}
		h, err := d.Enqueue("op", handler, Options{
			Metadata: map[string]string{MetadataAgent: "writer"},
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		mustWait(t, h)

		snap, err := d.GetCommand(h.RunID)
		if err != nil {
			t.Fatalf("GetCommand: %v", err)
		}
		if snap.Metadata[MetadataAgent] != "writer" {
			t.Errorf("handler mutation reached the command record: agent=%q", snap.Metadata[MetadataAgent])
		}
		if _, ok := snap.Metadata["extra"]; ok {
			t.Error("handler-added key must not appear in snapshots")
		}
	})
}

func TestDuplicateRunID(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		gate := make(chan struct{})
		blocker := func(ctx context.Context, cmd *Context) (Result, error) {
			<-gate
			return Result{Success: true}, nil
		}

		h1, err := d.Enqueue("op", blocker, Options{RunID: "fixed-run"})
		if err != nil {
			t.Fatalf("first Enqueue: %v", err)
		}

		_, err = d.Enqueue("op", okHandler(0), Options{RunID: "fixed-run"})
		if !errors.Is(err, ErrDuplicateRunID) {
			t.Errorf("expected ErrDuplicateRunID for live run id, got %v", err)
		}

		close(gate)
		mustWait(t, h1)

		// Once terminal, the run id leaves the live table and may be reused.
		h2, err := d.Enqueue("op", okHandler(0), Options{RunID: "fixed-run"})
		if err != nil {
			t.Fatalf("re-enqueue after completion: %v", err)
		}
		mustWait(t, h2)
	})
}

func TestWaitForCompletion(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		h, _ := d.Enqueue("op", okHandler(time.Second), Options{})

		res, err := d.WaitForCompletion(context.Background(), h.RunID)
		if err != nil {
			t.Fatalf("WaitForCompletion live: %v", err)
		}
		if !res.Success {
			t.Errorf("expected success, got %+v", res)
		}

		// Terminal commands resolve immediately from the result cache.
		res, err = d.WaitForCompletion(context.Background(), h.RunID)
		if err != nil {
			t.Fatalf("WaitForCompletion cached: %v", err)
		}
		if !res.Success {
			t.Errorf("expected cached success, got %+v", res)
		}
	})
}

func TestWaitForCompletionUnknownRunID(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		_, err := d.WaitForCompletion(context.Background(), "never-enqueued")
		if !errors.Is(err, ErrUnknownRunID) {
			t.Errorf("expected ErrUnknownRunID, got %v", err)
		}

		_, err = d.GetCommand("never-enqueued")
		if !errors.Is(err, ErrUnknownRunID) {
			t.Errorf("GetCommand: expected ErrUnknownRunID, got %v", err)
		}
	})
}

func TestCompletionEventDeliveredOncePerCommand(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)

		var mu sync.Mutex
		received := map[string]int{}

		// The first subscriber panics on every event; the second must still
		// receive each event exactly once.
		d.OnCompleted(func(event CompletionEvent) {
			panic("bad subscriber")
		})
		d.OnCompleted(func(event CompletionEvent) {
			mu.Lock()
			received[event.RunID]++
			mu.Unlock()
		})

		defer startDispatcher(t, d)()

		h1, _ := d.Enqueue("op", okHandler(0), Options{})
		h2, _ := d.Enqueue("op", func(ctx context.Context, cmd *Context) (Result, error) {
			return Result{Success: false, Message: "nope"}, nil
		}, Options{ThreadScope: "other"})

		mustWait(t, h1)
		mustWait(t, h2)
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()
		if received[h1.RunID] != 1 || received[h2.RunID] != 1 {
			t.Errorf("expected exactly one event per command, got %v", received)
		}
	})
}

func TestCompletionEventAfterTerminalSnapshot(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)

		type seen struct {
			status Status
			err    error
		}
		results := make(chan seen, 1)
		d.OnCompleted(func(event CompletionEvent) {
			snap, err := d.GetCommand(event.RunID)
			results <- seen{status: snap.Status, err: err}
		})

		defer startDispatcher(t, d)()

		h, _ := d.Enqueue("op", okHandler(0), Options{})
		mustWait(t, h)

		got := <-results
		if got.err != nil {
			t.Fatalf("snapshot not visible from completion event: %v", got.err)
		}
		if got.status != StatusCompleted {
			t.Errorf("expected terminal snapshot at event time, got %s", got.status)
		}
	})
}

func TestUpdateStepVisibleInSnapshot(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		gate := make(chan struct{})
		handler := func(ctx context.Context, cmd *Context) (Result, error) {
			d.UpdateStep(cmd.RunID, 2, 5, "drafting scene")
			<-gate
			return Result{Success: true}, nil
		}

		h, _ := d.Enqueue("write_episode", handler, Options{})
		synctest.Wait()

		snap, err := d.GetCommand(h.RunID)
		if err != nil {
			t.Fatalf("GetCommand: %v", err)
		}
		if snap.CurrentStep != 2 || snap.MaxStep != 5 || snap.StepDescription != "drafting scene" {
			t.Errorf("step not reflected in snapshot: %+v", snap)
		}

		close(gate)
		mustWait(t, h)
	})
}

func TestUpdatesOnUnknownRunIDAreNoOps(t *testing.T) {
	d := newTestDispatcher(t, config.PolicyConfig{}, nil)

	// None of these may panic or create state.
	d.UpdateStep("ghost", 1, 2, "x")
	d.UpdateRetry("ghost", 3)
	d.UpdateOperationName("ghost", "renamed")

	if got := len(d.GetActiveCommands()); got != 0 {
		t.Errorf("expected no active commands, got %d", got)
	}
}

func TestUpdateOperationNameOnLiveCommand(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		gate := make(chan struct{})
		h, _ := d.Enqueue("generic_op", func(ctx context.Context, cmd *Context) (Result, error) {
			<-gate
			return Result{Success: true}, nil
		}, Options{})
		synctest.Wait()

		d.UpdateOperationName(h.RunID, "write_episode")
		snap, _ := d.GetCommand(h.RunID)
		if snap.OperationName != "write_episode" {
			t.Errorf("expected renamed operation, got %s", snap.OperationName)
		}

		close(gate)
		mustWait(t, h)

		// Renaming after the terminal state is a silent no-op.
		d.UpdateOperationName(h.RunID, "something_else")
		snap, _ = d.GetCommand(h.RunID)
		if snap.OperationName != "write_episode" {
			t.Errorf("post-terminal rename must not apply, got %s", snap.OperationName)
		}
	})
}

func TestGetActiveCommandsSortedByEnqueueTime(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		defer startDispatcher(t, d)()

		gate := make(chan struct{})
		blocker := func(ctx context.Context, cmd *Context) (Result, error) {
			<-gate
			return Result{Success: true}, nil
		}

		h1, _ := d.Enqueue("first", blocker, Options{ThreadScope: "s"})
		time.Sleep(time.Second)
		h2, _ := d.Enqueue("second", blocker, Options{ThreadScope: "s"})
		time.Sleep(time.Second)
		h3, _ := d.Enqueue("third", blocker, Options{ThreadScope: "s", Priority: 1})

		active := d.GetActiveCommands()
		if len(active) != 3 {
			t.Fatalf("expected 3 active commands, got %d", len(active))
		}
		// Listing order is enqueue time, independent of priority.
		for i, want := range []string{h1.RunID, h2.RunID, h3.RunID} {
			if active[i].RunID != want {
				t.Errorf("position %d: expected %s, got %s", i, want, active[i].RunID)
			}
		}

		close(gate)
		mustWait(t, h1)
		mustWait(t, h2)
		mustWait(t, h3)
	})
}

func TestMaxWorkersBoundsCrossScopeConcurrency(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error"})
		cfg := &config.Config{}
		cfg.CommandPolicies.Default = config.PolicyConfig{MaxAttempts: 1}
		resolver := NewPolicyResolver(func() *config.Config { return cfg })
		d := New(Config{MaxWorkers: 1, ResultCacheSize: 8, ShutdownGrace: time.Second}, resolver, log, nil, nil)
		defer startDispatcher(t, d)()

		start := time.Now()
		var handles []*Handle
		for i := 0; i < 3; i++ {
			h, err := d.Enqueue("op", okHandler(time.Second), Options{ThreadScope: fmt.Sprintf("scope/%d", i)})
			if err != nil {
				t.Fatalf("Enqueue %d: %v", i, err)
			}
			handles = append(handles, h)
		}
		for _, h := range handles {
			mustWait(t, h)
		}

		// One worker slot serializes even across scopes.
		if elapsed := time.Since(start); elapsed != 3*time.Second {
			t.Errorf("expected 3s with maxWorkers=1, took %s", elapsed)
		}
	})
}

func TestEnqueueAfterStopRejected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		cancel := startDispatcher(t, d)
		defer cancel()

		if err := d.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}

		_, err := d.Enqueue("op", okHandler(0), Options{})
		if !errors.Is(err, ErrDispatcherClosed) {
			t.Errorf("expected ErrDispatcherClosed, got %v", err)
		}
	})
}

func TestStopCancelsInFlightCommands(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		d := newTestDispatcher(t, config.PolicyConfig{}, nil)
		cancel := startDispatcher(t, d)
		defer cancel()

		h, _ := d.Enqueue("op", func(ctx context.Context, cmd *Context) (Result, error) {
			<-ctx.Done()
			return Result{Success: false, Message: "interrupted"}, nil
		}, Options{})
		synctest.Wait()

		if err := d.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}

		res := mustWait(t, h)
		if res.Success {
			t.Error("expected failure for command interrupted by shutdown")
		}
	})
}

func TestNewRunIDFormat(t *testing.T) {
	id := NewRunID("write_episode")

	if !strings.HasPrefix(id, "write_episode_") {
		t.Fatalf("run id should start with the operation name, got %s", id)
	}
	rest := strings.TrimPrefix(id, "write_episode_")
	parts := strings.Split(rest, "_")
	if len(parts) != 2 {
		t.Fatalf("expected timestamp and suffix after operation name, got %s", rest)
	}
	if len(parts[0]) != 17 {
		t.Errorf("expected 17-digit timestamp (ms precision), got %q", parts[0])
	}
	if len(parts[1]) != 8 {
		t.Errorf("expected 8-char random suffix, got %q", parts[1])
	}

	if NewRunID("write_episode") == id {
		t.Error("consecutive run ids should differ")
	}
}
