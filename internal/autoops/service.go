// Package autoops runs the idle scheduler: when no qualifying commands are
// active for the configured window, it enqueues one maintenance task per
// attempt, rotating fairly through the runnable candidates.
package autoops

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/appctx"
	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/metrics"
	"github.com/storyforge/storyforge/internal/oplog"
	"github.com/storyforge/storyforge/internal/ports"
)

// tickInterval is how often the idle check runs.
const tickInterval = 10 * time.Second

// Dispatcher is the slice of the command dispatcher the service needs.
type Dispatcher interface {
	GetActiveCommands() []dispatch.Snapshot
	Enqueue(operationName string, handler dispatch.Handler, opts dispatch.Options) (*dispatch.Handle, error)
}

// Resolver resolves operation names to handler factories.
type Resolver interface {
	Resolve(name string) (dispatch.HandlerFactory, error)
}

// State is the scheduler status served by the API.
type State struct {
	Enabled      bool      `json:"enabled"`
	IdleSeconds  int       `json:"idle_seconds"`
	LastActivity time.Time `json:"last_activity"`
	LastAttempt  time.Time `json:"last_attempt,omitempty"`
	Cursor       int       `json:"cursor"`
	Candidates   []string  `json:"candidates,omitempty"`
}

// Service is the idle scheduler.
type Service struct {
	cfg        config.AutomaticOperationsConfig
	dispatcher Dispatcher
	resolver   Resolver
	store      ports.StoryStore
	logger     *logger.Logger
	oplog      *oplog.Buffer
	metrics    *metrics.Metrics

	ignored map[string]bool

	mu             sync.Mutex
	lastActivity   time.Time
	lastAttempt    time.Time
	lastIndex      int
	lastCandidates []string

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates the idle scheduler. opLog and m may be nil.
func New(cfg config.AutomaticOperationsConfig, d Dispatcher, r Resolver, store ports.StoryStore, log *logger.Logger, opLog *oplog.Buffer, m *metrics.Metrics) *Service {
	ignored := make(map[string]bool, len(cfg.IgnoredOperations))
	for _, op := range cfg.IgnoredOperations {
		ignored[strings.ToLower(op)] = true
	}
	return &Service{
		cfg:        cfg,
		dispatcher: d,
		resolver:   r,
		store:      store,
		logger:     log.WithFields(zap.String("component", "autoops")),
		oplog:      opLog,
		metrics:    m,
		ignored:    ignored,
		lastIndex:  -1,
	}
}

// Start launches the periodic idle check.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("idle scheduler started",
		zap.Bool("enabled", s.cfg.Enabled),
		zap.Int("idle_seconds", s.cfg.IdleSeconds))
	return nil
}

// Stop halts the idle check.
func (s *Service) Stop() {
	s.lifecycleMu.Lock()
	if !s.running {
		s.lifecycleMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.lifecycleMu.Unlock()
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one idle check and enqueues at most one task.
func (s *Service) tick(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	now := time.Now()

	if s.hasQualifyingActivity() {
		s.mu.Lock()
		s.lastActivity = now
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	idleSince := s.lastActivity
	lastAttempt := s.lastAttempt
	s.mu.Unlock()

	threshold := s.cfg.IdleThreshold()
	if now.Sub(idleSince) < threshold {
		return
	}
	// Attempts also respect the window so an ignored maintenance command
	// does not cascade into one enqueue per tick.
	if !lastAttempt.IsZero() && now.Sub(lastAttempt) < threshold {
		return
	}

	// Probes hit the database; bound them to one tick and cut them off when
	// the service stops.
	probeCtx, cancelProbe := appctx.Detached(ctx, s.stopCh, tickInterval)
	candidates := buildCandidates(probeCtx, s.cfg.Tasks, s.store, func(task string, err error) {
		s.logger.Warn("idle task probe failed", zap.String("task", task), zap.Error(err))
	})
	cancelProbe()

	s.mu.Lock()
	s.lastCandidates = candidateNames(candidates)
	if len(candidates) == 0 {
		// Nothing runnable still counts as an attempt, so the store is
		// probed at most once per idle window.
		s.lastAttempt = now
		s.mu.Unlock()
		return
	}
	index := (s.lastIndex + 1) % len(candidates)
	picked := candidates[index]
	s.mu.Unlock()

	if !s.enqueue(ctx, picked) {
		// A failed enqueue keeps the cursor and the attempt window intact
		// so the same task is retried on the next tick.
		return
	}

	s.mu.Lock()
	s.lastIndex = index
	s.lastAttempt = now
	s.lastActivity = now
	s.mu.Unlock()
}

// hasQualifyingActivity reports whether any active command counts as
// activity. Ignored operations (maintenance noise) do not.
func (s *Service) hasQualifyingActivity() bool {
	for _, snap := range s.dispatcher.GetActiveCommands() {
		if !s.ignored[strings.ToLower(snap.OperationName)] {
			return true
		}
	}
	return false
}

// enqueue hands the candidate to the dispatcher and reports whether it was
// accepted.
func (s *Service) enqueue(ctx context.Context, c candidate) bool {
	factory, err := s.resolver.Resolve(c.operation)
	if err != nil {
		s.logger.Warn("idle task operation not registered",
			zap.String("task", c.name), zap.String("operation", c.operation))
		return false
	}

	metadata := map[string]string{
		dispatch.MetadataOperation: c.name,
		dispatch.MetadataTrigger:   "idle",
	}
	_, err = s.dispatcher.Enqueue(c.operation, factory(metadata), dispatch.Options{
		ThreadScope: "autoops",
		Priority:    c.priority,
		Metadata:    metadata,
	})
	if err != nil {
		s.logger.Warn("idle task enqueue failed",
			zap.String("task", c.name), zap.Error(err))
		return false
	}

	s.metrics.IdleEnqueued()
	if s.oplog != nil {
		s.oplog.Log(ctx, oplog.LevelInfo, oplog.CategoryAutoOps,
			"idle scheduler enqueued "+c.operation, nil)
	}
	s.logger.Info("idle task enqueued",
		zap.String("task", c.name),
		zap.String("operation", c.operation),
		zap.Int("priority", c.priority))
	return true
}

// Status returns the scheduler state.
func (s *Service) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Enabled:      s.cfg.Enabled,
		IdleSeconds:  s.cfg.IdleSeconds,
		LastActivity: s.lastActivity,
		LastAttempt:  s.lastAttempt,
		Cursor:       s.lastIndex,
		Candidates:   append([]string(nil), s.lastCandidates...),
	}
}

func candidateNames(cs []candidate) []string {
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.name)
	}
	return names
}
