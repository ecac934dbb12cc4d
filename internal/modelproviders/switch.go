package modelproviders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/events"
	"github.com/storyforge/storyforge/internal/events/bus"
	"github.com/storyforge/storyforge/internal/metrics"
)

// Bridge is the handle a caller receives after acquiring a provider. It
// carries what a model client needs to reach the backend.
type Bridge struct {
	Kind    string `json:"kind"`
	BaseURL string `json:"base_url"`
	Local   bool   `json:"local"`
}

// Publisher is the slice of the event bus the switcher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Status is the switcher state served by the API.
type Status struct {
	Active      string     `json:"active,omitempty"`
	ActiveLocal string     `json:"active_local,omitempty"`
	Providers   []Provider `json:"providers"`
}

// Switcher enforces the at-most-one-active-local-backend rule. A single
// mutex covers the compare, the synchronous stop of the previous backend,
// and the record of the new one, so concurrent acquisitions serialize.
type Switcher struct {
	catalog     *Catalog
	runtime     Runtime
	publisher   Publisher
	logger      *logger.Logger
	metrics     *metrics.Metrics
	localKinds  map[string]bool
	stopTimeout time.Duration

	mu          sync.Mutex
	active      string
	activeLocal string
}

// NewSwitcher creates a switcher. publisher and m may be nil.
func NewSwitcher(cfg config.ModelSwitchConfig, catalog *Catalog, runtime Runtime, publisher Publisher, log *logger.Logger, m *metrics.Metrics) *Switcher {
	local := make(map[string]bool, len(cfg.LocalKinds))
	for _, k := range cfg.LocalKinds {
		local[k] = true
	}
	return &Switcher{
		catalog:     catalog,
		runtime:     runtime,
		publisher:   publisher,
		logger:      log.WithFields(zap.String("component", "provider-switch")),
		metrics:     m,
		localKinds:  local,
		stopTimeout: cfg.StopTimeout(),
	}
}

// IsLocal reports whether a kind is subject to the single-backend rule.
func (s *Switcher) IsLocal(kind string) bool { return s.localKinds[kind] }

// Acquire resolves the provider for kind and makes it usable. For local
// kinds the previously active local backend is stopped before the new one is
// recorded; external kinds bypass the guard and leave any local backend
// running.
func (s *Switcher) Acquire(ctx context.Context, kind string) (*Bridge, error) {
	p, err := s.catalog.Get(kind)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	previous := s.active
	if s.IsLocal(kind) {
		if s.activeLocal != "" && s.activeLocal != kind {
			if err := s.runtime.Stop(ctx, s.activeLocal, s.stopTimeout); err != nil {
				s.mu.Unlock()
				return nil, fmt.Errorf("failed to stop previous backend %s: %w", s.activeLocal, err)
			}
			s.logger.Info("previous local backend stopped",
				zap.String("previous", s.activeLocal), zap.String("next", kind))
		}
		if err := s.runtime.EnsureStarted(ctx, p); err != nil {
			// The previous backend is already down; leave no local recorded
			// so the next acquisition starts clean.
			s.activeLocal = ""
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to start backend %s: %w", kind, err)
		}
		s.activeLocal = kind
	}
	s.active = kind
	s.mu.Unlock()

	if previous != kind {
		s.metrics.ProviderSwitched()
		s.publishSwitch(ctx, previous, kind)
		s.logger.Info("provider switched",
			zap.String("previous", previous), zap.String("current", kind))
	}

	return &Bridge{Kind: kind, BaseURL: p.BaseURL, Local: s.IsLocal(kind)}, nil
}

// StopActive stops the active local backend, if any. Used at shutdown.
func (s *Switcher) StopActive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocal == "" {
		return nil
	}
	if err := s.runtime.Stop(ctx, s.activeLocal, s.stopTimeout); err != nil {
		return err
	}
	s.activeLocal = ""
	return nil
}

// Status returns the catalog and the active kinds.
func (s *Switcher) Status() Status {
	s.mu.Lock()
	active, activeLocal := s.active, s.activeLocal
	s.mu.Unlock()
	return Status{
		Active:      active,
		ActiveLocal: activeLocal,
		Providers:   s.catalog.List(),
	}
}

func (s *Switcher) publishSwitch(ctx context.Context, previous, current string) {
	if s.publisher == nil {
		return
	}
	event := bus.NewEvent(events.ProviderSwitched, "modelproviders", map[string]interface{}{
		"previous": previous,
		"current":  current,
		"local":    s.IsLocal(current),
	})
	if err := s.publisher.Publish(ctx, events.ProviderSwitched, event); err != nil {
		s.logger.Debug("provider.switched publish failed", zap.Error(err))
	}
}
