package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/events/bus"
	"github.com/storyforge/storyforge/internal/metrics"
	"github.com/storyforge/storyforge/internal/modelproviders"
)

// buildProviderSwitch assembles the catalog, the backend runtime, and the
// switcher. When the Docker daemon is unreachable the switcher still serves
// external providers; acquiring a local kind then fails cleanly.
func buildProviderSwitch(ctx context.Context, cfg *config.Config, eventBus bus.EventBus, log *logger.Logger, m *metrics.Metrics) (*modelproviders.Switcher, func(), error) {
	catalog, err := modelproviders.LoadCatalog(cfg.ModelSwitch.CatalogPath)
	if err != nil {
		return nil, nil, err
	}

	var runtime modelproviders.Runtime
	cleanup := func() {}

	if cfg.Docker.Enabled {
		dockerRuntime, err := modelproviders.NewDockerRuntime(cfg.Docker, log)
		if err != nil {
			log.Warn("docker runtime unavailable, local providers disabled", zap.Error(err))
		} else if err := dockerRuntime.Ping(ctx); err != nil {
			log.Warn("docker daemon unreachable, local providers disabled", zap.Error(err))
			_ = dockerRuntime.Close()
		} else {
			runtime = dockerRuntime
			cleanup = func() { _ = dockerRuntime.Close() }
			log.Info("docker provider runtime connected")
		}
	}
	if runtime == nil {
		runtime = unavailableRuntime{}
	}

	switcher := modelproviders.NewSwitcher(cfg.ModelSwitch, catalog, runtime, eventBus, log, m)
	return switcher, cleanup, nil
}

// unavailableRuntime stands in when no Docker daemon is reachable. External
// providers never touch the runtime; local ones fail to start.
type unavailableRuntime struct{}

func (unavailableRuntime) EnsureStarted(_ context.Context, p modelproviders.Provider) error {
	return fmt.Errorf("docker runtime unavailable, cannot start provider %s", p.Kind)
}

func (unavailableRuntime) Stop(context.Context, string, time.Duration) error { return nil }

func (unavailableRuntime) Status(context.Context, string) (string, error) { return "absent", nil }
