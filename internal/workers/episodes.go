package workers

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/oplog"
	"github.com/storyforge/storyforge/internal/ports"
)

// OpWriteEpisode produces the next episode of a series.
const OpWriteEpisode = "write_episode"

// EpisodeProducer periodically picks the active series that is furthest
// behind and enqueues an episode for it, assigning a writer agent by
// score-weighted random selection.
type EpisodeProducer struct {
	cfg        config.EpisodeProducerConfig
	dispatcher Dispatcher
	resolver   Resolver
	store      ports.StoryStore
	logger     *logger.Logger
	oplog      *oplog.Buffer

	randMu sync.Mutex
	rand   *rand.Rand

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEpisodeProducer creates the producer. opLog may be nil.
func NewEpisodeProducer(cfg config.EpisodeProducerConfig, d Dispatcher, r Resolver, store ports.StoryStore, log *logger.Logger, opLog *oplog.Buffer) *EpisodeProducer {
	return &EpisodeProducer{
		cfg:        cfg,
		dispatcher: d,
		resolver:   r,
		store:      store,
		logger:     log.WithFields(zap.String("component", "episode-producer")),
		oplog:      opLog,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the production loop. No-op when disabled.
func (p *EpisodeProducer) Start(ctx context.Context) {
	if !p.cfg.Enabled {
		return
	}
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("episode producer started", zap.Duration("interval", p.cfg.Interval()))
}

// Stop halts the loop and waits for it to exit.
func (p *EpisodeProducer) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
}

func (p *EpisodeProducer) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single production attempt: pick the most-behind active
// series, pick a writer, enqueue one episode.
func (p *EpisodeProducer) RunOnce(ctx context.Context) {
	series, err := p.store.ListActiveSeries(ctx)
	if err != nil {
		p.logger.Warn("failed to list active series", zap.Error(err))
		return
	}
	if len(series) == 0 {
		return
	}
	target := series[0]
	for _, s := range series[1:] {
		if s.CompletedEpisodes < target.CompletedEpisodes {
			target = s
		}
	}

	scores, err := p.store.ListWriterScores(ctx)
	if err != nil {
		p.logger.Warn("failed to list writer scores", zap.Error(err))
		return
	}
	writer := p.pickWriter(scores)
	if writer == "" {
		p.logger.Debug("no writers available, skipping episode")
		return
	}

	factory, err := p.resolver.Resolve(OpWriteEpisode)
	if err != nil {
		p.logger.Warn("episode operation not registered", zap.Error(err))
		return
	}

	metadata := map[string]string{
		dispatch.MetadataSeriesID: strconv.FormatInt(target.ID, 10),
		dispatch.MetadataAgent:    writer,
		dispatch.MetadataTrigger:  "episode_interval",
	}
	_, err = p.dispatcher.Enqueue(OpWriteEpisode, factory(metadata), dispatch.Options{
		ThreadScope: fmt.Sprintf("series/%d", target.ID),
		Metadata:    metadata,
	})
	if err != nil {
		p.logger.Warn("failed to enqueue episode",
			zap.Int64("series_id", target.ID), zap.Error(err))
		return
	}

	if p.oplog != nil {
		p.oplog.Log(ctx, oplog.LevelInfo, oplog.CategoryAutoOps,
			fmt.Sprintf("episode scheduled for series %d with writer %s", target.ID, writer), nil)
	}
	p.logger.Info("episode scheduled",
		zap.Int64("series_id", target.ID),
		zap.String("series_title", target.Title),
		zap.Int("completed_episodes", target.CompletedEpisodes),
		zap.String("writer", writer))
}

// pickWriter selects a writer with probability proportional to its score.
// Non-positive scores carry no weight; if nothing has positive weight the
// pick is uniform.
func (p *EpisodeProducer) pickWriter(scores []ports.WriterScore) string {
	if len(scores) == 0 {
		return ""
	}
	var total float64
	for _, s := range scores {
		if s.Score > 0 {
			total += s.Score
		}
	}

	p.randMu.Lock()
	defer p.randMu.Unlock()
	if total <= 0 {
		return scores[p.rand.Intn(len(scores))].AgentName
	}
	roll := p.rand.Float64() * total
	last := ""
	for _, s := range scores {
		if s.Score <= 0 {
			continue
		}
		last = s.AgentName
		roll -= s.Score
		if roll < 0 {
			return s.AgentName
		}
	}
	return last
}
