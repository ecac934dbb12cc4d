package autoops

import (
	"context"
	"sort"
	"strings"

	"github.com/storyforge/storyforge/internal/common/config"
	"github.com/storyforge/storyforge/internal/ports"
)

// Idle task names as they appear under automaticOperations.tasks.
const (
	TaskReviseAndEvaluate  = "reviseAndEvaluate"
	TaskEvaluateRevised    = "evaluateRevised"
	TaskAutoDeleteLowRated = "autoDeleteLowRated"
	TaskUpdateModelStats   = "updateModelStats"
)

// Operation names the idle tasks enqueue.
const (
	OpReviseStory        = "revise_story"
	OpEvaluateStory      = "evaluate_story"
	OpAutoDeleteLowRated = "auto_delete_low_rated"
	OpUpdateModelStats   = "update_model_stats"
)

// candidate is one runnable idle task for the current tick.
type candidate struct {
	name      string
	operation string
	priority  int
}

// taskProbe reports whether a task has work to do right now.
type taskProbe func(ctx context.Context, store ports.StoryStore) (bool, error)

var taskDefs = map[string]struct {
	operation string
	probe     taskProbe
}{
	TaskReviseAndEvaluate: {
		operation: OpReviseStory,
		probe: func(ctx context.Context, store ports.StoryStore) (bool, error) {
			n, err := store.CountRevisionCandidates(ctx)
			return n > 0, err
		},
	},
	TaskEvaluateRevised: {
		operation: OpEvaluateStory,
		probe: func(ctx context.Context, store ports.StoryStore) (bool, error) {
			n, err := store.CountUnevaluatedRevisions(ctx)
			return n > 0, err
		},
	},
	TaskAutoDeleteLowRated: {
		operation: OpAutoDeleteLowRated,
		probe: func(ctx context.Context, store ports.StoryStore) (bool, error) {
			n, err := store.CountLowRatedStories(ctx)
			return n > 0, err
		},
	},
	TaskUpdateModelStats: {
		operation: OpUpdateModelStats,
		// Stats refresh is always worthwhile when the system idles.
		probe: func(ctx context.Context, store ports.StoryStore) (bool, error) {
			return true, nil
		},
	},
}

// canonicalTaskNames maps lowercased task keys back to their canonical
// names. Viper lowercases map keys read from config files.
var canonicalTaskNames = func() map[string]string {
	m := make(map[string]string, len(taskDefs))
	for name := range taskDefs {
		m[strings.ToLower(name)] = name
	}
	return m
}()

// buildCandidates evaluates the configured tasks against the store and
// returns the runnable ones sorted by (priority, name). Probe failures skip
// the task rather than aborting the tick.
func buildCandidates(ctx context.Context, tasks map[string]config.AutoTaskConfig, store ports.StoryStore, onProbeError func(task string, err error)) []candidate {
	out := make([]candidate, 0, len(tasks))
	for key, tc := range tasks {
		if !tc.Enabled {
			continue
		}
		name, ok := canonicalTaskNames[strings.ToLower(key)]
		if !ok {
			continue
		}
		def := taskDefs[name]
		runnable, err := def.probe(ctx, store)
		if err != nil {
			if onProbeError != nil {
				onProbeError(name, err)
			}
			continue
		}
		if !runnable {
			continue
		}
		out = append(out, candidate{name: name, operation: def.operation, priority: tc.Priority})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].name < out[j].name
	})
	return out
}
