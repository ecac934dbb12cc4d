package dispatch

import (
	"testing"
	"time"

	"github.com/storyforge/storyforge/internal/common/config"
)

func TestBackoffDelayExponential(t *testing.T) {
	p := Policy{
		RetryDelayBase:     2 * time.Second,
		RetryDelayMax:      30 * time.Second,
		ExponentialBackoff: true,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := p.BackoffDelay(tc.attempt); got != tc.want {
			t.Errorf("BackoffDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelayLinear(t *testing.T) {
	p := Policy{RetryDelayBase: 5 * time.Second}

	for _, attempt := range []int{1, 2, 7} {
		if got := p.BackoffDelay(attempt); got != 5*time.Second {
			t.Errorf("BackoffDelay(%d) = %s, want 5s", attempt, got)
		}
	}
}

func TestBackoffDelayNoCap(t *testing.T) {
	p := Policy{RetryDelayBase: time.Second, ExponentialBackoff: true}

	if got := p.BackoffDelay(6); got != 32*time.Second {
		t.Errorf("BackoffDelay(6) without cap = %s, want 32s", got)
	}
}

func testResolver(cmds map[string]config.PolicyConfig) *PolicyResolver {
	cfg := &config.Config{}
	cfg.CommandPolicies.Default = config.PolicyConfig{
		MaxAttempts:           1,
		RetryDelayBaseSeconds: 1,
	}
	cfg.CommandPolicies.Commands = cmds
	return NewPolicyResolver(func() *config.Config { return cfg })
}

func TestResolveByOperationName(t *testing.T) {
	r := testResolver(map[string]config.PolicyConfig{
		"write_episode": {MaxAttempts: 4, RetryDelayBaseSeconds: 2, ExponentialBackoff: true},
	})

	p := r.Resolve("write_episode", "")
	if p.MaxAttempts != 4 || !p.ExponentialBackoff {
		t.Errorf("expected write_episode override, got %+v", p)
	}
}

func TestResolveByMetadataOperation(t *testing.T) {
	r := testResolver(map[string]config.PolicyConfig{
		"revise_story": {MaxAttempts: 3, RetryOnFailureResult: true},
	})

	// The command name itself has no policy; the "operation" metadata does.
	p := r.Resolve("auto_revise_batch", "revise_story")
	if p.MaxAttempts != 3 || !p.RetryOnFailureResult {
		t.Errorf("expected revise_story policy via metadata, got %+v", p)
	}
}

func TestResolveNamePrecedesMetadata(t *testing.T) {
	r := testResolver(map[string]config.PolicyConfig{
		"write_episode": {MaxAttempts: 4},
		"revise_story":  {MaxAttempts: 9},
	})

	p := r.Resolve("write_episode", "revise_story")
	if p.MaxAttempts != 4 {
		t.Errorf("operation name should win over metadata, got MaxAttempts=%d", p.MaxAttempts)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := testResolver(nil)

	p := r.Resolve("unknown_op", "")
	if p.MaxAttempts != 1 {
		t.Errorf("expected default policy, got %+v", p)
	}
}

func TestResolvePicksUpSwappedSnapshot(t *testing.T) {
	w, err := config.NewWatcher(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	r := NewPolicyResolver(w.Snapshot)

	if p := r.Resolve("write_episode", ""); p.MaxAttempts != 1 {
		t.Fatalf("expected default MaxAttempts=1 before reload, got %d", p.MaxAttempts)
	}

	next := &config.Config{}
	next.CommandPolicies.Commands = map[string]config.PolicyConfig{
		"write_episode": {MaxAttempts: 5, RetryOnException: true},
	}
	w.Swap(next)

	p := r.Resolve("write_episode", "")
	if p.MaxAttempts != 5 || !p.RetryOnException {
		t.Errorf("expected reloaded policy, got %+v", p)
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	// Viper lowercases map keys from config files.
	r := testResolver(map[string]config.PolicyConfig{
		"transformstoryrawtotagged": {MaxAttempts: 2, RetryOnException: true},
	})

	p := r.Resolve("TransformStoryRawToTagged", "")
	if p.MaxAttempts != 2 || !p.RetryOnException {
		t.Errorf("expected case-insensitive match, got %+v", p)
	}
}
