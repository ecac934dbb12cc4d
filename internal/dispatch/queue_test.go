package dispatch

import (
	"sort"
	"testing"
	"testing/synctest"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func queuedCommand(id string, priority int, enqueuedAt time.Time) *command {
	return &command{
		runID:         id,
		operationName: "test_op",
		threadScope:   "test",
		priority:      priority,
		status:        StatusQueued,
		enqueuedAt:    enqueuedAt,
	}
}

func TestScopeStatePopEmpty(t *testing.T) {
	st := newScopeState()
	if cmd := st.pop(); cmd != nil {
		t.Errorf("expected nil from empty scope, got %v", cmd.runID)
	}
}

func TestPriorityOrdering(t *testing.T) {
	st := newScopeState()
	now := time.Now()

	st.push(queuedCommand("mid", 5, now))
	st.push(queuedCommand("urgent", 1, now.Add(time.Second)))
	st.push(queuedCommand("background", 9, now.Add(2*time.Second)))

	for i, want := range []string{"urgent", "mid", "background"} {
		got := st.pop()
		if got == nil {
			t.Fatalf("pop %d returned nil", i)
		}
		if got.runID != want {
			t.Errorf("pop %d: expected %s, got %s", i, want, got.runID)
		}
	}
}

func TestFIFOWithSamePriority(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		st := newScopeState()

		// Same priority falls back to enqueue order. Sleeps on the fake
		// clock give distinct timestamps instantly.
		st.push(queuedCommand("first", 5, time.Now()))
		time.Sleep(time.Second)
		st.push(queuedCommand("second", 5, time.Now()))
		time.Sleep(time.Second)
		st.push(queuedCommand("third", 5, time.Now()))

		for _, want := range []string{"first", "second", "third"} {
			got := st.pop()
			if got.runID != want {
				t.Errorf("expected %s, got %s", want, got.runID)
			}
		}
	})
}

func TestPriorityBeatsArrivalOrder(t *testing.T) {
	st := newScopeState()
	now := time.Now()

	st.push(queuedCommand("early-low", 7, now))
	st.push(queuedCommand("late-high", 2, now.Add(time.Minute)))

	if got := st.pop(); got.runID != "late-high" {
		t.Errorf("expected late-high to run first, got %s", got.runID)
	}
}

func TestPopDrainOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("pop drains in (priority, enqueue time) order", prop.ForAll(
		func(priorities []int) bool {
			st := newScopeState()
			base := time.Unix(1700000000, 0)
			for i, p := range priorities {
				st.push(queuedCommand(string(rune('a'+i%26)), p, base.Add(time.Duration(i)*time.Millisecond)))
			}

			var drained []*command
			for cmd := st.pop(); cmd != nil; cmd = st.pop() {
				drained = append(drained, cmd)
			}
			if len(drained) != len(priorities) {
				return false
			}
			return sort.SliceIsSorted(drained, func(i, j int) bool {
				if drained[i].priority != drained[j].priority {
					return drained[i].priority < drained[j].priority
				}
				return drained[i].enqueuedAt.Before(drained[j].enqueuedAt)
			})
		},
		gen.SliceOf(gen.IntRange(1, 10)),
	))

	properties.TestingRun(t)
}
