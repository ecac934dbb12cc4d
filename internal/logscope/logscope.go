// Package logscope maintains a task-local stack of logging context frames.
//
// The dispatcher pushes a frame before invoking a command handler and the
// operation log reads the innermost frame to correlate entries with the
// running operation. Frames propagate through context.Context, so they follow
// asynchronous continuations of the same logical task but never leak into
// detached work unless explicitly re-pushed.
package logscope

import (
	"context"
	"sync"
)

type ctxKey struct{}

// Frame is one entry in the scope stack. Fields left unset inherit from the
// parent frame at read time. Frames are mutable: the dispatcher updates step
// counters in place so that later log entries observe the current progress.
type Frame struct {
	mu     sync.Mutex
	parent *Frame

	name               string
	operationID        int64
	threadScope        string
	agentName          string
	modelName          string
	storyCorrelationID string
	stepNumber         int
	maxStep            int
}

// Options carries the initial field values for a pushed frame.
// Zero values are inherited from the parent frame.
type Options struct {
	Name               string
	OperationID        int64
	ThreadScope        string
	AgentName          string
	ModelName          string
	StoryCorrelationID string
	StepNumber         int
	MaxStep            int
}

// View is an immutable snapshot of a frame merged with its ancestors.
type View struct {
	Name               string
	OperationID        int64
	ThreadScope        string
	AgentName          string
	ModelName          string
	StoryCorrelationID string
	StepNumber         int
	MaxStep            int
}

// Push creates a new frame on top of the stack carried by ctx and returns the
// derived context together with the frame for in-place updates.
func Push(ctx context.Context, opts Options) (context.Context, *Frame) {
	f := &Frame{
		parent:             FromContext(ctx),
		name:               opts.Name,
		operationID:        opts.OperationID,
		threadScope:        opts.ThreadScope,
		agentName:          opts.AgentName,
		modelName:          opts.ModelName,
		storyCorrelationID: opts.StoryCorrelationID,
		stepNumber:         opts.StepNumber,
		maxStep:            opts.MaxStep,
	}
	return context.WithValue(ctx, ctxKey{}, f), f
}

// FromContext returns the innermost frame on ctx, or nil when no frame has
// been pushed.
func FromContext(ctx context.Context) *Frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(ctxKey{}).(*Frame)
	return f
}

// Detach strips the scope stack from ctx. Fire-and-forget tasks spawned from
// inside a handler should run on a detached context so they do not observe a
// frame that may be popped mid-flight.
func Detach(ctx context.Context) context.Context {
	if FromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, (*Frame)(nil))
}

// Snapshot returns the frame's current values merged with its ancestors.
// Inner values win; unset fields fall back to the nearest ancestor that set
// them. Calling Snapshot on a nil frame returns a zero View.
func Snapshot(f *Frame) View {
	if f == nil {
		return View{}
	}
	v := Snapshot(f.loadParent())

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.name != "" {
		v.Name = f.name
	}
	if f.operationID != 0 {
		v.OperationID = f.operationID
	}
	if f.threadScope != "" {
		v.ThreadScope = f.threadScope
	}
	if f.agentName != "" {
		v.AgentName = f.agentName
	}
	if f.modelName != "" {
		v.ModelName = f.modelName
	}
	if f.storyCorrelationID != "" {
		v.StoryCorrelationID = f.storyCorrelationID
	}
	if f.stepNumber != 0 {
		v.StepNumber = f.stepNumber
	}
	if f.maxStep != 0 {
		v.MaxStep = f.maxStep
	}
	return v
}

// Current is shorthand for Snapshot(FromContext(ctx)).
func Current(ctx context.Context) View {
	return Snapshot(FromContext(ctx))
}

func (f *Frame) loadParent() *Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parent
}

// SetStep updates the frame's step counters.
func (f *Frame) SetStep(current, max int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepNumber = current
	f.maxStep = max
}

// SetName replaces the frame's operation name.
func (f *Frame) SetName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
}

// SetModel records the model a handler resolved for this operation.
func (f *Frame) SetModel(model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modelName = model
}

// SetAgent records the agent a handler resolved for this operation.
func (f *Frame) SetAgent(agent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentName = agent
}
