package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge/internal/logscope"
)

// Status is the lifecycle state of a command.
type Status string

// Command lifecycle states. Retrying is a sub-state of execution visible in
// snapshots while the command waits out a backoff delay.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the outcome of a handler invocation. Success=false is a semantic
// failure (retryable per policy), distinct from a returned error.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Context is the frozen view a handler receives about its own command.
type Context struct {
	RunID           string
	OperationName   string
	Metadata        map[string]string
	OperationNumber int64
}

// Handler executes a command. A returned error is the exception path; a
// Result with Success=false is the semantic failure path. Handlers must
// observe ctx at suspension points and return promptly on cancellation.
type Handler func(ctx context.Context, cmd *Context) (Result, error)

// Options carries optional enqueue parameters.
type Options struct {
	// RunID identifies the command; when empty the dispatcher assigns one.
	RunID string
	// ThreadScope is the serialization domain; defaults to "global".
	ThreadScope string
	// Priority orders commands within a scope; lower runs first. The zero
	// value maps to DefaultPriority.
	Priority int
	// Metadata is free-form string metadata carried on the command.
	Metadata map[string]string
	// Context, when non-nil, additionally cancels the command when the
	// caller's context is cancelled. The command context is always linked
	// to dispatcher shutdown regardless.
	Context context.Context
}

// DefaultPriority is used when Options.Priority is zero.
const DefaultPriority = 5

// DefaultScope is the serialization domain used when none is given. It is
// treated like any other named scope.
const DefaultScope = "global"

// Snapshot is an immutable view of a command's observable state.
type Snapshot struct {
	RunID           string            `json:"run_id"`
	OperationName   string            `json:"operation_name"`
	ThreadScope     string            `json:"thread_scope"`
	Priority        int               `json:"priority"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          Status            `json:"status"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	RetryCount      int               `json:"retry_count"`
	CurrentStep     int               `json:"current_step,omitempty"`
	MaxStep         int               `json:"max_step,omitempty"`
	StepDescription string            `json:"step_description,omitempty"`
	AgentName       string            `json:"agent_name,omitempty"`
	ModelName       string            `json:"model_name,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	OperationNumber int64             `json:"operation_number,omitempty"`
}

// TerminalCommand is the cached record of a finished command.
type TerminalCommand struct {
	Snapshot Snapshot `json:"snapshot"`
	Result   Result   `json:"result"`
}

// Handle is returned from Enqueue. It resolves with the final Result and
// carries the cancellation trigger for this command; the dispatcher itself
// exposes no per-run-id cancel.
type Handle struct {
	RunID         string
	OperationName string

	done   chan struct{}
	result Result
	cancel context.CancelFunc
}

// Done is closed once the command reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests cooperative cancellation of the command. Cancelling a
// queued command prevents the handler from ever running; cancelling during
// retry backoff interrupts the sleep.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the command terminates or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// resolve publishes the final result exactly once.
func (h *Handle) resolve(result Result) {
	h.result = result
	close(h.done)
}

// command is the dispatcher's private record of one unit of work.
type command struct {
	runID           string
	operationName   string
	threadScope     string
	priority        int
	metadata        map[string]string
	handler         Handler
	status          Status
	enqueuedAt      time.Time
	startedAt       *time.Time
	completedAt     *time.Time
	retryCount      int
	currentStep     int
	maxStep         int
	stepDescription string
	errorMessage    string
	operationNumber int64

	ctx    context.Context
	cancel context.CancelFunc
	handle *Handle
	frame  *logscope.Frame

	heapIndex int
}

func (c *command) snapshot() Snapshot {
	md := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		md[k] = v
	}
	return Snapshot{
		RunID:           c.runID,
		OperationName:   c.operationName,
		ThreadScope:     c.threadScope,
		Priority:        c.priority,
		Metadata:        md,
		Status:          c.status,
		EnqueuedAt:      c.enqueuedAt,
		StartedAt:       c.startedAt,
		CompletedAt:     c.completedAt,
		RetryCount:      c.retryCount,
		CurrentStep:     c.currentStep,
		MaxStep:         c.maxStep,
		StepDescription: c.stepDescription,
		AgentName:       c.metadata[MetadataAgent],
		ModelName:       c.metadata[MetadataModel],
		ErrorMessage:    c.errorMessage,
		OperationNumber: c.operationNumber,
	}
}

// Well-known metadata keys consumed by the dispatcher and its subscribers.
const (
	MetadataAgent     = "agent"
	MetadataModel     = "model"
	MetadataStoryID   = "storyId"
	MetadataOperation = "operation"
	MetadataTrigger   = "trigger"
	MetadataSourceRun = "sourceRunId"
	MetadataSeriesID  = "seriesId"
)

// NewRunID builds a server-assigned run id for an operation:
// {operationName}_{yyyyMMddHHmmssfff}_{8-hex-rand}.
func NewRunID(operationName string) string {
	now := time.Now().UTC()
	stamp := now.Format("20060102150405") + fmt.Sprintf("%03d", now.Nanosecond()/int(time.Millisecond))
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", operationName, stamp, suffix)
}
