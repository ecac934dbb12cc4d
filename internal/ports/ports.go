// Package ports declares the narrow interfaces through which the dispatcher
// core consumes collaborators it does not own: model clients, the story
// store, and the push notifier. Implementations live with the content
// services; the core only depends on these seams.
package ports

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrToolUnsupported is surfaced by a ModelClient when the selected model
// rejects tool definitions. Handlers mark the model accordingly before
// re-surfacing the failure.
var ErrToolUnsupported = errors.New("model does not support tool calls")

// ChatMessage is one turn of a model conversation.
type ChatMessage struct {
	Role      string     `json:"role"` // system, user, assistant, tool
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ModelRequest is a single model invocation.
type ModelRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ModelResponse is the model's reply plus token accounting.
type ModelResponse struct {
	Message          ChatMessage `json:"message"`
	PromptTokens     int64       `json:"prompt_tokens"`
	CompletionTokens int64       `json:"completion_tokens"`
}

// ModelClient invokes a language model. Implementations must honour ctx
// cancellation and return ErrToolUnsupported (possibly wrapped) when the
// model cannot accept the supplied tools.
type ModelClient interface {
	Call(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// Story is the read model handlers and triggers need from the content store.
type Story struct {
	ID                int64
	SeriesID          int64
	Title             string
	HasTaggedArtifact bool
}

// EvaluationStats aggregates evaluations recorded for one story.
type EvaluationStats struct {
	Count   int
	Average float64
}

// SeriesSummary describes one story series for the episode producer.
type SeriesSummary struct {
	ID                int64
	Title             string
	Active            bool
	CompletedEpisodes int
}

// WriterScore is the historical quality score of a writer agent, used for
// weighted-random writer selection.
type WriterScore struct {
	AgentName string
	Score     float64
}

// StoryStore provides read-mostly queries against the content domain plus
// the few bookkeeping writes the core performs. Callers open short-lived
// operations; the store owns its own connections.
type StoryStore interface {
	GetStory(ctx context.Context, id int64) (*Story, error)
	GetEvaluationStats(ctx context.Context, storyID int64) (*EvaluationStats, error)
	GetLatestModelResponseResult(ctx context.Context, threadID int64) (string, error)

	// Idle task probes.
	CountRevisionCandidates(ctx context.Context) (int, error)
	CountUnevaluatedRevisions(ctx context.Context) (int, error)
	CountLowRatedStories(ctx context.Context) (int, error)
	CountPendingEmbeddings(ctx context.Context) (int, error)

	// Episode producer queries.
	ListActiveSeries(ctx context.Context) ([]SeriesSummary, error)
	ListWriterScores(ctx context.Context) ([]WriterScore, error)

	// MarkModelToolUnsupported records that a model rejected tool calls so
	// later operations stop offering tools to it.
	MarkModelToolUnsupported(ctx context.Context, modelName string) error
}

// Notifier pushes best-effort payloads to connected UI clients. It must
// never return an error into the logging path; failures are swallowed by
// the implementation.
type Notifier interface {
	Broadcast(channel string, payload any)
}

// NopNotifier discards all broadcasts.
type NopNotifier struct{}

// Broadcast implements Notifier.
func (NopNotifier) Broadcast(string, any) {}
