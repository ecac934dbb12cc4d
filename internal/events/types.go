// Package events defines the StoryForge event subjects and payloads.
package events

// Subjects published on the event bus. Components that react to each other
// (the auto-format trigger, the embedding worker, the gateway) subscribe to
// these rather than calling each other directly.
const (
	// CommandCompleted fires once per command after its terminal snapshot is
	// visible.
	CommandCompleted = "command.completed"
	// LogAppended fires after an operation log batch persists.
	LogAppended = "log.appended"
	// MemorySaved fires when an agent memory is written and needs embedding.
	MemorySaved = "memory.saved"
	// ProviderSwitched fires after the active model provider changes.
	ProviderSwitched = "provider.switched"
)

// CommandCompletedPayload is the body of a command.completed event.
type CommandCompletedPayload struct {
	RunID         string `json:"run_id"`
	OperationName string `json:"operation_name"`
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
}

// MemorySavedPayload is the body of a memory.saved event.
type MemorySavedPayload struct {
	AgentName string `json:"agent_name,omitempty"`
	MemoryID  int64  `json:"memory_id,omitempty"`
}

// ProviderSwitchedPayload is the body of a provider.switched event.
type ProviderSwitchedPayload struct {
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current"`
	Local    bool   `json:"local"`
}
