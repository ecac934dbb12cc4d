package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Channel subscriptions (client -> server)
	ActionChannelSubscribe   = "channel.subscribe"
	ActionChannelUnsubscribe = "channel.unsubscribe"

	// Read-only queries (client -> server)
	ActionCommandList   = "command.list"
	ActionCommandGet    = "command.get"
	ActionAutoOpsStatus = "autoops.status"

	// Notification actions (server -> client)
	ActionLogAppended      = "log.appended"
	ActionCommandCompleted = "command.completed"
	ActionProviderSwitched = "provider.switched"
)

// Broadcast channels clients can subscribe to.
const (
	ChannelLogs      = "logs"
	ChannelCommands  = "commands"
	ChannelProviders = "providers"
)

// KnownChannel reports whether name is a subscribable channel.
func KnownChannel(name string) bool {
	switch name {
	case ChannelLogs, ChannelCommands, ChannelProviders:
		return true
	}
	return false
}

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
