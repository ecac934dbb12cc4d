package websocket

import (
	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/ports"
	ws "github.com/storyforge/storyforge/pkg/websocket"
)

// Notifier adapts the hub to the ports.Notifier seam the operation log and
// the event bridge push through. Channel names map to notification actions;
// unknown channels fall back to a plain broadcast to everyone.
type Notifier struct {
	hub    *Hub
	logger *logger.Logger
}

var _ ports.Notifier = (*Notifier)(nil)

// channelActions maps broadcast channels to the notification action carried
// on the wire.
var channelActions = map[string]string{
	ws.ChannelLogs:      ws.ActionLogAppended,
	ws.ChannelCommands:  ws.ActionCommandCompleted,
	ws.ChannelProviders: ws.ActionProviderSwitched,
}

// NewNotifier creates the hub-backed notifier.
func NewNotifier(hub *Hub, log *logger.Logger) *Notifier {
	return &Notifier{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_notifier")),
	}
}

// Broadcast pushes a payload to the subscribers of a channel. Failures are
// logged and swallowed: the notifier must never push errors back into the
// logging or dispatch paths.
func (n *Notifier) Broadcast(channel string, payload any) {
	action, ok := channelActions[channel]
	if !ok {
		action = channel
	}
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		n.logger.Debug("failed to build notification",
			zap.String("channel", channel), zap.Error(err))
		return
	}
	if ok {
		n.hub.BroadcastToChannel(channel, msg)
		return
	}
	n.hub.Broadcast(msg)
}
