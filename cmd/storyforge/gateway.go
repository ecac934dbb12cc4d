package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/autoops"
	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/events"
	"github.com/storyforge/storyforge/internal/events/bus"
	gateways "github.com/storyforge/storyforge/internal/gateway/websocket"
	"github.com/storyforge/storyforge/internal/oplog"
	ws "github.com/storyforge/storyforge/pkg/websocket"
)

// registerGatewayActions wires the read-only websocket queries and the log
// history replay into the gateway.
func registerGatewayActions(gw *gateways.Gateway, dispatcher *dispatch.Dispatcher, idle *autoops.Service, logStore *oplog.SQLStore) {
	gw.Dispatcher.RegisterFunc(ws.ActionCommandList, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"commands": dispatcher.GetActiveCommands(),
		})
	})

	gw.Dispatcher.RegisterFunc(ws.ActionCommandGet, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			RunID string `json:"run_id"`
		}
		if err := msg.ParsePayload(&req); err != nil || req.RunID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "run_id is required", nil)
		}
		snap, err := dispatcher.GetCommand(req.RunID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, snap)
	})

	gw.Dispatcher.RegisterFunc(ws.ActionAutoOpsStatus, func(_ context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, idle.Status())
	})

	gw.Hub.SetRecentLogsProvider(func(ctx context.Context, limit int) ([]*ws.Message, error) {
		entries, err := logStore.Recent(ctx, limit)
		if err != nil {
			return nil, err
		}
		// Recent returns newest first; replay oldest first.
		msgs := make([]*ws.Message, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			msg, err := ws.NewNotification(ws.ActionLogAppended, entries[i])
			if err != nil {
				continue
			}
			msgs = append(msgs, msg)
		}
		return msgs, nil
	})
}

// fanOutCompletions republishes dispatcher completion events on the event bus
// and to command-channel websocket subscribers.
func fanOutCompletions(dispatcher *dispatch.Dispatcher, eventBus bus.EventBus, gw *gateways.Gateway, log *logger.Logger) {
	dispatcher.OnCompleted(func(event dispatch.CompletionEvent) {
		busEvent := bus.NewEvent(events.CommandCompleted, "dispatcher", map[string]interface{}{
			"run_id":         event.RunID,
			"operation_name": event.OperationName,
			"success":        event.Success,
			"message":        event.Message,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eventBus.Publish(ctx, events.CommandCompleted, busEvent); err != nil {
			log.Warn("command.completed publish failed",
				zap.String("run_id", event.RunID), zap.Error(err))
		}

		gw.Notifier.Broadcast(ws.ChannelCommands, event)
	})
}

// mirrorProviderSwitches forwards provider.switched bus events to websocket
// subscribers of the providers channel.
func mirrorProviderSwitches(eventBus bus.EventBus, gw *gateways.Gateway, log *logger.Logger) {
	_, err := eventBus.Subscribe(events.ProviderSwitched, func(_ context.Context, event *bus.Event) error {
		gw.Notifier.Broadcast(ws.ChannelProviders, event.Data)
		return nil
	})
	if err != nil {
		log.Warn("provider.switched subscription failed", zap.Error(err))
	}
}
