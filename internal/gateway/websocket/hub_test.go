package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/storyforge/storyforge/internal/common/logger"
	ws "github.com/storyforge/storyforge/pkg/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(ws.NewDispatcher(), testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, cancel
}

// testClient builds a client that is never attached to a real connection;
// messages are read straight from its send buffer.
func testClient(t *testing.T, hub *Hub, id string) *Client {
	t.Helper()
	return NewClient(id, nil, hub, testLogger(t))
}

func receive(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func expectEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

func TestChannelBroadcastReachesOnlySubscribers(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	subscriber := testClient(t, hub, "sub")
	bystander := testClient(t, hub, "other")
	hub.Register(subscriber)
	hub.Register(bystander)

	hub.Subscribe(subscriber, ws.ChannelCommands)

	msg, _ := ws.NewNotification(ws.ActionCommandCompleted, map[string]any{"run_id": "r1"})
	hub.BroadcastToChannel(ws.ChannelCommands, msg)

	got := receive(t, subscriber)
	if got.Action != ws.ActionCommandCompleted {
		t.Errorf("expected %s, got %s", ws.ActionCommandCompleted, got.Action)
	}
	expectEmpty(t, bystander)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	client := testClient(t, hub, "c1")
	hub.Register(client)
	hub.Subscribe(client, ws.ChannelProviders)
	hub.Unsubscribe(client, ws.ChannelProviders)

	msg, _ := ws.NewNotification(ws.ActionProviderSwitched, map[string]any{"current": "openai"})
	hub.BroadcastToChannel(ws.ChannelProviders, msg)
	expectEmpty(t, client)
}

func TestLogsSubscriptionReplaysHistory(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	hub.SetRecentLogsProvider(func(ctx context.Context, limit int) ([]*ws.Message, error) {
		first, _ := ws.NewNotification(ws.ActionLogAppended, map[string]any{"message": "older"})
		second, _ := ws.NewNotification(ws.ActionLogAppended, map[string]any{"message": "newer"})
		return []*ws.Message{first, second}, nil
	})

	client := testClient(t, hub, "c1")
	hub.Register(client)
	hub.Subscribe(client, ws.ChannelLogs)

	for _, want := range []string{"older", "newer"} {
		msg := receive(t, client)
		var payload map[string]any
		if err := msg.ParsePayload(&payload); err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		if payload["message"] != want {
			t.Errorf("expected replayed %q, got %v", want, payload)
		}
	}
}

func TestNotifierRoutesChannelsToActions(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()
	notifier := NewNotifier(hub, testLogger(t))

	client := testClient(t, hub, "c1")
	hub.Register(client)
	hub.Subscribe(client, ws.ChannelLogs)

	notifier.Broadcast(ws.ChannelLogs, map[string]any{"message": "hello"})

	got := receive(t, client)
	if got.Action != ws.ActionLogAppended || got.Type != ws.MessageTypeNotification {
		t.Errorf("unexpected frame: %+v", got)
	}
}

func TestKnownChannelValidation(t *testing.T) {
	for _, ch := range []string{ws.ChannelLogs, ws.ChannelCommands, ws.ChannelProviders} {
		if !ws.KnownChannel(ch) {
			t.Errorf("%s should be a known channel", ch)
		}
	}
	if ws.KnownChannel("terminal") {
		t.Error("unknown channel accepted")
	}
}
