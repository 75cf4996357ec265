package realtime

import (
	"context"

	"github.com/moltbot/moltbot/internal/events"
	"github.com/moltbot/moltbot/internal/messenger"
)

// BindEvents subscribes the hub to the session event topics so every bus
// event reaches connected clients as a frame. Returns the subscriptions
// for teardown.
func BindEvents(hub *Hub, bus *events.Subject) []events.Subscription {
	return []events.Subscription{
		events.Subscribe(bus, events.TopicStatusChanged, func(ctx context.Context, ev messenger.StatusEvent) error {
			hub.Broadcast("status-changed", ev)
			return nil
		}),
		events.Subscribe(bus, events.TopicConversationsUpdated, func(ctx context.Context, ev messenger.ConversationsEvent) error {
			hub.Broadcast("conversations-updated", ev)
			return nil
		}),
		events.Subscribe(bus, events.TopicNewMessage, func(ctx context.Context, ev messenger.NewMessageEvent) error {
			hub.Broadcast("new-message", ev)
			return nil
		}),
		events.Subscribe(bus, events.TopicNeedsReply, func(ctx context.Context, ev messenger.NeedsReplyEvent) error {
			hub.Broadcast("needs-reply", ev)
			return nil
		}),
		events.Subscribe(bus, events.TopicLoginRequired, func(ctx context.Context, ev messenger.LoginRequiredEvent) error {
			hub.Broadcast("login-required", ev)
			return nil
		}),
		events.Subscribe(bus, events.TopicSnapshotReady, func(ctx context.Context, ev messenger.SnapshotEvent) error {
			hub.Broadcast("snapshot-ready", ev)
			return nil
		}),
	}
}
