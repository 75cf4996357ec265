package messenger

import (
	"context"

	"github.com/moltbot/moltbot/internal/events"
)

const replyContextDepth = 5

// AutoReply watches the new-message stream and, when the flag is on,
// publishes a needs-reply request for each inbound message. It never
// composes or sends anything itself; whoever answers needs-reply calls
// SendMessage like any other client and goes through the same queue.
type AutoReply struct {
	sub events.Subscription
}

func startAutoReply(c *Controller) *AutoReply {
	if c.bus == nil {
		return nil
	}

	sub := events.Subscribe(c.bus, events.TopicNewMessage, func(ctx context.Context, ev NewMessageEvent) error {
		if ev.Message.Direction != DirectionInbound {
			return nil
		}
		if !c.autoReply.Load() {
			return nil
		}
		return events.Emit(c.bus, events.TopicNeedsReply, NeedsReplyEvent{
			ConversationID: ev.ConversationID,
			Text:           ev.Message.Text,
			RecentContext:  c.RecentContext(ev.ConversationID, replyContextDepth),
		})
	})
	return &AutoReply{sub: sub}
}

// Stop detaches the coordinator from the event stream.
func (a *AutoReply) Stop() {
	if a != nil && a.sub.Unsubscribe != nil {
		a.sub.Unsubscribe()
	}
}
