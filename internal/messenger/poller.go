package messenger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/moltbot/moltbot/internal/events"
	"github.com/moltbot/moltbot/internal/logging"
)

// Poller drives the synchronization loop on a fixed interval. Ticks that
// land while the previous one is still running are skipped, so extraction
// work never piles up behind a slow page.
type Poller struct {
	c *Controller

	mu       sync.Mutex
	cron     *cron.Cron
	interval time.Duration
	stopped  bool
}

func newPoller(c *Controller, interval time.Duration) *Poller {
	return &Poller{c: c, interval: interval}
}

// Start begins ticking. An immediate first sync runs so callers see a
// populated mirror without waiting out the first interval.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil || p.stopped {
		return
	}

	p.cron = cron.New()
	chain := cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(logging.Std())))
	p.cron.Schedule(cron.Every(p.interval), chain.Then(cron.FuncJob(p.tick)))
	p.cron.Start()

	go p.tick()
}

// Stop halts the schedule and waits for an in-flight tick to finish.
// Terminal: a stopped poller cannot be restarted, not even by a racing
// SetInterval.
func (p *Poller) Stop() {
	p.mu.Lock()
	cr := p.cron
	p.cron = nil
	p.stopped = true
	p.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
}

// SetInterval replaces the schedule. Takes effect immediately; a no-op
// once the poller has stopped.
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	cr := p.cron
	p.cron = nil
	p.interval = d
	p.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	p.Start()
}

func (p *Poller) tick() {
	err := p.c.PollOnce(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrExtractionEmpty):
		// Nothing matched this tick; the previous mirror stands.
	case errors.Is(err, ErrResourceClosed), errors.Is(err, ErrInvalidState):
		// Session is shutting down or logged out under us.
	default:
		logging.Errorf("poll: %v", err)
	}
}

// PollOnce runs one synchronization pass: refresh the conversation mirror,
// then diff the focused conversation's messages against the last observed
// count. Exposed for manual refresh; the poller calls it on every tick.
// The pair lock keeps the tick's two operations contiguous in the queue:
// a send requested mid-tick runs only after both complete.
func (c *Controller) PollOnce(ctx context.Context) error {
	c.mu.RLock()
	if !c.authenticated || c.ser == nil {
		c.mu.RUnlock()
		return ErrInvalidState
	}
	drv, ser := c.drv, c.ser
	limit := c.opts.ConversationLimit
	window := c.opts.MessageWindow
	c.mu.RUnlock()

	c.pairMu.Lock()
	defer c.pairMu.Unlock()

	convs, err := Do(ctx, ser, "poll.conversations", func(opCtx context.Context) ([]Conversation, error) {
		rows, err := c.loc.ExtractRows(opCtx, drv, KeyConversations, limit)
		if err != nil {
			return nil, err
		}
		return conversationsFromRows(rows), nil
	})
	if err != nil {
		// Drop the tick, keep the stale mirror.
		return err
	}

	c.mu.Lock()
	c.conversations = convs
	c.mu.Unlock()
	if c.bus != nil {
		_ = events.Emit(c.bus, events.TopicConversationsUpdated, ConversationsEvent{Conversations: convs})
	}

	type focused struct {
		id   string
		msgs []Message
	}
	f, err := Do(ctx, ser, "poll.messages", func(opCtx context.Context) (focused, error) {
		url, err := drv.CurrentURL(opCtx)
		if err != nil {
			return focused{}, err
		}
		id := threadIDFromURL(url)
		if id == "" {
			// No conversation focused; nothing to mirror.
			return focused{}, nil
		}

		rows, err := c.loc.ExtractRows(opCtx, drv, KeyMessages, window)
		if err != nil {
			return focused{}, err
		}
		return focused{id: id, msgs: messagesFromRows(rows)}, nil
	})
	if err != nil {
		return err
	}
	if f.id == "" {
		return nil
	}

	c.mu.Lock()
	prev := c.seen[f.id]
	c.messages[f.id] = f.msgs
	c.seen[f.id] = len(f.msgs)
	var fresh []Message
	if len(f.msgs) > prev {
		fresh = f.msgs[prev:]
	}
	c.mu.Unlock()

	if c.bus != nil {
		for _, m := range fresh {
			_ = events.Emit(c.bus, events.TopicNewMessage, NewMessageEvent{ConversationID: f.id, Message: m})
		}
	}
	return nil
}
