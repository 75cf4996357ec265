// Package messenger implements the session automation controller: the
// login state machine, the single-flight action serializer over the shared
// remote session, the polling synchronizer that mirrors conversation and
// message state, and the auto-reply coordinator.
package messenger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbot/moltbot/internal/config"
	"github.com/moltbot/moltbot/internal/driver"
	"github.com/moltbot/moltbot/internal/events"
	"github.com/moltbot/moltbot/internal/logging"
)

// JarStore persists the opaque session blob between runs.
type JarStore interface {
	Load() ([]byte, error)
	Save(blob []byte) error
	Delete() error
}

// Options configures a Controller.
type Options struct {
	BaseURL           string
	PollInterval      time.Duration
	MessageWindow     int
	ConversationLimit int
	OpTimeout         time.Duration
	TypeDelay         time.Duration
	AutoReply         bool
}

// Controller owns the one Session per process. All driver access funnels
// through its serializer; external callers only read snapshots and submit
// commands.
type Controller struct {
	newDriver func() driver.Driver
	jar       JarStore
	loc       *Locators
	bus       *events.Subject

	mu   sync.RWMutex
	opts Options

	drv driver.Driver
	ser *Serializer

	phase         LoginPhase
	connected     bool
	authenticated bool
	lastErr       string
	displayName   string

	conversations []Conversation
	messages      map[string][]Message
	seen          map[string]int

	poller *Poller

	// pairMu keeps multi-operation sequences contiguous in the queue: a
	// send's navigate/compose pair never interleaves with another send or
	// with a poll tick's extraction pair.
	pairMu sync.Mutex

	autoReply atomic.Bool
	coord     *AutoReply
}

// NewController builds a controller in the Idle phase. The driver is
// created lazily on StartLogin via newDriver so a fresh browser can be
// launched for each login cycle.
func NewController(newDriver func() driver.Driver, jar JarStore, loc *Locators, bus *events.Subject, opts Options) *Controller {
	if loc == nil {
		loc = DefaultLocators()
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 45 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MessageWindow == 0 {
		opts.MessageWindow = 50
	}
	if opts.ConversationLimit == 0 {
		opts.ConversationLimit = 20
	}

	c := &Controller{
		newDriver: newDriver,
		jar:       jar,
		loc:       loc,
		bus:       bus,
		opts:      opts,
		phase:     PhaseIdle,
		messages:  make(map[string][]Message),
		seen:      make(map[string]int),
	}
	c.autoReply.Store(opts.AutoReply)
	c.coord = startAutoReply(c)
	return c
}

// Status returns a point-in-time session snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	busy := c.ser != nil && c.ser.Busy()
	return Status{
		Connected:     c.connected,
		Authenticated: c.authenticated,
		Busy:          busy,
		LastError:     c.lastErr,
		DisplayName:   c.displayName,
		LoginPhase:    c.phase,
	}
}

// Conversations returns a copy of the mirrored conversation list.
func (c *Controller) Conversations() []Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// Messages returns a copy of the mirrored messages for one conversation.
func (c *Controller) Messages(conversationID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.messages[conversationID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// RecentContext returns up to n of the most recent mirrored messages.
func (c *Controller) RecentContext(conversationID string, n int) []Message {
	msgs := c.Messages(conversationID)
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

// SetAutoReply flips the process-wide auto-reply flag. Advisory: a racing
// read costs at most one extra or skipped reply attempt.
func (c *Controller) SetAutoReply(enabled bool) {
	c.autoReply.Store(enabled)
	logging.Infof("auto-reply %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
}

// AutoReplyEnabled reports the auto-reply flag.
func (c *Controller) AutoReplyEnabled() bool {
	return c.autoReply.Load()
}

// OpLog exposes the serializer's recent operation log, when a session
// resource exists.
func (c *Controller) OpLog() []OpRecord {
	c.mu.RLock()
	ser := c.ser
	c.mu.RUnlock()
	if ser == nil {
		return nil
	}
	return ser.OpLog()
}

// UpdateConfig applies a runtime settings change. This is the only way
// settings move after construction; nothing reads ambient globals.
func (c *Controller) UpdateConfig(rt config.Runtime) {
	var reschedule *Poller
	var interval time.Duration

	c.mu.Lock()
	if rt.PollInterval != nil {
		c.opts.PollInterval = rt.PollInterval.Std()
		reschedule = c.poller
		interval = c.opts.PollInterval
	}
	if rt.MessageWindow != nil && *rt.MessageWindow > 0 {
		c.opts.MessageWindow = *rt.MessageWindow
	}
	c.mu.Unlock()

	// Rescheduling waits out an in-flight tick, so it happens outside the
	// state lock.
	if reschedule != nil {
		reschedule.SetInterval(interval)
	}

	if rt.AutoReply != nil {
		c.SetAutoReply(*rt.AutoReply)
	}
}

func (c *Controller) emitStatus() {
	if c.bus == nil {
		return
	}
	if err := events.Emit(c.bus, events.TopicStatusChanged, StatusEvent{Status: c.Status()}); err != nil {
		logging.Errorf("emit status: %v", err)
	}
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	c.emitStatus()
}

// StartLogin connects the driver and either resumes a persisted session or
// parks the state machine in AwaitingCredentials with a page snapshot for
// interactive entry. Valid only from Idle.
func (c *Controller) StartLogin(ctx context.Context) (*LoginResult, error) {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return nil, ErrInvalidState
	}
	if c.drv == nil {
		c.drv = c.newDriver()
		c.ser = NewSerializer(c.opts.OpTimeout)
	}
	drv, ser := c.drv, c.ser
	baseURL := c.opts.BaseURL
	c.mu.Unlock()

	if err := ser.Submit(ctx, "driver.start", drv.Start); err != nil {
		c.setLastError(err)
		return nil, err
	}

	c.mu.Lock()
	c.connected = true
	c.lastErr = ""
	c.mu.Unlock()
	c.emitStatus()

	// Silent resumption from a persisted jar, when one exists.
	if c.jar != nil {
		if blob, err := c.jar.Load(); err == nil && len(blob) > 0 {
			restored, _ := Do(ctx, ser, "session.restore", func(opCtx context.Context) (bool, error) {
				if err := drv.ImportSession(opCtx, blob); err != nil {
					return false, nil
				}
				if err := drv.Navigate(opCtx, baseURL); err != nil {
					return false, nil
				}
				_, err := c.loc.FindFirst(opCtx, drv, KeyAuthedIndicator)
				return err == nil, nil
			})
			if restored {
				c.enterAuthenticated(ctx)
				return &LoginResult{Phase: PhaseAuthenticated}, nil
			}
			logging.Infof("session restore failed, proceeding with fresh login")
		}
	}

	if err := ser.Submit(ctx, "login.navigate", func(opCtx context.Context) error {
		return drv.Navigate(opCtx, baseURL)
	}); err != nil {
		c.setLastError(err)
		return nil, err
	}

	c.mu.Lock()
	c.phase = PhaseAwaitingCredentials
	c.mu.Unlock()
	c.emitStatus()

	shot := c.screenshotQuiet(ctx)
	if c.bus != nil {
		_ = events.Emit(c.bus, events.TopicLoginRequired, LoginRequiredEvent{
			Phase:    PhaseAwaitingCredentials,
			Snapshot: shot,
		})
	}
	return &LoginResult{Phase: PhaseAwaitingCredentials, Snapshot: shot}, nil
}

type loginOutcome int

const (
	outcomeUnknown loginOutcome = iota
	outcomeSecondFactor
	outcomeError
	outcomeAuthenticated
)

// inspectLogin classifies the page after a login submission. Detection is
// heuristic against the extraction surface; none of the probes asserts
// success, and the zero value means "could not tell".
func (c *Controller) inspectLogin(ctx context.Context, drv driver.Driver) loginOutcome {
	if _, err := c.loc.FindFirst(ctx, drv, KeySecondFactor); err == nil {
		return outcomeSecondFactor
	}
	if body, err := drv.BodyText(ctx); err == nil {
		lower := strings.ToLower(body)
		if strings.Contains(lower, "two-factor") ||
			strings.Contains(lower, "verification code") ||
			strings.Contains(lower, "security code") {
			return outcomeSecondFactor
		}
	}

	if sel, err := c.loc.FindFirst(ctx, drv, KeyErrorIndicator); err == nil {
		text, _ := drv.Text(ctx, sel)
		lower := strings.ToLower(text)
		if strings.Contains(lower, "incorrect") ||
			strings.Contains(lower, "wrong") ||
			strings.Contains(lower, "error") {
			return outcomeError
		}
	}

	if _, err := c.loc.FindFirst(ctx, drv, KeyAuthedIndicator); err == nil {
		return outcomeAuthenticated
	}
	return outcomeUnknown
}

// SubmitCredentials fills and submits the credential form, then inspects
// the result. Valid only in AwaitingCredentials. The credential artifact
// lives only on this call's stack and in the one submitted operation.
func (c *Controller) SubmitCredentials(ctx context.Context, identifier, secret string) (*LoginResult, error) {
	c.mu.RLock()
	if c.phase != PhaseAwaitingCredentials {
		c.mu.RUnlock()
		return nil, ErrInvalidState
	}
	drv, ser := c.drv, c.ser
	c.mu.RUnlock()

	outcome, err := Do(ctx, ser, "login.credentials", func(opCtx context.Context) (loginOutcome, error) {
		idSel, err := c.loc.FindFirst(opCtx, drv, KeyLoginIdentifier)
		if err != nil {
			return outcomeUnknown, err
		}
		if err := drv.Fill(opCtx, idSel, identifier); err != nil {
			return outcomeUnknown, err
		}

		secSel, err := c.loc.FindFirst(opCtx, drv, KeyLoginSecret)
		if err != nil {
			return outcomeUnknown, err
		}
		if err := drv.Fill(opCtx, secSel, secret); err != nil {
			return outcomeUnknown, err
		}

		if submitSel, err := c.loc.FindFirst(opCtx, drv, KeyLoginSubmit); err == nil {
			if err := drv.Click(opCtx, submitSel); err != nil {
				return outcomeUnknown, err
			}
		} else if err := drv.Press(opCtx, "Enter"); err != nil {
			return outcomeUnknown, err
		}

		return c.inspectLogin(opCtx, drv), nil
	})
	if err != nil {
		// On timeout the phase stays at its entry point; the caller retries.
		c.setLastError(err)
		return nil, err
	}

	return c.resolveLoginOutcome(ctx, outcome, PhaseAwaitingCredentials)
}

// SubmitSecondFactor submits a second-factor code. Valid only in
// AwaitingSecondFactor; a rejection keeps the phase so the caller can retry.
func (c *Controller) SubmitSecondFactor(ctx context.Context, code string) (*LoginResult, error) {
	c.mu.RLock()
	if c.phase != PhaseAwaitingSecondFactor {
		c.mu.RUnlock()
		return nil, ErrInvalidState
	}
	drv, ser := c.drv, c.ser
	delay := c.opts.TypeDelay
	c.mu.RUnlock()

	outcome, err := Do(ctx, ser, "login.second-factor", func(opCtx context.Context) (loginOutcome, error) {
		sel, err := c.loc.FindFirst(opCtx, drv, KeySecondFactor)
		if err == nil {
			if err := drv.Type(opCtx, sel, code, delay); err != nil {
				return outcomeUnknown, err
			}
		}
		if err := drv.Press(opCtx, "Enter"); err != nil {
			return outcomeUnknown, err
		}

		// Dismiss the "remember this browser" prompt when present.
		if saveSel, err := c.loc.FindFirst(opCtx, drv, KeySaveDevice); err == nil {
			_ = drv.Click(opCtx, saveSel)
		}

		if _, err := c.loc.FindFirst(opCtx, drv, KeyAuthedIndicator); err == nil {
			return outcomeAuthenticated, nil
		}
		return outcomeUnknown, nil
	})
	if err != nil {
		c.setLastError(err)
		return nil, err
	}

	if outcome == outcomeAuthenticated {
		c.enterAuthenticated(ctx)
		return &LoginResult{Phase: PhaseAuthenticated}, nil
	}

	shot := c.screenshotQuiet(ctx)
	c.mu.Lock()
	c.lastErr = "second-factor verification failed"
	c.mu.Unlock()
	c.emitStatus()
	return &LoginResult{
		Phase:    PhaseAwaitingSecondFactor,
		Snapshot: shot,
		Error:    "second-factor verification failed",
	}, ErrAuthenticationFailed
}

func (c *Controller) resolveLoginOutcome(ctx context.Context, outcome loginOutcome, entry LoginPhase) (*LoginResult, error) {
	switch outcome {
	case outcomeSecondFactor:
		c.mu.Lock()
		c.phase = PhaseAwaitingSecondFactor
		c.lastErr = ""
		c.mu.Unlock()
		c.emitStatus()

		shot := c.screenshotQuiet(ctx)
		if c.bus != nil {
			_ = events.Emit(c.bus, events.TopicSnapshotReady, SnapshotEvent{Phase: PhaseAwaitingSecondFactor, Image: shot})
		}
		return &LoginResult{Phase: PhaseAwaitingSecondFactor, Snapshot: shot}, nil

	case outcomeError:
		msg := "login rejected, check your credentials"
		c.mu.Lock()
		c.lastErr = msg
		c.mu.Unlock()
		c.emitStatus()
		return &LoginResult{Phase: entry, Error: msg}, ErrAuthenticationFailed

	case outcomeAuthenticated:
		c.enterAuthenticated(ctx)
		return &LoginResult{Phase: PhaseAuthenticated}, nil

	default:
		// Could not classify the page. Stay put and hand the caller a
		// snapshot instead of asserting success.
		shot := c.screenshotQuiet(ctx)
		msg := "unknown login state"
		c.mu.Lock()
		c.lastErr = msg
		c.mu.Unlock()
		c.emitStatus()
		return &LoginResult{Phase: entry, Snapshot: shot, Error: msg}, nil
	}
}

// enterAuthenticated persists the jar, grabs the display name best-effort,
// and starts the polling synchronizer.
func (c *Controller) enterAuthenticated(ctx context.Context) {
	c.mu.RLock()
	drv, ser := c.drv, c.ser
	interval := c.opts.PollInterval
	c.mu.RUnlock()

	if c.jar != nil {
		if blob, err := Do(ctx, ser, "session.export", drv.ExportSession); err == nil {
			if err := c.jar.Save(blob); err != nil {
				logging.Errorf("persist session: %v", err)
			}
		} else {
			logging.Errorf("export session: %v", err)
		}
	}

	name, _ := Do(ctx, ser, "profile.display-name", func(opCtx context.Context) (string, error) {
		sel, err := c.loc.FindFirst(opCtx, drv, KeyDisplayName)
		if err != nil {
			return "", err
		}
		return drv.Text(opCtx, sel)
	})

	c.mu.Lock()
	c.phase = PhaseAuthenticated
	c.authenticated = true
	c.lastErr = ""
	if name != "" {
		c.displayName = strings.TrimSpace(name)
	}
	if c.poller == nil {
		c.poller = newPoller(c, interval)
		c.poller.Start()
	}
	c.mu.Unlock()
	c.emitStatus()
}

// SendMessage navigates to the conversation if needed and types the text
// into the composer. Both steps go through the serializer, and the pair
// lock keeps a second concurrent send, or an in-flight poll tick, fully
// ahead of this one.
func (c *Controller) SendMessage(ctx context.Context, conversationID, text string) error {
	c.mu.RLock()
	if !c.authenticated || c.ser == nil {
		c.mu.RUnlock()
		return ErrInvalidState
	}
	drv, ser := c.drv, c.ser
	baseURL := c.opts.BaseURL
	delay := c.opts.TypeDelay
	c.mu.RUnlock()

	c.pairMu.Lock()
	defer c.pairMu.Unlock()

	err := ser.Submit(ctx, "send.navigate", func(opCtx context.Context) error {
		url, err := drv.CurrentURL(opCtx)
		if err != nil {
			return err
		}
		if threadIDFromURL(url) == conversationID {
			return nil
		}
		return drv.Navigate(opCtx, baseURL+"/t/"+conversationID)
	})
	if err != nil {
		return err
	}

	err = ser.Submit(ctx, "send.compose", func(opCtx context.Context) error {
		sel, err := c.loc.FindFirst(opCtx, drv, KeyComposer)
		if err != nil {
			return fmt.Errorf("composer not found: %w", ErrSendFailed)
		}
		if err := drv.Click(opCtx, sel); err != nil {
			return fmt.Errorf("focus composer: %w", ErrSendFailed)
		}
		if err := drv.Type(opCtx, sel, text, delay); err != nil {
			return fmt.Errorf("type message: %w", ErrSendFailed)
		}
		if err := drv.Press(opCtx, "Enter"); err != nil {
			return fmt.Errorf("submit message: %w", ErrSendFailed)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.Infof("message sent to %s", conversationID)
	return nil
}

// NavigateTo focuses a conversation so subsequent polls mirror its
// messages. Valid only while authenticated.
func (c *Controller) NavigateTo(ctx context.Context, conversationID string) error {
	c.mu.RLock()
	if !c.authenticated || c.ser == nil {
		c.mu.RUnlock()
		return ErrInvalidState
	}
	drv, ser := c.drv, c.ser
	baseURL := c.opts.BaseURL
	c.mu.RUnlock()

	return ser.Submit(ctx, "navigate.conversation", func(opCtx context.Context) error {
		return drv.Navigate(opCtx, baseURL+"/t/"+conversationID)
	})
}

// TakeSnapshot captures the current page. Valid whenever connected.
func (c *Controller) TakeSnapshot(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	if !c.connected || c.ser == nil {
		c.mu.RUnlock()
		return nil, ErrInvalidState
	}
	drv, ser := c.drv, c.ser
	phase := c.phase
	c.mu.RUnlock()

	shot, err := Do(ctx, ser, "page.screenshot", drv.Screenshot)
	if err != nil {
		return nil, err
	}
	if c.bus != nil {
		_ = events.Emit(c.bus, events.TopicSnapshotReady, SnapshotEvent{Phase: phase, Image: shot})
	}
	return shot, nil
}

func (c *Controller) screenshotQuiet(ctx context.Context) []byte {
	c.mu.RLock()
	drv, ser := c.drv, c.ser
	c.mu.RUnlock()
	if drv == nil || ser == nil {
		return nil
	}

	shot, err := Do(ctx, ser, "page.screenshot", drv.Screenshot)
	if err != nil {
		logging.Errorf("screenshot: %v", err)
		return nil
	}
	return shot
}

// Logout stops polling, discards the persisted jar, closes the serializer
// and driver, and resets to Idle. Idempotent.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseIdle && !c.connected {
		c.mu.Unlock()
		return nil
	}
	poller := c.poller
	ser := c.ser
	drv := c.drv
	c.poller = nil
	c.ser = nil
	c.drv = nil
	// Flags reset in the same critical section that takes the resources,
	// so a racing command sees Idle rather than a nil serializer.
	c.phase = PhaseIdle
	c.connected = false
	c.authenticated = false
	c.lastErr = ""
	c.displayName = ""
	c.conversations = nil
	c.messages = make(map[string][]Message)
	c.seen = make(map[string]int)
	c.mu.Unlock()

	// The poll timer stops before closure begins so no new tick can queue
	// behind it.
	if poller != nil {
		poller.Stop()
	}
	if c.jar != nil {
		_ = c.jar.Delete()
	}
	if ser != nil {
		ser.Close()
	}
	if drv != nil {
		_ = drv.Close()
	}
	c.emitStatus()

	logging.Info("logged out")
	return nil
}

// Shutdown tears the controller down without touching the persisted jar,
// for process exit.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	poller := c.poller
	ser := c.ser
	drv := c.drv
	c.poller = nil
	c.ser = nil
	c.drv = nil
	c.phase = PhaseIdle
	c.connected = false
	c.authenticated = false
	c.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
	if ser != nil {
		ser.Close()
	}
	if drv != nil {
		_ = drv.Close()
	}
	if c.coord != nil {
		c.coord.Stop()
	}
}
