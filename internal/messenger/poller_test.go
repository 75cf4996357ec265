package messenger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moltbot/moltbot/internal/driver"
)

func TestSendDuringPollTickRunsAfterTick(t *testing.T) {
	c, drv, _, _ := authedController(t)

	drv.setConvRows([]driver.Row{convRow(1, "Alice")})
	drv.setMsgRows([]driver.Row{msgRow("m1", false)})
	drv.setURL(baseURL + "/t/42")
	drv.setExists(selComposer, true)

	drv.delay = 50 * time.Millisecond
	calls := len(drv.callLog())
	base := len(c.OpLog())

	tickDone := make(chan error, 1)
	go func() { tickDone <- c.PollOnce(context.Background()) }()

	// Wait until the tick's first extraction reaches the driver, then issue
	// the send mid-tick.
	require.Eventually(t, func() bool { return len(drv.callLog()) > calls }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.SendMessage(context.Background(), "42", "hello"))
	require.NoError(t, <-tickDone)

	// The send's operations run only after both of the tick's operations.
	var order []string
	for _, rec := range c.OpLog()[base:] {
		switch rec.Name {
		case "poll.conversations", "poll.messages", "send.navigate", "send.compose":
			order = append(order, rec.Name)
		}
	}
	require.Equal(t, []string{"poll.conversations", "poll.messages", "send.navigate", "send.compose"}, order)
}

func TestPollerStopIsTerminal(t *testing.T) {
	drv := newFakeDriver()
	c, _ := newTestController(t, func() driver.Driver { return drv }, &memJar{})

	p := newPoller(c, time.Hour)
	p.Start()
	p.Stop()

	// A settings change racing the teardown must not resurrect the schedule.
	p.SetInterval(time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Nil(t, p.cron)
	require.True(t, p.stopped)
}
