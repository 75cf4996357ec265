package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moltbot/moltbot/internal/archive"
	"github.com/moltbot/moltbot/internal/config"
	"github.com/moltbot/moltbot/internal/driver"
	"github.com/moltbot/moltbot/internal/events"
	"github.com/moltbot/moltbot/internal/messenger"
	"github.com/moltbot/moltbot/internal/realtime"
)

// stubDriver answers every probe positively enough to walk the login flow.
type stubDriver struct {
	mu     sync.Mutex
	url    string
	exists map[string]bool
}

func newStubDriver() *stubDriver {
	return &stubDriver{exists: map[string]bool{}}
}

func (d *stubDriver) Start(ctx context.Context) error { return nil }

func (d *stubDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	return nil
}

func (d *stubDriver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *stubDriver) Fill(ctx context.Context, selector, value string) error { return nil }
func (d *stubDriver) Click(ctx context.Context, selector string) error       { return nil }
func (d *stubDriver) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	return nil
}
func (d *stubDriver) Press(ctx context.Context, key string) error { return nil }

func (d *stubDriver) Exists(ctx context.Context, selector string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exists[selector], nil
}

func (d *stubDriver) Text(ctx context.Context, selector string) (string, error) { return "", nil }
func (d *stubDriver) BodyText(ctx context.Context) (string, error)              { return "", nil }
func (d *stubDriver) ExtractRows(ctx context.Context, listSelector string, fields map[string]driver.FieldSpec, limit int) ([]driver.Row, error) {
	return nil, nil
}
func (d *stubDriver) Screenshot(ctx context.Context) ([]byte, error)    { return []byte("png"), nil }
func (d *stubDriver) ExportSession(ctx context.Context) ([]byte, error) { return []byte("{}"), nil }

func (d *stubDriver) ImportSession(ctx context.Context, blob []byte) error { return nil }

func (d *stubDriver) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *stubDriver) {
	t.Helper()

	drv := newStubDriver()
	bus := events.NewSubject()
	t.Cleanup(func() { events.Complete(bus) })

	ctrl := messenger.NewController(func() driver.Driver { return drv }, nil, nil, bus, messenger.Options{
		BaseURL:      "https://www.messenger.com",
		PollInterval: time.Hour,
		OpTimeout:    2 * time.Second,
	})
	t.Cleanup(func() { ctrl.Shutdown(context.Background()) })

	store, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(Deps{
		Ctrl:    ctrl,
		Hub:     realtime.NewHub(),
		Archive: store,
		Config:  config.Default(),
	}), drv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st messenger.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.False(t, st.Connected)
	require.Equal(t, messenger.PhaseIdle, st.LoginPhase)
}

func TestLoginFlowOverHTTP(t *testing.T) {
	s, drv := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/login/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res messenger.LoginResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, messenger.PhaseAwaitingCredentials, res.Phase)

	// A second start while not idle maps to 409.
	rec = doJSON(t, h, http.MethodPost, "/api/login/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Missing fields map to 400.
	rec = doJSON(t, h, http.MethodPost, "/api/login/credentials", map[string]string{"identifier": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	drv.mu.Lock()
	drv.exists[`input[name="email"]`] = true
	drv.exists[`input[name="pass"]`] = true
	drv.exists[`button[name="login"]`] = true
	drv.exists[`[aria-label="Chats"]`] = true
	drv.mu.Unlock()

	rec = doJSON(t, h, http.MethodPost, "/api/login/credentials", map[string]string{
		"identifier": "user@example.com",
		"secret":     "hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, messenger.PhaseAuthenticated, res.Phase)

	rec = doJSON(t, h, http.MethodPost, "/api/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSendMessageRequiresAuthOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/conversations/42/messages", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/conversations/42/messages", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	require.NoError(t, s.deps.Archive.Record(context.Background(), "42", "inbound", "hello", "12:00"))

	rec := doJSON(t, h, http.MethodGet, "/api/conversations/42/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ConversationID string          `json:"conversation_id"`
		Entries        []archive.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "42", body.ConversationID)
	require.Len(t, body.Entries, 1)
	require.Equal(t, "hello", body.Entries[0].Body)
}

func TestAutoReplyToggle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodGet, "/api/autoreply", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"enabled":false}`, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/autoreply", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/autoreply", nil)
	require.JSONEq(t, `{"enabled":true}`, rec.Body.String())
}

func TestConfigEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/api/config", map[string]any{
		"poll_interval": "10s",
		"auto_reply":    true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Overrides config.Runtime `json:"overrides"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Overrides.PollInterval)
	require.Equal(t, 10*time.Second, body.Overrides.PollInterval.Std())
	require.NotNil(t, body.Overrides.AutoReply)
	require.True(t, *body.Overrides.AutoReply)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
