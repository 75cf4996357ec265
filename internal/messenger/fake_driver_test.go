package messenger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbot/moltbot/internal/driver"
)

// fakeDriver is a scriptable in-memory driver. Every method asserts
// single-flight access by tracking overlapping calls, so any test that
// drives it concurrently also verifies the serializer's exclusivity.
type fakeDriver struct {
	mu    sync.Mutex
	calls []string

	inflight   int32
	overlapped int32
	delay      time.Duration

	started bool
	closed  bool

	url      string
	exists   map[string]bool
	texts    map[string]string
	body     string
	convRows []driver.Row
	msgRows  []driver.Row

	imported []byte
	exported []byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		exists:   map[string]bool{},
		texts:    map[string]string{},
		exported: []byte(`{"cookies":[]}`),
	}
}

func (f *fakeDriver) enter(call string) {
	if atomic.AddInt32(&f.inflight, 1) > 1 {
		atomic.StoreInt32(&f.overlapped, 1)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDriver) exit() {
	atomic.AddInt32(&f.inflight, -1)
}

func (f *fakeDriver) sawOverlap() bool {
	return atomic.LoadInt32(&f.overlapped) == 1
}

func (f *fakeDriver) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeDriver) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeDriver) importedBlob() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imported
}

func (f *fakeDriver) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeDriver) setExists(selector string, present bool) {
	f.mu.Lock()
	f.exists[selector] = present
	f.mu.Unlock()
}

func (f *fakeDriver) setText(selector, text string) {
	f.mu.Lock()
	f.texts[selector] = text
	f.mu.Unlock()
}

func (f *fakeDriver) setURL(url string) {
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
}

func (f *fakeDriver) setConvRows(rows []driver.Row) {
	f.mu.Lock()
	f.convRows = rows
	f.mu.Unlock()
}

func (f *fakeDriver) setMsgRows(rows []driver.Row) {
	f.mu.Lock()
	f.msgRows = rows
	f.mu.Unlock()
}

func (f *fakeDriver) Start(ctx context.Context) error {
	f.enter("start")
	defer f.exit()
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	f.enter("navigate:" + url)
	defer f.exit()
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error) {
	f.enter("url")
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakeDriver) Fill(ctx context.Context, selector, value string) error {
	f.enter("fill:" + selector)
	defer f.exit()
	return nil
}

func (f *fakeDriver) Click(ctx context.Context, selector string) error {
	f.enter("click:" + selector)
	defer f.exit()
	return nil
}

func (f *fakeDriver) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	f.enter("type:" + text)
	defer f.exit()
	return nil
}

func (f *fakeDriver) Press(ctx context.Context, key string) error {
	f.enter("press:" + key)
	defer f.exit()
	return nil
}

func (f *fakeDriver) Exists(ctx context.Context, selector string) (bool, error) {
	f.enter("exists:" + selector)
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[selector], nil
}

func (f *fakeDriver) Text(ctx context.Context, selector string) (string, error) {
	f.enter("text:" + selector)
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[selector], nil
}

func (f *fakeDriver) BodyText(ctx context.Context) (string, error) {
	f.enter("body")
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.body, nil
}

// ExtractRows dispatches on the field shape: conversation extraction asks
// for a "preview" field, message extraction for a "text" field.
func (f *fakeDriver) ExtractRows(ctx context.Context, listSelector string, fields map[string]driver.FieldSpec, limit int) ([]driver.Row, error) {
	f.enter("extract:" + listSelector)
	defer f.exit()

	f.mu.Lock()
	defer f.mu.Unlock()

	var rows []driver.Row
	if _, ok := fields["preview"]; ok {
		rows = f.convRows
	} else {
		rows = f.msgRows
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]driver.Row, len(rows))
	copy(out, rows)
	return out, nil
}

func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	f.enter("screenshot")
	defer f.exit()
	return []byte("png"), nil
}

func (f *fakeDriver) ExportSession(ctx context.Context) ([]byte, error) {
	f.enter("export")
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exported, nil
}

func (f *fakeDriver) ImportSession(ctx context.Context, blob []byte) error {
	f.enter("import")
	defer f.exit()
	f.mu.Lock()
	f.imported = blob
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return driver.ErrClosed
	}
	f.closed = true
	return nil
}

var _ driver.Driver = (*fakeDriver)(nil)

// memJar is an in-memory JarStore.
type memJar struct {
	mu      sync.Mutex
	blob    []byte
	deletes int
}

func (j *memJar) Load() ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.blob, nil
}

func (j *memJar) Save(blob []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blob = append([]byte(nil), blob...)
	return nil
}

func (j *memJar) Delete() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blob = nil
	j.deletes++
	return nil
}

// msgRow builds a message extraction row.
func msgRow(text string, outgoing bool) driver.Row {
	r := driver.Row{"text": text, "time": "12:00"}
	if outgoing {
		r["outgoing"] = "true"
	}
	return r
}

// convRow builds a conversation extraction row.
func convRow(i int, name string) driver.Row {
	return driver.Row{
		"name":    name,
		"preview": "hello there",
		"time":    "2m",
		"link":    fmt.Sprintf("/t/%d00", i),
	}
}
