package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Options configures the playwright-backed driver.
type Options struct {
	Headless  bool
	UserAgent string
	Width     int
	Height    int
}

var (
	// Playwright instance (singleton)
	pwOnce     sync.Once
	pwInstance *playwright.Playwright
	pwErr      error
)

// getPlaywright returns the singleton Playwright instance.
func getPlaywright() (*playwright.Playwright, error) {
	pwOnce.Do(func() {
		if err := playwright.Install(); err != nil {
			pwErr = fmt.Errorf("failed to install playwright browsers: %w", err)
			return
		}

		pw, err := playwright.Run()
		if err != nil {
			pwErr = fmt.Errorf("failed to start playwright: %w", err)
			return
		}
		pwInstance = pw
	})

	return pwInstance, pwErr
}

// Playwright drives a headless Chromium page through playwright-go.
type Playwright struct {
	mu sync.Mutex

	opts    Options
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	closed  bool
}

// NewPlaywright creates an unstarted playwright driver.
func NewPlaywright(opts Options) *Playwright {
	if opts.Width == 0 {
		opts.Width = 1280
	}
	if opts.Height == 0 {
		opts.Height = 800
	}
	return &Playwright{opts: opts}
}

// Start launches the browser and opens the working page. Idempotent.
func (d *Playwright) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.page != nil {
		return nil
	}

	pw, err := getPlaywright()
	if err != nil {
		return err
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.opts.Headless),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: d.opts.Width, Height: d.opts.Height},
	}
	if d.opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(d.opts.UserAgent)
	}
	bctx, err := browser.NewContext(ctxOpts)
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("failed to create page: %w", err)
	}

	d.browser = browser
	d.bctx = bctx
	d.page = page
	return nil
}

func (d *Playwright) live() (playwright.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.page == nil {
		return nil, fmt.Errorf("driver not started")
	}
	return d.page, nil
}

func timeoutMillis(ctx context.Context, fallback time.Duration) float64 {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return float64(remaining.Milliseconds())
		}
	}
	return float64(fallback.Milliseconds())
}

// Navigate navigates the working page and waits for network idle.
func (d *Playwright) Navigate(ctx context.Context, url string) error {
	page, err := d.live()
	if err != nil {
		return err
	}

	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(timeoutMillis(ctx, 30*time.Second)),
	})
	if err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (d *Playwright) CurrentURL(ctx context.Context) (string, error) {
	page, err := d.live()
	if err != nil {
		return "", err
	}
	return page.URL(), nil
}

func (d *Playwright) Fill(ctx context.Context, selector, value string) error {
	page, err := d.live()
	if err != nil {
		return err
	}

	err = page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{
		Timeout: playwright.Float(timeoutMillis(ctx, 10*time.Second)),
	})
	if err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

func (d *Playwright) Click(ctx context.Context, selector string) error {
	page, err := d.live()
	if err != nil {
		return err
	}

	err = page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(timeoutMillis(ctx, 10*time.Second)),
	})
	if err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (d *Playwright) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	page, err := d.live()
	if err != nil {
		return err
	}

	typeOpts := playwright.LocatorTypeOptions{
		Timeout: playwright.Float(timeoutMillis(ctx, 15*time.Second)),
	}
	if delay > 0 {
		typeOpts.Delay = playwright.Float(float64(delay.Milliseconds()))
	}
	err = page.Locator(selector).First().Type(text, typeOpts)
	if err != nil {
		return fmt.Errorf("type failed: %w", err)
	}
	return nil
}

func (d *Playwright) Press(ctx context.Context, key string) error {
	page, err := d.live()
	if err != nil {
		return err
	}

	if err := page.Keyboard().Press(key); err != nil {
		return fmt.Errorf("press failed: %w", err)
	}
	// Give the page a beat to react before the next action
	time.Sleep(100 * time.Millisecond)
	return nil
}

func (d *Playwright) Exists(ctx context.Context, selector string) (bool, error) {
	page, err := d.live()
	if err != nil {
		return false, err
	}

	count, err := page.Locator(selector).Count()
	if err != nil {
		return false, fmt.Errorf("count failed: %w", err)
	}
	return count > 0, nil
}

func (d *Playwright) Text(ctx context.Context, selector string) (string, error) {
	page, err := d.live()
	if err != nil {
		return "", err
	}

	text, err := page.Locator(selector).First().InnerText(playwright.LocatorInnerTextOptions{
		Timeout: playwright.Float(2000),
	})
	if err != nil {
		return "", fmt.Errorf("inner text failed: %w", err)
	}
	return text, nil
}

func (d *Playwright) BodyText(ctx context.Context) (string, error) {
	return d.Text(ctx, "body")
}

// ExtractRows walks the matches of listSelector and reads one field per
// FieldSpec from each. Missing sub-elements yield empty strings rather than
// errors; the polling layer treats every field as optional.
func (d *Playwright) ExtractRows(ctx context.Context, listSelector string, fields map[string]FieldSpec, limit int) ([]Row, error) {
	page, err := d.live()
	if err != nil {
		return nil, err
	}

	items := page.Locator(listSelector)
	count, err := items.Count()
	if err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}
	if limit > 0 && count > limit {
		count = limit
	}

	rows := make([]Row, 0, count)
	for i := 0; i < count; i++ {
		item := items.Nth(i)
		row := make(Row, len(fields))
		for name, spec := range fields {
			row[name] = extractField(item, spec)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func extractField(item playwright.Locator, spec FieldSpec) string {
	target := item
	if spec.Selector != "" {
		sub := item.Locator(spec.Selector)
		if spec.Nth > 0 {
			target = sub.Nth(spec.Nth - 1)
		} else {
			target = sub.First()
		}
	}

	switch spec.Attr {
	case AttrExists:
		if spec.Selector == "" {
			return "true"
		}
		count, err := item.Locator(spec.Selector).Count()
		if err != nil || count == 0 {
			return ""
		}
		return "true"
	case "":
		text, err := target.InnerText(playwright.LocatorInnerTextOptions{
			Timeout: playwright.Float(1500),
		})
		if err != nil {
			return ""
		}
		return text
	default:
		value, err := target.GetAttribute(spec.Attr, playwright.LocatorGetAttributeOptions{
			Timeout: playwright.Float(1500),
		})
		if err != nil {
			return ""
		}
		return value
	}
}

func (d *Playwright) Screenshot(ctx context.Context) ([]byte, error) {
	page, err := d.live()
	if err != nil {
		return nil, err
	}

	data, err := page.Screenshot(playwright.PageScreenshotOptions{})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

// ExportSession serializes the browser context's storage state. The blob is
// opaque to callers; only this driver interprets it.
func (d *Playwright) ExportSession(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if d.bctx == nil {
		return nil, fmt.Errorf("driver not started")
	}

	state, err := d.bctx.StorageState()
	if err != nil {
		return nil, fmt.Errorf("export session failed: %w", err)
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode session failed: %w", err)
	}
	return blob, nil
}

// ImportSession restores cookies from a previously exported blob. Origin
// storage cannot be injected into a live context, so only cookies are
// restored; that is sufficient for session resumption.
func (d *Playwright) ImportSession(ctx context.Context, blob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.bctx == nil {
		return fmt.Errorf("driver not started")
	}

	var state playwright.StorageState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("decode session failed: %w", err)
	}

	cookies := make([]playwright.OptionalCookie, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		oc := playwright.OptionalCookie{
			Name:  c.Name,
			Value: c.Value,
		}
		if c.Domain != "" {
			oc.Domain = playwright.String(c.Domain)
		}
		if c.Path != "" {
			oc.Path = playwright.String(c.Path)
		}
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if c.HttpOnly {
			oc.HttpOnly = playwright.Bool(true)
		}
		if c.Secure {
			oc.Secure = playwright.Bool(true)
		}
		cookies = append(cookies, oc)
	}
	if len(cookies) == 0 {
		return fmt.Errorf("session blob holds no cookies")
	}

	if err := d.bctx.AddCookies(cookies); err != nil {
		return fmt.Errorf("import session failed: %w", err)
	}
	return nil
}

// Close shuts the browser down. Idempotent.
func (d *Playwright) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.browser != nil {
		_ = d.browser.Close()
	}
	d.browser = nil
	d.bctx = nil
	d.page = nil
	return nil
}
