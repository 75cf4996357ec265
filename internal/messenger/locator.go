package messenger

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/moltbot/moltbot/internal/driver"
)

// Extraction keys. Each maps to an ordered fallback list of strategies;
// the volatile "how to find this on the page" knowledge lives here and in
// the optional override file, never in the polling/diffing logic.
const (
	KeyLoginIdentifier = "login-identifier"
	KeyLoginSecret     = "login-secret"
	KeyLoginSubmit     = "login-submit"
	KeySecondFactor    = "second-factor-input"
	KeySaveDevice      = "save-device"
	KeyErrorIndicator  = "error-indicator"
	KeyAuthedIndicator = "authenticated-indicator"
	KeyDisplayName     = "display-name"
	KeyComposer        = "composer"
	KeyConversations   = "conversation-list"
	KeyMessages        = "message-list"
)

// Strategy is one attempt at locating an element.
type Strategy struct {
	Name     string `yaml:"name,omitempty"`
	Selector string `yaml:"selector"`
}

// ListSpec locates a repeated structure and its per-item fields.
type ListSpec struct {
	Items  []Strategy                  `yaml:"items"`
	Fields map[string]driver.FieldSpec `yaml:"fields"`
}

// Locators is the full extraction surface configuration.
type Locators struct {
	Singles map[string][]Strategy `yaml:"singles"`
	Lists   map[string]ListSpec   `yaml:"lists"`
}

// DefaultLocators returns the built-in extraction surface.
func DefaultLocators() *Locators {
	return &Locators{
		Singles: map[string][]Strategy{
			KeyLoginIdentifier: {
				{Selector: `input[name="email"]`},
				{Selector: `input[type="email"]`},
				{Selector: `#email`},
			},
			KeyLoginSecret: {
				{Selector: `input[name="pass"]`},
				{Selector: `input[type="password"]`},
				{Selector: `#pass`},
			},
			KeyLoginSubmit: {
				{Selector: `button[name="login"]`},
				{Selector: `button[type="submit"]`},
				{Selector: `#loginbutton`},
				{Selector: `[data-testid="royal_login_button"]`},
			},
			KeySecondFactor: {
				{Selector: `input[name="approvals_code"]`},
				{Selector: `input[autocomplete="one-time-code"]`},
				{Selector: `input[placeholder*="code"]`},
			},
			KeySaveDevice: {
				{Selector: `button[name="save_device"]`},
			},
			KeyErrorIndicator: {
				{Selector: `[role="alert"]`},
				{Selector: `.uiHeaderTitle`},
				{Selector: `._52lq`},
			},
			KeyAuthedIndicator: {
				{Selector: `[aria-label="Chats"]`},
				{Selector: `[data-testid="mwthreadlist-item"]`},
				{Selector: `[role="navigation"]`},
			},
			KeyDisplayName: {
				{Selector: `[data-testid="mwthreadlist-header-title"]`},
				{Selector: `[aria-label="Profile"] span`},
			},
			KeyComposer: {
				{Selector: `[contenteditable="true"][role="textbox"]`},
				{Selector: `[aria-label*="message"]`},
				{Selector: `textarea[name="message"]`},
			},
		},
		Lists: map[string]ListSpec{
			KeyConversations: {
				Items: []Strategy{
					{Selector: `[data-testid="mwthreadlist-item"]`},
					{Selector: `[role="row"][tabindex]`},
				},
				Fields: map[string]driver.FieldSpec{
					"name":    {Selector: `span[dir="auto"]`},
					"preview": {Selector: `span[dir="auto"]`, Nth: 2},
					"time":    {Selector: `span[data-testid]`},
					"link":    {Selector: `a`, Attr: "href"},
					"unread":  {Selector: `[aria-label*="unread"]`, Attr: driver.AttrExists},
				},
			},
			KeyMessages: {
				Items: []Strategy{
					{Selector: `[data-testid="message-container"]`},
					{Selector: `[role="row"]`},
				},
				Fields: map[string]driver.FieldSpec{
					"text":     {Selector: `[dir="auto"]`},
					"time":     {Selector: `span[data-testid*="timestamp"]`},
					"outgoing": {Selector: `[class*="outgoing"]`, Attr: driver.AttrExists},
				},
			},
		},
	}
}

// LoadLocators reads an override file over the defaults. Keys present in
// the file replace the built-in entry wholesale.
func LoadLocators(path string) (*Locators, error) {
	base := DefaultLocators()
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locators: %w", err)
	}

	var override Locators
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse locators: %w", err)
	}

	for key, strategies := range override.Singles {
		base.Singles[key] = strategies
	}
	for key, spec := range override.Lists {
		base.Lists[key] = spec
	}
	return base, nil
}

// FindFirst tries each strategy for key in order and returns the selector
// of the first one present on the page, or ErrExtractionEmpty.
func (l *Locators) FindFirst(ctx context.Context, d driver.Driver, key string) (string, error) {
	strategies, ok := l.Singles[key]
	if !ok {
		return "", fmt.Errorf("unknown locator key %q: %w", key, ErrExtractionEmpty)
	}

	for _, s := range strategies {
		found, err := d.Exists(ctx, s.Selector)
		if err != nil {
			return "", err
		}
		if found {
			return s.Selector, nil
		}
	}
	return "", fmt.Errorf("%s: %w", key, ErrExtractionEmpty)
}

// ExtractRows tries each item strategy for key in order until one yields a
// non-empty row set.
func (l *Locators) ExtractRows(ctx context.Context, d driver.Driver, key string, limit int) ([]driver.Row, error) {
	spec, ok := l.Lists[key]
	if !ok {
		return nil, fmt.Errorf("unknown locator key %q: %w", key, ErrExtractionEmpty)
	}

	for _, s := range spec.Items {
		rows, err := d.ExtractRows(ctx, s.Selector, spec.Fields, limit)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", key, ErrExtractionEmpty)
}
