// Package driver defines the remote session driver contract: the single
// shared resource every login step, poll tick and send action funnels
// through. Implementations must be safe for use by one caller at a time;
// mutual exclusion is the action serializer's job, not the driver's.
package driver

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("driver is closed")

// AttrExists marks a field as a presence probe: the extracted value is
// "true" when the sub-selector matches, empty otherwise.
const AttrExists = "exists"

// FieldSpec describes how to pull one field out of each item of a list.
type FieldSpec struct {
	// Selector is evaluated relative to the list item. Empty means the
	// item element itself.
	Selector string `yaml:"selector"`
	// Attr names an attribute to read; empty reads inner text.
	// AttrExists turns the field into a presence probe.
	Attr string `yaml:"attr,omitempty"`
	// Nth picks the n-th match of Selector (1-based). Zero means first.
	Nth int `yaml:"nth,omitempty"`
}

// Row is one extracted list item, keyed by field name.
type Row map[string]string

// Driver drives one remote browser session.
type Driver interface {
	// Start connects the underlying session. Idempotent.
	Start(ctx context.Context) error

	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)

	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string, delay time.Duration) error
	Press(ctx context.Context, key string) error

	Exists(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context, selector string) (string, error)
	BodyText(ctx context.Context) (string, error)
	ExtractRows(ctx context.Context, listSelector string, fields map[string]FieldSpec, limit int) ([]Row, error)

	Screenshot(ctx context.Context) ([]byte, error)

	// ExportSession returns an opaque serializable snapshot of the
	// session-identifying state (cookie jar). ImportSession restores it.
	ExportSession(ctx context.Context) ([]byte, error)
	ImportSession(ctx context.Context, blob []byte) error

	Close() error
}
