// Package pagedriver defines the headless-browser capability the core
// consumes but does not own. Production code drives a real browser through
// RodDriver; tests use hand-rolled doubles implementing the same interface.
package pagedriver

import (
	"context"
	"time"
)

// Driver is the capability surface a Navigation Manager, Listing Extractor,
// and Batch Manager need from a headless-browser-like engine.
type Driver interface {
	Open(ctx context.Context) error
	Close() error

	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Evaluate(ctx context.Context, expression string) (any, error)
	Type(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context) error
	Text(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Factory creates a fresh Driver instance. The Batch Manager uses it to open
// exactly one driver per batch; the Browser Worker uses it to open one
// driver that it keeps across assignments until it releases it.
type Factory func() Driver
