package pagedriver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
)

// RodDriver drives a real headless Chromium instance via go-rod. It is the
// only concrete Driver the core ships with; everything else in the module
// depends on the Driver interface, never on rod directly.
type RodDriver struct {
	browser *rod.Browser
	page    *rod.Page
}

// NewRodFactory returns a Factory producing RodDriver instances that connect
// to the browser at the given DevTools control URL (empty uses rod's bundled
// launcher).
func NewRodFactory(controlURL string) Factory {
	return func() Driver {
		return &RodDriver{browser: rod.New().ControlURL(controlURL)}
	}
}

func (d *RodDriver) Open(ctx context.Context) error {
	if err := d.browser.Context(ctx).Connect(); err != nil {
		return fmt.Errorf("rod: connect: %w", err)
	}
	page, err := d.browser.Page(rod.New().DefaultDevice)
	if err != nil {
		return fmt.Errorf("rod: open page: %w", err)
	}
	d.page = page
	return nil
}

func (d *RodDriver) Close() error {
	if d.page != nil {
		_ = d.page.Close()
	}
	return d.browser.Close()
}

func (d *RodDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return d.page.Context(ctx).Timeout(timeout).Navigate(url)
}

func (d *RodDriver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	_, err := d.page.Context(ctx).Timeout(timeout).Element(selector)
	return err
}

func (d *RodDriver) Evaluate(ctx context.Context, expression string) (any, error) {
	res, err := d.page.Context(ctx).Eval(expression)
	if err != nil {
		return nil, err
	}
	return res.Value.Val(), nil
}

func (d *RodDriver) Type(ctx context.Context, selector, text string) error {
	el, err := d.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (d *RodDriver) PressEnter(ctx context.Context) error {
	return d.page.Context(ctx).Keyboard.Type(input.Enter)
}

func (d *RodDriver) Text(ctx context.Context) (string, error) {
	return d.page.Context(ctx).HTML()
}

func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Context(ctx).Screenshot(false, nil)
}
