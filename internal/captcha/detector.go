// Package captcha examines page DOM/text for captcha challenge signals.
package captcha

import (
	"context"
	"strings"

	"github.com/leadscout/scrapecore/internal/pagedriver"
)

var textSignals = []string{
	"recaptcha",
	"verify you are human",
	"i'm not a robot",
}

// Detector reports whether the current page is serving a captcha challenge.
// It only reports; callers decide how to respond.
type Detector struct {
	// LastStatusCode is set by callers after each navigation so the
	// detector can fold in the "HTTP 429 observed" signal.
	LastStatusCode int
}

// Detect examines the page currently loaded in driver.
func (d *Detector) Detect(ctx context.Context, driver pagedriver.Driver) (bool, error) {
	if d.LastStatusCode == 429 {
		return true, nil
	}

	if iframeSrc, err := driver.Evaluate(ctx, captchaIframeExpr); err == nil {
		if src, ok := iframeSrc.(string); ok && strings.Contains(strings.ToLower(src), "recaptcha") {
			return true, nil
		}
	}

	if found, err := driver.Evaluate(ctx, captchaDomExpr); err == nil {
		if ok, _ := found.(bool); ok {
			return true, nil
		}
	}

	text, err := driver.Text(ctx)
	if err != nil {
		return false, err
	}
	lower := strings.ToLower(text)
	for _, signal := range textSignals {
		if strings.Contains(lower, signal) {
			return true, nil
		}
	}
	return false, nil
}

const captchaIframeExpr = `(() => {
	const f = document.querySelector('iframe[src*="recaptcha"]');
	return f ? f.src : '';
})()`

const captchaDomExpr = `(() => {
	if (document.querySelector('.g-recaptcha')) return true;
	return !!document.querySelector('[class*="captcha" i]');
})()`
