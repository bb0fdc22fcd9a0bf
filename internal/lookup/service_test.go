package lookup

import (
	"context"
	"testing"
	"time"

	"github.com/leadscout/scrapecore/internal/batch"
	"github.com/leadscout/scrapecore/internal/pagedriver"
	"github.com/leadscout/scrapecore/internal/providercache"
)

// fakeLookupDriver simulates the carrier site: typing a phone number and
// pressing enter "submits" it, and Text then reports a canned result page.
type fakeLookupDriver struct {
	resultPages map[string]string
	submitted   string
	openErr     error
}

func (f *fakeLookupDriver) Open(context.Context) error { return f.openErr }
func (f *fakeLookupDriver) Close() error                { return nil }
func (f *fakeLookupDriver) Navigate(context.Context, string, time.Duration) error { return nil }
func (f *fakeLookupDriver) WaitFor(context.Context, string, time.Duration) error  { return nil }
func (f *fakeLookupDriver) Evaluate(context.Context, string) (any, error)         { return nil, nil }
func (f *fakeLookupDriver) Type(ctx context.Context, selector, value string) error {
	f.submitted = value
	return nil
}
func (f *fakeLookupDriver) PressEnter(context.Context) error { return nil }
func (f *fakeLookupDriver) Text(context.Context) (string, error) {
	return f.resultPages[f.submitted], nil
}
func (f *fakeLookupDriver) Screenshot(context.Context) ([]byte, error) { return nil, nil }

var _ pagedriver.Driver = (*fakeLookupDriver)(nil)

func TestLookupResolvesCacheHitWithoutDispatchingBatch(t *testing.T) {
	cache := providercache.New(nil)
	cache.Put(context.Background(), "0821234567", "Vodacom")

	factory := func() pagedriver.Driver {
		t.Fatal("factory should not be invoked for a cache hit")
		return nil
	}

	svc := New(cache, batch.New(), factory, "https://carrier.invalid", nil, "sess-1")
	resolved, err := svc.Lookup(context.Background(), []string{"0821234567"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resolved["0821234567"] != "Vodacom" {
		t.Errorf("resolved[phone] = %q, want Vodacom", resolved["0821234567"])
	}
}

func TestLookupParsesServicedByResponseOnCacheMiss(t *testing.T) {
	cache := providercache.New(nil)
	driver := &fakeLookupDriver{resultPages: map[string]string{
		"0821234567": "Number is serviced by Vodacom/Vodacom",
	}}
	factory := func() pagedriver.Driver { return driver }

	svc := New(cache, batch.New(), factory, "https://carrier.invalid", nil, "sess-1")
	resolved, err := svc.Lookup(context.Background(), []string{"0821234567"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resolved["0821234567"] != "Vodacom" {
		t.Errorf("resolved[phone] = %q, want Vodacom", resolved["0821234567"])
	}

	if carrier, ok := cache.Get(context.Background(), "0821234567"); !ok || carrier != "Vodacom" {
		t.Errorf("expected resolved carrier to be written back to cache, got (%q, %v)", carrier, ok)
	}
}

func TestLookupRecordsUnknownCarrierWhenPatternDoesNotMatch(t *testing.T) {
	cache := providercache.New(nil)
	driver := &fakeLookupDriver{resultPages: map[string]string{
		"0821234567": "We could not find this number in our records.",
	}}
	factory := func() pagedriver.Driver { return driver }

	svc := New(cache, batch.New(), factory, "https://carrier.invalid", nil, "sess-1")
	resolved, err := svc.Lookup(context.Background(), []string{"0821234567"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resolved["0821234567"] != providercache.Unknown {
		t.Errorf("resolved[phone] = %q, want %q", resolved["0821234567"], providercache.Unknown)
	}
}
