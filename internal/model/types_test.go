package model

import "testing"

func TestNormalizePhoneRewritesCountryCodePrefix(t *testing.T) {
	cases := map[string]string{
		"+27821234567": "0821234567",
		"27821234567":  "0821234567",
		"0821234567":   "0821234567",
		"082 123 4567": "0821234567",
		"(082) 123-4567": "0821234567",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

// Property 7: dedup key equality is case-insensitive on name and normalised
// on phone, so differently-formatted duplicates collapse to one key.
func TestDedupKeyCollapsesEquivalentRecords(t *testing.T) {
	a := BusinessRecord{Name: "Acme Plumbing", Phone: "+27821234567"}
	b := BusinessRecord{Name: "ACME PLUMBING", Phone: "082 123 4567"}
	if a.DedupKey() != b.DedupKey() {
		t.Errorf("DedupKey mismatch: %q vs %q", a.DedupKey(), b.DedupKey())
	}

	c := BusinessRecord{Name: "Acme Plumbing", Phone: "0839999999"}
	if a.DedupKey() == c.DedupKey() {
		t.Errorf("expected different phones to produce different dedup keys")
	}
}

func TestSessionConfigValidateRejectsOutOfRangeBatchSize(t *testing.T) {
	cfg := SessionConfig{
		Towns:         []string{"Cape Town"},
		Industries:    []string{"Plumbing"},
		MaxTowns:      1,
		MaxIndustries: 1,
		BatchSize:     6,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for batchSize outside [3,5]")
	}
}

func TestSessionConfigValidateAcceptsZeroBatchSizeAsUnset(t *testing.T) {
	cfg := SessionConfig{
		Towns:         []string{"Cape Town"},
		Industries:    []string{"Plumbing"},
		MaxTowns:      1,
		MaxIndustries: 1,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionStatusIsTerminal(t *testing.T) {
	terminal := []SessionStatus{SessionCompleted, SessionError, SessionStopped, SessionCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	nonTerminal := []SessionStatus{SessionQueued, SessionRunning, SessionPaused}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}
