package batch

import "testing"

func TestNewStartsAtInitialSize(t *testing.T) {
	m := New()
	if got := m.Size(); got != initialSize {
		t.Errorf("Size() = %d, want %d", got, initialSize)
	}
}

func TestRecordBatchOutcomeGrowsOnHighSuccessRate(t *testing.T) {
	m := &Manager{size: FloorSize}
	m.RecordBatchOutcome(4, 5) // 0.8 >= growSuccessRate
	if got := m.Size(); got != FloorSize+1 {
		t.Errorf("Size() = %d, want %d", got, FloorSize+1)
	}
}

func TestRecordBatchOutcomeNeverExceedsCeiling(t *testing.T) {
	m := &Manager{size: CeilingSize}
	m.RecordBatchOutcome(5, 5)
	if got := m.Size(); got != CeilingSize {
		t.Errorf("Size() = %d, want ceiling %d", got, CeilingSize)
	}
}

func TestRecordBatchOutcomeShrinksOnLowSuccessRate(t *testing.T) {
	m := &Manager{size: CeilingSize}
	m.RecordBatchOutcome(1, 5) // 0.2 < shrinkSuccessRate
	if got := m.Size(); got != CeilingSize-1 {
		t.Errorf("Size() = %d, want %d", got, CeilingSize-1)
	}
}

func TestRecordBatchOutcomeNeverBelowFloor(t *testing.T) {
	m := &Manager{size: FloorSize}
	m.RecordBatchOutcome(0, 5)
	if got := m.Size(); got != FloorSize {
		t.Errorf("Size() = %d, want floor %d", got, FloorSize)
	}
}

func TestRecordBatchOutcomeMiddleRateHoldsSteady(t *testing.T) {
	m := &Manager{size: 4}
	m.RecordBatchOutcome(3, 5) // 0.6, between thresholds
	if got := m.Size(); got != 4 {
		t.Errorf("Size() = %d, want unchanged 4", got)
	}
}

func TestChunksNeverExceedsCeilingSize(t *testing.T) {
	m := &Manager{size: CeilingSize}
	phones := make([]string, 13)
	for i := range phones {
		phones[i] = "0111111111"
	}
	chunks := m.Chunks(phones)
	total := 0
	for _, c := range chunks {
		if len(c) > CeilingSize {
			t.Fatalf("chunk size %d exceeds ceiling %d", len(c), CeilingSize)
		}
		total += len(c)
	}
	if total != len(phones) {
		t.Errorf("chunks cover %d phones, want %d", total, len(phones))
	}
}

func TestChunksGuardsAgainstOutOfRangeSize(t *testing.T) {
	m := &Manager{size: 99}
	phones := []string{"a", "b", "c", "d", "e", "f"}
	chunks := m.Chunks(phones)
	if len(chunks[0]) > CeilingSize {
		t.Errorf("chunk size %d should be clamped to ceiling %d", len(chunks[0]), CeilingSize)
	}
}

func TestInterBatchDelayWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := InterBatchDelay()
		if d < minInterBatch || d >= maxInterBatch {
			t.Fatalf("InterBatchDelay() = %v, want within [%v, %v)", d, minInterBatch, maxInterBatch)
		}
	}
}

func TestMaxCaptchaRestarts(t *testing.T) {
	if got := MaxCaptchaRestarts(); got != 3 {
		t.Errorf("MaxCaptchaRestarts() = %d, want 3", got)
	}
}
