package capture

import (
	"go.uber.org/atomic"
)

// ReleaseLedger counts frames pulled and released on one pipeline. Every pull
// goes through the ledger, warm-up included, so at rest Acquired == Released.
type ReleaseLedger struct {
	kind       atomic.String
	acquired   atomic.Uint64
	released   atomic.Uint64
	violations atomic.Uint64
}

// LedgerSnapshot is a point-in-time copy of a ReleaseLedger.
type LedgerSnapshot struct {
	Acquired   uint64
	Released   uint64
	Violations uint64
}

// Outstanding is the number of frames pulled but not yet released.
func (s LedgerSnapshot) Outstanding() uint64 {
	return s.Acquired - s.Released
}

// NewReleaseLedger returns an empty ledger.
func NewReleaseLedger() *ReleaseLedger {
	return &ReleaseLedger{}
}

func (l *ReleaseLedger) setKind(kind ProducerKind) {
	l.kind.Store(string(kind))
}

// track assigns the frame its sequence number and ties its release to the ledger.
func (l *ReleaseLedger) track(f *Frame) {
	f.Seq = l.acquired.Inc()
	f.ledger = l
	recordFrameEvent(l.kind.Load(), framesPulled)
}

func (l *ReleaseLedger) recordRelease() {
	l.released.Inc()
	recordFrameEvent(l.kind.Load(), framesReleased)
}

func (l *ReleaseLedger) recordViolation() {
	l.violations.Inc()
	recordFrameEvent(l.kind.Load(), lifecycleViolations)
}

// Snapshot returns the current counts.
func (l *ReleaseLedger) Snapshot() LedgerSnapshot {
	return LedgerSnapshot{
		Acquired:   l.acquired.Load(),
		Released:   l.released.Load(),
		Violations: l.violations.Load(),
	}
}
