// Package bifurcator reads an upstream byte stream exactly once and fans it
// out, concurrently, to N independent consumers that each apply their own
// flow control and byte budget.
package bifurcator

import "context"

// Source is the minimal peek-and-advance contract the coordinator needs from
// an upstream byte producer. Implementations must not copy the bytes they
// return from Peek.
type Source interface {
	// Peek returns the next available, read-only view of upstream bytes and
	// whether the source has reached end of stream. A non-nil error aborts
	// the bifurcation. Peek may return a zero-length view with done=false,
	// meaning "no new bytes yet, but the source is not finished either" —
	// the coordinator re-peeks in that case.
	Peek(ctx context.Context) (view []byte, done bool, err error)

	// AdvanceConsumed tells the source that the first n bytes of the view
	// most recently returned by Peek have been delivered to every branch and
	// may be discarded; the next Peek must not return them again.
	AdvanceConsumed(n int) error

	// Close releases the source. cause is nil on a clean finish and the
	// wrapped failure on the error path; implementations that don't care may
	// ignore it. Close is called exactly once.
	Close(cause error) error
}

// SourceConfig carries the knobs that govern how the coordinator drives a
// Source, independent of any particular branch.
type SourceConfig struct {
	// MinReadBufferSize delays forwarding a view smaller than this many bytes
	// until it grows or the source finishes. -1 disables the rule.
	MinReadBufferSize int

	// BubbleExceptions selects whether Bifurcate returns a BifurcationFailure
	// (true) or partial results with nil error (false) on a global failure.
	// The zero value is false.
	BubbleExceptions bool

	// Cancel is propagated to every consumer and observed by the
	// coordinator's own blocking calls. A nil Cancel means context.Background().
	Cancel context.Context
}

// Canonical defaults, see SPEC_FULL.md §6.
const (
	DefaultMinReadBufferSize = 4096
	DefaultBlockAfter        = 32768
	DefaultResumeAfter       = 16384
)

func (sc SourceConfig) cancelCtx() context.Context {
	if sc.Cancel != nil {
		return sc.Cancel
	}
	return context.Background()
}
