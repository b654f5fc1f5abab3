package bifurcator

import (
	"context"
	"fmt"
)

// Result is the idiomatic Go stand-in for the spec's "optional R": OK is
// false when the branch never produced a value (it failed, or bifurcation
// failed globally before the branch's consumer returned).
type Result[R any] struct {
	Value R
	OK    bool
}

// BranchConfig describes one downstream consumer of a bifurcation and its
// private flow-control knobs. See SPEC_FULL.md §3 for the invariants.
type BranchConfig[R any] struct {
	// Consumer reads from r until it returns an error, the branch's quota is
	// exhausted, or it chooses to stop early. Its return value becomes this
	// branch's Result.Value on success.
	Consumer func(ctx context.Context, r ReadCloser) (R, error)

	// OnError is invoked, at most once, only when bifurcation fails
	// globally (including when this branch's own consumer caused the
	// failure). It is never invoked on a successful bifurcation.
	OnError func(error)

	// BlockAfter is this branch's high watermark in bytes; must be > 0.
	BlockAfter int
	// ResumeAfter is this branch's low watermark in bytes; must satisfy
	// 0 <= ResumeAfter <= BlockAfter.
	ResumeAfter int
	// MaxTotalBytes caps how many bytes this branch will ever receive; -1
	// means unlimited, and 0 (the zero value) also selects unlimited. Any
	// value below -1 is invalid.
	MaxTotalBytes int64
}

// ReadCloser is what a consumer closure sees: a branch-private reader that
// also lets the consumer signal it is done early via Close, without
// affecting the producer side or sibling branches.
type ReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

func (bc BranchConfig[R]) validate() error {
	if bc.Consumer == nil {
		return invalidConfigError("branch consumer must not be nil")
	}
	if bc.BlockAfter <= 0 {
		return invalidConfigError("branch BlockAfter must be > 0, got %d", bc.BlockAfter)
	}
	if bc.ResumeAfter < 0 || bc.ResumeAfter > bc.BlockAfter {
		return invalidConfigError("branch ResumeAfter must satisfy 0 <= ResumeAfter <= BlockAfter, got %d/%d", bc.ResumeAfter, bc.BlockAfter)
	}
	if bc.MaxTotalBytes < -1 {
		return invalidConfigError("branch MaxTotalBytes must be > 0, -1 or 0 (unlimited), got %d", bc.MaxTotalBytes)
	}
	return nil
}

// branchReader is the ReadCloser handed to a branch's consumer. Close marks
// the consumer side done so the producer's next write call sees
// consumerClosed=true instead of blocking on backpressure forever.
type branchReader struct {
	buf *branchBuffer
}

func (r *branchReader) Read(p []byte) (int, error) { return r.buf.Read(p) }
func (r *branchReader) Close() error {
	r.buf.closeConsumer()
	return nil
}

// branchState wraps everything the coordinator owns about one branch:
// its buffer, its consumer goroutine, its quota, and its eventual result.
type branchState[R any] struct {
	config BranchConfig[R]
	buffer *branchBuffer

	remainingQuota int64 // -1 = unlimited
	completed      bool  // buffer closed (ok or err) and consumer joined
	onErrorFired   bool

	done       chan struct{}
	result     Result[R]
	consumeErr error
}

func newBranchState[R any](cfg BranchConfig[R]) *branchState[R] {
	quota := cfg.MaxTotalBytes
	if quota == 0 {
		quota = -1
	}
	return &branchState[R]{
		config:         cfg,
		buffer:         newBranchBuffer(cfg.BlockAfter, cfg.ResumeAfter),
		remainingQuota: quota,
		done:           make(chan struct{}),
	}
}

// startConsumer spawns the user closure. A panic inside Consumer is
// recovered and turned into consumeErr so a misbehaving consumer can never
// take down the coordinator goroutine; the read end is always closed before
// the goroutine exits, mirroring the teacher's std.Pipe invariant that both
// ends of a relay are closed no matter how it ends.
func (b *branchState[R]) startConsumer(ctx context.Context) {
	reader := &branchReader{buf: b.buffer}
	go func() {
		defer close(b.done)
		defer b.buffer.closeConsumer()
		defer func() {
			if p := recover(); p != nil {
				b.consumeErr = fmt.Errorf("consumer panicked: %v", p)
			}
		}()
		val, err := b.config.Consumer(ctx, reader)
		if err != nil {
			b.consumeErr = err
			return
		}
		b.result = Result[R]{Value: val, OK: true}
	}()
}

// consumerFinished reports whether the consumer goroutine has returned,
// without blocking.
func (b *branchState[R]) consumerFinished() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// write is the coordinator's producer-side call for one source view.
func (b *branchState[R]) write(ctx context.Context, view []byte) (canKeepWriting bool, err error) {
	if b.completed {
		return false, nil
	}
	if b.consumerFinished() {
		// A consumer that finished with an error is a global failure, not a
		// quiet early exit: its fault must fan out to every sibling branch
		// (SPEC_FULL.md §4.3 step 2).
		if b.consumeErr != nil {
			return false, b.consumeErr
		}
		return false, nil
	}

	clipped := view
	if b.remainingQuota != -1 && int64(len(view)) > b.remainingQuota {
		clipped = view[:b.remainingQuota]
	}

	consumerClosed, werr := b.buffer.write(ctx, clipped)
	if werr != nil {
		return false, werr
	}

	if b.remainingQuota != -1 {
		b.remainingQuota -= int64(len(clipped))
		if b.remainingQuota == 0 {
			return false, nil
		}
	}

	return !consumerClosed, nil
}

// ensureJoined closes the branch's write end (cleanly if closeWith is nil,
// with an error otherwise) and joins the consumer goroutine, exactly once.
// Later calls, regardless of closeWith, observe the first call's outcome —
// this is what lets completeOK and completeErr share one lifecycle whether
// the branch finishes on its own or is torn down by a sibling's failure.
func (b *branchState[R]) ensureJoined(closeWith error) {
	if b.completed {
		return
	}
	b.completed = true
	if closeWith == nil {
		b.buffer.closeOK()
	} else {
		b.buffer.closeErr(closeWith)
	}
	<-b.done
}

// completeOK marks the branch completed, closes its write end cleanly, joins
// the consumer, and returns whatever it produced. A non-nil error means the
// consumer itself faulted while finishing up cleanly (a "late" consumer
// error); the caller must route that through the global failure path
// (SPEC_FULL.md §4.3 completeOK). Idempotent.
func (b *branchState[R]) completeOK() (Result[R], error) {
	b.ensureJoined(nil)
	if b.consumeErr != nil {
		return Result[R]{}, b.consumeErr
	}
	return b.result, nil
}

// completeErr closes the branch's write end with err (or, if some other call
// already closed it, leaves that outcome untouched), joins the consumer
// discarding whatever error it produced, fires OnError exactly once
// (recovering any panic from it) — including when err originated from this
// same branch's own consumer — and never itself returns an error.
func (b *branchState[R]) completeErr(err error) Result[R] {
	b.ensureJoined(err)

	if !b.onErrorFired {
		b.onErrorFired = true
		if b.config.OnError != nil {
			func() {
				defer func() { recover() }()
				b.config.OnError(err)
			}()
		}
	}
	return b.result
}
