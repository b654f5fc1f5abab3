package bifurcator

import (
	"context"

	"github.com/pkg/errors"
)

// run drives the steady-state read/fan-out loop described in SPEC_FULL.md
// §4.4. It owns every branchState for the duration of the call and returns
// the positionally aligned results plus, if sc.BubbleExceptions, a non-nil
// *BifurcationFailure on any failure.
func run[R any](parentCtx context.Context, src Source, sc SourceConfig, branches []*branchState[R]) ([]Result[R], error) {
	ctx := parentCtx

	srcClosed := false
	fail := func(kind BifurcationFailureKind, format string, cause error) ([]Result[R], error) {
		failure := newFailure(kind, format, cause)
		if !srcClosed {
			_ = src.Close(failure)
		}
		results := make([]Result[R], len(branches))
		for i, b := range branches {
			results[i] = b.completeErr(failure)
		}
		if sc.BubbleExceptions {
			return nil, failure
		}
		return results, nil
	}

	minBuf := sc.MinReadBufferSize
	completedCount := 0

	for {
		select {
		case <-ctx.Done():
			return fail(KindCancelled, "context done while peeking source", ctx.Err())
		default:
		}

		view, done, err := src.Peek(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fail(KindCancelled, "source.Peek observed cancellation", err)
			}
			return fail(KindSourceFailure, "source.Peek", err)
		}

		if len(view) == 0 && done {
			break
		}

		if !done && minBuf != -1 && len(view) < minBuf {
			continue
		}

		for _, b := range branches {
			if b.completed {
				continue
			}
			canKeep, werr := b.write(ctx, view)
			if werr != nil {
				if errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
					return fail(KindCancelled, "branch write observed cancellation", werr)
				}
				return fail(KindConsumerFailure, "branch consumer faulted", werr)
			}
			if !canKeep {
				if _, cerr := b.completeOK(); cerr != nil {
					return fail(KindConsumerFailure, "branch consumer faulted while finishing", cerr)
				}
				completedCount++
			}
		}

		if completedCount == len(branches) {
			break
		}

		if err := src.AdvanceConsumed(len(view)); err != nil {
			return fail(KindSourceFailure, "source.AdvanceConsumed", err)
		}
	}

	_ = src.Close(nil)
	srcClosed = true

	// completeOK is idempotent, so harvesting every branch here — including
	// ones already completed mid-loop — is both correct and matches the
	// spec's literal "for each branch: results[i] := await b.complete_ok()".
	results := make([]Result[R], len(branches))
	for i, b := range branches {
		result, cerr := b.completeOK()
		if cerr != nil {
			return fail(KindConsumerFailure, "branch consumer faulted while finishing", cerr)
		}
		results[i] = result
	}
	return results, nil
}
