package bifurcator

import (
	"fmt"

	"github.com/pkg/errors"
)

// BifurcationFailureKind classifies why a bifurcation failed, without
// requiring callers to type-switch on a hierarchy of error types.
type BifurcationFailureKind int

const (
	// KindInvalidConfig marks a configuration error detected before any
	// goroutine was spawned: zero branches, bad watermarks, a bad quota, or
	// a bad min-buffer size.
	KindInvalidConfig BifurcationFailureKind = iota
	// KindSourceFailure marks an error returned by Source.Peek or
	// Source.AdvanceConsumed.
	KindSourceFailure
	// KindConsumerFailure marks an error (or recovered panic) from a
	// branch's consumer.
	KindConsumerFailure
	// KindCancelled marks a failure caused by the caller's ctx or the
	// SourceConfig.Cancel context being done.
	KindCancelled
)

func (k BifurcationFailureKind) String() string {
	switch k {
	case KindInvalidConfig:
		return "InvalidConfig"
	case KindSourceFailure:
		return "SourceFailure"
	case KindConsumerFailure:
		return "ConsumerFailure"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// BifurcationFailure is the single error type a caller of Bifurcate /
// BifurcateVoid ever sees with bubbling enabled. It is a tagged sum
// {Kind, Inner} rather than a hierarchy of error structs so that peers
// inspecting a failure surfaced through their own reader handle can branch on
// Kind and unwrap Inner uniformly.
type BifurcationFailure struct {
	Kind  BifurcationFailureKind
	Inner error
}

func (f *BifurcationFailure) Error() string {
	return fmt.Sprintf("bifurcation failed (%s): %v", f.Kind, f.Inner)
}

// Unwrap exposes Inner to errors.Is / errors.As.
func (f *BifurcationFailure) Unwrap() error {
	return f.Inner
}

func newFailure(kind BifurcationFailureKind, format string, inner error) *BifurcationFailure {
	return &BifurcationFailure{
		Kind:  kind,
		Inner: errors.Wrap(inner, format),
	}
}

// invalidConfigError builds an InvalidConfig BifurcationFailure straight from
// a message, with no wrapped cause of its own.
func invalidConfigError(format string, args ...any) *BifurcationFailure {
	return &BifurcationFailure{
		Kind:  KindInvalidConfig,
		Inner: errors.Errorf(format, args...),
	}
}
