package bifurcator

import "context"

// Bifurcate reads src exactly once and concurrently delivers the identical
// byte sequence to every branch, each under its own flow control and byte
// budget. It returns a result vector aligned 1:1 with branches.
//
// With sc.BubbleExceptions true, any failure — a bad config, a source read
// error, a consumer error or panic, or cancellation — is returned as a
// single *BifurcationFailure and results is nil. BubbleExceptions is a plain
// bool with no default applied, so a zero SourceConfig has it false. With
// BubbleExceptions false, Bifurcate never returns an error for a runtime
// failure; instead the aligned results vector holds Result[R]{OK: false}
// for every branch that did not finish cleanly.
func Bifurcate[R any](ctx context.Context, src Source, sc SourceConfig, branches []BranchConfig[R]) ([]Result[R], error) {
	if err := validate(sc, branches); err != nil {
		return nil, err
	}

	sc = applyDefaults(sc)
	if ctx == nil {
		ctx = context.Background()
	}
	cancelCtx := sc.cancelCtx()
	// The effective context observed by Peek/write/consumers is whichever of
	// the caller's ctx or SourceConfig.Cancel fires first.
	runCtx, cancel := mergeContexts(ctx, cancelCtx)
	defer cancel()

	states := make([]*branchState[R], len(branches))
	for i, bc := range branches {
		states[i] = newBranchState(bc)
	}
	for _, s := range states {
		s.startConsumer(runCtx)
	}

	return run(runCtx, src, sc, states)
}

// VoidBranchConfig is sugar over BranchConfig[struct{}] for branches whose
// consumer has no meaningful return value, keeping the shape of the result
// vector uniform per SPEC_FULL.md §9.
type VoidBranchConfig struct {
	Consumer func(ctx context.Context, r ReadCloser) error
	OnError  func(error)

	BlockAfter    int
	ResumeAfter   int
	MaxTotalBytes int64
}

// BifurcateVoid is Bifurcate[struct{}] for branches that only care about
// side effects, not a return value.
func BifurcateVoid(ctx context.Context, src Source, sc SourceConfig, branches []VoidBranchConfig) error {
	typed := make([]BranchConfig[struct{}], len(branches))
	for i, vb := range branches {
		consumer := vb.Consumer
		typed[i] = BranchConfig[struct{}]{
			Consumer: func(ctx context.Context, r ReadCloser) (struct{}, error) {
				return struct{}{}, consumer(ctx, r)
			},
			OnError:       vb.OnError,
			BlockAfter:    vb.BlockAfter,
			ResumeAfter:   vb.ResumeAfter,
			MaxTotalBytes: vb.MaxTotalBytes,
		}
	}
	_, err := Bifurcate(ctx, src, sc, typed)
	return err
}

func applyDefaults(sc SourceConfig) SourceConfig {
	if sc.MinReadBufferSize == 0 {
		sc.MinReadBufferSize = DefaultMinReadBufferSize
	}
	return sc
}

func validate[R any](sc SourceConfig, branches []BranchConfig[R]) error {
	if len(branches) == 0 {
		return invalidConfigError("bifurcate requires at least one branch")
	}
	if sc.MinReadBufferSize < -1 {
		return invalidConfigError("MinReadBufferSize must be >= -1, got %d", sc.MinReadBufferSize)
	}
	for i, bc := range branches {
		if err := bc.validate(); err != nil {
			return invalidConfigError("branch %d: %v", i, err)
		}
	}
	return nil
}

// mergeContexts returns a context that is Done as soon as either a or b is
// Done, along with a cancel func the caller must invoke to release the
// goroutine backing the merge once the caller no longer needs it.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	if a == b {
		return context.WithCancel(a)
	}
	ctx, cancel := context.WithCancel(a)
	stop := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
