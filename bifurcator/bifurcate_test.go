package bifurcator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// chunkedSource hands out fixed-size chunks from data, one per Peek call,
// to exercise the coordinator's min-buffer coalescing loop under test
// control instead of depending on real OS read-size granularity.
type chunkedSource struct {
	chunks [][]byte
	pos    int
	held   []byte
}

func newChunkedSource(chunkSize int, data []byte) *chunkedSource {
	var chunks [][]byte
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return &chunkedSource{chunks: chunks}
}

func (s *chunkedSource) Peek(ctx context.Context) ([]byte, bool, error) {
	if s.pos < len(s.chunks) {
		s.held = append(s.held, s.chunks[s.pos]...)
		s.pos++
	}
	// done reflects only whether every chunk has been handed out, never
	// whether held has already been drained by AdvanceConsumed.
	return s.held, s.pos >= len(s.chunks), nil
}

func (s *chunkedSource) AdvanceConsumed(n int) error {
	s.held = s.held[n:]
	return nil
}

func (s *chunkedSource) Close(cause error) error { return nil }

// readerSource is a minimal bifurcator.Source over a bytes.Reader, used for
// scenarios that don't need fine control over chunk boundaries.
type readerSource struct {
	r    *bytes.Reader
	held []byte
	eof  bool
}

func newReaderSource(data []byte) *readerSource {
	return &readerSource{r: bytes.NewReader(data)}
}

func (s *readerSource) Peek(ctx context.Context) ([]byte, bool, error) {
	if s.eof {
		return s.held, true, nil
	}
	buf := make([]byte, 64)
	n, err := s.r.Read(buf)
	if n > 0 {
		s.held = append(s.held, buf[:n]...)
	}
	if err != nil {
		if err != io.EOF {
			return nil, false, err
		}
		s.eof = true
	}
	return s.held, s.eof, nil
}

func (s *readerSource) AdvanceConsumed(n int) error {
	s.held = s.held[n:]
	return nil
}

func (s *readerSource) Close(cause error) error { return nil }

func readAll(t *testing.T, r ReadCloser) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

// Scenario 1: single target, happy path.
func TestBifurcateSingleTarget(t *testing.T) {
	src := newReaderSource([]byte("Test Value"))
	branches := []BranchConfig[string]{
		{
			Consumer:    func(ctx context.Context, r ReadCloser) (string, error) { return readAll(t, r), nil },
			BlockAfter:  DefaultBlockAfter,
			ResumeAfter: DefaultResumeAfter,
		},
	}

	results, err := Bifurcate(context.Background(), src, SourceConfig{BubbleExceptions: true}, branches)
	if err != nil {
		t.Fatalf("Bifurcate: %v", err)
	}
	if len(results) != 1 || !results[0].OK || results[0].Value != "Test Value" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

// Scenario 2: multi target, happy path.
func TestBifurcateMultiTarget(t *testing.T) {
	src := newReaderSource([]byte("Test Value"))
	mk := func() BranchConfig[string] {
		return BranchConfig[string]{
			Consumer:    func(ctx context.Context, r ReadCloser) (string, error) { return readAll(t, r), nil },
			BlockAfter:  DefaultBlockAfter,
			ResumeAfter: DefaultResumeAfter,
		}
	}
	branches := []BranchConfig[string]{mk(), mk()}

	results, err := Bifurcate(context.Background(), src, SourceConfig{BubbleExceptions: true}, branches)
	if err != nil {
		t.Fatalf("Bifurcate: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("want 2 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.OK || r.Value != "Test Value" {
			t.Fatalf("branch %d: unexpected result %+v", i, r)
		}
	}
}

// Scenario 3: per-branch quota.
func TestBifurcatePerBranchQuota(t *testing.T) {
	src := newReaderSource([]byte("Test Value"))
	branches := []BranchConfig[string]{
		{
			Consumer:      func(ctx context.Context, r ReadCloser) (string, error) { return readAll(t, r), nil },
			BlockAfter:    DefaultBlockAfter,
			ResumeAfter:   DefaultResumeAfter,
			MaxTotalBytes: 4,
		},
		{
			Consumer:    func(ctx context.Context, r ReadCloser) (string, error) { return readAll(t, r), nil },
			BlockAfter:  DefaultBlockAfter,
			ResumeAfter: DefaultResumeAfter,
		},
	}

	results, err := Bifurcate(context.Background(), src, SourceConfig{BubbleExceptions: true}, branches)
	if err != nil {
		t.Fatalf("Bifurcate: %v", err)
	}
	if results[0].Value != "Test" {
		t.Fatalf("branch A: want %q, got %q", "Test", results[0].Value)
	}
	if results[1].Value != "Test Value" {
		t.Fatalf("branch B: want %q, got %q", "Test Value", results[1].Value)
	}
}

// Scenario 4: min-buffer coalescing. Four 2-byte chunks arrive; with
// MinReadBufferSize=4 the branch's first Read must return at least 4 bytes.
func TestBifurcateMinBufferCoalescing(t *testing.T) {
	data := []byte("abcdefgh")
	src := newChunkedSource(2, data)

	firstReadSize := make(chan int, 1)
	branches := []BranchConfig[string]{
		{
			Consumer: func(ctx context.Context, r ReadCloser) (string, error) {
				buf := make([]byte, len(data))
				n, err := r.Read(buf)
				if err != nil && err != io.EOF {
					return "", err
				}
				firstReadSize <- n
				rest, err := io.ReadAll(r)
				if err != nil {
					return "", err
				}
				return string(buf[:n]) + string(rest), nil
			},
			BlockAfter:  DefaultBlockAfter,
			ResumeAfter: DefaultResumeAfter,
		},
	}

	results, err := Bifurcate(context.Background(), src, SourceConfig{MinReadBufferSize: 4, BubbleExceptions: true}, branches)
	if err != nil {
		t.Fatalf("Bifurcate: %v", err)
	}
	if n := <-firstReadSize; n < 4 {
		t.Fatalf("first delivered write was %d bytes, want >= 4", n)
	}
	if results[0].Value != string(data) {
		t.Fatalf("want %q, got %q", data, results[0].Value)
	}
}

// Scenario 5: failure fanout without bubbling.
func TestBifurcateFailureFanoutNoBubble(t *testing.T) {
	src := newReaderSource([]byte("Test Value"))

	var onErrMu sync.Mutex
	var onErrB error

	branches := []BranchConfig[string]{
		{
			Consumer: func(ctx context.Context, r ReadCloser) (string, error) {
				buf := make([]byte, 1)
				if _, err := r.Read(buf); err != nil {
					return "", err
				}
				return "", errors.New("TargetException")
			},
			BlockAfter:  DefaultBlockAfter,
			ResumeAfter: DefaultResumeAfter,
		},
		{
			Consumer: func(ctx context.Context, r ReadCloser) (string, error) {
				_, err := io.ReadAll(r)
				return "", err
			},
			OnError: func(err error) {
				onErrMu.Lock()
				onErrB = err
				onErrMu.Unlock()
			},
			BlockAfter:  DefaultBlockAfter,
			ResumeAfter: DefaultResumeAfter,
		},
	}

	results, err := Bifurcate(context.Background(), src, SourceConfig{BubbleExceptions: false}, branches)
	if err != nil {
		t.Fatalf("Bifurcate must not raise with BubbleExceptions=false, got %v", err)
	}
	if results[0].OK {
		t.Fatalf("branch A should not report OK")
	}

	onErrMu.Lock()
	got := onErrB
	onErrMu.Unlock()
	if got == nil {
		t.Fatalf("branch B's OnError was never invoked")
	}
	var bf *BifurcationFailure
	if !errors.As(got, &bf) {
		t.Fatalf("OnError error is not a *BifurcationFailure: %v", got)
	}
	if bf.Kind != KindConsumerFailure {
		t.Fatalf("want KindConsumerFailure, got %v", bf.Kind)
	}
}

// Scenario 6: early completion via quota, no deadlock with a sibling reading
// the full stream.
func TestBifurcateEarlyCompletionNoDeadlock(t *testing.T) {
	data := bytes.Repeat([]byte{'x'}, 16)
	src := newReaderSource(data)

	branches := []BranchConfig[int]{
		{
			Consumer: func(ctx context.Context, r ReadCloser) (int, error) {
				b, err := io.ReadAll(r)
				if err != nil {
					return 0, err
				}
				return len(b), nil
			},
			BlockAfter:    16,
			ResumeAfter:   8,
			MaxTotalBytes: 6,
		},
		{
			Consumer: func(ctx context.Context, r ReadCloser) (int, error) {
				b, err := io.ReadAll(r)
				if err != nil {
					return 0, err
				}
				return len(b), nil
			},
			BlockAfter:  DefaultBlockAfter,
			ResumeAfter: DefaultResumeAfter,
		},
	}

	done := make(chan struct{})
	var results []Result[int]
	var err error
	go func() {
		results, err = Bifurcate(context.Background(), src, SourceConfig{BubbleExceptions: true}, branches)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Bifurcate deadlocked")
	}

	if err != nil {
		t.Fatalf("Bifurcate: %v", err)
	}
	if results[0].Value != 6 {
		t.Fatalf("branch A: want 6 bytes, got %d", results[0].Value)
	}
	if results[1].Value != 16 {
		t.Fatalf("branch B: want 16 bytes, got %d", results[1].Value)
	}
}

// I3: bounded memory — once a write takes the backlog past BlockAfter, a slow
// consumer blocks the writer until it drains.
func TestBranchBufferBoundedBacklog(t *testing.T) {
	b := newBranchBuffer(16, 8)
	release := make(chan struct{})
	go func() {
		<-release
		buf := make([]byte, 4)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx := context.Background()
	chunk := bytes.Repeat([]byte{'a'}, 4)

	blocked := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			if _, err := b.write(ctx, chunk); err != nil {
				return
			}
		}
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("writer did not block once backlog exceeded BlockAfter")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never unblocked after consumer started draining")
	}

	b.closeOK()
}

// Law: round-trip — one-branch bifurcation copying bytes out equals the
// source bytes.
func TestRoundTripLaw(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	src := newReaderSource(data)

	var out bytes.Buffer
	branches := []BranchConfig[struct{}]{
		{
			Consumer: func(ctx context.Context, r ReadCloser) (struct{}, error) {
				_, err := io.Copy(&out, r)
				return struct{}{}, err
			},
			BlockAfter:  DefaultBlockAfter,
			ResumeAfter: DefaultResumeAfter,
		},
	}

	if _, err := Bifurcate(context.Background(), src, SourceConfig{BubbleExceptions: true}, branches); err != nil {
		t.Fatalf("Bifurcate: %v", err)
	}
	if out.String() != string(data) {
		t.Fatalf("round-trip mismatch: got %q, want %q", out.String(), data)
	}
}

// Law: idempotence of completion — repeated complete_ok/complete_err calls
// are no-ops after the first.
func TestCompletionIdempotence(t *testing.T) {
	bc := BranchConfig[string]{
		Consumer:    func(ctx context.Context, r ReadCloser) (string, error) { return readAll(t, r), nil },
		BlockAfter:  DefaultBlockAfter,
		ResumeAfter: DefaultResumeAfter,
	}
	state := newBranchState(bc)
	state.startConsumer(context.Background())

	first, err := state.completeOK()
	if err != nil {
		t.Fatalf("first completeOK: %v", err)
	}
	second, err := state.completeOK()
	if err != nil {
		t.Fatalf("second completeOK: %v", err)
	}
	if first != second {
		t.Fatalf("completeOK not idempotent: %+v vs %+v", first, second)
	}

	boom := errors.New("boom")
	r1 := state.completeErr(boom)
	r2 := state.completeErr(errors.New("different"))
	if r1 != r2 {
		t.Fatalf("completeErr not idempotent: %+v vs %+v", r1, r2)
	}
}

// InvalidConfig is reported synchronously, before any consumer runs.
func TestInvalidConfigSynchronous(t *testing.T) {
	src := newReaderSource([]byte("x"))
	consumerRan := false
	branches := []BranchConfig[string]{
		{
			Consumer:    func(ctx context.Context, r ReadCloser) (string, error) { consumerRan = true; return "", nil },
			BlockAfter:  0, // invalid: must be > 0
			ResumeAfter: 0,
		},
	}

	_, err := Bifurcate(context.Background(), src, SourceConfig{BubbleExceptions: true}, branches)
	if err == nil {
		t.Fatal("expected an InvalidConfig failure")
	}
	var bf *BifurcationFailure
	if !errors.As(err, &bf) || bf.Kind != KindInvalidConfig {
		t.Fatalf("want KindInvalidConfig, got %v", err)
	}
	if consumerRan {
		t.Fatal("consumer must not run on invalid config")
	}
}
