package bifurcator

import (
	"context"
	"io"
	"sync"
)

// branchBuffer is a bounded FIFO of bytes shared by exactly two parties: the
// coordinator, which is the sole producer, and one consumer goroutine, which
// is the sole reader. It generalizes the teacher's single shared-buffer
// mutex (generic.CopyControl) into a real bounded queue with high/low
// watermark flow control, since a bifurcator branch needs to hold more than
// one writer's worth of bytes at a time.
type branchBuffer struct {
	mu       sync.Mutex
	notFull  sync.Cond
	notEmpty sync.Cond

	blockAfter  int
	resumeAfter int

	pending  [][]byte // queued, not-yet-read chunks
	produced int64
	consumed int64

	producerDone bool // closeOK/closeErr called
	consumerDone bool // consumer side will never read again
	closeCause   error
}

func newBranchBuffer(blockAfter, resumeAfter int) *branchBuffer {
	b := &branchBuffer{
		blockAfter:  blockAfter,
		resumeAfter: resumeAfter,
	}
	b.notFull.L = &b.mu
	b.notEmpty.L = &b.mu
	return b
}

// backlog returns produced-consumed without acquiring the lock; callers must
// already hold b.mu.
func (b *branchBuffer) backlog() int64 {
	return b.produced - b.consumed
}

// write appends view to the queue, blocking while the backlog exceeds
// blockAfter. It returns true iff the consumer side has already declared it
// will read no more (the producer must stop writing to this branch).
func (b *branchBuffer) write(ctx context.Context, view []byte) (consumerClosed bool, err error) {
	if len(view) == 0 {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumerDone {
		return true, nil
	}

	chunk := make([]byte, len(view))
	copy(chunk, view)
	b.pending = append(b.pending, chunk)
	b.produced += int64(len(chunk))
	b.notEmpty.Signal()

	if b.backlog() <= int64(b.blockAfter) {
		return false, nil
	}

	// Over the high watermark: suspend until drained to the low watermark,
	// the consumer goes away, or ctx is cancelled.
	done := ctx.Done()
	if done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				b.mu.Lock()
				b.notFull.Broadcast()
				b.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for !b.consumerDone && b.backlog() > int64(b.resumeAfter) {
		if done != nil {
			select {
			case <-done:
				return b.consumerDone, ctx.Err()
			default:
			}
		}
		b.notFull.Wait()
	}

	return b.consumerDone, nil
}

// closeOK signals end of stream with no error.
func (b *branchBuffer) closeOK() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producerDone {
		return
	}
	b.producerDone = true
	b.notEmpty.Broadcast()
}

// closeErr signals end of stream carrying err; subsequent reads return err
// once the already-queued bytes are drained.
func (b *branchBuffer) closeErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producerDone {
		return
	}
	b.producerDone = true
	b.closeCause = err
	b.notEmpty.Broadcast()
}

// Read implements io.Reader for the consumer side.
func (b *branchBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.pending) == 0 {
		if b.producerDone {
			if b.closeCause != nil {
				return 0, b.closeCause
			}
			return 0, io.EOF
		}
		b.notEmpty.Wait()
	}

	n := copy(p, b.pending[0])
	b.consumed += int64(n)
	if n == len(b.pending[0]) {
		b.pending = b.pending[1:]
	} else {
		b.pending[0] = b.pending[0][n:]
	}

	if b.backlog() <= int64(b.resumeAfter) {
		b.notFull.Broadcast()
	}
	return n, nil
}

// closeConsumer marks the consumer side as permanently done reading,
// releasing any producer blocked in write.
func (b *branchBuffer) closeConsumer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumerDone = true
	b.notFull.Broadcast()
}
