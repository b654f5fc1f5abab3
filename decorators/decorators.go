// Package decorators provides ready-made bifurcator.BranchConfig consumers:
// small stream-processing sinks in the spirit of the teacher's std.CompStream
// wrapper, adapted from decorating a net.Conn to decorating a branch's
// ReadCloser.
package decorators

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/xtaci/bifurcator/bifurcator"
)

// CopyResult is the outcome of draining a branch into an io.Writer.
type CopyResult struct {
	BytesWritten int64
}

// CopyTo returns a consumer that copies everything the branch receives into
// dst, the way the teacher's relay loops copy a stream end to end.
func CopyTo(dst io.Writer) func(context.Context, bifurcator.ReadCloser) (CopyResult, error) {
	return func(ctx context.Context, r bifurcator.ReadCloser) (CopyResult, error) {
		n, err := io.Copy(dst, r)
		if err != nil {
			return CopyResult{}, errors.Wrap(err, "decorators: copy")
		}
		return CopyResult{BytesWritten: n}, nil
	}
}

// CompressingSink returns a consumer that snappy-compresses everything the
// branch receives and writes the compressed bytes to dst, mirroring the
// teacher's CompStream write path (std.CompStream.Write) but running as a
// one-directional sink instead of wrapping a net.Conn.
func CompressingSink(dst io.Writer) func(context.Context, bifurcator.ReadCloser) (CopyResult, error) {
	return func(ctx context.Context, r bifurcator.ReadCloser) (CopyResult, error) {
		w := snappy.NewBufferedWriter(dst)
		n, err := io.Copy(w, r)
		if err != nil {
			return CopyResult{}, errors.Wrap(err, "decorators: snappy compress")
		}
		if err := w.Close(); err != nil {
			return CopyResult{}, errors.Wrap(err, "decorators: snappy flush")
		}
		return CopyResult{BytesWritten: n}, nil
	}
}

// DigestResult is the outcome of DigestSink: the digest and the number of
// plaintext bytes that went into it.
type DigestResult struct {
	Sum   []byte
	Bytes int64
}

// DigestAlgorithm selects the hash DigestSink uses.
type DigestAlgorithm int

const (
	// DigestBlake2b256 uses a keyless 256-bit BLAKE2b digest.
	DigestBlake2b256 DigestAlgorithm = iota
	// DigestSHA256 uses the standard library's SHA-256.
	DigestSHA256
)

// DigestSink returns a consumer that hashes everything the branch receives
// and reports the digest, without writing the bytes anywhere. Useful as a
// verification branch running alongside a branch that persists the data.
func DigestSink(algo DigestAlgorithm) func(context.Context, bifurcator.ReadCloser) (DigestResult, error) {
	return func(ctx context.Context, r bifurcator.ReadCloser) (DigestResult, error) {
		var h hash.Hash
		switch algo {
		case DigestSHA256:
			h = sha256.New()
		default:
			var err error
			h, err = blake2b.New256(nil)
			if err != nil {
				return DigestResult{}, errors.Wrap(err, "decorators: init blake2b")
			}
		}
		n, err := io.Copy(h, r)
		if err != nil {
			return DigestResult{}, errors.Wrap(err, "decorators: digest")
		}
		return DigestResult{Sum: h.Sum(nil), Bytes: n}, nil
	}
}

// CountingSink returns a consumer that discards everything it reads and
// reports only the total byte count, the cheapest possible branch for
// exercising flow control without a real downstream.
func CountingSink() func(context.Context, bifurcator.ReadCloser) (int64, error) {
	return func(ctx context.Context, r bifurcator.ReadCloser) (int64, error) {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return 0, errors.Wrap(err, "decorators: count")
		}
		return n, nil
	}
}
