package h2egress

import (
	"context"
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// FlushResult reports the outcome of a Sink.Flush call.
type FlushResult struct {
	// BytesFlushed is how many bytes were actually handed to the
	// underlying writer during this call.
	BytesFlushed int
	// Completed reports whether the flush fully drained the buffered
	// bytes (false whenever Flush also returns a non-nil error: a
	// writer error, a done ctx, or an aborted sink).
	Completed bool
}

// Sink is the buffered byte destination the engine writes frame bytes
// into. Reserve/Advance let the engine build a frame directly inside
// the sink's own buffer (no extra copy for the common case), while
// Flush is the only operation allowed to block on real I/O — and it
// must never be called with the engine's write lock held.
type Sink interface {
	// Reserve returns a slice of at least n unused bytes at the
	// current write position. The engine fills some prefix of it and
	// calls Advance with however many bytes it actually used.
	Reserve(n int) []byte
	// Advance commits k bytes (k <= len(slice from the last Reserve))
	// as written.
	Advance(k int)
	// Write appends b directly, for callers that already have a
	// contiguous byte slice and don't need Reserve/Advance.
	Write(b []byte) (int, error)
	// Flush pushes any buffered bytes to the underlying writer. It may
	// block and must be called without the engine's write lock held.
	Flush(ctx context.Context) (FlushResult, error)
	// Abort discards any buffered bytes and marks the sink unusable;
	// subsequent Reserve/Write calls are no-ops.
	Abort()
}

// BufferedSink is the default Sink, backed by a pooled
// bytebufferpool.ByteBuffer in front of an io.Writer.
//
// Grounded on the teacher's use of bytebufferpool for scratch buffers
// throughout the fasthttp2 package; the pool/Acquire/Release pattern
// mirrors how the rest of the fasthttp ecosystem avoids per-request
// allocation.
type BufferedSink struct {
	mu       sync.Mutex
	w        io.Writer
	buf      *bytebufferpool.ByteBuffer
	reserved int // length of buf.B immediately before the last Reserve
	aborted  bool
}

// NewBufferedSink wraps w in a pooled buffer.
func NewBufferedSink(w io.Writer) *BufferedSink {
	return &BufferedSink{
		w:   w,
		buf: bytebufferpool.Get(),
	}
}

// Release returns the sink's buffer to the shared pool. Call once the
// sink will never be used again.
func (s *BufferedSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		bytebufferpool.Put(s.buf)
		s.buf = nil
	}
}

func (s *BufferedSink) Reserve(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.buf == nil {
		return nil
	}
	s.reserved = len(s.buf.B)
	s.buf.B = append(s.buf.B, make([]byte, n)...)
	return s.buf.B[s.reserved : s.reserved+n]
}

// Advance commits k of the n bytes handed out by the immediately
// preceding Reserve call, discarding the rest.
func (s *BufferedSink) Advance(k int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.buf == nil {
		return
	}
	s.buf.B = s.buf.B[:s.reserved+k]
}

func (s *BufferedSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.buf == nil {
		return 0, ErrSinkAborted
	}
	return s.buf.Write(b)
}

func (s *BufferedSink) Flush(ctx context.Context) (FlushResult, error) {
	s.mu.Lock()
	if s.aborted || s.buf == nil {
		s.mu.Unlock()
		return FlushResult{}, ErrSinkAborted
	}
	pending := append([]byte(nil), s.buf.B...)
	s.buf.Reset()
	s.mu.Unlock()

	if len(pending) == 0 {
		return FlushResult{Completed: true}, nil
	}

	written := 0
	for written < len(pending) {
		select {
		case <-ctx.Done():
			return FlushResult{BytesFlushed: written, Completed: false}, ctx.Err()
		default:
		}
		n, err := s.w.Write(pending[written:])
		written += n
		if err != nil {
			return FlushResult{BytesFlushed: written, Completed: false}, err
		}
	}
	return FlushResult{BytesFlushed: written, Completed: true}, nil
}

func (s *BufferedSink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	if s.buf != nil {
		s.buf.Reset()
	}
}
