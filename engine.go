package h2egress

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// Config configures one Engine: one per HTTP/2 connection. The write
// lock, the HPACK compressor's dynamic table, the header-encoding
// scratch buffer, and the sink are all shared by every stream on that
// connection — mirroring the teacher's single `enc *HPACK` field on
// its Conn and its one writer goroutine per connection, rather than
// per stream. Per-stream state (stream id, stream flow-control window)
// is supplied by the caller on each call instead, per spec §4.3's
// operation table.
//
// Grounded on the teacher's struct-of-fields configuration (maxWindow,
// st Settings, logger, debug) rather than functional options, which
// the rest of the fasthttp ecosystem also avoids in favor of plain
// config structs.
type Config struct {
	MaxFrameSize       uint32
	ConnWindow         *FlowWindow
	HeaderTableSize    uint32
	CompressionEnabled bool

	MinDataRate float64
	RateGrace   time.Duration
	Clock       clockwork.Clock

	Sink Sink

	DebugLogger fasthttp.Logger
	Logger      logrus.FieldLogger

	// ScheduleYield, when true, calls runtime.Gosched() after every
	// resumed flow-control wait, giving other goroutines sharing the
	// connection's writer a chance to run before this stream grabs the
	// write lock again.
	ScheduleYield bool
}

// Stats is a snapshot of counters maintained by an Engine across every
// stream on its connection, exposed for diagnostics and tests.
type Stats struct {
	FramesWritten       uint64
	PayloadBytesWritten uint64
}

// Engine serializes every frame written for one HTTP/2 connection,
// across all of its streams. A single mutex guards all of its mutable
// state; the mutex is never held across a suspending operation (a
// flow-control wait or a sink flush), matching the discipline in the
// teacher's serverConn write loop, which always does its own I/O
// outside of any lock held for stream bookkeeping. The HPACK dynamic
// table in particular must be single-instance per connection: two
// independent tables would each assign their own index numbers to
// incrementally-indexed fields, and a peer decoder expecting one
// table per connection would desynchronize the moment two streams on
// the same connection each added an entry.
type Engine struct {
	mu sync.Mutex

	maxFrameSize uint32
	frame        frameDescriptor
	hpackc       *Compressor

	connWindow *FlowWindow

	sink Sink

	clock       clockwork.Clock
	minDataRate float64
	rateGrace   time.Duration

	debugLog      fasthttp.Logger
	log           logrus.FieldLogger
	scheduleYield bool

	completed atomic.Bool
	aborted   atomic.Bool

	stats Stats
}

// NewEngine builds an Engine for one connection. Every stream on that
// connection shares it; callers pass a stream id (and, for DATA, that
// stream's own *FlowWindow) on each write call.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		maxFrameSize:  cfg.MaxFrameSize,
		hpackc:        NewCompressor(cfg.CompressionEnabled, cfg.HeaderTableSize),
		connWindow:    cfg.ConnWindow,
		sink:          cfg.Sink,
		clock:         cfg.Clock,
		minDataRate:   cfg.MinDataRate,
		rateGrace:     cfg.RateGrace,
		debugLog:      cfg.DebugLogger,
		log:           cfg.Logger,
		scheduleYield: cfg.ScheduleYield,
	}
}

func (e *Engine) debugf(format string, args ...interface{}) {
	if e.debugLog != nil {
		e.debugLog.Printf(format, args...)
	}
}

// Stats returns a snapshot of this connection's frame/byte counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) noteFrameLocked(payloadLen int) {
	e.stats.FramesWritten++
	e.stats.PayloadBytesWritten += uint64(payloadLen)
}

// Abort marks the connection as aborted and completed, discards
// buffered sink bytes and logs the reason. Safe to call more than
// once; only the first call has effect. It does not touch any
// individual stream's flow-control window — callers release those
// separately via AbortPendingStreamDataWrites, since the engine itself
// no longer tracks which windows belong to which stream.
func (e *Engine) Abort(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abortLocked(err)
}

func (e *Engine) abortLocked(err error) error {
	if e.aborted.Swap(true) {
		return nil
	}
	e.completed.Store(true)
	e.sink.Abort()

	var merr *multierror.Error
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	if e.log != nil {
		entry := e.log
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("h2egress: aborting connection output")
	}
	e.debugf("h2egress: connection output aborted: %v", err)
	if merr != nil {
		return merr.ErrorOrNil()
	}
	return nil
}

// Complete marks the connection as finished: every subsequent write
// operation becomes a no-op. It also aborts the sink, discarding any
// bytes written but not yet flushed — callers that care about those
// bytes reaching the wire must flush before calling Complete.
func (e *Engine) Complete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed.Swap(true) {
		return
	}
	e.sink.Abort()
}

// flushSuspending flushes the sink. It must be called with mu held and
// temporarily releases it, since Flush may block on real I/O.
func (e *Engine) flushSuspending(ctx context.Context) error {
	e.mu.Unlock()
	_, err := e.sink.Flush(ctx)
	e.mu.Lock()
	return err
}

// Flush pushes any bytes already written by this Engine to the
// underlying transport. Once the connection is complete it is a no-op
// returning a zero FlushResult. It reads only the atomic completed
// flag, so it needs no lock of its own.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	if e.completed.Load() {
		return FlushResult{}, nil
	}
	return e.sink.Flush(ctx)
}

// TryUpdateConnectionWindow applies a WINDOW_UPDATE-driven (or
// SETTINGS_INITIAL_WINDOW_SIZE-driven) delta to the shared connection
// window.
func (e *Engine) TryUpdateConnectionWindow(delta int32) bool {
	return e.connWindow.TryAdd(delta)
}

// TryUpdateStreamWindow applies a delta to one stream's window. The
// window itself is owned by the caller (the ingress side), not by the
// engine; this is a thin pass-through kept for parity with
// TryUpdateConnectionWindow.
func (e *Engine) TryUpdateStreamWindow(streamWindow *FlowWindow, delta int32) bool {
	return streamWindow.TryAdd(delta)
}

// AbortPendingStreamDataWrites releases any writer currently blocked
// waiting for the given stream's flow-control credit, without
// aborting the whole connection — used when a single stream is reset
// by the peer but the connection itself continues.
func (e *Engine) AbortPendingStreamDataWrites(streamWindow *FlowWindow) {
	streamWindow.Abort()
}

// UpdateMaxHeaderTableSize applies a new SETTINGS_HEADER_TABLE_SIZE
// learned from the peer to the connection's HPACK dynamic table.
func (e *Engine) UpdateMaxHeaderTableSize(v uint32) {
	e.mu.Lock()
	e.hpackc.SetMaxDynamicTableSize(v)
	e.mu.Unlock()
}

// UpdateMaxFrameSize applies a new negotiated MAX_FRAME_SIZE, which
// bounds every subsequent DATA/HEADERS/CONTINUATION payload.
func (e *Engine) UpdateMaxFrameSize(v uint32) {
	e.mu.Lock()
	e.maxFrameSize = v
	e.mu.Unlock()
}

// writeHeaderBlockLocked drives the HPACK Begin/Continue loop for one
// HEADERS (+ CONTINUATION*) block on streamID and writes every
// resulting fragment to the sink. Caller holds mu and keeps holding it
// throughout — this never suspends, since Reserve/Advance/encode never
// block. Because the dynamic table is shared by the whole connection,
// no other stream's header block may be interleaved with this one;
// the caller holding the write lock for the whole call is what
// guarantees that.
func (e *Engine) writeHeaderBlockLocked(streamID uint32, hasStatus bool, status int, fields []HeaderField, endStream bool) error {
	capHint := int(e.maxFrameSize)

	reserved := e.sink.Reserve(FrameHeaderLen + capHint)
	if reserved == nil {
		return e.abortLocked(ErrSinkAborted)
	}
	n, done, err := e.hpackc.Begin(hasStatus, status, fields, reserved[FrameHeaderLen:FrameHeaderLen+capHint:FrameHeaderLen+capHint])
	if err != nil {
		e.sink.Advance(0)
		return e.abortLocked(err)
	}

	flags := FrameFlags(0)
	if done {
		flags = flags.Add(FlagEndHeaders)
	}
	if endStream {
		// END_STREAM is only meaningful on the initial HEADERS frame,
		// never on a CONTINUATION that may follow it.
		flags = flags.Add(FlagEndStream)
	}
	e.frame.set(FrameHeaders, flags, streamID, n)
	e.frame.encode(reserved[:FrameHeaderLen])
	e.sink.Advance(FrameHeaderLen + n)
	e.noteFrameLocked(n)

	for !done {
		reserved = e.sink.Reserve(FrameHeaderLen + capHint)
		if reserved == nil {
			return e.abortLocked(ErrSinkAborted)
		}
		n, done, err = e.hpackc.Continue(reserved[FrameHeaderLen : FrameHeaderLen+capHint : FrameHeaderLen+capHint])
		if err != nil {
			e.sink.Advance(0)
			return e.abortLocked(err)
		}
		cflags := FrameFlags(0)
		if done {
			cflags = cflags.Add(FlagEndHeaders)
		}
		e.frame.set(FrameContinuation, cflags, streamID, n)
		e.frame.encode(reserved[:FrameHeaderLen])
		e.sink.Advance(FrameHeaderLen + n)
		e.noteFrameLocked(n)
	}
	return nil
}

// WriteResponseHeaders writes the leading HEADERS block for streamID,
// :status first, fragmenting into CONTINUATION frames as needed. A
// header field that cannot fit even an empty frame is fatal to the
// connection and its error is propagated to the caller. Unlike
// Write100Continue, WriteResponseTrailers and the control-frame
// writers, this one does not flush: the peer does not
// need to see headers until either a DATA write flushes them or an
// explicit Flush is requested.
func (e *Engine) WriteResponseHeaders(streamID uint32, status int, fields []HeaderField, endStream bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed.Load() {
		return nil
	}
	return e.writeHeaderBlockLocked(streamID, true, status, fields, endStream)
}

// Write100Continue writes the fixed 1xx interim-response HEADERS
// block for a 100 status on streamID and flushes it immediately. It
// never fragments (the encoding is five bytes) and never ends the
// stream.
func (e *Engine) Write100Continue(ctx context.Context, streamID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed.Load() {
		return nil
	}
	block := e.hpackc.encodeStatus(100)
	reserved := e.sink.Reserve(FrameHeaderLen + len(block))
	if reserved == nil {
		return e.abortLocked(ErrSinkAborted)
	}
	copy(reserved[FrameHeaderLen:], block)
	e.frame.set(FrameHeaders, FlagEndHeaders, streamID, len(block))
	e.frame.encode(reserved[:FrameHeaderLen])
	e.sink.Advance(FrameHeaderLen + len(block))
	e.noteFrameLocked(len(block))
	if err := e.flushSuspending(ctx); err != nil {
		return e.abortLocked(err)
	}
	return nil
}

// WriteResponseTrailers writes a trailing HEADERS block for streamID,
// ending that stream, and flushes. An HPACK encoding failure here is
// swallowed (the caller already committed to ending the response body
// and has nothing sensible to retry); the connection is aborted
// internally regardless.
func (e *Engine) WriteResponseTrailers(ctx context.Context, streamID uint32, fields []HeaderField) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.completed.Load() {
		return nil
	}
	encErr := e.writeHeaderBlockLocked(streamID, false, 0, fields, true)
	if flushErr := e.flushSuspending(ctx); flushErr != nil {
		return e.abortLocked(flushErr)
	}
	_ = encErr
	return nil
}

// WriteData writes p as one or more DATA frames on streamID,
// fragmenting to the negotiated MAX_FRAME_SIZE and blocking on
// streamWindow/the connection window's flow-control credit as needed.
// It returns the number of bytes actually written before any error or
// abort. Whenever flow control yields no credit, the buffered bytes
// (including any response headers that preceded this call) are flushed
// before waiting, whether or not firstWrite is set; firstWrite only
// adds a debug log line in that case. forceFlush requests a flush at the end of the call
// even when endStream is false.
func (e *Engine) WriteData(ctx context.Context, streamID uint32, streamWindow *FlowWindow, p []byte, endStream, firstWrite, forceFlush bool) (int, error) {
	return e.writeData(ctx, streamID, streamWindow, p, endStream, firstWrite, forceFlush, nil)
}

// WriteDataAndTrailers writes p as DATA frames on streamID, then a
// trailing HEADERS block that ends the stream, without an intervening
// END_STREAM on the last DATA frame. firstWrite has the same meaning
// as in WriteData.
func (e *Engine) WriteDataAndTrailers(ctx context.Context, streamID uint32, streamWindow *FlowWindow, p []byte, firstWrite bool, trailers []HeaderField) (int, error) {
	return e.writeData(ctx, streamID, streamWindow, p, false, firstWrite, true, trailers)
}

// emitDataFrameLocked writes one DATA frame on streamID carrying chunk
// (which may be empty) and returns any sink error, already folded
// into an abort.
func (e *Engine) emitDataFrameLocked(streamID uint32, chunk []byte, endStream bool) error {
	reserved := e.sink.Reserve(FrameHeaderLen + len(chunk))
	if reserved == nil {
		return e.abortLocked(ErrSinkAborted)
	}
	copy(reserved[FrameHeaderLen:], chunk)
	flags := FrameFlags(0)
	if endStream {
		flags = flags.Add(FlagEndStream)
	}
	e.frame.set(FrameData, flags, streamID, len(chunk))
	e.frame.encode(reserved[:FrameHeaderLen])
	e.sink.Advance(FrameHeaderLen + len(chunk))
	e.noteFrameLocked(len(chunk))
	return nil
}

// writeData implements WriteData/WriteDataAndTrailers. When flow
// control yields no credit, the engine flushes before waiting so a
// peer blocked on window updates still observes the response headers
// and DATA that preceded the wait; this happens on every such wait,
// not only when firstWrite (a stream's first body write) is set.
// forceFlush requests a flush once the call
// finishes even if endStream is false; WriteDataAndTrailers always
// implies it.
//
// A fresh RateWatchdog is built for each call rather than shared
// across the connection: two streams may have concurrent writeData
// calls in flight (one suspended mid-wait while another runs), and a
// shared watchdog's Start/StopAndCheck bracketing would race between
// them.
func (e *Engine) writeData(ctx context.Context, streamID uint32, streamWindow *FlowWindow, p []byte, endStream, firstWrite, forceFlush bool, trailers []HeaderField) (int, error) {
	e.mu.Lock()
	if e.completed.Load() {
		e.mu.Unlock()
		return 0, nil
	}
	// StopAndCheck, the only caller of the aborter, runs with e.mu held.
	wd := NewRateWatchdog(e.clock, e.minDataRate, e.rateGrace, OutputAborterFunc(func(err error) {
		e.abortLocked(err)
	}))
	wd.Start()

	written := 0
	emittedAny := false

	if len(p) == 0 && endStream && trailers == nil {
		// A zero-length DATA frame carries no flow-controlled bytes and
		// is always sendable, but it must still reach the peer to
		// signal END_STREAM.
		if err := e.emitDataFrameLocked(streamID, nil, true); err != nil {
			e.mu.Unlock()
			return 0, err
		}
		emittedAny = true
	}

	for written < len(p) {
		remaining := p[written:]
		want := int64(len(remaining))
		if maxChunk := int64(e.maxFrameSize); want > maxChunk {
			want = maxChunk
		}

		got := reserveBoth(e.connWindow, streamWindow, want)
		if got == 0 {
			if bothAborted(e.connWindow, streamWindow) {
				e.mu.Unlock()
				return written, nil
			}
			if firstWrite {
				e.debugf("h2egress: stream %d has no credit on its first body write, flushing headers", streamID)
			}
			if err := e.flushSuspending(ctx); err != nil {
				err = e.abortLocked(err)
				e.mu.Unlock()
				return written, err
			}
			wd.Pause()
			e.mu.Unlock()
			aborted := waitForEitherCredit(ctx, e.connWindow, streamWindow)
			e.mu.Lock()
			wd.Resume()
			if aborted {
				e.mu.Unlock()
				return written, nil
			}
			if ctx.Err() != nil {
				err := e.abortLocked(ctx.Err())
				e.mu.Unlock()
				return written, err
			}
			if e.scheduleYield {
				e.mu.Unlock()
				runtime.Gosched()
				e.mu.Lock()
			}
			continue
		}

		n := int(got)
		lastChunk := written+n == len(p)
		endStreamOnThisFrame := lastChunk && endStream && trailers == nil
		if err := e.emitDataFrameLocked(streamID, remaining[:n], endStreamOnThisFrame); err != nil {
			e.mu.Unlock()
			return written, err
		}
		wd.Observe(n)
		emittedAny = true
		written += n
	}

	var trailerErr error
	if trailers != nil {
		trailerErr = e.writeHeaderBlockLocked(streamID, false, 0, trailers, true)
	}

	var flushErr error
	if trailers != nil || (emittedAny && (forceFlush || endStream)) {
		if flushErr = e.flushSuspending(ctx); flushErr != nil {
			flushErr = e.abortLocked(flushErr)
		}
	}

	rateErr := wd.StopAndCheck(0)
	e.mu.Unlock()

	_ = trailerErr // swallowed per WriteResponseTrailers' contract; connection is already aborted internally
	if flushErr != nil {
		return written, flushErr
	}
	if rateErr != nil {
		return written, rateErr
	}
	return written, nil
}

// writeControlFrame writes and flushes a single non-DATA, non-HEADERS
// frame. Every control-frame operation in spec §4.3 flushes, unlike
// the header-block writers, since these frames carry no body the
// caller might want to coalesce further writes onto.
func (e *Engine) writeControlFrame(ctx context.Context, typ FrameType, flags FrameFlags, streamID uint32, payload []byte) error {
	e.mu.Lock()
	if e.completed.Load() {
		e.mu.Unlock()
		return nil
	}
	reserved := e.sink.Reserve(FrameHeaderLen + len(payload))
	if reserved == nil {
		err := e.abortLocked(ErrSinkAborted)
		e.mu.Unlock()
		return err
	}
	copy(reserved[FrameHeaderLen:], payload)
	e.frame.set(typ, flags, streamID, len(payload))
	e.frame.encode(reserved[:FrameHeaderLen])
	e.sink.Advance(FrameHeaderLen + len(payload))
	e.noteFrameLocked(len(payload))

	err := e.flushSuspending(ctx)
	if err != nil {
		err = e.abortLocked(err)
	}
	e.mu.Unlock()
	return err
}

// WriteSettings writes a non-ACK SETTINGS frame with the given entries.
func (e *Engine) WriteSettings(ctx context.Context, entries []SettingEntry) error {
	return e.writeControlFrame(ctx, FrameSettings, 0, 0, AppendSettings(nil, entries))
}

// WriteSettingsAck writes an empty, ACK-flagged SETTINGS frame.
func (e *Engine) WriteSettingsAck(ctx context.Context) error {
	return e.writeControlFrame(ctx, FrameSettings, FlagAck, 0, nil)
}

// WritePing writes a PING frame carrying opaque, optionally ACK-flagged.
func (e *Engine) WritePing(ctx context.Context, opaque [8]byte, ack bool) error {
	flags := FrameFlags(0)
	if ack {
		flags = flags.Add(FlagAck)
	}
	return e.writeControlFrame(ctx, FramePing, flags, 0, AppendPing(nil, opaque))
}

// WriteGoAway writes a connection-level GOAWAY frame.
func (e *Engine) WriteGoAway(ctx context.Context, lastStreamID uint32, code ErrorCode) error {
	return e.writeControlFrame(ctx, FrameGoAway, 0, 0, AppendGoAway(nil, lastStreamID, code))
}

// WriteRstStream writes an RST_STREAM frame for streamID.
func (e *Engine) WriteRstStream(ctx context.Context, streamID uint32, code ErrorCode) error {
	return e.writeControlFrame(ctx, FrameRstStream, 0, streamID, AppendRstStream(nil, code))
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame. Pass streamID zero
// for a connection-level update.
func (e *Engine) WriteWindowUpdate(ctx context.Context, streamID, increment uint32) error {
	return e.writeControlFrame(ctx, FrameWindowUpdate, 0, streamID, AppendWindowUpdate(nil, increment))
}
