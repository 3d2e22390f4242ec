package h2egress

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, buf *bytes.Buffer, conn *FlowWindow) *Engine {
	t.Helper()
	return NewEngine(Config{
		MaxFrameSize:       16384,
		ConnWindow:         conn,
		HeaderTableSize:    defaultDynamicTableSize,
		CompressionEnabled: true,
		Clock:              clockwork.NewFakeClock(),
		Sink:               NewBufferedSink(buf),
	})
}

func TestEngineWriteResponseHeaders(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)

	require.NoError(t, e.WriteResponseHeaders(1, 200, nil, false))
	_, err := e.Flush(context.Background())
	require.NoError(t, err)

	length, typ, flags, streamID, err := DecodeFrameHeader(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, FrameHeaders, typ)
	require.True(t, flags.Has(FlagEndHeaders))
	require.False(t, flags.Has(FlagEndStream))
	require.EqualValues(t, 1, streamID)
	require.Equal(t, []byte{0x88}, buf.Bytes()[FrameHeaderLen:FrameHeaderLen+length])
}

func TestEngineWrite100Continue(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)

	require.NoError(t, e.Write100Continue(context.Background(), 1))

	length, typ, flags, streamID, err := DecodeFrameHeader(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, FrameHeaders, typ)
	require.True(t, flags.Has(FlagEndHeaders))
	require.False(t, flags.Has(FlagEndStream))
	require.EqualValues(t, 1, streamID)
	require.Equal(t, []byte{0x08, 0x03, '1', '0', '0'}, buf.Bytes()[FrameHeaderLen:FrameHeaderLen+length])

	require.NoError(t, e.WriteResponseHeaders(1, 200, nil, false), "a 100 Continue must not complete the stream")
}

func TestEngineWriteResponseTrailers(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)
	streamWindow := NewFlowWindow(1 << 20)

	require.NoError(t, e.WriteResponseHeaders(1, 200, nil, false))
	require.NoError(t, e.WriteResponseTrailers(context.Background(), 1, []HeaderField{{Name: "x-trailer", Value: "1"}}))

	rest := buf.Bytes()
	length, typ, _, _, err := DecodeFrameHeader(rest)
	require.NoError(t, err)
	require.Equal(t, FrameHeaders, typ)
	rest = rest[FrameHeaderLen+length:]

	_, typ, flags, _, err := DecodeFrameHeader(rest)
	require.NoError(t, err)
	require.Equal(t, FrameHeaders, typ)
	require.True(t, flags.Has(FlagEndStream))
	require.True(t, flags.Has(FlagEndHeaders))

	n, err := e.WriteData(context.Background(), 1, streamWindow, []byte("late"), true, false, false)
	require.NoError(t, err)
	require.Zero(t, n, "no data may be written once trailers completed the stream")
}

func TestEngineWriteDataEndStream(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)
	streamWindow := NewFlowWindow(1 << 20)

	n, err := e.WriteData(context.Background(), 1, streamWindow, []byte("hello world"), true, false, false)
	require.NoError(t, err)
	require.Equal(t, 11, n)

	_, err = e.Flush(context.Background())
	require.NoError(t, err)

	length, typ, flags, _, err := DecodeFrameHeader(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, FrameData, typ)
	require.True(t, flags.Has(FlagEndStream))
	require.Equal(t, "hello world", string(buf.Bytes()[FrameHeaderLen:FrameHeaderLen+length]))
}

func TestEngineEmptyDataBypassesFlowControl(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(0)
	e := newTestEngine(t, &buf, conn)
	streamWindow := NewFlowWindow(0)

	n, err := e.WriteData(context.Background(), 1, streamWindow, nil, true, false, false)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = e.Flush(context.Background())
	require.NoError(t, err)

	length, typ, flags, _, err := DecodeFrameHeader(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, FrameData, typ)
	require.Zero(t, length)
	require.True(t, flags.Has(FlagEndStream))
}

func TestEngineWriteDataBlocksUntilCredit(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)
	streamWindow := NewFlowWindow(0)

	type result struct {
		n   int
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		n, err := e.WriteData(context.Background(), 1, streamWindow, []byte("abcdef"), true, true, false)
		resultCh <- result{n, err}
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-resultCh:
		t.Fatal("WriteData must not complete before stream credit is granted")
	default:
	}

	require.True(t, e.TryUpdateStreamWindow(streamWindow, 100))

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		require.Equal(t, 6, r.n)
	case <-time.After(time.Second):
		t.Fatal("WriteData did not resume after credit was granted")
	}
}

func TestEngineAbortReleasesBlockedWrite(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)
	streamWindow := NewFlowWindow(0)

	done := make(chan struct{})
	go func() {
		e.WriteData(context.Background(), 1, streamWindow, []byte("abcdef"), true, true, false)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	e.Abort(nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Abort did not release a blocked WriteData")
	}
}

func TestEngineNoOpAfterCompletion(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)
	streamWindow := NewFlowWindow(1 << 20)

	require.NoError(t, e.WriteResponseHeaders(1, 200, nil, true))
	e.Complete()
	buf.Reset()

	require.NoError(t, e.WriteResponseHeaders(1, 200, nil, true))
	n, err := e.WriteData(context.Background(), 1, streamWindow, []byte("x"), true, false, false)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, e.WriteRstStream(context.Background(), 3, ErrCodeCancel))
	require.NoError(t, e.WriteGoAway(context.Background(), 1, ErrCodeNo))

	_, err = e.Flush(context.Background())
	require.NoError(t, err)
	require.Zero(t, buf.Len(), "no frame should be emitted once the connection is complete")
}

func TestEngineControlFrames(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)

	require.NoError(t, e.WriteSettingsAck(context.Background()))

	length, typ, flags, streamID, err := DecodeFrameHeader(buf.Bytes())
	require.NoError(t, err)
	require.Zero(t, length)
	require.Equal(t, FrameSettings, typ)
	require.True(t, flags.Has(FlagAck))
	require.Zero(t, streamID)
}

func TestEngineWriteGoAway(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)

	require.NoError(t, e.WriteGoAway(context.Background(), 41, ErrCodeNo))

	length, typ, _, _, err := DecodeFrameHeader(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, FrameGoAway, typ)
	lastStreamID, code, err := DecodeGoAway(buf.Bytes()[FrameHeaderLen : FrameHeaderLen+length])
	require.NoError(t, err)
	require.EqualValues(t, 41, lastStreamID)
	require.Equal(t, ErrCodeNo, code)
}

func TestEngineWriteDataAndTrailers(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)
	streamWindow := NewFlowWindow(1 << 20)

	n, err := e.WriteDataAndTrailers(context.Background(), 1, streamWindow, []byte("body"), false, []HeaderField{{Name: "x-trailer", Value: "1"}})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	rest := buf.Bytes()
	length, typ, flags, _, err := DecodeFrameHeader(rest)
	require.NoError(t, err)
	require.Equal(t, FrameData, typ)
	require.False(t, flags.Has(FlagEndStream), "END_STREAM must not be on the DATA frame when trailers follow")
	rest = rest[FrameHeaderLen+length:]

	_, typ, flags, _, err = DecodeFrameHeader(rest)
	require.NoError(t, err)
	require.Equal(t, FrameHeaders, typ)
	require.True(t, flags.Has(FlagEndStream))
	require.True(t, flags.Has(FlagEndHeaders))
}

// TestEngineSharesHPACKTableAcrossStreams exercises the connection-scoped
// architecture directly: two different streams on the same Engine must
// share one dynamic table, so a field indexed while encoding stream 1's
// headers is available to stream 3's headers as a dynamic-table reference
// rather than being re-encoded as a fresh literal.
func TestEngineSharesHPACKTableAcrossStreams(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(1 << 20)
	e := newTestEngine(t, &buf, conn)

	fields := []HeaderField{{Name: "x-trace-id", Value: "abc123"}}
	require.NoError(t, e.WriteResponseHeaders(1, 200, fields, true))
	firstLen, _, _, _, err := DecodeFrameHeader(buf.Bytes())
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, e.WriteResponseHeaders(3, 200, fields, true))
	secondLen, _, _, _, err := DecodeFrameHeader(buf.Bytes())
	require.NoError(t, err)

	require.Less(t, int(secondLen), int(firstLen), "second stream's header block should be shorter once the field is dynamic-table indexed from the first stream's encode")
}

func TestEngineWriteDataOnDifferentStreamsShareConnectionWindow(t *testing.T) {
	var buf bytes.Buffer
	conn := NewFlowWindow(10)
	e := newTestEngine(t, &buf, conn)
	streamA := NewFlowWindow(1 << 20)
	streamB := NewFlowWindow(1 << 20)

	n, err := e.WriteData(context.Background(), 1, streamA, []byte("0123456789"), false, true, true)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	done := make(chan struct{})
	var n2 int
	var err2 error
	go func() {
		n2, err2 = e.WriteData(context.Background(), 3, streamB, []byte("x"), false, true, true)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("stream B must block: the connection window is exhausted by stream A")
	default:
	}

	require.True(t, e.TryUpdateConnectionWindow(1))
	select {
	case <-done:
		require.NoError(t, err2)
		require.Equal(t, 1, n2)
	case <-time.After(time.Second):
		t.Fatal("stream B did not resume after the connection window was credited")
	}
}
