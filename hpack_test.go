package h2egress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressorStatusOnlyIndexed(t *testing.T) {
	c := NewCompressor(true, defaultDynamicTableSize)
	out := make([]byte, 256)

	n, done, err := c.Begin(true, 200, nil, out)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []byte{0x88}, out[:n])
}

func TestCompressorUnknownStatusIsLiteralIndexedName(t *testing.T) {
	c := NewCompressor(true, defaultDynamicTableSize)
	out := make([]byte, 256)

	n, done, err := c.Begin(true, 418, nil, out)
	require.NoError(t, err)
	require.True(t, done)
	// literal-without-indexing, indexed name :status (8), value "418" raw.
	require.Equal(t, []byte{0x08, 0x03, '4', '1', '8'}, out[:n])
}

func TestCompressor100ContinueFixedBytes(t *testing.T) {
	c := NewCompressor(true, defaultDynamicTableSize)
	require.Equal(t, []byte{0x08, 0x03, '1', '0', '0'}, c.encodeStatus(100))
}

func TestCompressorNewFieldIndexedOnSecondUse(t *testing.T) {
	c := NewCompressor(true, defaultDynamicTableSize)
	out := make([]byte, 256)
	fields := []HeaderField{{Name: "custom-key", Value: "custom-value"}}

	n1, done, err := c.Begin(false, 0, fields, out)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, byte(0x40), out[0]&0xc0, "first use must be literal with incremental indexing")
	require.Greater(t, n1, 0)
	require.Equal(t, dynEntrySize("custom-key", "custom-value"), c.DynamicTableSize())

	n2, done, err := c.Begin(false, 0, fields, out)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, byte(0x80), out[0]&0x80, "second use of the same name+value must be indexed")
	require.Less(t, n2, n1)
}

func TestCompressorSensitiveHeaderNeverIndexed(t *testing.T) {
	c := NewCompressor(true, defaultDynamicTableSize)
	out := make([]byte, 256)
	fields := []HeaderField{{Name: "authorization", Value: "Bearer sekrit"}}

	_, done, err := c.Begin(false, 0, fields, out)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, byte(0x10), out[0]&0xf0)
	require.Zero(t, c.DynamicTableSize(), "a sensitive field must never enter the dynamic table")
}

func TestCompressorDisabledSkipsTablesEntirely(t *testing.T) {
	c := NewCompressor(false, defaultDynamicTableSize)
	out := make([]byte, 256)
	fields := []HeaderField{{Name: ":status", Value: "200"}}

	_, done, err := c.Begin(false, 0, fields, out)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, byte(0x00), out[0]&0xf0)
	require.Zero(t, c.DynamicTableSize())
}

func TestCompressorFragmentsAcrossContinue(t *testing.T) {
	c := NewCompressor(true, defaultDynamicTableSize)
	fields := []HeaderField{
		{Name: "x-one", Value: "aaaaaaaaaaaaaaaaaaaa"},
		{Name: "x-two", Value: "bbbbbbbbbbbbbbbbbbbb"},
		{Name: "x-three", Value: "cccccccccccccccccccc"},
	}

	// A fragment small enough that not every field fits in one frame,
	// but large enough that each field fits on its own.
	frag := make([]byte, 40)

	n1, done1, err := c.Begin(false, 0, fields, frag)
	require.NoError(t, err)
	require.False(t, done1)
	require.Greater(t, n1, 0)

	var total []byte
	total = append(total, frag[:n1]...)

	for !done1 {
		var n int
		n, done1, err = c.Continue(frag)
		require.NoError(t, err)
		total = append(total, frag[:n]...)
	}
	require.NotEmpty(t, total)
}

func TestCompressorHeaderFieldTooLargeOnEmptyFragment(t *testing.T) {
	c := NewCompressor(true, defaultDynamicTableSize)
	fields := []HeaderField{{Name: "x", Value: "this value will never fit"}}

	tiny := make([]byte, 2)
	_, _, err := c.Begin(false, 0, fields, tiny)
	require.ErrorIs(t, err, ErrHeaderFieldTooLarge)
}

func TestDynamicTableEvictsOldestOnOverflow(t *testing.T) {
	var dt dynamicTable
	dt.maxSize = dynEntrySize("a", "1") + dynEntrySize("b", "2")

	dt.add("a", "1")
	dt.add("b", "2")
	_, ok := dt.find("a", "1")
	require.True(t, ok)

	dt.add("c", "3")
	_, ok = dt.find("a", "1")
	require.False(t, ok, "oldest entry must be evicted once the table overflows maxSize")
	_, ok = dt.find("c", "3")
	require.True(t, ok)
}

func TestFindStaticAndStaticName(t *testing.T) {
	idx, ok := findStatic(":method", "GET")
	require.True(t, ok)
	require.EqualValues(t, 2, idx)

	idx, ok = findStaticName("content-type")
	require.True(t, ok)
	require.EqualValues(t, 31, idx)

	_, ok = findStatic("not-a-real-header", "")
	require.False(t, ok)
}
