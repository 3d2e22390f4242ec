package h2egress

import (
	"strconv"

	"golang.org/x/net/http2/hpack"
)

// HeaderField is one name/value pair supplied to the compressor.
// Fields are encoded in the order given and with their names exactly
// as given: neither the engine nor the compressor moves pseudo-headers
// first or lowercases names.
type HeaderField struct {
	Name, Value string
}

// defaultDynamicTableSize is RFC 7541's default SETTINGS_HEADER_TABLE_SIZE.
const defaultDynamicTableSize = 4096

// maxIndexableValueLen bounds how large a value may be before this
// compressor refuses to add it (and its name) to the dynamic table,
// to keep the table from being dominated by a single oversized field.
const maxIndexableValueLen = 512

// sensitiveHeaderNames are never added to the dynamic table and are
// always emitted with the "never indexed" literal representation, so
// an intermediary is not tempted to re-compress them for a different
// peer.
var sensitiveHeaderNames = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
}

type dynEntry struct{ name, value string }

func dynEntrySize(name, value string) int {
	// https://httpwg.org/specs/rfc7541.html#calculating.table.size
	return len(name) + len(value) + 32
}

// dynamicTable is the HPACK dynamic table: a FIFO with byte-size based
// eviction. entries[0] is the most recently added entry.
type dynamicTable struct {
	entries []dynEntry
	size    int
	maxSize uint32
}

func (t *dynamicTable) add(name, value string) {
	t.entries = append(t.entries, dynEntry{})
	copy(t.entries[1:], t.entries)
	t.entries[0] = dynEntry{name, value}
	t.size += dynEntrySize(name, value)
	t.evict()
}

func (t *dynamicTable) evict() {
	for t.size > int(t.maxSize) && len(t.entries) > 0 {
		last := t.entries[len(t.entries)-1]
		t.entries = t.entries[:len(t.entries)-1]
		t.size -= dynEntrySize(last.name, last.value)
	}
}

func (t *dynamicTable) setMaxSize(v uint32) {
	t.maxSize = v
	t.evict()
}

func (t *dynamicTable) find(name, value string) (uint64, bool) {
	for i, e := range t.entries {
		if e.name == name && e.value == value {
			return uint64(len(staticTable) + i + 1), true
		}
	}
	return 0, false
}

func (t *dynamicTable) findName(name string) (uint64, bool) {
	for i, e := range t.entries {
		if e.name == name {
			return uint64(len(staticTable) + i + 1), true
		}
	}
	return 0, false
}

// appendPrefixedInt appends an N-bit-prefix integer per RFC 7541 §5.1,
// OR-ing pattern into the leading byte's unused high bits.
func appendPrefixedInt(dst []byte, pattern byte, n uint, i uint64) []byte {
	max := uint64(1<<n) - 1
	if i < max {
		return append(dst, pattern|byte(i))
	}
	dst = append(dst, pattern|byte(max))
	i -= max
	for i >= 128 {
		dst = append(dst, byte(0x80|(i&0x7f)))
		i >>= 7
	}
	return append(dst, byte(i))
}

// appendString appends an RFC 7541 §5.2 string literal, Huffman-coding
// the value when that is strictly shorter (the same heuristic
// golang.org/x/net/http2/hpack's own encoder uses internally).
func appendString(dst []byte, s string, huffman bool) []byte {
	if huffman {
		if hlen := hpack.HuffmanEncodeLength(s); hlen < uint64(len(s)) {
			dst = appendPrefixedInt(dst, 0x80, 7, hlen)
			return hpack.AppendHuffmanString(dst, s)
		}
	}
	dst = appendPrefixedInt(dst, 0x00, 7, uint64(len(s)))
	return append(dst, s...)
}

func appendIndexed(dst []byte, index uint64) []byte {
	return appendPrefixedInt(dst, 0x80, 7, index)
}

func appendLiteralIndexedName(dst []byte, pattern byte, n uint, index uint64, value string, huffman bool) []byte {
	dst = appendPrefixedInt(dst, pattern, n, index)
	return appendString(dst, value, huffman)
}

func appendLiteralNewName(dst []byte, pattern byte, name, value string, huffman bool) []byte {
	dst = append(dst, pattern)
	dst = appendString(dst, name, false)
	return appendString(dst, value, huffman)
}

// fieldEncoding is the result of planning one field's wire bytes
// without yet committing any dynamic-table mutation. commit is nil
// unless the chosen representation adds an entry to the table.
type fieldEncoding struct {
	bytes  []byte
	commit func()
}

// Compressor is the stateful HPACK header-block encoder described in
// spec §4.2. Its dynamic table is the engine's only cross-call mutable
// state besides the sink; every method here must be called with the
// engine's write lock held.
type Compressor struct {
	dyn     dynamicTable
	enabled bool

	pending []HeaderField
	cursor  int
}

// NewCompressor returns a Compressor with the given peer-advertised
// dynamic table size. enabled controls the global compression toggle
// from spec §4.2: when false, every entry of the fields slice is
// emitted literal without indexing, ignoring the tables. The :status
// written by Begin is encoded the same way either way (static-table
// index, or a literal with the indexed :status name).
func NewCompressor(enabled bool, maxDynamicTableSize uint32) *Compressor {
	c := &Compressor{enabled: enabled}
	c.dyn.maxSize = maxDynamicTableSize
	return c
}

// SetEnabled flips the compression toggle.
func (c *Compressor) SetEnabled(enabled bool) { c.enabled = enabled }

// SetMaxDynamicTableSize applies a new peer-advertised table size,
// evicting entries as needed. Wired from Engine.UpdateMaxHeaderTableSize.
func (c *Compressor) SetMaxDynamicTableSize(v uint32) { c.dyn.setMaxSize(v) }

// DynamicTableSize reports the current size, in RFC 7541 accounting
// bytes, of the dynamic table.
func (c *Compressor) DynamicTableSize() int { return c.dyn.size }

// CompressorStats is a snapshot of a Compressor's dynamic table state.
type CompressorStats struct {
	DynamicTableSize    int
	DynamicTableMaxSize uint32
	DynamicTableEntries int
}

// Stats reports a snapshot of the dynamic table, for diagnostics.
func (c *Compressor) Stats() CompressorStats {
	return CompressorStats{
		DynamicTableSize:    c.dyn.size,
		DynamicTableMaxSize: c.dyn.maxSize,
		DynamicTableEntries: len(c.dyn.entries),
	}
}

func (c *Compressor) findExact(name, value string) (uint64, bool) {
	if idx, ok := findStatic(name, value); ok {
		return idx, true
	}
	return c.dyn.find(name, value)
}

func (c *Compressor) findName(name string) (uint64, bool) {
	if idx, ok := findStaticName(name); ok {
		return idx, true
	}
	return c.dyn.findName(name)
}

// planField decides the wire representation for one field without
// mutating the dynamic table; the caller commits only after confirming
// the bytes fit the destination fragment.
func (c *Compressor) planField(name, value string) fieldEncoding {
	if !c.enabled {
		return fieldEncoding{bytes: appendLiteralNewName(nil, 0x00, name, value, false)}
	}

	if idx, ok := c.findExact(name, value); ok {
		return fieldEncoding{bytes: appendIndexed(nil, idx)}
	}

	nameIdx, hasName := c.findName(name)

	if sensitiveHeaderNames[name] {
		if hasName {
			return fieldEncoding{bytes: appendLiteralIndexedName(nil, 0x10, 4, nameIdx, value, true)}
		}
		return fieldEncoding{bytes: appendLiteralNewName(nil, 0x10, name, value, true)}
	}

	if len(value) <= maxIndexableValueLen {
		var buf []byte
		if hasName {
			buf = appendLiteralIndexedName(nil, 0x40, 6, nameIdx, value, true)
		} else {
			buf = appendLiteralNewName(nil, 0x40, name, value, true)
		}
		return fieldEncoding{bytes: buf, commit: func() { c.dyn.add(name, value) }}
	}

	if hasName {
		return fieldEncoding{bytes: appendLiteralIndexedName(nil, 0x00, 4, nameIdx, value, true)}
	}
	return fieldEncoding{bytes: appendLiteralNewName(nil, 0x00, name, value, true)}
}

func (c *Compressor) encodeStatus(status int) []byte {
	if idx, ok := staticStatusIndex[status]; ok {
		return appendIndexed(nil, idx)
	}
	return appendLiteralIndexedName(nil, 0x00, 4, staticStatusNameIndex, strconv.Itoa(status), false)
}

// Begin starts a new header block. hasStatus/status encode the
// :status pseudo-header first, per spec §4.2. fields is the remaining,
// already-ordered header list. It returns the number of bytes written
// into out (whose capacity is the current MAX_FRAME_SIZE) and whether
// the whole block fit in this one fragment.
func (c *Compressor) Begin(hasStatus bool, status int, fields []HeaderField, out []byte) (n int, done bool, err error) {
	c.pending = fields
	c.cursor = 0

	buf := out[:0]
	if hasStatus {
		sb := c.encodeStatus(status)
		if len(sb) > cap(out) {
			return 0, false, ErrHeaderFieldTooLarge
		}
		buf = append(buf, sb...)
	}

	return c.drain(buf, out)
}

// Continue emits the next slice of the header block started by Begin.
func (c *Compressor) Continue(out []byte) (n int, done bool, err error) {
	return c.drain(out[:0], out)
}

func (c *Compressor) drain(buf, out []byte) (n int, done bool, err error) {
	for c.cursor < len(c.pending) {
		f := c.pending[c.cursor]
		fe := c.planField(f.Name, f.Value)

		if len(buf)+len(fe.bytes) > cap(out) {
			if len(buf) == 0 {
				return 0, false, ErrHeaderFieldTooLarge
			}
			return len(buf), false, nil
		}

		buf = append(buf, fe.bytes...)
		if fe.commit != nil {
			fe.commit()
		}
		c.cursor++
	}
	return len(buf), true, nil
}
