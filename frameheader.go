package h2egress

import (
	"github.com/kavu/h2egress/http2utils"
)

// FrameHeaderLen is the fixed size of an HTTP/2 frame header.
//
// https://httpwg.org/specs/rfc7540.html#FrameHeader
const FrameHeaderLen = 9

// frameDescriptor is the single reused, mutable frame header scratch
// value described by the data model: one instance per Engine, only
// ever touched while the write lock is held.
type frameDescriptor struct {
	length   int
	typ      FrameType
	flags    FrameFlags
	streamID uint32
}

func (d *frameDescriptor) set(typ FrameType, flags FrameFlags, streamID uint32, length int) {
	d.typ = typ
	d.flags = flags
	d.streamID = streamID & (1<<31 - 1)
	d.length = length
}

// encode writes the 9-byte frame prefix for d into dst, which must be
// at least FrameHeaderLen bytes long.
func (d *frameDescriptor) encode(dst []byte) {
	_ = dst[FrameHeaderLen-1] // bound check
	http2utils.Uint24ToBytes(dst[:3], uint32(d.length))
	dst[3] = byte(d.typ)
	dst[4] = byte(d.flags)
	http2utils.Uint32ToBytes(dst[5:9], d.streamID)
}

// DecodeFrameHeader parses the 9-byte frame prefix in b, returning its
// fields. It is the inverse of frameDescriptor.encode and is exported
// so that tests (and any conformance harness) can round-trip the wire
// format described in §6.
func DecodeFrameHeader(b []byte) (length int, typ FrameType, flags FrameFlags, streamID uint32, err error) {
	if len(b) < FrameHeaderLen {
		return 0, 0, 0, 0, ErrMissingBytes
	}
	length = int(http2utils.BytesToUint24(b[:3]))
	typ = FrameType(b[3])
	flags = FrameFlags(b[4])
	streamID = http2utils.BytesToUint32(b[5:9]) & (1<<31 - 1)
	return
}
