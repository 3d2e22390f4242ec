package h2egress

import "github.com/kavu/h2egress/http2utils"

// The functions in this file build and parse the fixed-shape frame
// payloads this engine emits: SETTINGS, PING, GOAWAY, RST_STREAM and
// WINDOW_UPDATE. DATA and HEADERS/CONTINUATION payloads are opaque
// byte/HPACK output handled directly by engine.go, so they have no
// builder here.
//
// Grounded on the teacher's settings.go/ping.go/goaway.go/
// rststream.go/windowUpdate.go, rewritten because several of those
// (goaway.go in particular) never correctly round-tripped their own
// fields.

// SettingEntry is one SETTINGS frame parameter.
type SettingEntry struct {
	ID    uint16
	Value uint32
}

// AppendSettings appends a SETTINGS frame payload (six bytes per
// entry) to dst.
func AppendSettings(dst []byte, entries []SettingEntry) []byte {
	for _, e := range entries {
		var b [6]byte
		b[0] = byte(e.ID >> 8)
		b[1] = byte(e.ID)
		http2utils.Uint32ToBytes(b[2:6], e.Value)
		dst = append(dst, b[:]...)
	}
	return dst
}

// DecodeSettings parses a SETTINGS frame payload.
func DecodeSettings(payload []byte) ([]SettingEntry, error) {
	if len(payload)%6 != 0 {
		return nil, ErrMissingBytes
	}
	entries := make([]SettingEntry, 0, len(payload)/6)
	for i := 0; i < len(payload); i += 6 {
		id := uint16(payload[i])<<8 | uint16(payload[i+1])
		value := http2utils.BytesToUint32(payload[i+2 : i+6])
		entries = append(entries, SettingEntry{ID: id, Value: value})
	}
	return entries, nil
}

// AppendPing appends an 8-byte PING payload to dst. opaque's [8]byte
// type guarantees the length.
func AppendPing(dst []byte, opaque [8]byte) []byte {
	return append(dst, opaque[:]...)
}

// DecodePing parses an 8-byte PING payload.
func DecodePing(payload []byte) (opaque [8]byte, err error) {
	if len(payload) != 8 {
		return opaque, ErrMissingBytes
	}
	copy(opaque[:], payload)
	return opaque, nil
}

// AppendGoAway appends a GOAWAY payload: a 4-byte last-stream-id
// (high bit reserved/cleared) followed by a 4-byte error code. This
// engine never emits GOAWAY debug data, per scope.
func AppendGoAway(dst []byte, lastStreamID uint32, code ErrorCode) []byte {
	var b [8]byte
	http2utils.Uint32ToBytes(b[0:4], lastStreamID&(1<<31-1))
	http2utils.Uint32ToBytes(b[4:8], uint32(code))
	return append(dst, b[:]...)
}

// DecodeGoAway parses a GOAWAY payload's fixed 8-byte prefix, ignoring
// any trailing debug data.
func DecodeGoAway(payload []byte) (lastStreamID uint32, code ErrorCode, err error) {
	if len(payload) < 8 {
		return 0, 0, ErrMissingBytes
	}
	lastStreamID = http2utils.BytesToUint32(payload[0:4]) & (1<<31 - 1)
	code = ErrorCode(http2utils.BytesToUint32(payload[4:8]))
	return lastStreamID, code, nil
}

// AppendRstStream appends a 4-byte RST_STREAM error code payload.
func AppendRstStream(dst []byte, code ErrorCode) []byte {
	return http2utils.AppendUint32Bytes(dst, uint32(code))
}

// DecodeRstStream parses a 4-byte RST_STREAM payload.
func DecodeRstStream(payload []byte) (code ErrorCode, err error) {
	if len(payload) != 4 {
		return 0, ErrMissingBytes
	}
	return ErrorCode(http2utils.BytesToUint32(payload)), nil
}

// AppendWindowUpdate appends a 4-byte WINDOW_UPDATE increment payload.
func AppendWindowUpdate(dst []byte, increment uint32) []byte {
	return http2utils.AppendUint32Bytes(dst, increment&(1<<31-1))
}

// DecodeWindowUpdate parses a 4-byte WINDOW_UPDATE payload.
func DecodeWindowUpdate(payload []byte) (increment uint32, err error) {
	if len(payload) != 4 {
		return 0, ErrMissingBytes
	}
	return http2utils.BytesToUint32(payload) & (1<<31 - 1), nil
}
