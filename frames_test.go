package h2egress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsRoundTrip(t *testing.T) {
	entries := []SettingEntry{
		{ID: SettingHeaderTableSize, Value: 4096},
		{ID: SettingMaxFrameSize, Value: 32768},
	}
	payload := AppendSettings(nil, entries)
	require.Len(t, payload, 12)

	got, err := DecodeSettings(payload)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestDecodeSettingsRejectsMisalignedPayload(t *testing.T) {
	_, err := DecodeSettings(make([]byte, 5))
	require.ErrorIs(t, err, ErrMissingBytes)
}

func TestPingRoundTrip(t *testing.T) {
	var opaque [8]byte
	copy(opaque[:], "ping1234")

	payload := AppendPing(nil, opaque)
	require.Len(t, payload, 8)

	got, err := DecodePing(payload)
	require.NoError(t, err)
	require.Equal(t, opaque, got)
}

func TestGoAwayRoundTrip(t *testing.T) {
	payload := AppendGoAway(nil, 0x7f001122, ErrCodeFlowControl)
	require.Len(t, payload, 8)

	lastStreamID, code, err := DecodeGoAway(payload)
	require.NoError(t, err)
	require.EqualValues(t, 0x7f001122, lastStreamID)
	require.Equal(t, ErrCodeFlowControl, code)
}

func TestGoAwayMasksReservedBit(t *testing.T) {
	payload := AppendGoAway(nil, 0xffffffff, ErrCodeNo)
	lastStreamID, _, err := DecodeGoAway(payload)
	require.NoError(t, err)
	require.EqualValues(t, 0x7fffffff, lastStreamID)
}

func TestRstStreamRoundTrip(t *testing.T) {
	payload := AppendRstStream(nil, ErrCodeCancel)
	code, err := DecodeRstStream(payload)
	require.NoError(t, err)
	require.Equal(t, ErrCodeCancel, code)
}

func TestWindowUpdateRoundTrip(t *testing.T) {
	payload := AppendWindowUpdate(nil, 65535)
	increment, err := DecodeWindowUpdate(payload)
	require.NoError(t, err)
	require.EqualValues(t, 65535, increment)
}
