package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendDisplayConfig(t *testing.T) {
	got := AppendDisplayConfig(nil, 1920, 1200, 0)

	want := []byte{
		0x01,
		0x00, 0x00, 0x07, 0x80, // 1920
		0x00, 0x00, 0x04, 0xB0, // 1200
		0x00, 0x00, 0x00, 0x00, // rotation 0
	}
	assert.Equal(t, want, got)
	assert.Len(t, got, 13)
}

func TestAppendDisplayConfigRotation(t *testing.T) {
	got := AppendDisplayConfig(nil, 1200, 1920, 270)
	assert.Equal(t, byte(0x01), got[0])
	assert.Equal(t, uint32(1200), binary.BigEndian.Uint32(got[1:5]))
	assert.Equal(t, uint32(1920), binary.BigEndian.Uint32(got[5:9]))
	assert.Equal(t, uint32(270), binary.BigEndian.Uint32(got[9:13]))
}

func TestAppendFrameHeader(t *testing.T) {
	got := AppendFrameHeader(nil, 0x0001E240)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0xE2, 0x40}, got)
}

func TestAppendPongEchoesPayload(t *testing.T) {
	ping := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}
	got := AppendPong(nil, ping)
	assert.Equal(t, append([]byte{0x05}, ping...), got)
}

func TestBigEndianRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 1920, 1200, 2147483647, -2147483648} {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(v))
		assert.Equal(t, v, int32(binary.BigEndian.Uint32(buf[:])))
	}
}

func TestTouchEventRoundTripOnePointer(t *testing.T) {
	ev := TouchEvent{PointerCount: 1, X1: 0.5, Y1: 0.5, Action: TouchDown}
	wire := AppendTouchEvent(nil, ev)

	require.Equal(t, byte(0x02), wire[0])
	require.Equal(t, byte(1), wire[1])

	got, err := ParseTouchPayload(1, wire[2:])
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestTouchEventRoundTripTwoPointers(t *testing.T) {
	ev := TouchEvent{
		PointerCount: 2,
		X1:           0.25, Y1: 0.75,
		X2: 0.5, Y2: 0.125,
		Action: TouchMove,
	}
	wire := AppendTouchEvent(nil, ev)

	got, err := ParseTouchPayload(2, wire[2:])
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestTouchFloatsAreLittleEndian(t *testing.T) {
	// 0.5 as f32 is 0x3F000000; little-endian on the wire.
	wire := AppendTouchEvent(nil, TouchEvent{PointerCount: 1, X1: 0.5, Y1: 0.5, Action: TouchUp})
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x3F}, wire[2:6])
	// action=2 little-endian
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, wire[10:14])
}

func TestTouchPayloadSize(t *testing.T) {
	n, err := TouchPayloadSize(1)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = TouchPayloadSize(2)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	for _, bad := range []int{0, 3, 255} {
		_, err := TouchPayloadSize(bad)
		assert.Error(t, err)
	}
}

func TestParseTouchPayloadShort(t *testing.T) {
	_, err := ParseTouchPayload(1, make([]byte, 11))
	assert.Error(t, err)
}
