// Package protocol implements the framed TCP wire format spoken with the
// Android client. Every message is one opcode byte followed by a
// fixed-length payload; there is no per-message length field apart from the
// video frame size, so an unknown opcode is unrecoverable and ends the
// session.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"sidescreen/internal/config"
	"sidescreen/internal/types"
)

// TouchAction values carried in TOUCH_EVENT.
const (
	TouchDown = 0
	TouchMove = 1
	TouchUp   = 2
)

// TouchEvent is a parsed TOUCH_EVENT payload. Coordinates are normalized
// to [0,1]; X2/Y2 are meaningful only when PointerCount is 2.
type TouchEvent struct {
	PointerCount int
	X1, Y1       float32
	X2, Y2       float32
	Action       int
}

// PingPayloadSize is the fixed PING/PONG echo payload length.
const PingPayloadSize = 8

// AppendDisplayConfig appends a DISPLAY_CONFIG message:
// [0x01][width i32 BE][height i32 BE][rotation i32 BE], 13 bytes total.
func AppendDisplayConfig(dst []byte, width, height, rotation int) []byte {
	dst = append(dst, config.MsgDisplayConfig)
	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(width)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(height)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(rotation)))
	return dst
}

// AppendFrameHeader appends a VIDEO_FRAME header: [0x00][size u32 BE].
// The Annex-B payload follows separately.
func AppendFrameHeader(dst []byte, size int) []byte {
	dst = append(dst, config.MsgVideoFrame)
	dst = binary.BigEndian.AppendUint32(dst, uint32(size))
	return dst
}

// AppendPong appends a PONG message echoing the 8 PING payload bytes
// verbatim (the timestamp inside stays little-endian; it is opaque here).
func AppendPong(dst []byte, echo []byte) []byte {
	dst = append(dst, config.MsgPong)
	return append(dst, echo[:PingPayloadSize]...)
}

// TouchPayloadSize returns the TOUCH_EVENT payload length that follows the
// pointer-count byte: pointerCount × (x f32 LE, y f32 LE) + action i32 LE.
func TouchPayloadSize(pointerCount int) (int, error) {
	if pointerCount < 1 || pointerCount > 2 {
		return 0, fmt.Errorf("%w: pointer count %d", types.ErrProtocolViolation, pointerCount)
	}
	return pointerCount*8 + 4, nil
}

// ParseTouchPayload decodes the coordinate/action payload of a TOUCH_EVENT
// whose pointer-count byte has already been read and validated.
func ParseTouchPayload(pointerCount int, payload []byte) (TouchEvent, error) {
	want, err := TouchPayloadSize(pointerCount)
	if err != nil {
		return TouchEvent{}, err
	}
	if len(payload) != want {
		return TouchEvent{}, fmt.Errorf("%w: touch payload %d bytes, want %d",
			types.ErrProtocolViolation, len(payload), want)
	}

	ev := TouchEvent{PointerCount: pointerCount}
	ev.X1 = leFloat32(payload[0:4])
	ev.Y1 = leFloat32(payload[4:8])
	coord := 8
	if pointerCount == 2 {
		ev.X2 = leFloat32(payload[8:12])
		ev.Y2 = leFloat32(payload[12:16])
		coord = 16
	}
	ev.Action = int(int32(binary.LittleEndian.Uint32(payload[coord:])))
	return ev, nil
}

func leFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// AppendTouchEvent encodes a TOUCH_EVENT message including the opcode.
// Used by tests and client tooling; the daemon only parses these.
func AppendTouchEvent(dst []byte, ev TouchEvent) []byte {
	dst = append(dst, config.MsgTouchEvent, byte(ev.PointerCount))
	dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(ev.X1))
	dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(ev.Y1))
	if ev.PointerCount == 2 {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(ev.X2))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(ev.Y2))
	}
	return binary.LittleEndian.AppendUint32(dst, uint32(int32(ev.Action)))
}
