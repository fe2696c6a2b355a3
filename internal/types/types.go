package types

import (
	"errors"
	"unsafe"
)

// Frame is a captured screen frame. Either Ptr (zero-copy, borrowed — valid
// only for the duration of the frame callback) or Data (owned copy) is
// populated. TimestampNs is the monotonic capture time in nanoseconds.
type Frame struct {
	Data        []byte
	Ptr         unsafe.Pointer
	Width       int
	Height      int
	Stride      int
	PixFmt      int
	TimestampNs uint64
}

const (
	PixFmtBGRA = 0
	PixFmtNV12 = 1
)

// Borrowed reports whether the frame references capture-owned memory that
// must not be retained past the callback.
func (f *Frame) Borrowed() bool { return f.Ptr != nil && f.Data == nil }

// Bytes returns the pixel data as a slice regardless of carrier variant.
// For borrowed frames the slice aliases capture-owned memory.
func (f *Frame) Bytes() []byte {
	if f.Data != nil {
		return f.Data
	}
	return unsafe.Slice((*byte)(f.Ptr), f.Stride*f.Height)
}

// EncodedPacket is one H.265 access unit in Annex-B form: every NAL unit
// inside is prefixed with a 00 00 00 01 start code. With the all-intra GOP
// contract IsKey is true for every packet.
type EncodedPacket struct {
	Data        []byte
	IsKey       bool
	TimestampNs uint64
}

// FrameCallback receives captured frames. The frame is borrowed: once the
// callback returns the source may reclaim or overwrite the pixel memory.
type FrameCallback func(frame *Frame)

// OutputCallback receives encoded Annex-B access units.
type OutputCallback func(pkt *EncodedPacket)

// FrameSource produces frames from one display at a target rate.
type FrameSource interface {
	Initialize(displayIndex int) error
	StartCapture(targetFPS int)
	Stop()
	SetFrameCallback(cb FrameCallback)
	Width() int
	Height() int

	// Pending is the back-pressure counter shared with the pipeline:
	// incremented before a frame is handed to the encoder, decremented
	// when the encoder returns.
	Pending() *PendingCounter
}

// VideoEncoder turns raw frames into a low-latency H.265 Annex-B stream.
type VideoEncoder interface {
	Encode(frame *Frame) error
	UpdateSettings(bitrateMbps int, quality float64, gamingBoost bool)
	Flush()
	Name() string
	SetOutputCallback(cb OutputCallback)
	Close()
}

type Button int

const (
	ButtonLeft Button = iota
	ButtonRight
)

type Modifier int

const (
	ModifierCtrl Modifier = iota
)

// Injector posts input events to the host desktop. Implementations are
// single-threaded leaves with no state beyond a handle.
type Injector interface {
	Move(x, y int)
	Button(btn Button, down bool)
	Wheel(dx, dy int)
	Modifier(key Modifier, down bool)
	Close()
}

// Semantic error kinds. Components map leaf failures onto these; the
// supervisor is the only place they become user-visible messages.
var (
	ErrNoDisplay         = errors.New("display not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrBackendMissing    = errors.New("no backend available")
	ErrSessionLost       = errors.New("client session lost")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrSocketInUse       = errors.New("socket already in use")
)
