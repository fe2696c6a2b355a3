// Package config holds the fixed constants shared across the daemon: wire
// protocol opcodes, limits, encoder defaults, and the gesture thresholds the
// Android client's feel is tuned against.
package config

import "time"

const (
	AppName    = "sidescreen"
	AppVersion = "0.5.2"
)

// Network.
const (
	DefaultPort = 8888
	MinPort     = 1024
	MaxPort     = 65535
)

// Display defaults.
const (
	DefaultWidth       = 1920
	DefaultHeight      = 1200
	DefaultRefreshRate = 120
)

// Streaming defaults (Mbps).
const (
	DefaultBitrateMbps = 1000
	MinBitrateMbps     = 20
	MaxBitrateMbps     = 5000
)

// Quality presets (encoder quality parameter, 0..1; lower is faster).
const (
	QualityUltraLow = 0.5
	QualityLow      = 0.65
	QualityMedium   = 0.8
	QualityHigh     = 0.9
)

// Gaming Boost overrides. When enabled these replace the stored bitrate,
// refresh and quality values wholesale.
const (
	GamingBoostBitrateMbps = 1000
	GamingBoostRefresh     = 120
	GamingBoostQuality     = 0.3
)

// Protocol message types. All multi-byte integers on the wire are
// big-endian except the PING/PONG timestamp and the touch floats/action,
// which are little-endian (legacy client contract; do not change).
const (
	MsgVideoFrame    = 0x00
	MsgDisplayConfig = 0x01
	MsgTouchEvent    = 0x02
	MsgPing          = 0x04
	MsgPong          = 0x05
)

// Limits.
const (
	MaxFrameSize      = 5 * 1024 * 1024
	EncoderQueueDepth = 2
)

// Gesture thresholds (pixels / milliseconds), matching the macOS and
// Windows hosts so the client feels identical everywhere.
const (
	TapMaxDistance      = 15.0
	TapMaxTime          = 250 * time.Millisecond
	DoubleTapMaxTime    = 400 * time.Millisecond
	DoubleTapMaxDist    = 20.0
	LongPressTime       = 500 * time.Millisecond
	ScrollSensitivity   = 1.2
	PinchMinDistance    = 20.0
	MomentumDecay       = 0.92
	MomentumMinVelocity = 0.5
	MomentumInterval    = 16 * time.Millisecond
)

// Virtual display identity.
const (
	DisplayVendorID    = 0xEEEE
	DisplayProductBase = 0xEEEE
)
