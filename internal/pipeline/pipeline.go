// Package pipeline wires the capture → encoder → server chain. It holds no
// state beyond the stage references; its job is the back-pressure
// discipline and the teardown ordering that keeps callbacks from firing
// into half-destroyed stages.
package pipeline

import (
	"log"

	"sidescreen/internal/types"
)

// FrameSink receives encoded access units; satisfied by the streaming
// server.
type FrameSink interface {
	SendFrame(data []byte)
}

// Coupler connects one source, encoder and sink.
type Coupler struct {
	src  types.FrameSource
	enc  types.VideoEncoder
	sink FrameSink
}

// New builds a coupler over the three stages; call Connect to arm it.
func New(src types.FrameSource, enc types.VideoEncoder, sink FrameSink) *Coupler {
	return &Coupler{src: src, enc: enc, sink: sink}
}

// Connect installs the stage callbacks. Frames flow on the capture
// worker's goroutine; encoded output flows to the sink on whichever
// goroutine the encoder emits from.
func (c *Coupler) Connect() {
	pending := c.src.Pending()

	c.src.SetFrameCallback(func(frame *types.Frame) {
		// The source checks back-pressure before delivering, but the
		// counter moves here, around the encode call, so the check and
		// the increment stay on one goroutine.
		if pending.Full() {
			return
		}
		pending.Inc()
		if err := c.enc.Encode(frame); err != nil {
			log.Printf("pipeline: encode: %v", err)
		}
		pending.Dec()
	})

	// The wire protocol carries neither timestamp nor keyframe flag:
	// under the all-intra contract every frame is a keyframe, so both
	// are dropped at this boundary.
	c.enc.SetOutputCallback(func(pkt *types.EncodedPacket) {
		c.sink.SendFrame(pkt.Data)
	})
}

// Disconnect clears all callbacks. Must run before any stage is released
// so no dangling callback fires on a dropped stage.
func (c *Coupler) Disconnect() {
	c.src.SetFrameCallback(nil)
	c.enc.SetOutputCallback(nil)
}
