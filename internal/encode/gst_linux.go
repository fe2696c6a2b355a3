//go:build linux

package encode

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"sidescreen/internal/types"
)

// gstEncoder drives a GStreamer pipeline around the VA-API H.265 element:
//
//	appsrc → vaapih265enc → h265parse → capsfilter → appsink
//
// h265parse runs with config-interval=-1 so VPS/SPS/PPS accompany every
// IDR; the repacker still guards the contract for drivers that elide them.
// The pipeline may hold one frame in flight to hide GPU latency; Encode
// waits for frame N-1's output before submitting N+1.
type gstEncoder struct {
	sink outputSink

	pipeline *gst.Pipeline
	src      *app.Source
	enc      *gst.Element

	width  int
	height int
	fps    int

	submitted atomic.Uint64
	delivered atomic.Uint64
	outDone   chan struct{} // signalled on every delivered access unit

	// Timestamp of the frame currently in flight, indexed by sequence;
	// written by Encode, read by the appsink callback goroutine.
	tsRing [2]atomic.Uint64

	closed atomic.Bool
}

const gstBackendName = "GStreamer (vaapih265enc)"

func newGstVAAPI(width, height, fps, bitrateMbps int) (types.VideoEncoder, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("create appsrc: %w", err)
	}
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)
	src.SetProperty("block", false)
	src.SetCaps(gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=BGRA,width=%d,height=%d,framerate=%d/1",
		width, height, fps)))

	enc, err := gst.NewElement("vaapih265enc")
	if err != nil {
		return nil, fmt.Errorf("vaapih265enc: %w", err)
	}
	// rate-control=vbr (4 in the GstVaapiRateControl enum); bitrate is
	// kbps. keyframe-period=1 makes every access unit an IDR.
	enc.SetProperty("rate-control", 4)
	enc.SetProperty("bitrate", uint(bitrateMbps*1000))
	enc.SetProperty("keyframe-period", uint(1))

	parse, err := gst.NewElement("h265parse")
	if err != nil {
		return nil, fmt.Errorf("h265parse: %w", err)
	}
	parse.SetProperty("config-interval", -1)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		"video/x-h265,stream-format=byte-stream,alignment=au"))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)

	e := &gstEncoder{
		pipeline: pipeline,
		src:      src,
		enc:      enc,
		width:    width,
		height:   height,
		fps:      fps,
		outDone:  make(chan struct{}, 4),
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: e.onSample,
	})

	pipeline.AddMany(src.Element, enc, parse, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src.Element, enc, parse, capsfilter, appsink.Element); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("link pipeline: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	// The VA-API element only proves itself on the first buffer; a probe
	// frame would stall callers, so trust PLAYING and let the first
	// Encode surface driver failures.
	return e, nil
}

func (e *gstEncoder) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) > 0 {
		// GStreamer reuses the buffer after unmap; hand the repacker its
		// own copy.
		out := make([]byte, len(data))
		copy(out, data)
		buffer.Unmap()

		seq := e.delivered.Load()
		ts := e.tsRing[seq%2].Load()
		e.sink.deliver(out, ts)
	} else {
		buffer.Unmap()
	}

	e.delivered.Add(1)
	select {
	case e.outDone <- struct{}{}:
	default:
	}
	return gst.FlowOK
}

func (e *gstEncoder) Encode(frame *types.Frame) error {
	if e.closed.Load() {
		return fmt.Errorf("encoder closed")
	}

	// Depth-2 pipeline, depth-1 from the caller's perspective: wait for
	// frame N-1 before accepting N+1.
	deadline := time.After(500 * time.Millisecond)
	for e.submitted.Load()-e.delivered.Load() > 1 {
		select {
		case <-e.outDone:
		case <-deadline:
			return fmt.Errorf("pipeline stalled (%d in flight)",
				e.submitted.Load()-e.delivered.Load())
		}
	}

	buf := e.packed(frame)
	seq := e.submitted.Load()
	e.tsRing[seq%2].Store(frame.TimestampNs)
	e.submitted.Add(1)

	if ret := e.src.PushBuffer(gst.NewBufferFromBytes(buf)); ret != gst.FlowOK {
		e.submitted.Add(^uint64(0))
		return fmt.Errorf("appsrc push: %s", ret)
	}
	return nil
}

// packed returns the frame's pixels with tight rows; appsrc raw caps carry
// no stride metadata.
func (e *gstEncoder) packed(frame *types.Frame) []byte {
	src := frame.Bytes()
	rowBytes := frame.Width * 4
	if frame.Stride == rowBytes {
		out := make([]byte, len(src))
		copy(out, src)
		return out
	}
	out := make([]byte, rowBytes*frame.Height)
	for y := 0; y < frame.Height; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes], src[y*frame.Stride:y*frame.Stride+rowBytes])
	}
	return out
}

func (e *gstEncoder) UpdateSettings(bitrateMbps int, quality float64, gamingBoost bool) {
	bitrateMbps, quality = EffectiveSettings(bitrateMbps, quality, gamingBoost)
	e.enc.SetProperty("bitrate", uint(bitrateMbps*1000))
	// quality-level: 1 (best) .. 7 (fastest) on VA-API encoders.
	level := 1 + int((1.0-quality)*6)
	e.enc.SetProperty("quality-level", uint(level))
}

// Flush drains the in-flight frame so Stop loses nothing.
func (e *gstEncoder) Flush() {
	deadline := time.After(500 * time.Millisecond)
	for e.delivered.Load() < e.submitted.Load() {
		select {
		case <-e.outDone:
		case <-deadline:
			return
		}
	}
}

func (e *gstEncoder) Name() string { return gstBackendName }

func (e *gstEncoder) SetOutputCallback(cb types.OutputCallback) { e.sink.set(cb) }

func (e *gstEncoder) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.pipeline.SetState(gst.StateNull)
}
