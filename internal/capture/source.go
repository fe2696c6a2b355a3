// Package capture produces screen frames from one display at a target rate.
//
// The paced worker lives here, platform-independent; the platform grabber
// (XShm on Linux) sits behind the grabber interface. Back-pressure: the
// worker skips delivery while the pending-encode counter is saturated, but
// pacing still advances so a slow encoder never shifts the schedule.
package capture

import (
	"errors"
	"log"
	"sync"
	"time"

	"sidescreen/internal/config"
	"sidescreen/internal/types"
)

// errAccessLost is returned by a grabber when the capture handle became
// invalid (display-mode change, compositor switch, session lock). The
// worker releases the handle and recreates it on a later tick.
var errAccessLost = errors.New("capture access lost")

// grabber is one platform capture backend. grab returns a frame whose
// pixel memory stays valid until the next grab or close call.
type grabber interface {
	grab() (*types.Frame, error)
	size() (width, height int)
	origin() (x, y int)
	close()
}

type sourceState int

const (
	stateCreated sourceState = iota
	stateInitialized
	stateRunning
	stateStopped
)

// Source implements types.FrameSource over a platform grabber.
type Source struct {
	mu           sync.Mutex
	state        sourceState
	grabber      grabber
	displayIndex int
	width        int
	height       int
	originX      int
	originY      int
	targetFPS    int

	cbMu sync.Mutex
	cb   types.FrameCallback

	pending *types.PendingCounter

	// Last delivered frame, owned, for idle re-send.
	lastMu     sync.Mutex
	lastFrame  []byte
	lastStride int

	epoch time.Time

	running chan struct{} // closed to stop the worker
	done    chan struct{} // closed when the worker exits

	// openGrabber is swapped by tests; defaults to the platform backend.
	openGrabber func(displayIndex int) (grabber, error)
}

// New creates a Source backed by the platform capture backend.
func New() *Source {
	return &Source{
		pending:     types.NewPendingCounter(config.EncoderQueueDepth),
		epoch:       time.Now(),
		openGrabber: openPlatformGrabber,
	}
}

// Initialize opens the capture backend for the given display index.
func (s *Source) Initialize(displayIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.openGrabber(displayIndex)
	if err != nil {
		return err
	}
	s.grabber = g
	s.displayIndex = displayIndex
	s.width, s.height = g.size()
	s.originX, s.originY = g.origin()
	s.state = stateInitialized

	log.Printf("capture: initialized display %d (%dx%d)", displayIndex, s.width, s.height)
	return nil
}

// StartCapture starts the paced worker. A target of 0 (or less) is clamped
// to 1 fps.
func (s *Source) StartCapture(targetFPS int) {
	if targetFPS < 1 {
		targetFPS = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		return
	}
	if s.grabber == nil {
		log.Printf("capture: start before initialize ignored")
		return
	}

	s.targetFPS = targetFPS
	s.state = stateRunning
	s.running = make(chan struct{})
	s.done = make(chan struct{})
	go s.captureLoop(s.grabber, targetFPS, s.running, s.done)

	log.Printf("capture: started at %d fps", targetFPS)
}

// Stop halts the worker and joins it. Safe to call from any state, any
// number of times.
func (s *Source) Stop() {
	s.mu.Lock()
	if s.state != stateRunning {
		if s.state == stateInitialized || s.state == stateCreated {
			s.state = stateStopped
		}
		s.mu.Unlock()
		return
	}
	s.state = stateStopped
	running, done := s.running, s.done
	s.mu.Unlock()

	close(running)
	<-done
	log.Printf("capture: stopped")
}

// Close releases the platform handle. Stop first if running.
func (s *Source) Close() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grabber != nil {
		s.grabber.close()
		s.grabber = nil
	}
}

// SetFrameCallback installs or clears (nil) the frame callback.
// Reassignment is safe at any time.
func (s *Source) SetFrameCallback(cb types.FrameCallback) {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
}

func (s *Source) Width() int  { return s.width }
func (s *Source) Height() int { return s.height }

// Origin is the captured monitor's top-left corner in desktop pixels; the
// touch engine maps normalized coordinates relative to it.
func (s *Source) Origin() (int, int) { return s.originX, s.originY }

// Pending exposes the back-pressure counter shared with the pipeline.
func (s *Source) Pending() *types.PendingCounter { return s.pending }

// nowNs returns a monotonic timestamp relative to source creation.
func (s *Source) nowNs() uint64 { return uint64(time.Since(s.epoch)) }

func (s *Source) captureLoop(g grabber, fps int, running, done chan struct{}) {
	defer close(done)

	bumpWorkerPriority()

	period := time.Second / time.Duration(fps)
	idleThreshold := 2 * period
	next := time.Now()
	lastDelivery := time.Time{}
	lost := false

	for {
		// Pace against the nominal schedule: the next target advances by
		// the period, not by now+period, so jitter does not drift it.
		next = next.Add(period)
		if d := time.Until(next); d > 0 {
			select {
			case <-running:
				return
			case <-time.After(d):
			}
		} else {
			select {
			case <-running:
				return
			default:
			}
			// Behind schedule; catch the timeline up without bursting.
			if -d > period {
				next = time.Now()
			}
		}

		if s.pending.Full() {
			continue
		}

		if lost {
			ng, err := s.openGrabber(s.displayIndex)
			if err != nil {
				// Keep sleeping; callers observe no frames.
				continue
			}
			g = ng
			s.mu.Lock()
			s.grabber = ng
			s.mu.Unlock()
			lost = false
			log.Printf("capture: reacquired display %d", s.displayIndex)
		}

		frame, err := g.grab()
		if err != nil {
			if errors.Is(err, errAccessLost) {
				log.Printf("capture: access lost, recreating: %v", err)
				g.close()
				lost = true
				continue
			}
			// Transient failure: re-deliver the last frame if the screen
			// has been quiet longer than two frame intervals so the
			// encoder and client never stall.
			if !lastDelivery.IsZero() && time.Since(lastDelivery) > idleThreshold {
				if s.deliverLast() {
					lastDelivery = time.Now()
				}
			}
			continue
		}

		frame.TimestampNs = s.nowNs()
		s.storeLast(frame)
		s.deliver(frame)
		lastDelivery = time.Now()
	}
}

// storeLast copies the frame into the owned last-frame slot so the idle
// refresh path never serves borrowed memory.
func (s *Source) storeLast(frame *types.Frame) {
	src := frame.Bytes()
	s.lastMu.Lock()
	if cap(s.lastFrame) < len(src) {
		s.lastFrame = make([]byte, len(src))
	}
	s.lastFrame = s.lastFrame[:len(src)]
	copy(s.lastFrame, src)
	s.lastStride = frame.Stride
	s.lastMu.Unlock()
}

func (s *Source) deliver(frame *types.Frame) {
	s.cbMu.Lock()
	cb := s.cb
	s.cbMu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

// deliverLast re-sends the retained frame with a fresh timestamp.
func (s *Source) deliverLast() bool {
	s.lastMu.Lock()
	if len(s.lastFrame) == 0 {
		s.lastMu.Unlock()
		return false
	}
	frame := &types.Frame{
		Data:        s.lastFrame,
		Width:       s.width,
		Height:      s.height,
		Stride:      s.lastStride,
		PixFmt:      types.PixFmtBGRA,
		TimestampNs: s.nowNs(),
	}
	s.lastMu.Unlock()

	s.deliver(frame)
	return true
}
