// Package touch translates normalized pointer events from the client into
// host input that feels like direct touch: taps, double taps, long-press
// right clicks, drags, kinetic scrolling and pinch zoom.
//
// All gesture state lives behind one mutex. Injection can block on OS IPC,
// so the pattern throughout is: snapshot under lock, decide, release, then
// inject. The long-press and momentum workers follow the same rule.
package touch

import (
	"math"
	"sync"
	"time"

	"sidescreen/internal/config"
	"sidescreen/internal/types"
)

type gestureState int

const (
	stateIdle gestureState = iota
	statePending
	stateScrolling
	stateLongPressReady
	stateDragging
	stateTwoFingerScroll
	statePinching
)

// Touch actions as sent by the client.
const (
	actionDown = 0
	actionMove = 1
	actionUp   = 2
)

// Bounds is the host-pixel rectangle normalized coordinates map onto.
type Bounds struct {
	X, Y, W, H int
}

// worker is a short-lived task with an explicit cancel and join.
type worker struct {
	stop chan struct{}
	done chan struct{}
}

func (w *worker) cancel() {
	if w == nil {
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// Engine runs the gesture state machine over one Injector.
type Engine struct {
	inj types.Injector

	mu     sync.Mutex
	bounds Bounds
	state  gestureState

	// One-finger tracking.
	startX, startY int
	lastX, lastY   int
	startTime      time.Time
	lastMoveTime   time.Time
	lastScrollDX   float64
	lastScrollDY   float64

	// Tap arbitration.
	lastTapTime time.Time
	lastTapX    int
	lastTapY    int
	hasLastTap  bool

	// Two-finger tracking.
	initialPinchDist float64
	lastPinchDist    float64
	lastMidX         int
	lastMidY         int

	// Momentum scratch (guarded by mu; the worker reads them each tick).
	momentumVX float64
	momentumVY float64
	momentumX  int
	momentumY  int

	// Workers; start* cancels the previous instance first, so at most one
	// of each exists.
	longPress *worker
	momentum  *worker
	workerMu  sync.Mutex
}

// New creates an engine that injects through inj.
func New(inj types.Injector) *Engine {
	return &Engine{
		inj:    inj,
		bounds: Bounds{W: config.DefaultWidth, H: config.DefaultHeight},
	}
}

// SetDisplayBounds sets the host rectangle the client's normalized
// coordinates map to.
func (e *Engine) SetDisplayBounds(b Bounds) {
	e.mu.Lock()
	e.bounds = b
	e.mu.Unlock()
}

// Stop cancels the long-press and momentum workers and resets state.
func (e *Engine) Stop() {
	e.cancelLongPress()
	e.stopMomentum()
	e.mu.Lock()
	e.state = stateIdle
	e.mu.Unlock()
}

// HandleTouch is the entry point, called from the server's receive
// goroutine. Coordinates are normalized [0,1]; x2/y2 only matter when
// pointerCount is 2.
func (e *Engine) HandleTouch(pointerCount int, x1, y1, x2, y2 float32, action int) {
	sx1, sy1 := e.toScreen(x1, y1)
	if pointerCount >= 2 {
		sx2, sy2 := e.toScreen(x2, y2)
		e.twoFinger(sx1, sy1, sx2, sy2, action)
		return
	}
	e.oneFinger(sx1, sy1, action)
}

func (e *Engine) toScreen(nx, ny float32) (int, int) {
	e.mu.Lock()
	b := e.bounds
	e.mu.Unlock()
	return b.X + int(float64(nx)*float64(b.W)), b.Y + int(float64(ny)*float64(b.H))
}

func dist(x1, y1, x2, y2 int) float64 {
	dx := float64(x2 - x1)
	dy := float64(y2 - y1)
	return math.Sqrt(dx*dx + dy*dy)
}

// ---------------------------------------------------------------------------
// One-finger state machine
// ---------------------------------------------------------------------------

func (e *Engine) oneFinger(x, y, action int) {
	switch action {
	case actionDown:
		e.oneFingerDown(x, y)
	case actionMove:
		e.oneFingerMove(x, y)
	case actionUp:
		e.oneFingerUp(x, y)
	}
}

func (e *Engine) oneFingerDown(x, y int) {
	// Cancel workers before taking the lock: both join goroutines that
	// also acquire it.
	e.stopMomentum()
	e.cancelLongPress()

	e.mu.Lock()
	e.startX, e.startY = x, y
	e.lastX, e.lastY = x, y
	e.startTime = time.Now()
	e.lastMoveTime = e.startTime
	e.state = statePending
	e.mu.Unlock()

	e.inj.Move(x, y)
	e.startLongPress()
}

type moveAction int

const (
	moveNone moveAction = iota
	moveStartScroll
	moveScroll
	moveStartDrag
	moveDrag
)

func (e *Engine) oneFingerMove(x, y int) {
	var (
		todo         moveAction
		sx, sy       float64
		dragX, dragY int
	)

	e.mu.Lock()
	now := time.Now()
	deltaX := float64(x - e.lastX)
	deltaY := float64(y - e.lastY)
	total := dist(e.startX, e.startY, x, y)

	switch e.state {
	case statePending:
		if total > config.TapMaxDistance {
			e.state = stateScrolling
			sx = deltaX * config.ScrollSensitivity
			sy = deltaY * config.ScrollSensitivity
			e.lastScrollDX, e.lastScrollDY = sx, sy
			todo = moveStartScroll
		}

	case stateLongPressReady:
		if total > config.TapMaxDistance {
			e.state = stateDragging
			dragX, dragY = e.startX, e.startY
			todo = moveStartDrag
		}

	case stateScrolling:
		sx = deltaX * config.ScrollSensitivity
		sy = deltaY * config.ScrollSensitivity
		// Velocity only counts when samples arrive at a believable rate;
		// stalls and bursts would skew the momentum launch.
		if dt := now.Sub(e.lastMoveTime); dt > 0 && dt < 100*time.Millisecond {
			e.lastScrollDX, e.lastScrollDY = sx, sy
		}
		todo = moveScroll

	case stateDragging:
		todo = moveDrag
	}

	e.lastX, e.lastY = x, y
	e.lastMoveTime = now
	e.mu.Unlock()

	switch todo {
	case moveStartScroll:
		e.cancelLongPress()
		e.injectScroll(x, y, int(sx), int(sy))
	case moveScroll:
		e.injectScroll(x, y, int(sx), int(sy))
	case moveStartDrag:
		e.inj.Move(dragX, dragY)
		e.inj.Button(types.ButtonLeft, true)
		e.inj.Move(x, y)
	case moveDrag:
		e.inj.Move(x, y)
	}
}

type upAction int

const (
	upNone upAction = iota
	upSingleTap
	upDoubleTap
	upRightClick
	upMomentum
	upDragEnd
)

func (e *Engine) oneFingerUp(x, y int) {
	e.cancelLongPress()

	var (
		todo   upAction
		vx, vy float64
	)

	e.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(e.startTime)
	d := dist(e.startX, e.startY, x, y)

	switch e.state {
	case statePending:
		if d < config.TapMaxDistance && elapsed < config.TapMaxTime {
			sinceLast := now.Sub(e.lastTapTime)
			fromLast := dist(e.lastTapX, e.lastTapY, x, y)
			if e.hasLastTap && sinceLast < config.DoubleTapMaxTime &&
				fromLast < config.DoubleTapMaxDist {
				todo = upDoubleTap
				e.hasLastTap = false // no triple-tap chains
			} else {
				todo = upSingleTap
				e.lastTapTime = now
				e.lastTapX, e.lastTapY = x, y
				e.hasLastTap = true
			}
		}

	case stateLongPressReady:
		todo = upRightClick

	case stateScrolling:
		if now.Sub(e.lastMoveTime) < 50*time.Millisecond {
			if math.Abs(e.lastScrollDX) > 2 || math.Abs(e.lastScrollDY) > 2 {
				vx = e.lastScrollDX * 6
				vy = e.lastScrollDY * 6
				todo = upMomentum
			}
		}

	case stateDragging:
		todo = upDragEnd
	}

	e.state = stateIdle
	if todo == upMomentum {
		e.momentumX, e.momentumY = x, y
	}
	e.mu.Unlock()

	switch todo {
	case upSingleTap:
		e.inj.Button(types.ButtonLeft, true)
		e.inj.Button(types.ButtonLeft, false)
	case upDoubleTap:
		e.inj.Button(types.ButtonLeft, true)
		e.inj.Button(types.ButtonLeft, false)
		e.inj.Button(types.ButtonLeft, true)
		e.inj.Button(types.ButtonLeft, false)
	case upRightClick:
		e.inj.Button(types.ButtonRight, true)
		e.inj.Button(types.ButtonRight, false)
	case upMomentum:
		e.startMomentum(vx, vy)
	case upDragEnd:
		e.inj.Button(types.ButtonLeft, false)
	}
}

// ---------------------------------------------------------------------------
// Two-finger gestures
// ---------------------------------------------------------------------------

func (e *Engine) twoFinger(x1, y1, x2, y2, action int) {
	d := dist(x1, y1, x2, y2)
	midX := (x1 + x2) / 2
	midY := (y1 + y2) / 2

	switch action {
	case actionDown:
		e.cancelLongPress()
		e.stopMomentum()
		e.mu.Lock()
		e.state = stateIdle // fresh two-finger classification
		e.initialPinchDist = d
		e.lastPinchDist = d
		e.lastMidX, e.lastMidY = midX, midY
		e.mu.Unlock()

	case actionMove:
		var (
			scroll     bool
			zoom       bool
			dx, dy     float64
			zoomAmount int
		)

		e.mu.Lock()
		distChange := math.Abs(d - e.initialPinchDist)
		midDelta := dist(e.lastMidX, e.lastMidY, midX, midY)

		if e.state != stateTwoFingerScroll && e.state != statePinching {
			if distChange > config.PinchMinDistance {
				e.state = statePinching
			} else if midDelta > config.TapMaxDistance {
				e.state = stateTwoFingerScroll
			}
		}

		switch e.state {
		case stateTwoFingerScroll:
			dx = float64(midX-e.lastMidX) * config.ScrollSensitivity
			dy = float64(midY-e.lastMidY) * config.ScrollSensitivity
			scroll = true
		case statePinching:
			zoomAmount = int(math.Round((d - e.lastPinchDist) * 0.5))
			e.lastPinchDist = d
			zoom = zoomAmount != 0
		}

		e.lastMidX, e.lastMidY = midX, midY
		e.mu.Unlock()

		if scroll {
			e.injectScroll(midX, midY, int(dx), int(dy))
		} else if zoom {
			e.injectZoom(midX, midY, zoomAmount)
		}

	case actionUp:
		e.mu.Lock()
		e.state = stateIdle
		// Clear one-finger scratch so no stale delta leaks into the next
		// gesture.
		e.startX, e.startY = 0, 0
		e.lastX, e.lastY = 0, 0
		e.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Injection helpers (always called without the mutex)
// ---------------------------------------------------------------------------

func (e *Engine) injectScroll(x, y, dx, dy int) {
	// Target the window under the scroll position first.
	e.inj.Move(x, y)
	if dx != 0 || dy != 0 {
		e.inj.Wheel(dx, dy)
	}
}

// injectZoom maps pinch to Ctrl+wheel.
func (e *Engine) injectZoom(x, y, delta int) {
	e.inj.Move(x, y)
	e.inj.Modifier(types.ModifierCtrl, true)
	e.inj.Wheel(0, delta)
	e.inj.Modifier(types.ModifierCtrl, false)
}

// ---------------------------------------------------------------------------
// Long-press timer
// ---------------------------------------------------------------------------

func (e *Engine) startLongPress() {
	e.workerMu.Lock()
	if e.longPress != nil {
		w := e.longPress
		e.longPress = nil
		e.workerMu.Unlock()
		w.cancel()
		e.workerMu.Lock()
	}
	w := &worker{stop: make(chan struct{}), done: make(chan struct{})}
	e.longPress = w
	e.workerMu.Unlock()

	go func() {
		defer close(w.done)
		select {
		case <-w.stop:
		case <-time.After(config.LongPressTime):
			e.mu.Lock()
			if e.state == statePending {
				e.state = stateLongPressReady
			}
			e.mu.Unlock()
		}
	}()
}

func (e *Engine) cancelLongPress() {
	e.workerMu.Lock()
	w := e.longPress
	e.longPress = nil
	e.workerMu.Unlock()
	w.cancel()
}

// ---------------------------------------------------------------------------
// Momentum scrolling
// ---------------------------------------------------------------------------

func (e *Engine) startMomentum(vx, vy float64) {
	e.stopMomentum()

	e.mu.Lock()
	e.momentumVX, e.momentumVY = vx, vy
	e.mu.Unlock()

	w := &worker{stop: make(chan struct{}), done: make(chan struct{})}
	e.workerMu.Lock()
	e.momentum = w
	e.workerMu.Unlock()

	go e.momentumLoop(w)
}

func (e *Engine) stopMomentum() {
	e.workerMu.Lock()
	w := e.momentum
	e.momentum = nil
	e.workerMu.Unlock()
	w.cancel()

	e.mu.Lock()
	e.momentumVX, e.momentumVY = 0, 0
	e.mu.Unlock()
}

func (e *Engine) momentumLoop(w *worker) {
	defer close(w.done)

	ticker := time.NewTicker(config.MomentumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		if math.Abs(e.momentumVX) < config.MomentumMinVelocity &&
			math.Abs(e.momentumVY) < config.MomentumMinVelocity {
			e.mu.Unlock()
			return
		}
		x, y := e.momentumX, e.momentumY
		vx, vy := e.momentumVX, e.momentumVY
		e.mu.Unlock()

		e.injectScroll(x, y, int(math.Round(vx)), int(math.Round(vy)))

		e.mu.Lock()
		e.momentumVX *= config.MomentumDecay
		e.momentumVY *= config.MomentumDecay
		e.mu.Unlock()
	}
}
