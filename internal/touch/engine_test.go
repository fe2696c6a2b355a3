package touch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidescreen/internal/types"
)

// call is one recorded injector invocation.
type call struct {
	kind string // "move", "button", "wheel", "modifier"
	x, y int
	btn  types.Button
	down bool
	dx   int
	dy   int
	mod  types.Modifier
}

func (c call) String() string {
	switch c.kind {
	case "move":
		return fmt.Sprintf("move(%d,%d)", c.x, c.y)
	case "button":
		return fmt.Sprintf("button(%v,%v)", c.btn, c.down)
	case "wheel":
		return fmt.Sprintf("wheel(%d,%d)", c.dx, c.dy)
	default:
		return fmt.Sprintf("modifier(%v,%v)", c.mod, c.down)
	}
}

// fakeInjector records calls and asserts the engine mutex is free at
// injection time.
type fakeInjector struct {
	mu     sync.Mutex
	calls  []call
	engine *Engine
	t      *testing.T
}

func (f *fakeInjector) assertUnlocked() {
	if f.engine == nil {
		return
	}
	if !f.engine.mu.TryLock() {
		f.t.Error("injector called with gesture mutex held")
		return
	}
	f.engine.mu.Unlock()
}

func (f *fakeInjector) record(c call) {
	f.assertUnlocked()
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeInjector) Move(x, y int) { f.record(call{kind: "move", x: x, y: y}) }
func (f *fakeInjector) Button(btn types.Button, down bool) {
	f.record(call{kind: "button", btn: btn, down: down})
}
func (f *fakeInjector) Wheel(dx, dy int) { f.record(call{kind: "wheel", dx: dx, dy: dy}) }
func (f *fakeInjector) Modifier(m types.Modifier, down bool) {
	f.record(call{kind: "modifier", mod: m, down: down})
}
func (f *fakeInjector) Close() {}

func (f *fakeInjector) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeInjector) count(kind string) int {
	n := 0
	for _, c := range f.snapshot() {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T) (*Engine, *fakeInjector) {
	inj := &fakeInjector{t: t}
	e := New(inj)
	inj.engine = e
	e.SetDisplayBounds(Bounds{X: 0, Y: 0, W: 1920, H: 1200})
	t.Cleanup(e.Stop)
	return e, inj
}

func TestSingleTap(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionDown)
	time.Sleep(50 * time.Millisecond)
	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionUp)

	calls := inj.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, call{kind: "move", x: 960, y: 600}, calls[0])
	assert.Equal(t, call{kind: "button", btn: types.ButtonLeft, down: true}, calls[1])
	assert.Equal(t, call{kind: "button", btn: types.ButtonLeft, down: false}, calls[2])
}

func TestUpAlwaysReturnsToIdle(t *testing.T) {
	e, _ := newTestEngine(t)

	sequences := [][3]int{
		{actionDown, actionMove, actionUp},
		{actionDown, actionUp, actionUp},
	}
	for _, seq := range sequences {
		for _, a := range seq {
			e.HandleTouch(1, 0.5, 0.5, 0, 0, a)
		}
		e.mu.Lock()
		st := e.state
		e.mu.Unlock()
		assert.Equal(t, stateIdle, st)
	}

	// Two-finger UP resets as well.
	e.HandleTouch(2, 0.4, 0.4, 0.6, 0.6, actionDown)
	e.HandleTouch(2, 0.4, 0.4, 0.6, 0.6, actionUp)
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	assert.Equal(t, stateIdle, st)
}

func TestDoubleTapThenSingle(t *testing.T) {
	e, inj := newTestEngine(t)

	tap := func() {
		e.HandleTouch(1, 0.5, 0.5, 0, 0, actionDown)
		time.Sleep(30 * time.Millisecond)
		e.HandleTouch(1, 0.5, 0.5, 0, 0, actionUp)
	}

	tap() // single: down/up
	time.Sleep(150 * time.Millisecond)
	tap() // double: down/up/down/up

	buttons := 0
	for _, c := range inj.snapshot() {
		if c.kind == "button" {
			buttons++
		}
	}
	assert.Equal(t, 2+4, buttons, "single tap then double tap")

	// State was cleared: a third identical tap is a single again, not a
	// triple chain.
	time.Sleep(150 * time.Millisecond)
	tap()
	buttons = 0
	for _, c := range inj.snapshot() {
		if c.kind == "button" {
			buttons++
		}
	}
	assert.Equal(t, 2+4+2, buttons)
}

func TestLongPressRightClick(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionDown)
	time.Sleep(600 * time.Millisecond) // past LONG_PRESS_TIME
	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionUp)

	calls := inj.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, call{kind: "button", btn: types.ButtonRight, down: true}, calls[1])
	assert.Equal(t, call{kind: "button", btn: types.ButtonRight, down: false}, calls[2])
}

func TestLongPressDrag(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionDown)
	time.Sleep(600 * time.Millisecond)

	// Move beyond the tap threshold: mouse-down at the start point, then
	// follow the finger.
	e.HandleTouch(1, 0.6, 0.5, 0, 0, actionMove)
	e.HandleTouch(1, 0.7, 0.5, 0, 0, actionMove)
	e.HandleTouch(1, 0.7, 0.5, 0, 0, actionUp)

	calls := inj.snapshot()
	// move(down) + [move(start), left-down, move] + move + left-up
	require.GreaterOrEqual(t, len(calls), 6)
	assert.Equal(t, call{kind: "move", x: 960, y: 600}, calls[1], "drag anchors at the touch-start point")
	assert.Equal(t, call{kind: "button", btn: types.ButtonLeft, down: true}, calls[2])
	last := calls[len(calls)-1]
	assert.Equal(t, call{kind: "button", btn: types.ButtonLeft, down: false}, last)
}

func TestMoveCancelsLongPress(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionDown)
	e.HandleTouch(1, 0.6, 0.5, 0, 0, actionMove) // scroll before timer fires
	time.Sleep(600 * time.Millisecond)
	e.HandleTouch(1, 0.6, 0.5, 0, 0, actionUp)

	for _, c := range inj.snapshot() {
		if c.kind == "button" && c.btn == types.ButtonRight {
			t.Fatalf("long press fired after scroll started: %v", c)
		}
	}
}

func TestScrollEmitsWheel(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionDown)
	e.HandleTouch(1, 0.5, 0.55, 0, 0, actionMove) // 60 px down

	calls := inj.snapshot()
	var wheel *call
	for i := range calls {
		if calls[i].kind == "wheel" {
			wheel = &calls[i]
			break
		}
	}
	require.NotNil(t, wheel, "crossing the tap threshold must start scrolling")
	// 60 px * 1.2 sensitivity = 72.
	assert.Equal(t, 72, wheel.dy)
	assert.Equal(t, 0, wheel.dx)

	e.HandleTouch(1, 0.5, 0.55, 0, 0, actionUp)
}

func TestMomentumScrollDecaysAndStops(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(1, 0.5, 0.3, 0, 0, actionDown)
	// Fast flick: several quick moves with healthy deltas.
	y := 0.3
	for i := 0; i < 4; i++ {
		y += 0.03 // 36 px per step
		e.HandleTouch(1, 0.5, float32(y), 0, 0, actionMove)
		time.Sleep(10 * time.Millisecond)
	}
	before := inj.count("wheel")
	e.HandleTouch(1, 0.5, float32(y), 0, 0, actionUp)

	// The momentum worker keeps emitting wheel events for a while.
	require.Eventually(t, func() bool {
		return inj.count("wheel") > before+2
	}, time.Second, 5*time.Millisecond, "momentum must continue after UP")

	// And it terminates once velocity decays below the threshold.
	var settled int
	require.Eventually(t, func() bool {
		n := inj.count("wheel")
		if n == settled {
			return true
		}
		settled = n
		return false
	}, 5*time.Second, 100*time.Millisecond, "momentum must stop on its own")
}

func TestTouchDownCancelsMomentum(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(1, 0.5, 0.3, 0, 0, actionDown)
	y := 0.3
	for i := 0; i < 4; i++ {
		y += 0.03
		e.HandleTouch(1, 0.5, float32(y), 0, 0, actionMove)
		time.Sleep(10 * time.Millisecond)
	}
	e.HandleTouch(1, 0.5, float32(y), 0, 0, actionUp)
	time.Sleep(50 * time.Millisecond)

	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionDown) // cancels momentum
	n := inj.count("wheel")
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, inj.count("wheel"), n+1, "momentum must stop on a new touch")
	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionUp)
}

func TestTwoFingerScroll(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(2, 0.4, 0.4, 0.6, 0.4, actionDown)
	// Both fingers move down together: constant spread, moving midpoint.
	e.HandleTouch(2, 0.4, 0.44, 0.6, 0.44, actionMove)
	e.HandleTouch(2, 0.4, 0.48, 0.6, 0.48, actionMove)
	e.HandleTouch(2, 0.4, 0.48, 0.6, 0.48, actionUp)

	assert.Greater(t, inj.count("wheel"), 0, "two-finger pan must scroll")
	assert.Equal(t, 0, inj.count("modifier"), "pan must not zoom")
}

func TestPinchZoom(t *testing.T) {
	e, inj := newTestEngine(t)

	e.HandleTouch(2, 0.45, 0.5, 0.55, 0.5, actionDown) // 193 px apart (863 to 1056 after truncation)
	// Fingers spread apart: midpoint fixed, distance grows.
	e.HandleTouch(2, 0.40, 0.5, 0.60, 0.5, actionMove)
	e.HandleTouch(2, 0.35, 0.5, 0.65, 0.5, actionMove)
	e.HandleTouch(2, 0.35, 0.5, 0.65, 0.5, actionUp)

	calls := inj.snapshot()
	ctrlDown, wheelBetween, ctrlUp := false, false, false
	for _, c := range calls {
		switch {
		case c.kind == "modifier" && c.down:
			ctrlDown = true
		case c.kind == "wheel" && ctrlDown && !ctrlUp:
			wheelBetween = true
		case c.kind == "modifier" && !c.down:
			ctrlUp = true
		}
	}
	assert.True(t, ctrlDown && wheelBetween && ctrlUp, "pinch must map to Ctrl+wheel: %v", calls)
}

func TestTwoFingerClassificationIsSticky(t *testing.T) {
	e, inj := newTestEngine(t)

	// Start pinching; later midpoint drift must not reclassify as scroll.
	e.HandleTouch(2, 0.45, 0.5, 0.55, 0.5, actionDown)
	e.HandleTouch(2, 0.40, 0.5, 0.60, 0.5, actionMove) // pinch out
	modifiers := inj.count("modifier")
	require.Greater(t, modifiers, 0)

	e.HandleTouch(2, 0.42, 0.55, 0.62, 0.55, actionMove) // drifting midpoint
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	assert.Equal(t, statePinching, st)
	e.HandleTouch(2, 0.42, 0.55, 0.62, 0.55, actionUp)
}

func TestStopCancelsWorkers(t *testing.T) {
	e, _ := newTestEngine(t)

	e.HandleTouch(1, 0.5, 0.5, 0, 0, actionDown) // arms long-press
	e.Stop()

	e.workerMu.Lock()
	lp, mom := e.longPress, e.momentum
	e.workerMu.Unlock()
	assert.Nil(t, lp)
	assert.Nil(t, mom)
}
