//go:build linux

// Package input injects mouse and modifier events into the host desktop.
// The Linux backend drives XTest for pointer and button events and a
// uinput wheel device for smooth pixel-level scrolling, falling back to
// X11 scroll buttons when /dev/uinput is unavailable.
package input

/*
#cgo pkg-config: x11 xtst
#include <X11/Xlib.h>
#include <X11/keysym.h>
#include <X11/extensions/XTest.h>
#include <stdlib.h>

static Display* input_display = NULL;

static int input_init(void) {
	input_display = XOpenDisplay(NULL);
	if (!input_display) return -1;
	return 0;
}

static void input_mouse_move(int x, int y) {
	if (!input_display) return;
	XTestFakeMotionEvent(input_display, DefaultScreen(input_display), x, y, 0);
	XFlush(input_display);
}

static void input_mouse_button(int button, int press) {
	if (!input_display) return;
	XTestFakeButtonEvent(input_display, button, press, 0);
	XFlush(input_display);
}

static void input_button_click(int button, int count) {
	if (!input_display) return;
	for (int i = 0; i < count; i++) {
		XTestFakeButtonEvent(input_display, button, True, 0);
		XTestFakeButtonEvent(input_display, button, False, 0);
	}
	XFlush(input_display);
}

static void input_key(unsigned int keysym, int press) {
	if (!input_display) return;
	KeyCode kc = XKeysymToKeycode(input_display, keysym);
	if (kc == 0) return;
	XTestFakeKeyEvent(input_display, kc, press, 0);
	XFlush(input_display);
}

static void input_destroy(void) {
	if (input_display) {
		XCloseDisplay(input_display);
		input_display = NULL;
	}
}
*/
import "C"
import (
	"fmt"
	"log"

	"sidescreen/internal/types"
)

const xkControlL = 0xFFE3

type xtestInjector struct {
	wheel *uinputWheel // nil when /dev/uinput is unavailable
}

// New opens the host display for injection.
func New() (types.Injector, error) {
	if C.input_init() != 0 {
		return nil, fmt.Errorf("%w: cannot open display for input", types.ErrAccessDenied)
	}

	inj := &xtestInjector{}
	wheel, err := newUinputWheel()
	if err != nil {
		log.Printf("input: uinput unavailable (%v), using X11 scroll buttons", err)
	} else {
		inj.wheel = wheel
		log.Printf("input: uinput scroll device created")
	}
	return inj, nil
}

func (inj *xtestInjector) Move(x, y int) {
	C.input_mouse_move(C.int(x), C.int(y))
}

func (inj *xtestInjector) Button(btn types.Button, down bool) {
	b := 1 // left
	if btn == types.ButtonRight {
		b = 3
	}
	press := 0
	if down {
		press = 1
	}
	C.input_mouse_button(C.int(b), C.int(press))
}

// Wheel scrolls by pixel deltas. With uinput one notch covers ~10 px;
// the X11 fallback clicks the discrete scroll buttons (4=up, 5=down,
// 6=left, 7=right). Positive dy means finger moved down, which scrolls
// content down — wheel up on X11.
func (inj *xtestInjector) Wheel(dx, dy int) {
	if inj.wheel != nil {
		inj.wheel.scroll(dx/10, dy/10)
		return
	}

	notches := func(d int) int {
		n := d / 10
		if n < 0 {
			n = -n
		}
		if n < 1 {
			n = 1
		}
		return n
	}
	if dy > 0 {
		C.input_button_click(4, C.int(notches(dy)))
	} else if dy < 0 {
		C.input_button_click(5, C.int(notches(dy)))
	}
	if dx > 0 {
		C.input_button_click(7, C.int(notches(dx)))
	} else if dx < 0 {
		C.input_button_click(6, C.int(notches(dx)))
	}
}

func (inj *xtestInjector) Modifier(key types.Modifier, down bool) {
	if key != types.ModifierCtrl {
		return
	}
	press := 0
	if down {
		press = 1
	}
	C.input_key(C.uint(xkControlL), C.int(press))
}

func (inj *xtestInjector) Close() {
	if inj.wheel != nil {
		inj.wheel.close()
	}
	C.input_destroy()
}
