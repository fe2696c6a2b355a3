//go:build linux

package input

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uinput ioctls and event codes (linux/uinput.h, linux/input-event-codes.h).
// x/sys/unix does not carry these, so they are spelled out here.
const (
	uiSetEvBit   = 0x40045564 // _IOW('U', 100, int)
	uiSetKeyBit  = 0x40045565 // _IOW('U', 101, int)
	uiSetRelBit  = 0x40045566 // _IOW('U', 102, int)
	uiDevSetup   = 0x405c5503 // _IOW('U', 3, struct uinput_setup)
	uiDevCreate  = 0x00005501 // _IO('U', 1)
	uiDevDestroy = 0x00005502 // _IO('U', 2)

	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02

	relHWheel = 0x06
	relWheel  = 0x08

	btnLeft   = 0x110
	synReport = 0x00

	busVirtual = 0x06
)

// uinputSetup mirrors struct uinput_setup.
type uinputSetup struct {
	ID struct {
		Bustype uint16
		Vendor  uint16
		Product uint16
		Version uint16
	}
	Name         [80]byte
	FFEffectsMax uint32
}

// inputEvent mirrors struct input_event on 64-bit Linux.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// uinputWheel is a virtual EV_REL device used for smooth scrolling; XTest
// scroll buttons are discrete, REL_WHEEL at high event rates is not.
type uinputWheel struct {
	fd int
}

func newUinputWheel() (*uinputWheel, error) {
	fd, err := unix.Open("/dev/uinput", unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/uinput: %w", err)
	}

	w := &uinputWheel{fd: fd}
	for _, c := range []struct{ req, val int }{
		{uiSetEvBit, evRel},
		{uiSetRelBit, relWheel},
		{uiSetRelBit, relHWheel},
		// BTN_LEFT registration makes some compositors accept the device.
		{uiSetEvBit, evKey},
		{uiSetKeyBit, btnLeft},
		{uiSetEvBit, evSyn},
	} {
		if err := unix.IoctlSetInt(fd, uint(c.req), c.val); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("uinput ioctl setup: %w", err)
		}
	}

	var setup uinputSetup
	setup.ID.Bustype = busVirtual
	setup.ID.Vendor = 0x1234
	setup.ID.Product = 0x5678
	copy(setup.Name[:], "SideScreen Virtual Scroll")

	if err := ioctlPtr(fd, uiDevSetup, unsafe.Pointer(&setup)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uinput device setup: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uinput device create: %w", err)
	}

	return w, nil
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (w *uinputWheel) emit(typ, code uint16, value int32) {
	ev := inputEvent{Type: typ, Code: code, Value: value}
	buf := (*[unsafe.Sizeof(ev)]byte)(unsafe.Pointer(&ev))[:]
	unix.Write(w.fd, buf)
}

// scroll emits wheel notches followed by a SYN_REPORT flush.
func (w *uinputWheel) scroll(dx, dy int) {
	if dx == 0 && dy == 0 {
		return
	}
	if dy != 0 {
		w.emit(evRel, relWheel, int32(dy))
	}
	if dx != 0 {
		w.emit(evRel, relHWheel, int32(dx))
	}
	w.emit(evSyn, synReport, 0)
}

func (w *uinputWheel) close() {
	unix.IoctlSetInt(w.fd, uiDevDestroy, 0)
	unix.Close(w.fd)
}
