// Package display creates and tears down the virtual monitor the client
// mirrors. On Linux it drives an unused XRandR output with a generated
// modeline, falling back to a dedicated Xvfb server when no output is
// free.
package display

// PositionStore persists the virtual display's desktop placement across
// sessions; backed by the settings file.
type PositionStore interface {
	LoadPosition() (x, y int, ok bool)
	SavePosition(x, y int)
}

// Manager is the virtual-display contract the supervisor consumes.
type Manager interface {
	Create(width, height, refresh int) error
	Destroy()
	IsCreated() bool
	// DisplayIndex is the monitor index the frame source should target;
	// -1 when no display was created.
	DisplayIndex() int
	SavePosition()
	RestorePosition()
}
