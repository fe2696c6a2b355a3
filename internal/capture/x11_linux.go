//go:build linux

package capture

/*
#cgo pkg-config: x11 xext xfixes xrandr
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <X11/extensions/Xrandr.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	Display *display;
	Window root;
	XShmSegmentInfo shminfo;
	XImage *image;
	int x;
	int y;
	int width;
	int height;
} X11Grabber;

// x11_query_monitor fills the geometry of monitor `index` (0 = primary
// ordering as reported by XRandR). Returns 0 on success, -1 when the index
// is out of range or XRandR is unavailable (caller falls back to the full
// root geometry).
static int x11_query_monitor(Display *dpy, Window root, int index,
                             int *x, int *y, int *w, int *h) {
	int nmon = 0;
	XRRMonitorInfo *mons = XRRGetMonitors(dpy, root, True, &nmon);
	if (!mons) return -1;
	if (index < 0 || index >= nmon) {
		XRRFreeMonitors(mons);
		return -1;
	}
	*x = mons[index].x;
	*y = mons[index].y;
	*w = mons[index].width;
	*h = mons[index].height;
	XRRFreeMonitors(mons);
	return 0;
}

static X11Grabber* x11_grabber_init(int monitor_index) {
	X11Grabber *g = (X11Grabber*)calloc(1, sizeof(X11Grabber));
	if (!g) return NULL;

	g->display = XOpenDisplay(NULL);
	if (!g->display) { free(g); return NULL; }

	int screen = DefaultScreen(g->display);
	g->root = RootWindow(g->display, screen);

	if (x11_query_monitor(g->display, g->root, monitor_index,
	                      &g->x, &g->y, &g->width, &g->height) != 0) {
		g->x = 0;
		g->y = 0;
		g->width = DisplayWidth(g->display, screen);
		g->height = DisplayHeight(g->display, screen);
	}

	g->image = XShmCreateImage(g->display,
		DefaultVisual(g->display, screen),
		DefaultDepth(g->display, screen),
		ZPixmap, NULL, &g->shminfo,
		g->width, g->height);
	if (!g->image) {
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	g->shminfo.shmid = shmget(IPC_PRIVATE,
		g->image->bytes_per_line * g->image->height,
		IPC_CREAT | 0600);
	if (g->shminfo.shmid < 0) {
		XDestroyImage(g->image);
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	g->shminfo.shmaddr = g->image->data = (char*)shmat(g->shminfo.shmid, NULL, 0);
	g->shminfo.readOnly = False;

	if (!XShmAttach(g->display, &g->shminfo)) {
		shmdt(g->shminfo.shmaddr);
		shmctl(g->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(g->image);
		XCloseDisplay(g->display);
		free(g);
		return NULL;
	}

	// Mark for removal so the segment is reclaimed when we detach
	shmctl(g->shminfo.shmid, IPC_RMID, NULL);

	return g;
}

static int x11_grabber_grab(X11Grabber *g) {
	if (!XShmGetImage(g->display, g->root, g->image, g->x, g->y, AllPlanes)) {
		return -1;
	}
	XSync(g->display, False);
	return 0;
}

static void x11_composite_cursor(X11Grabber *g) {
	XFixesCursorImage *cursor = XFixesGetCursorImage(g->display);
	if (!cursor) return;

	int cx = cursor->x - cursor->xhot - g->x;
	int cy = cursor->y - cursor->yhot - g->y;

	for (int y = 0; y < (int)cursor->height; y++) {
		int dy = cy + y;
		if (dy < 0 || dy >= g->height) continue;
		for (int x = 0; x < (int)cursor->width; x++) {
			int dx = cx + x;
			if (dx < 0 || dx >= g->width) continue;

			unsigned long pixel = cursor->pixels[y * cursor->width + x];
			unsigned char a = (pixel >> 24) & 0xFF;
			if (a == 0) continue;

			unsigned char cr = (pixel >> 0) & 0xFF;
			unsigned char cg = (pixel >> 8) & 0xFF;
			unsigned char cb = (pixel >> 16) & 0xFF;

			int offset = dy * g->image->bytes_per_line + dx * 4;
			unsigned char *dst = (unsigned char*)g->image->data + offset;

			if (a == 255) {
				dst[0] = cb;
				dst[1] = cg;
				dst[2] = cr;
			} else {
				dst[0] = (cb * a + dst[0] * (255 - a)) / 255;
				dst[1] = (cg * a + dst[1] * (255 - a)) / 255;
				dst[2] = (cr * a + dst[2] * (255 - a)) / 255;
			}
		}
	}
	XFree(cursor);
}

static void x11_grabber_destroy(X11Grabber *g) {
	if (!g) return;
	XShmDetach(g->display, &g->shminfo);
	shmdt(g->shminfo.shmaddr);
	XDestroyImage(g->image);
	XCloseDisplay(g->display);
	free(g);
}
*/
import "C"
import (
	"fmt"
	"log"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"sidescreen/internal/types"
)

// x11Grabber captures one monitor's rectangle via X11 shared memory.
type x11Grabber struct {
	c *C.X11Grabber
}

func openPlatformGrabber(displayIndex int) (grabber, error) {
	if os.Getenv("DISPLAY") == "" {
		return nil, fmt.Errorf("%w: DISPLAY not set", types.ErrNoDisplay)
	}

	g := C.x11_grabber_init(C.int(displayIndex))
	if g == nil {
		return nil, fmt.Errorf("%w: XShm init failed for monitor %d",
			types.ErrNoDisplay, displayIndex)
	}
	log.Printf("capture: XShm monitor %d (%dx%d at %d,%d)",
		displayIndex, int(g.width), int(g.height), int(g.x), int(g.y))
	return &x11Grabber{c: g}, nil
}

func (g *x11Grabber) size() (int, int) {
	return int(g.c.width), int(g.c.height)
}

func (g *x11Grabber) origin() (int, int) {
	return int(g.c.x), int(g.c.y)
}

func (g *x11Grabber) grab() (*types.Frame, error) {
	if C.x11_grabber_grab(g.c) != 0 {
		// XShmGetImage failing after a successful init means the
		// geometry or the server changed under us.
		return nil, fmt.Errorf("%w: XShmGetImage failed", errAccessLost)
	}
	C.x11_composite_cursor(g.c)

	return &types.Frame{
		Ptr:    unsafe.Pointer(g.c.image.data),
		Width:  int(g.c.width),
		Height: int(g.c.height),
		Stride: int(g.c.image.bytes_per_line),
		PixFmt: types.PixFmtBGRA,
	}, nil
}

func (g *x11Grabber) close() {
	C.x11_grabber_destroy(g.c)
}

// bumpWorkerPriority asks for a niceness boost so capture keeps its cadence
// under load. Failing is fine; most users run without CAP_SYS_NICE.
func bumpWorkerPriority() {
	_ = unix.Setpriority(unix.PRIO_PROCESS, 0, -10)
}
