//go:build !linux

package capture

import "sidescreen/internal/types"

func openPlatformGrabber(displayIndex int) (grabber, error) {
	return nil, types.ErrBackendMissing
}

func bumpWorkerPriority() {}
