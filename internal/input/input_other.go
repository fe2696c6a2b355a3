//go:build !linux

package input

import "sidescreen/internal/types"

// New reports that no input backend exists on this platform.
func New() (types.Injector, error) {
	return nil, types.ErrBackendMissing
}
