//go:build !linux

package display

import "fmt"

type noopManager struct{}

// NewManager returns a manager that cannot create displays on this
// platform; the supervisor falls back to capturing the primary monitor.
func NewManager(store PositionStore) Manager {
	return noopManager{}
}

func (noopManager) Create(width, height, refresh int) error {
	return fmt.Errorf("virtual display not supported on this platform")
}
func (noopManager) Destroy()          {}
func (noopManager) IsCreated() bool   { return false }
func (noopManager) DisplayIndex() int { return -1 }
func (noopManager) SavePosition()     {}
func (noopManager) RestorePosition()  {}
