//go:build !linux

package encode

// No encoder backends are built on this platform; New reports
// ErrBackendMissing.
var backendFactories []backendFactory
