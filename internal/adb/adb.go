// Package adb sets up USB reverse port forwarding so the tablet reaches
// the daemon over the cable: `adb reverse tcp:<port> tcp:<port>` on start,
// removed on stop. Every failure here is non-fatal — the client falls back
// to Wi-Fi.
package adb

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	goadb "github.com/basiooo/goadb"
	"github.com/pkg/errors"
)

// Bridge manages the adb binary and one reverse forward.
type Bridge struct {
	adbPath string
	client  *goadb.Adb
	port    int
}

// New locates adb and connects to (or starts) the local adb server.
// Returns an error only when adb is entirely absent.
func New() (*Bridge, error) {
	path, err := findAdb()
	if err != nil {
		return nil, err
	}

	b := &Bridge{adbPath: path}

	client, err := goadb.New()
	if err != nil {
		log.Printf("adb: client init failed (%v), using CLI only", err)
	} else {
		if err := client.StartServer(); err != nil {
			log.Printf("adb: start-server: %v", err)
		}
		b.client = client
	}
	return b, nil
}

// findAdb checks PATH, then the usual SDK install locations.
func findAdb() (string, error) {
	if path, err := exec.LookPath("adb"); err == nil {
		return path, nil
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "Android/Sdk/platform-tools/adb"),
		filepath.Join(home, ".android/sdk/platform-tools/adb"),
		"/usr/local/bin/adb",
		"/usr/bin/adb",
		"/opt/android-sdk/platform-tools/adb",
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("adb not found")
}

// DeviceConnected reports whether a USB device is online.
func (b *Bridge) DeviceConnected() bool {
	if b.client != nil {
		devices, err := b.client.ListDevices()
		if err == nil {
			return len(devices) > 0
		}
		log.Printf("adb: list devices: %v", err)
	}

	// CLI fallback when the server socket misbehaves.
	out, err := exec.Command(b.adbPath, "get-state").Output()
	return err == nil && string(out) != ""
}

// SetupReverse forwards the device's port back to the host.
func (b *Bridge) SetupReverse(port int) error {
	spec := fmt.Sprintf("tcp:%d", port)
	if err := exec.Command(b.adbPath, "reverse", spec, spec).Run(); err != nil {
		return errors.Wrapf(err, "adb reverse %s", spec)
	}
	b.port = port
	log.Printf("adb: reverse forwarding set up on port %d", port)
	return nil
}

// RemoveReverse tears the forward down.
func (b *Bridge) RemoveReverse() {
	if b.port == 0 {
		return
	}
	spec := fmt.Sprintf("tcp:%d", b.port)
	if err := exec.Command(b.adbPath, "reverse", "--remove", spec).Run(); err != nil {
		log.Printf("adb: remove reverse %s: %v", spec, err)
	}
	b.port = 0
}
