//go:build linux

package display

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

type backend int

const (
	backendNone backend = iota
	backendXrandr
	backendXvfb
)

type manager struct {
	store PositionStore

	created bool
	backend backend

	width   int
	height  int
	refresh int

	// xrandr backend
	outputName string
	modeName   string

	// Xvfb backend
	xvfbCmd     *exec.Cmd
	xvfbDisplay string
}

// NewManager returns the Linux virtual-display manager. store may be nil
// (no position persistence).
func NewManager(store PositionStore) Manager {
	return &manager{store: store}
}

func (m *manager) Create(width, height, refresh int) error {
	if m.created {
		m.Destroy()
	}

	m.width, m.height, m.refresh = width, height, refresh

	if err := m.tryXrandr(width, height, refresh); err == nil {
		m.backend = backendXrandr
		m.created = true
		m.RestorePosition()
		log.Printf("display: virtual output %s (%dx%d@%d) via xrandr",
			m.outputName, width, height, refresh)
		return nil
	} else {
		log.Printf("display: xrandr backend unavailable: %v", err)
	}

	if err := m.tryXvfb(width, height); err == nil {
		m.backend = backendXvfb
		m.created = true
		log.Printf("display: Xvfb server on %s (%dx%d)", m.xvfbDisplay, width, height)
		return nil
	} else {
		log.Printf("display: Xvfb backend unavailable: %v", err)
	}

	return fmt.Errorf("no virtual display backend available")
}

func (m *manager) Destroy() {
	if !m.created {
		return
	}

	switch m.backend {
	case backendXrandr:
		if m.outputName != "" {
			runStatus("xrandr", "--output", m.outputName, "--off")
			if m.modeName != "" {
				runStatus("xrandr", "--delmode", m.outputName, m.modeName)
				runStatus("xrandr", "--rmmode", m.modeName)
			}
		}
		m.outputName = ""
		m.modeName = ""

	case backendXvfb:
		if m.xvfbCmd != nil && m.xvfbCmd.Process != nil {
			m.xvfbCmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				m.xvfbCmd.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				m.xvfbCmd.Process.Kill()
				<-done
			}
		}
		m.xvfbCmd = nil
		m.xvfbDisplay = ""
	}

	m.backend = backendNone
	m.created = false
	log.Printf("display: virtual display destroyed")
}

func (m *manager) IsCreated() bool { return m.created }

func (m *manager) DisplayIndex() int {
	if !m.created {
		return -1
	}
	switch m.backend {
	case backendXrandr:
		return m.resolveMonitorIndex(m.outputName)
	case backendXvfb:
		// A separate X display; index 0 within it.
		return 0
	}
	return -1
}

// SavePosition records the output's current desktop placement.
func (m *manager) SavePosition() {
	if !m.created || m.backend != backendXrandr || m.store == nil {
		return
	}
	out, err := run("xrandr", "--query")
	if err != nil {
		return
	}
	// "VIRTUAL1 connected 1920x1200+3840+0 ..."
	re := regexp.MustCompile(regexp.QuoteMeta(m.outputName) + `\s+connected\s+\d+x\d+\+(\d+)\+(\d+)`)
	match := re.FindStringSubmatch(out)
	if match == nil {
		return
	}
	x, _ := strconv.Atoi(match[1])
	y, _ := strconv.Atoi(match[2])
	m.store.SavePosition(x, y)
}

// RestorePosition re-applies the saved placement.
func (m *manager) RestorePosition() {
	if !m.created || m.backend != backendXrandr || m.store == nil {
		return
	}
	x, y, ok := m.store.LoadPosition()
	if !ok {
		return
	}
	runStatus("xrandr", "--output", m.outputName, "--pos", fmt.Sprintf("%dx%d", x, y))
}

// ---------------------------------------------------------------------------
// xrandr backend
// ---------------------------------------------------------------------------

func (m *manager) tryXrandr(width, height, refresh int) error {
	output, err := m.findUnusedOutput()
	if err != nil {
		return err
	}

	modeName, modeParams, err := computeModeline(width, height, refresh)
	if err != nil {
		return err
	}

	// newmode may fail if the mode survived a previous crash; addmode is
	// the authoritative check.
	runStatus("xrandr", append([]string{"--newmode", modeName}, modeParams...)...)

	if err := runStatus("xrandr", "--addmode", output, modeName); err != nil {
		runStatus("xrandr", "--rmmode", modeName)
		return errors.Wrapf(err, "addmode %s to %s", modeName, output)
	}

	// Place the new output right of the primary; plain enable as a
	// fallback when no primary is marked.
	primary := m.primaryOutput()
	var enableErr error
	if primary != "" {
		enableErr = runStatus("xrandr", "--output", output, "--mode", modeName, "--right-of", primary)
	}
	if primary == "" || enableErr != nil {
		enableErr = runStatus("xrandr", "--output", output, "--mode", modeName)
	}
	if enableErr != nil {
		runStatus("xrandr", "--delmode", output, modeName)
		runStatus("xrandr", "--rmmode", modeName)
		return errors.Wrapf(enableErr, "enable output %s", output)
	}

	m.outputName = output
	m.modeName = modeName
	return nil
}

// findUnusedOutput picks a disconnected output, preferring VIRTUAL/DUMMY
// names.
func (m *manager) findUnusedOutput() (string, error) {
	out, err := run("xrandr", "--query")
	if err != nil {
		return "", errors.Wrap(err, "xrandr query")
	}

	var disconnected []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, " disconnected") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				disconnected = append(disconnected, fields[0])
			}
		}
	}
	if len(disconnected) == 0 {
		return "", fmt.Errorf("no disconnected output available")
	}

	for _, prefix := range []string{"VIRTUAL", "DUMMY", "None"} {
		for _, name := range disconnected {
			if strings.HasPrefix(name, prefix) {
				return name, nil
			}
		}
	}
	return disconnected[0], nil
}

func (m *manager) primaryOutput() string {
	out, err := run("xrandr", "--query")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, " connected primary") {
			return strings.Fields(line)[0]
		}
	}
	return ""
}

// computeModeline runs cvt and splits its Modeline into name and timing
// parameters.
func computeModeline(width, height, refresh int) (string, []string, error) {
	out, err := run("cvt", strconv.Itoa(width), strconv.Itoa(height), strconv.Itoa(refresh))
	if err != nil {
		return "", nil, errors.Wrap(err, "cvt")
	}
	name, params, err := parseModeline(out)
	if err != nil {
		return "", nil, fmt.Errorf("cvt for %dx%d@%d: %w", width, height, refresh, err)
	}
	return name, params, nil
}

// parseModeline extracts the quoted mode name and the timing parameters
// from cvt output.
func parseModeline(out string) (string, []string, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Modeline") {
			continue
		}
		q1 := strings.Index(line, "\"")
		q2 := strings.Index(line[q1+1:], "\"")
		if q1 < 0 || q2 < 0 {
			continue
		}
		name := line[q1+1 : q1+1+q2]
		params := strings.Fields(line[q1+q2+2:])
		if len(params) == 0 {
			continue
		}
		return name, params, nil
	}
	return "", nil, fmt.Errorf("no modeline in cvt output")
}

// resolveMonitorIndex maps the output name to its 0-based monitor index.
func (m *manager) resolveMonitorIndex(outputName string) int {
	out, err := run("xrandr", "--listmonitors")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, outputName) {
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(line[:colon])); err == nil {
			return n
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Xvfb backend
// ---------------------------------------------------------------------------

func (m *manager) tryXvfb(width, height int) error {
	if _, err := exec.LookPath("Xvfb"); err != nil {
		return errors.Wrap(err, "Xvfb not installed")
	}

	displayNum := -1
	for i := 1; i <= 10; i++ {
		if _, err := os.Stat(fmt.Sprintf("/tmp/.X%d-lock", i)); os.IsNotExist(err) {
			displayNum = i
			break
		}
	}
	if displayNum < 0 {
		return fmt.Errorf("no free display number")
	}

	display := fmt.Sprintf(":%d", displayNum)
	cmd := exec.Command("Xvfb", display,
		"-screen", "0", fmt.Sprintf("%dx%dx24", width, height),
		"-nolisten", "tcp")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: syscall.SIGTERM,
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start Xvfb")
	}

	// Wait for the server socket before declaring victory.
	sock := fmt.Sprintf("/tmp/.X11-unix/X%d", displayNum)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cmd.Process.Kill()
			cmd.Wait()
			return fmt.Errorf("Xvfb on %s not ready", display)
		}
		time.Sleep(100 * time.Millisecond)
	}

	m.xvfbCmd = cmd
	m.xvfbDisplay = display
	return nil
}

// ---------------------------------------------------------------------------
// exec helpers
// ---------------------------------------------------------------------------

func run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	return strings.TrimSpace(string(out)), err
}

func runStatus(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}
