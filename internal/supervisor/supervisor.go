// Package supervisor sequences startup and shutdown of the streaming
// pipeline, owns every component's lifetime, and propagates setting
// changes. It is the only place errors become user-visible messages.
package supervisor

import (
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"sidescreen/internal/adb"
	"sidescreen/internal/capture"
	"sidescreen/internal/display"
	"sidescreen/internal/encode"
	"sidescreen/internal/input"
	"sidescreen/internal/pipeline"
	"sidescreen/internal/protocol"
	"sidescreen/internal/server"
	"sidescreen/internal/settings"
	"sidescreen/internal/touch"
	"sidescreen/internal/types"
)

// Status is a snapshot surfaced to the CLI / logs.
type Status struct {
	Running         bool
	VirtualDisplay  bool
	ClientConnected bool
	EncoderName     string
	FPS             float64
	Mbps            float64
}

// Supervisor owns the component graph.
type Supervisor struct {
	store *settings.Store

	mu      sync.Mutex
	set     *settings.Settings
	running bool

	bridge     *adb.Bridge
	displayMgr display.Manager
	source     *capture.Source
	encoder    types.VideoEncoder
	srv        *server.Server
	injector   types.Injector
	engine     *touch.Engine
	coupler    *pipeline.Coupler

	statsMu sync.Mutex
	fps     float64
	mbps    float64
}

// positionAdapter persists the virtual display position through the
// settings store.
type positionAdapter struct{ sup *Supervisor }

func (p positionAdapter) LoadPosition() (int, int, bool) {
	p.sup.mu.Lock()
	defer p.sup.mu.Unlock()
	s := p.sup.set
	if s.DisplayPosX == 0 && s.DisplayPosY == 0 {
		return 0, 0, false
	}
	return s.DisplayPosX, s.DisplayPosY, true
}

func (p positionAdapter) SavePosition(x, y int) {
	p.sup.mu.Lock()
	p.sup.set.DisplayPosX = x
	p.sup.set.DisplayPosY = y
	set := *p.sup.set
	p.sup.mu.Unlock()
	if err := p.sup.store.Save(&set); err != nil {
		log.Printf("supervisor: save display position: %v", err)
	}
}

// New loads settings and builds an idle supervisor.
func New(store *settings.Store) (*Supervisor, error) {
	set, err := store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}
	return &Supervisor{store: store, set: set}, nil
}

// Settings returns a copy of the current settings.
func (sup *Supervisor) Settings() settings.Settings {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return *sup.set
}

// Override applies one-shot changes (CLI flags) to the in-memory settings
// without persisting them. Call before Start.
func (sup *Supervisor) Override(mut func(*settings.Settings)) error {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	next := *sup.set
	mut(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	*sup.set = next
	return nil
}

// Start brings the pipeline up in dependency order. Any failure tears down
// everything built so far and returns the user-visible error.
func (sup *Supervisor) Start() error {
	sup.mu.Lock()
	if sup.running {
		sup.mu.Unlock()
		return nil
	}
	set := *sup.set
	sup.mu.Unlock()

	log.Printf("supervisor: starting (port %d, %dx%d@%d, %d Mbps)",
		set.Port, set.Width, set.Height, set.EffectiveRefreshRate(), set.EffectiveBitrate())

	// 1. USB bridge: best effort, Wi-Fi is the fallback.
	bridge, err := adb.New()
	if err != nil {
		log.Printf("supervisor: adb not found — USB connection unavailable: %v", err)
	} else if bridge.DeviceConnected() {
		if err := bridge.SetupReverse(set.Port); err != nil {
			log.Printf("supervisor: %v", err)
		}
	} else {
		log.Printf("supervisor: no Android device on USB")
	}

	// 2. Virtual display; capture falls back to the primary monitor.
	displayMgr := display.NewManager(positionAdapter{sup})
	displayOK := false
	if err := displayMgr.Create(set.Width, set.Height, set.EffectiveRefreshRate()); err != nil {
		log.Printf("supervisor: virtual display failed, capturing primary monitor: %v", err)
	} else {
		displayOK = true
		// Give the desktop a moment to arrange the new output.
		time.Sleep(500 * time.Millisecond)
		displayMgr.RestorePosition()
	}

	fail := func(err error) error {
		sup.teardown(bridge, displayMgr, nil, nil, nil, nil, nil, nil)
		return err
	}

	// 3. Frame source.
	source := capture.New()
	initErr := errors.New("uninitialized")
	if displayOK && displayMgr.DisplayIndex() >= 0 {
		initErr = source.Initialize(displayMgr.DisplayIndex())
	}
	if initErr != nil {
		if initErr = source.Initialize(0); initErr != nil {
			return fail(errors.Wrap(initErr, "screen capture unavailable"))
		}
	}

	// 4. Encoder, choosing the first working backend.
	encoder, err := encode.New(source.Width(), source.Height(),
		set.EffectiveRefreshRate(), set.EffectiveBitrate())
	if err != nil {
		source.Close()
		return fail(errors.Wrap(err, "no H.265 encoder available"))
	}

	// 5. Streaming server.
	srv := server.New(set.Port)
	srv.SetDisplaySize(source.Width(), source.Height(), set.Rotation)

	// 6. Touch engine over the input backend.
	var engine *touch.Engine
	injector, err := input.New()
	if err != nil {
		log.Printf("supervisor: input injection unavailable, touch disabled: %v", err)
	} else {
		engine = touch.New(injector)
		ox, oy := source.Origin()
		engine.SetDisplayBounds(touch.Bounds{
			X: ox, Y: oy, W: source.Width(), H: source.Height(),
		})
	}

	// 7. Wire the pipeline and control callbacks.
	coupler := pipeline.New(source, encoder, srv)
	coupler.Connect()

	srv.SetTouchCallback(func(ev protocol.TouchEvent) {
		sup.mu.Lock()
		enabled := sup.set.TouchEnabled
		sup.mu.Unlock()
		if engine != nil && enabled {
			engine.HandleTouch(ev.PointerCount, ev.X1, ev.Y1, ev.X2, ev.Y2, ev.Action)
		}
	})
	srv.SetConnectionCallback(func(connected bool) {
		if connected {
			log.Printf("supervisor: client connected")
		} else {
			log.Printf("supervisor: client disconnected")
		}
	})
	srv.SetStatsCallback(func(fps, mbps float64) {
		sup.statsMu.Lock()
		sup.fps, sup.mbps = fps, mbps
		sup.statsMu.Unlock()
		log.Printf("supervisor: streaming %.1f fps, %.1f Mbps", fps, mbps)
	})

	// 8. Start the workers.
	source.StartCapture(set.EffectiveRefreshRate())
	if err := srv.Start(); err != nil {
		coupler.Disconnect()
		source.Close()
		encoder.Close()
		if injector != nil {
			injector.Close()
		}
		return fail(errors.Wrapf(err, "cannot listen on port %d", set.Port))
	}

	sup.mu.Lock()
	sup.bridge = bridge
	sup.displayMgr = displayMgr
	sup.source = source
	sup.encoder = encoder
	sup.srv = srv
	sup.injector = injector
	sup.engine = engine
	sup.coupler = coupler
	sup.running = true
	sup.mu.Unlock()

	log.Printf("supervisor: running on port %d, encoder %s", set.Port, encoder.Name())
	return nil
}

// Stop tears the pipeline down in reverse order. Idempotent.
func (sup *Supervisor) Stop() {
	sup.mu.Lock()
	if !sup.running {
		sup.mu.Unlock()
		return
	}
	sup.running = false
	bridge, displayMgr := sup.bridge, sup.displayMgr
	source, encoder := sup.source, sup.encoder
	srv, injector := sup.srv, sup.injector
	engine, coupler := sup.engine, sup.coupler
	sup.bridge, sup.displayMgr = nil, nil
	sup.source, sup.encoder = nil, nil
	sup.srv, sup.injector = nil, nil
	sup.engine, sup.coupler = nil, nil
	sup.mu.Unlock()

	log.Printf("supervisor: stopping")
	sup.teardown(bridge, displayMgr, source, encoder, srv, injector, engine, coupler)
	log.Printf("supervisor: stopped")
}

// teardown releases whatever subset of the graph exists, reverse of the
// startup order: server, source, callbacks, encoder, engine, display, adb.
func (sup *Supervisor) teardown(bridge *adb.Bridge, displayMgr display.Manager,
	source *capture.Source, encoder types.VideoEncoder, srv *server.Server,
	injector types.Injector, engine *touch.Engine, coupler *pipeline.Coupler) {

	if srv != nil {
		srv.Stop()
	}
	if source != nil {
		source.Stop()
	}
	if encoder != nil {
		encoder.Flush()
	}
	if coupler != nil {
		coupler.Disconnect()
	}
	if encoder != nil {
		encoder.Close()
	}
	if source != nil {
		source.Close()
	}
	if engine != nil {
		engine.Stop()
	}
	if injector != nil {
		injector.Close()
	}
	if displayMgr != nil && displayMgr.IsCreated() {
		displayMgr.SavePosition()
		displayMgr.Destroy()
	}
	if bridge != nil {
		bridge.RemoveReverse()
	}
}

// ApplySettings validates and persists new settings; on a running pipeline
// it propagates the live-updatable subset. Resolution and refresh changes
// require a restart and are reported as such.
func (sup *Supervisor) ApplySettings(next settings.Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	sup.mu.Lock()
	prev := *sup.set
	*sup.set = next
	running := sup.running
	encoder, srv := sup.encoder, sup.srv
	sup.mu.Unlock()

	if err := sup.store.Save(&next); err != nil {
		log.Printf("supervisor: persist settings: %v", err)
	}

	if !running {
		return nil
	}

	if encoder != nil {
		encoder.UpdateSettings(next.EffectiveBitrate(), next.EffectiveQuality(), next.GamingBoost)
	}
	if srv != nil {
		srv.UpdateRotation(next.Rotation)
	}
	if next.Width != prev.Width || next.Height != prev.Height ||
		next.RefreshRate != prev.RefreshRate || next.Port != prev.Port {
		log.Printf("supervisor: resolution/refresh/port changes take effect on restart")
	}

	log.Printf("supervisor: settings updated (%d Mbps, quality %.2f, gaming=%v)",
		next.EffectiveBitrate(), next.EffectiveQuality(), next.GamingBoost)
	return nil
}

// Status reports the current pipeline state.
func (sup *Supervisor) Status() Status {
	sup.mu.Lock()
	st := Status{Running: sup.running}
	if sup.displayMgr != nil {
		st.VirtualDisplay = sup.displayMgr.IsCreated()
	}
	if sup.srv != nil {
		st.ClientConnected = sup.srv.IsClientConnected()
	}
	if sup.encoder != nil {
		st.EncoderName = sup.encoder.Name()
	}
	sup.mu.Unlock()

	sup.statsMu.Lock()
	st.FPS, st.Mbps = sup.fps, sup.mbps
	sup.statsMu.Unlock()
	return st
}
