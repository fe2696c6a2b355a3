// Package server owns the listening TCP socket and the single client
// session, frames every outgoing message, and dispatches received control
// messages. Wire format in internal/protocol.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sidescreen/internal/config"
	"sidescreen/internal/protocol"
	"sidescreen/internal/types"
)

// TouchCallback receives parsed TOUCH_EVENT messages on the session's
// receive goroutine.
type TouchCallback func(ev protocol.TouchEvent)

// ConnectionCallback fires on client connect (true) and disconnect (false).
type ConnectionCallback func(connected bool)

// StatsCallback reports the rolling one-second send window.
type StatsCallback func(fps, mbps float64)

// session is one accepted client: a socket, a receive goroutine, and a
// liveness flag. At most one exists at a time.
type session struct {
	id        string
	conn      net.Conn
	done      chan struct{}
	connected atomic.Bool
}

// Server accepts at most one client and streams encoded frames to it.
type Server struct {
	port int

	mu         sync.Mutex // lifecycle
	ln         net.Listener
	running    bool
	acceptDone chan struct{}

	clientMu sync.Mutex // guards client; acquired before sendMu, never after
	client   *session

	sendMu sync.Mutex // serializes all writes on the client socket

	displayMu sync.Mutex
	width     int
	height    int
	rotation  int

	cbMu    sync.Mutex
	touchCb TouchCallback
	connCb  ConnectionCallback
	statsCb StatsCallback

	statsMu     sync.Mutex
	bytesSent   uint64
	framesSent  uint64
	windowStart time.Time
}

// New creates a server for the given port. Port 0 binds an ephemeral port
// (used by tests); validation against the allowed range happens in the
// settings layer.
func New(port int) *Server {
	return &Server{
		port:   port,
		width:  config.DefaultWidth,
		height: config.DefaultHeight,
	}
}

// Start binds the listener and begins accepting.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: port %d", types.ErrSocketInUse, s.port)
		}
		return err
	}

	s.ln = ln
	s.running = true
	s.acceptDone = make(chan struct{})
	s.resetStats()
	go s.acceptLoop(ln, s.acceptDone)

	log.Printf("server: listening on %s", ln.Addr())
	return nil
}

// Stop closes the listener and any client, then joins both workers.
// Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln, acceptDone := s.ln, s.acceptDone
	s.ln = nil
	s.mu.Unlock()

	ln.Close()
	s.closeClient()
	<-acceptDone
	log.Printf("server: stopped")
}

// Addr returns the bound listener address (nil when stopped).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SetDisplaySize records the geometry sent in DISPLAY_CONFIG.
func (s *Server) SetDisplaySize(width, height, rotation int) {
	s.displayMu.Lock()
	s.width, s.height, s.rotation = width, height, rotation
	s.displayMu.Unlock()
}

// UpdateRotation changes the rotation and re-sends DISPLAY_CONFIG to a
// connected client.
func (s *Server) UpdateRotation(rotation int) {
	s.displayMu.Lock()
	s.rotation = rotation
	s.displayMu.Unlock()
	s.sendDisplayConfig()
}

func (s *Server) SetTouchCallback(cb TouchCallback) {
	s.cbMu.Lock()
	s.touchCb = cb
	s.cbMu.Unlock()
}

func (s *Server) SetConnectionCallback(cb ConnectionCallback) {
	s.cbMu.Lock()
	s.connCb = cb
	s.cbMu.Unlock()
}

func (s *Server) SetStatsCallback(cb StatsCallback) {
	s.cbMu.Lock()
	s.statsCb = cb
	s.cbMu.Unlock()
}

// IsClientConnected reports whether a live session exists.
func (s *Server) IsClientConnected() bool {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client != nil && s.client.connected.Load()
}

// SendFrame writes one VIDEO_FRAME message. Thread-safe; typically called
// from the encoder's output path. Frames over MaxFrameSize are dropped, not
// truncated.
func (s *Server) SendFrame(data []byte) {
	if len(data) == 0 {
		return
	}
	if len(data) > config.MaxFrameSize {
		log.Printf("server: frame too large: %d bytes (max %d), dropping",
			len(data), config.MaxFrameSize)
		return
	}

	s.clientMu.Lock()
	sess := s.client
	s.clientMu.Unlock()
	if sess == nil || !sess.connected.Load() {
		return
	}

	header := protocol.AppendFrameHeader(make([]byte, 0, 5), len(data))

	s.sendMu.Lock()
	err := writeAll(sess.conn, header)
	if err == nil {
		err = writeAll(sess.conn, data)
	}
	s.sendMu.Unlock()

	if err != nil {
		// The receive goroutine observes the closed socket and cleans up.
		sess.connected.Store(false)
		sess.conn.Close()
		return
	}

	s.updateStats(len(header) + len(data))
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			log.Printf("server: accept: %v", err)
			continue
		}
		s.handleClient(conn)
	}
}

func (s *Server) handleClient(conn net.Conn) {
	// A new client replaces any previous one; tear the old session down
	// and join its receive goroutine first.
	s.clientMu.Lock()
	old := s.client
	s.client = nil
	s.clientMu.Unlock()
	if old != nil {
		old.connected.Store(false)
		old.conn.Close()
		<-old.done
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	sess := &session{
		id:   uuid.New().String(),
		conn: conn,
		done: make(chan struct{}),
	}
	sess.connected.Store(true)

	s.displayMu.Lock()
	w, h, r := s.width, s.height, s.rotation
	s.displayMu.Unlock()
	cfg := protocol.AppendDisplayConfig(make([]byte, 0, 13), w, h, r)

	// Publish the session and write DISPLAY_CONFIG under the send mutex
	// (client-mutex → send-mutex order) so no concurrent SendFrame can
	// slip a VIDEO_FRAME onto the wire first.
	s.clientMu.Lock()
	s.sendMu.Lock()
	s.client = sess
	s.clientMu.Unlock()
	err := writeAll(conn, cfg)
	s.sendMu.Unlock()

	s.resetStats()

	if err != nil {
		sess.connected.Store(false)
		conn.Close()
	} else {
		log.Printf("server: client %s connected from %s (config %dx%d @ %d°)",
			sess.id, conn.RemoteAddr(), w, h, r)
	}

	s.fireConnection(true)
	go s.receiveLoop(sess)
}

// receiveLoop reads framed control messages until EOF, an error, or an
// unknown opcode. There is no length field to resynchronize on, so any
// violation ends the session.
func (s *Server) receiveLoop(sess *session) {
	defer close(sess.done)

	var opcode [1]byte
	for sess.connected.Load() {
		if _, err := io.ReadFull(sess.conn, opcode[:]); err != nil {
			break
		}
		if !s.readMessage(sess, opcode[0]) {
			break
		}
	}

	sess.connected.Store(false)
	sess.conn.Close()

	s.clientMu.Lock()
	if s.client == sess {
		s.client = nil
	}
	s.clientMu.Unlock()

	s.fireConnection(false)
	log.Printf("server: client %s disconnected", sess.id)
}

// readMessage consumes one message body for the given opcode. Returns
// false when the session must end: short read, malformed payload, or an
// unknown opcode (whose length is unknowable — the stream cannot be
// resynchronized).
func (s *Server) readMessage(sess *session, opcode byte) bool {
	switch opcode {
	case config.MsgTouchEvent:
		var count [1]byte
		if _, err := io.ReadFull(sess.conn, count[:]); err != nil {
			return false
		}
		n, err := protocol.TouchPayloadSize(int(count[0]))
		if err != nil {
			log.Printf("server: %v", err)
			return false
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(sess.conn, payload); err != nil {
			return false
		}
		ev, err := protocol.ParseTouchPayload(int(count[0]), payload)
		if err != nil {
			log.Printf("server: %v", err)
			return false
		}
		s.fireTouch(ev)
		return true

	case config.MsgPing:
		echo := make([]byte, protocol.PingPayloadSize)
		if _, err := io.ReadFull(sess.conn, echo); err != nil {
			return false
		}
		s.sendPong(sess, echo)
		return true

	default:
		log.Printf("server: unknown message type 0x%02x, closing session", opcode)
		return false
	}
}

func (s *Server) sendDisplayConfig() {
	s.clientMu.Lock()
	sess := s.client
	s.clientMu.Unlock()
	if sess == nil || !sess.connected.Load() {
		return
	}

	s.displayMu.Lock()
	w, h, r := s.width, s.height, s.rotation
	s.displayMu.Unlock()

	msg := protocol.AppendDisplayConfig(make([]byte, 0, 13), w, h, r)

	s.sendMu.Lock()
	err := writeAll(sess.conn, msg)
	s.sendMu.Unlock()
	if err != nil {
		sess.connected.Store(false)
		sess.conn.Close()
		return
	}

	log.Printf("server: sent display config %dx%d @ %d°", w, h, r)
}

func (s *Server) sendPong(sess *session, echo []byte) {
	msg := protocol.AppendPong(make([]byte, 0, 9), echo)

	s.sendMu.Lock()
	err := writeAll(sess.conn, msg)
	s.sendMu.Unlock()
	if err != nil {
		sess.connected.Store(false)
		sess.conn.Close()
	}
}

func (s *Server) closeClient() {
	s.clientMu.Lock()
	sess := s.client
	s.client = nil
	s.clientMu.Unlock()
	if sess == nil {
		return
	}
	sess.connected.Store(false)
	sess.conn.Close()
	<-sess.done
}

func (s *Server) fireTouch(ev protocol.TouchEvent) {
	s.cbMu.Lock()
	cb := s.touchCb
	s.cbMu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (s *Server) fireConnection(connected bool) {
	s.cbMu.Lock()
	cb := s.connCb
	s.cbMu.Unlock()
	if cb != nil {
		cb(connected)
	}
}

func (s *Server) resetStats() {
	s.statsMu.Lock()
	s.bytesSent = 0
	s.framesSent = 0
	s.windowStart = time.Now()
	s.statsMu.Unlock()
}

// updateStats accumulates the rolling one-second window and fires the
// stats callback when it elapses.
func (s *Server) updateStats(bytes int) {
	var fire StatsCallback
	var fps, mbps float64

	s.statsMu.Lock()
	s.bytesSent += uint64(bytes)
	s.framesSent++
	elapsed := time.Since(s.windowStart).Seconds()
	if elapsed >= 1.0 {
		mbps = float64(s.bytesSent*8) / elapsed / 1e6
		fps = float64(s.framesSent) / elapsed
		s.bytesSent = 0
		s.framesSent = 0
		s.windowStart = time.Now()

		s.cbMu.Lock()
		fire = s.statsCb
		s.cbMu.Unlock()
	}
	s.statsMu.Unlock()

	if fire != nil {
		fire(fps, mbps)
	}
}

// writeAll loops over partial writes until the buffer is fully sent or the
// connection errors.
func writeAll(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
