package server

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidescreen/internal/config"
	"sidescreen/internal/protocol"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := New(0)
	s.SetDisplaySize(1920, 1200, 0)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dialTestServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClient(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.IsClientConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestDisplayConfigIsFirstMessage(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)

	got := readExactly(t, conn, 13)
	want := []byte{
		0x01,
		0x00, 0x00, 0x07, 0x80,
		0x00, 0x00, 0x04, 0xB0,
		0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, want, got)
}

func TestSendFrameFraming(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readExactly(t, conn, 13)
	waitForClient(t, s)

	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x40, 0x01, 0xAA, 0xBB}
	s.SendFrame(payload)

	header := readExactly(t, conn, 5)
	assert.Equal(t, byte(config.MsgVideoFrame), header[0])
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(header[1:5]))

	got := readExactly(t, conn, len(payload))
	assert.Equal(t, payload, got)
	// Annex-B start code sits at byte 5 of the full message.
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, got[:4])
}

func TestPingPongRoundTrip(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readExactly(t, conn, 13)

	ping := []byte{config.MsgPing, 0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}
	_, err := conn.Write(ping)
	require.NoError(t, err)

	pong := readExactly(t, conn, 9)
	assert.Equal(t, []byte{config.MsgPong, 0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}, pong)
}

func TestTouchEventDispatch(t *testing.T) {
	s := startTestServer(t)

	var mu sync.Mutex
	var events []protocol.TouchEvent
	s.SetTouchCallback(func(ev protocol.TouchEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	conn := dialTestServer(t, s)
	readExactly(t, conn, 13)

	wire := protocol.AppendTouchEvent(nil, protocol.TouchEvent{
		PointerCount: 1, X1: 0.5, Y1: 0.5, Action: protocol.TouchDown,
	})
	_, err := conn.Write(wire)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, events[0].PointerCount)
	assert.InDelta(t, 0.5, events[0].X1, 1e-6)
	assert.Equal(t, protocol.TouchDown, events[0].Action)
}

func TestUnknownOpcodeEndsSession(t *testing.T) {
	s := startTestServer(t)

	var mu sync.Mutex
	var transitions []bool
	s.SetConnectionCallback(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	conn := dialTestServer(t, s)
	readExactly(t, conn, 13)
	waitForClient(t, s)

	_, err := conn.Write([]byte{0xFF})
	require.NoError(t, err)

	// The server must close the socket; the next read sees EOF.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
	assert.False(t, s.IsClientConnected())
}

func TestOversizeFrameDropped(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readExactly(t, conn, 13)
	waitForClient(t, s)

	s.SendFrame(make([]byte, config.MaxFrameSize+1))

	// Nothing may arrive: the frame is dropped, not truncated.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.Error(t, err)

	// The session survives the drop.
	assert.True(t, s.IsClientConnected())
}

func TestUpdateRotationResendsIdenticalConfig(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readExactly(t, conn, 13)
	waitForClient(t, s)

	s.UpdateRotation(90)
	first := readExactly(t, conn, 13)
	s.UpdateRotation(90)
	second := readExactly(t, conn, 13)

	assert.Equal(t, first, second)
	assert.Equal(t, uint32(90), binary.BigEndian.Uint32(first[9:13]))
}

func TestSendFrameWithoutClientIsNoOp(t *testing.T) {
	s := startTestServer(t)
	assert.False(t, s.IsClientConnected())
	s.SendFrame([]byte{0x00, 0x00, 0x00, 0x01, 0x40})
}

func TestNewClientReplacesOld(t *testing.T) {
	s := startTestServer(t)

	first := dialTestServer(t, s)
	readExactly(t, first, 13)
	waitForClient(t, s)

	second := dialTestServer(t, s)
	readExactly(t, second, 13)

	// The first socket gets closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := first.Read(buf)
	assert.Error(t, err)

	waitForClient(t, s)

	// Frames flow to the second client.
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x26}
	s.SendFrame(payload)
	header := readExactly(t, second, 5)
	assert.Equal(t, byte(config.MsgVideoFrame), header[0])
}

func TestStopIdempotent(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()

	// Stop before start is also a no-op.
	New(0).Stop()
}

func TestStatsWindow(t *testing.T) {
	s := startTestServer(t)
	conn := dialTestServer(t, s)
	readExactly(t, conn, 13)
	waitForClient(t, s)

	var mu sync.Mutex
	var gotFPS, gotMbps float64
	fired := false
	s.SetStatsCallback(func(fps, mbps float64) {
		mu.Lock()
		gotFPS, gotMbps, fired = fps, mbps, true
		mu.Unlock()
	})

	// Sink everything the server sends so writes never block.
	go io.Copy(io.Discard, conn)

	payload := make([]byte, 1000)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.SendFrame(payload)
		mu.Lock()
		done := fired
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, fired, "stats window must fire after one second of sends")
	assert.Greater(t, gotFPS, 0.0)
	assert.Greater(t, gotMbps, 0.0)
}
