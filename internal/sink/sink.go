// Package sink implements the TCP fan-out Sink: a listening socket
// plus a registry of connected downstream clients, each of which
// receives a copy of every frame pulled from a source.FrameSource.
//
// The broadcast/reschedule cycle (setUpOurSocket,
// incomingConnectionHandlerOnSocket, continuePlaying1,
// afterGettingFrame1) is the model; the Go shape - constructor
// returning (*Sink, error), an slog.Logger field, explicit lifecycle
// methods - follows this relay's other network-facing types.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaylabs/rtsp2tcp/internal/reactor"
	"github.com/relaylabs/rtsp2tcp/internal/source"
)

// minSendBufferSize is the floor the listening and accepted sockets'
// send buffers are raised to.
const minSendBufferSize = 50 * 1024

// h264StartCode is the Annex-B prefix written before every frame when
// H264Framing is enabled.
var h264StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// Sink is one listening endpoint plus its client registry.
type Sink struct {
	logger  *slog.Logger
	reactor *reactor.Reactor

	listener *net.TCPListener
	port     int

	maxPayloadSize int
	h264Framing    bool

	source source.FrameSource
	buffer []byte

	mu           sync.Mutex
	clients      map[uint64]*ClientConnection
	nextClientID uint64
	closed       bool

	nextSendTime time.Time
	listenCancel func()

	warnLimiter *rate.Limiter
}

// ClientConnection is one accepted downstream TCP peer. It is
// exclusively owned by its Sink.
type ClientConnection struct {
	id     uint64
	conn   net.Conn
	addr   net.Addr
	active bool

	scratch    []byte
	cancelRead func()
}

// NewSink binds a listening socket on port (0 = ephemeral) and
// prepares the client registry. The frame source is pulled from once
// StartPlaying is called.
func NewSink(port int, maxPayloadSize int, src source.FrameSource, reactor *reactor.Reactor, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("sink: listen on port %d: %w", port, err)
	}
	if rawConn, err := listener.SyscallConn(); err == nil {
		_ = rawConn.Control(func(fd uintptr) { setSendBuffer(fd, minSendBufferSize) })
	}

	boundPort := listener.Addr().(*net.TCPAddr).Port

	s := &Sink{
		logger:         logger,
		reactor:        reactor,
		listener:       listener,
		port:           boundPort,
		maxPayloadSize: maxPayloadSize,
		source:         src,
		buffer:         make([]byte, maxPayloadSize),
		clients:        make(map[uint64]*ClientConnection),
		warnLimiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}

	s.listenCancel = reactor.RegisterReader(s.acceptPump)

	logger.Info("sink: listening", "port", boundPort)
	return s, nil
}

// Port returns the actually-bound listening port (useful when
// constructed with port=0).
func (s *Sink) Port() int { return s.port }

// SetH264Framing sets the Annex-B start-code framing flag. Must be
// called before StartPlaying.
func (s *Sink) SetH264Framing(enabled bool) {
	s.h264Framing = enabled
}

// StartPlaying issues the first frame pull and begins the
// continuous pull/broadcast/reschedule cycle.
func (s *Sink) StartPlaying() {
	s.nextSendTime = time.Now()
	s.requestNextFrame()
}

func (s *Sink) requestNextFrame() {
	s.source.GetNextFrame(s.buffer, s.onFrameDelivered, s.onSourceClosed)
}

func (s *Sink) onSourceClosed() {
	s.logger.Info("sink: source closed")
}

// onFrameDelivered broadcasts one delivered frame to every active
// client and reschedules the next pull.
func (s *Sink) onFrameDelivered(size, truncated int, _ time.Time, duration time.Duration) {
	if truncated > 0 && s.warnLimiter.Allow() {
		s.logger.Warn("sink: frame truncated", "size", size, "truncated", truncated)
	}

	s.broadcast(s.buffer[:size])

	micros := s.nextSendTime.Add(duration)
	s.nextSendTime = micros
	delay := time.Until(s.nextSendTime)
	if delay < 0 {
		delay = 0
	}
	s.reactor.Schedule(delay, s.requestNextFrame)
}

// broadcast snapshots the registry before iterating so a send failure
// that deactivates a client mid-pass can't invalidate the loop.
func (s *Sink) broadcast(frame []byte) {
	s.mu.Lock()
	snapshot := make([]*ClientConnection, 0, len(s.clients))
	for _, cc := range s.clients {
		if cc.active {
			snapshot = append(snapshot, cc)
		}
	}
	s.mu.Unlock()

	var failed []*ClientConnection
	for _, cc := range snapshot {
		if !s.sendFrame(cc, frame) {
			failed = append(failed, cc)
		}
	}

	if len(failed) > 0 {
		s.mu.Lock()
		for _, cc := range failed {
			cc.active = false
		}
		s.mu.Unlock()
		if s.warnLimiter.Allow() {
			s.logger.Warn("sink: send to client failed", "clients", len(failed))
		}
	}
}

// sendFrame writes the optional start code then the frame bytes. Any
// error or short write marks the connection inactive rather than
// retried; an inactive connection is skipped by every later broadcast
// until its peer closes and it is removed.
func (s *Sink) sendFrame(cc *ClientConnection, frame []byte) bool {
	if s.h264Framing {
		if !writeAll(cc.conn, h264StartCode) {
			return false
		}
	}
	return writeAll(cc.conn, frame)
}

func writeAll(conn net.Conn, buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	n, err := conn.Write(buf)
	return err == nil && n == len(buf)
}

// acceptPump is the reactor pump registered on the listening socket.
func (s *Sink) acceptPump(ctx context.Context, post func(reactor.Task)) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.warnLimiter.Allow() {
				s.logger.Warn("sink: accept failed", "error", err)
			}
			return
		}
		c := conn
		post(func() { s.handleAccept(c) })
	}
}

func (s *Sink) handleAccept(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if rawConn, err := tcpConn.SyscallConn(); err == nil {
			_ = rawConn.Control(func(fd uintptr) { setSendBuffer(fd, minSendBufferSize) })
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	id := s.nextClientID
	s.nextClientID++
	cc := &ClientConnection{id: id, conn: conn, addr: conn.RemoteAddr(), active: true, scratch: make([]byte, 4096)}
	s.clients[id] = cc
	s.mu.Unlock()

	s.logger.Debug("sink: client connected", "addr", cc.addr, "total", s.clientCount())

	cc.cancelRead = s.reactor.RegisterReader(func(_ context.Context, post func(reactor.Task)) {
		for {
			n, err := conn.Read(cc.scratch)
			if err != nil || n >= len(cc.scratch) {
				post(func() { s.removeClient(id) })
				return
			}
		}
	})
}

func (s *Sink) removeClient(id uint64) {
	s.mu.Lock()
	cc, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if cc.cancelRead != nil {
		cc.cancelRead()
	}
	cc.conn.Close()
	s.logger.Debug("sink: client disconnected", "addr", cc.addr)
}

func (s *Sink) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close tears down the listening socket and every active client
// connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*ClientConnection, 0, len(s.clients))
	for _, cc := range s.clients {
		clients = append(clients, cc)
	}
	s.clients = make(map[uint64]*ClientConnection)
	s.mu.Unlock()

	if s.listenCancel != nil {
		s.listenCancel()
	}
	for _, cc := range clients {
		if cc.cancelRead != nil {
			cc.cancelRead()
		}
		cc.conn.Close()
	}
	return s.listener.Close()
}
