// Package rtsp implements the stateful RTSP/1.0 client engine: the
// DESCRIBE -> SETUP -> PLAY -> TEARDOWN driver. Wire-level framing
// (request/response text, bufio.Reader, CSeq, net.Conn/tls.Conn
// dialing with TCP_NODELAY) follows standard idiomatic Go RTSP client
// conventions; the state machine is an explicit State enum plus
// per-state step(response) handlers, in place of a continuation-
// passing callback chain.
package rtsp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/relaylabs/rtsp2tcp/internal/reactor"
	"github.com/relaylabs/rtsp2tcp/internal/rtsp/sdp"
	"github.com/relaylabs/rtsp2tcp/internal/source"
)

// State is the RTSP client engine's protocol phase.
type State int

const (
	StateIdle State = iota
	StateDescribing
	StateSettingUp
	StatePlaying
	StateTearingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDescribing:
		return "Describing"
	case StateSettingUp:
		return "SettingUp"
	case StatePlaying:
		return "Playing"
	case StateTearingDown:
		return "TearingDown"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// depayloader is what every concrete FrameSource in internal/source/*
// additionally exposes beyond source.FrameSource: a way to feed it
// RTP packets as they arrive off the wire.
type depayloader interface {
	source.FrameSource
	PushPacket(*rtp.Packet)
	Close()
}

// Subsession is one media track. The engine owns the Source and
// transport; the Supervisor is only handed a read-only view via
// Medium/Codec/Source once SETUP for it succeeds.
type Subsession struct {
	Index   int
	Medium  string
	Codec   string
	Control string

	transport Transport
	channelID byte // TCP interleaved RTP channel (RTCP is channelID+1)
	udp       *udpChannel

	Source depayloader

	closed bool
}

// Config carries everything the Supervisor decides at startup.
type Config struct {
	URL            string
	Username       string
	Password       string
	UserAgent      string
	Transport      Transport
	KeepAlive      bool
	StreamDuration time.Duration // 0 = unbounded
}

// Callbacks lets the Supervisor observe engine lifecycle events
// without the engine reaching "up" through a raw pointer, avoiding a
// cyclic subsession<->client back-pointer.
type Callbacks struct {
	// OnSubsessionReady fires once SETUP succeeds for a video
	// subsession whose codec the relay can fan out (H264 or JPEG).
	OnSubsessionReady func(*Subsession)
	// OnSubsessionClosed fires when RTCP BYE closes a subsession. It
	// does not fire for subsessions still open when the engine shuts
	// down; OnShutdown is the only notification for those.
	OnSubsessionClosed func(*Subsession)
	// OnShutdown fires once the engine has fully torn down, carrying
	// the process exit code (0 orderly end-of-stream, 1 error).
	OnShutdown func(exitCode int)
}

// Client is the RTSP client engine.
type Client struct {
	cfg       Config
	callbacks Callbacks
	reactor   *reactor.Reactor
	logger    *slog.Logger

	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	cseq    int
	session string

	baseURL        *url.URL
	sessionTimeout time.Duration

	auth        *Authenticator
	authRetried map[string]bool

	state           State
	subsessions     []*Subsession
	setupIndex      int
	setupOK         int
	rangeIsAbsolute bool

	keepaliveToken reactor.TimerToken
	keepaliveArmed bool
	streamTimerTok reactor.TimerToken

	pumpCancel      func()
	pendingExitCode int
}

// NewClient creates an RTSP client engine bound to the given reactor.
func NewClient(cfg Config, callbacks Callbacks, reactor *reactor.Reactor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "rtsp2tcp/1.0"
	}
	c := &Client{
		cfg:         cfg,
		callbacks:   callbacks,
		reactor:     reactor,
		logger:      logger,
		authRetried: make(map[string]bool),
		state:       StateIdle,
	}
	if cfg.Username != "" {
		c.auth = NewAuthenticator(cfg.Username, cfg.Password)
	}
	return c
}

// Open dials the server and begins the DESCRIBE step: the Idle ->
// Describing transition.
func (c *Client) Open(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("rtsp: parse URL: %w", err)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "rtsps" {
			port = "443"
		} else {
			port = "554"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	if u.Scheme == "rtsps" {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: u.Hostname()})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("rtsp: dial %s: %w", addr, err)
	}

	if tcpConn, ok := underlyingTCPConn(conn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 65536)
	c.baseURL = u
	c.state = StateDescribing

	c.logger.Info("rtsp: connected", "remote", conn.RemoteAddr())

	if err := c.sendRequest("DESCRIBE", u.String(), map[string]string{"Accept": "application/sdp"}, nil); err != nil {
		return err
	}

	c.pumpCancel = c.reactor.RegisterReader(c.readPump)
	return nil
}

func underlyingTCPConn(conn net.Conn) (*net.TCPConn, bool) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn, true
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if tcpConn, ok := tlsConn.NetConn().(*net.TCPConn); ok {
			return tcpConn, true
		}
	}
	return nil, false
}

// readPump is the reactor pump registered on the control connection.
// It never interprets what it reads; it only classifies the framing
// byte and posts the parsed unit onto the reactor's single thread, the
// same fd-pump discipline internal/reactor documents.
func (c *Client) readPump(ctx context.Context, post func(reactor.Task)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		first, err := c.reader.Peek(1)
		if err != nil {
			post(func() { c.handleReadError(err) })
			return
		}

		if first[0] == '$' {
			channel, payload, err := readInterleavedFrame(c.reader)
			if err != nil {
				post(func() { c.handleReadError(err) })
				return
			}
			post(func() { c.handleInterleaved(channel, payload) })
			continue
		}

		resp, err := readResponse(c.reader)
		if err != nil {
			post(func() { c.handleReadError(err) })
			return
		}
		post(func() { c.handleResponse(resp) })
	}
}

func readInterleavedFrame(r *bufio.Reader) (channel byte, payload []byte, err error) {
	header := make([]byte, 4)
	if _, err := readFull(r, header); err != nil {
		return 0, nil, err
	}
	channel = header[1]
	size := int(header[2])<<8 | int(header[3])
	payload = make([]byte, size)
	if _, err := readFull(r, payload); err != nil {
		return 0, nil, err
	}
	return channel, payload, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *Client) handleReadError(err error) {
	if c.state == StateClosed {
		return
	}
	c.logger.Warn("rtsp: control connection read failed", "error", err)
	c.shutdown(1)
}

func (c *Client) handleInterleaved(channel byte, payload []byte) {
	for _, ss := range c.subsessions {
		if ss.transport != TransportTCP || ss.closed {
			continue
		}
		if channel == ss.channelID {
			pkt := &rtp.Packet{}
			if err := pkt.Unmarshal(payload); err != nil {
				c.logger.Debug("rtsp: malformed interleaved RTP packet", "channel", channel, "error", err)
				return
			}
			ss.Source.PushPacket(pkt)
			return
		}
		if channel == ss.channelID+1 {
			if rtcpPayloadIsBye(payload) {
				c.onSubsessionBye(ss)
			}
			return
		}
	}
}

// handleResponse dispatches a response to the step* handler for the
// current state, which decides what the response means and drives the
// next transition/request itself.
func (c *Client) handleResponse(resp *Response) {
	switch c.state {
	case StateDescribing:
		c.stepDescribing(resp)
	case StateSettingUp:
		c.stepSettingUp(resp)
	case StatePlaying:
		c.stepPlayingResponse(resp)
	case StateTearingDown:
		c.stepTearingDown(resp)
	default:
		c.logger.Debug("rtsp: response received in unexpected state", "state", c.state.String(), "status", resp.StatusCode)
	}
}

func (c *Client) stepDescribing(resp *Response) {
	if c.maybeRetryWithAuth(resp, "DESCRIBE", c.baseURL.String(), map[string]string{"Accept": "application/sdp"}, nil) {
		return
	}
	if resp.StatusCode/100 != 2 {
		c.logger.Error("Failed to get a SDP description", "status", resp.StatusCode)
		c.shutdown(1)
		return
	}

	if base := resp.headerValue("Content-Base"); base != "" {
		if u, err := url.Parse(strings.TrimSpace(base)); err == nil {
			c.baseURL = u
		}
	}

	session, err := sdp.Parse(string(resp.Body))
	if err != nil || len(session.Subsessions) == 0 {
		c.logger.Error("Failed to get a SDP description", "reason", "no subsessions", "error", err)
		c.shutdown(1)
		return
	}

	c.rangeIsAbsolute = session.RangeIsAbsolute

	for i, s := range session.Subsessions {
		c.subsessions = append(c.subsessions, &Subsession{
			Index:     i,
			Medium:    s.Medium,
			Codec:     s.Codec,
			Control:   s.Control,
			transport: c.cfg.Transport,
		})
	}

	c.state = StateSettingUp
	c.setupIndex = 0
	c.setupNextSubsession()
}

// setupNextSubsession iterates subsessions in declaration order,
// tolerating per-subsession failure so one bad track doesn't abort
// the whole session.
func (c *Client) setupNextSubsession() {
	for c.setupIndex < len(c.subsessions) {
		ss := c.subsessions[c.setupIndex]
		if err := c.initiateSubsession(ss); err != nil {
			c.logger.Warn("rtsp: failed to allocate transport for subsession; skipping", "index", ss.Index, "error", err)
			c.setupIndex++
			continue
		}

		controlURL := c.resolveControlURL(ss.Control)
		headers := map[string]string{"Transport": c.transportHeader(ss)}
		if err := c.sendRequest("SETUP", controlURL, headers, nil); err != nil {
			c.logger.Error("rtsp: SETUP request failed", "index", ss.Index, "error", err)
			c.shutdown(1)
		}
		return
	}

	if c.setupOK == 0 {
		c.logger.Error("rtsp: every subsession failed SETUP")
		c.shutdown(1)
		return
	}

	c.state = StatePlaying
	c.sendPlay()
}

func (c *Client) initiateSubsession(ss *Subsession) error {
	ss.Source = c.newSourceFor(ss.Codec)
	if ss.Source == nil {
		return fmt.Errorf("unsupported codec %q", ss.Codec)
	}

	if ss.transport == TransportTCP {
		ss.channelID = byte(ss.Index * 2)
		return nil
	}

	udp, err := newUDPChannel()
	if err != nil {
		return err
	}
	ss.udp = udp
	return nil
}

func (c *Client) resolveControlURL(control string) string {
	if strings.HasPrefix(control, "rtsp://") || strings.HasPrefix(control, "rtsps://") {
		return control
	}
	u := *c.baseURL
	path := strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(control, "/")
	u.Path = path
	return u.String()
}

func (c *Client) transportHeader(ss *Subsession) string {
	if ss.transport == TransportTCP {
		return fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", ss.channelID, ss.channelID+1)
	}
	rtpPort, rtcpPort := ss.udp.clientPortRange()
	return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", rtpPort, rtcpPort)
}

func (c *Client) stepSettingUp(resp *Response) {
	ss := c.subsessions[c.setupIndex]
	if c.maybeRetryWithAuth(resp, "SETUP", c.resolveControlURL(ss.Control), map[string]string{"Transport": c.transportHeader(ss)}, nil) {
		return
	}

	if resp.StatusCode/100 != 2 {
		c.logger.Warn("rtsp: SETUP failed for subsession; skipping", "index", ss.Index, "status", resp.StatusCode)
		ss.Source = nil
		c.setupIndex++
		c.setupNextSubsession()
		return
	}

	if c.session == "" {
		session := resp.headerValue("Session")
		if idx := strings.IndexByte(session, ';'); idx > 0 {
			c.session = session[:idx]
			if timeout := parseTimeoutParam(session[idx+1:]); timeout > 0 {
				c.sessionTimeout = time.Duration(timeout) * time.Second
			}
		} else {
			c.session = session
		}
	}

	c.setupOK++
	if ss.Medium == "video" && (ss.Codec == "H264" || ss.Codec == "JPEG") {
		if c.callbacks.OnSubsessionReady != nil {
			c.callbacks.OnSubsessionReady(ss)
		}
		if ss.transport == TransportUDP {
			c.startUDPReaders(ss)
		}
	}

	c.setupIndex++
	c.setupNextSubsession()
}

func (c *Client) startUDPReaders(ss *Subsession) {
	post := c.reactor.Post
	c.reactor.RegisterReader(func(ctx context.Context, _ func(reactor.Task)) {
		done := make(chan struct{})
		go func() {
			readRTPLoop(ss.udp.rtpConn, func(pkt *rtp.Packet) {
				post(func() { ss.Source.PushPacket(pkt) })
			})
			close(done)
		}()
		select {
		case <-ctx.Done():
		case <-done:
		}
	})
	c.reactor.RegisterReader(func(ctx context.Context, _ func(reactor.Task)) {
		done := make(chan struct{})
		go func() {
			readRTCPLoop(ss.udp.rtcpConn, func() {
				post(func() { c.onSubsessionBye(ss) })
			})
			close(done)
		}()
		select {
		case <-ctx.Done():
		case <-done:
		}
	})
}

func parseTimeoutParam(params string) int {
	for _, p := range strings.Split(params, ";") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "timeout=") {
			if v, err := strconv.Atoi(strings.TrimPrefix(p, "timeout=")); err == nil {
				return v
			}
		}
	}
	return 0
}

func (c *Client) newSourceFor(codec string) depayloader {
	switch codec {
	case "H264":
		return newH264Source(c.logger)
	case "JPEG":
		return newJPEGSource(c.logger)
	default:
		return nil
	}
}

// playRangeHeader picks the PLAY Range header form: absolute
// (clock=) when the SDP advertised an absolute start, relative
// (npt=) otherwise.
func (c *Client) playRangeHeader() string {
	if c.rangeIsAbsolute {
		return "clock=" + time.Now().UTC().Format("20060102T150405Z") + "-"
	}
	return "npt=0.000-"
}

func (c *Client) sendPlay() {
	headers := map[string]string{"Range": c.playRangeHeader()}
	if err := c.sendRequest("PLAY", c.baseURL.String(), headers, nil); err != nil {
		c.logger.Error("rtsp: PLAY request failed", "error", err)
		c.shutdown(1)
	}
}

func (c *Client) stepPlayingResponse(resp *Response) {
	if c.maybeRetryWithAuth(resp, "PLAY", c.baseURL.String(), map[string]string{"Range": c.playRangeHeader()}, nil) {
		return
	}
	if resp.StatusCode/100 != 2 {
		c.logger.Error("rtsp: PLAY failed", "status", resp.StatusCode)
		c.shutdown(1)
		return
	}

	if c.sessionTimeout == 0 {
		c.sessionTimeout = 60 * time.Second
	}
	if c.cfg.KeepAlive {
		c.armKeepalive()
	}
	if c.cfg.StreamDuration > 0 {
		c.streamTimerTok = c.reactor.Schedule(c.cfg.StreamDuration, func() {
			c.logger.Info("rtsp: stream duration elapsed")
			c.beginTeardown()
		})
	}
}

// armKeepalive schedules the next OPTIONS timer fire. The first fire
// after PLAY only re-arms itself; every subsequent fire emits OPTIONS
// first, using interval = max(1s, sessionTimeout-5s) to stay safely
// ahead of a server's session-expiry timeout.
func (c *Client) armKeepalive() {
	interval := c.sessionTimeout - 5*time.Second
	if interval < time.Second {
		interval = time.Second
	}

	firstFire := !c.keepaliveArmed
	c.keepaliveArmed = true

	c.keepaliveToken = c.reactor.Schedule(interval, func() {
		if !firstFire {
			c.sendKeepaliveOptions()
		}
		c.armKeepalive()
	})
}

func (c *Client) sendKeepaliveOptions() {
	if err := c.sendRequest("OPTIONS", c.cfg.URL, nil, nil); err != nil {
		c.logger.Warn("rtsp: keep-alive OPTIONS failed", "error", err)
	}
}

func (c *Client) onSubsessionBye(ss *Subsession) {
	if ss.closed {
		return
	}
	ss.closed = true
	if ss.Source != nil {
		ss.Source.Close()
	}
	if c.callbacks.OnSubsessionClosed != nil {
		c.callbacks.OnSubsessionClosed(ss)
	}

	for _, other := range c.subsessions {
		if !other.closed {
			return
		}
	}
	c.beginTeardown()
}

func (c *Client) beginTeardown() {
	if c.state == StateTearingDown || c.state == StateClosed {
		return
	}
	c.keepaliveToken.Cancel()
	c.streamTimerTok.Cancel()
	c.state = StateTearingDown

	if err := c.sendRequest("TEARDOWN", c.baseURL.String(), nil, nil); err != nil {
		c.closeAndNotify(0)
	}
}

func (c *Client) stepTearingDown(resp *Response) {
	c.closeAndNotify(0)
}

// shutdown is the unrecoverable-error and orderly-end-of-stream path:
// it drives TEARDOWN and exits with exitCode once torn down.
func (c *Client) shutdown(exitCode int) {
	if c.state == StateClosed {
		return
	}
	c.keepaliveToken.Cancel()
	c.streamTimerTok.Cancel()

	if c.state == StateTearingDown {
		return
	}
	c.state = StateTearingDown
	if c.conn == nil {
		c.closeAndNotify(exitCode)
		return
	}
	if err := c.sendRequest("TEARDOWN", c.baseURL.String(), nil, nil); err != nil {
		c.closeAndNotify(exitCode)
	} else {
		c.pendingExitCode = exitCode
	}
}

func (c *Client) closeAndNotify(exitCode int) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.pumpCancel != nil {
		c.pumpCancel()
	}
	for _, ss := range c.subsessions {
		if ss.udp != nil {
			ss.udp.close()
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.pendingExitCode != 0 {
		exitCode = c.pendingExitCode
	}
	if c.callbacks.OnShutdown != nil {
		c.callbacks.OnShutdown(exitCode)
	}
}

// maybeRetryWithAuth inspects resp for a 401/407 challenge and, if one
// hasn't already been retried for this method, rebuilds the
// Authenticator and resends exactly once. Returns true if a retry was
// sent (the caller should not process resp any further).
func (c *Client) maybeRetryWithAuth(resp *Response, method, url string, headers map[string]string, body []byte) bool {
	if resp.StatusCode != 401 && resp.StatusCode != 407 {
		return false
	}
	if c.authRetried[method] {
		return false
	}
	challenge := resp.headerValue("WWW-Authenticate")
	if challenge == "" {
		challenge = resp.headerValue("Proxy-Authenticate")
	}
	if challenge == "" || c.auth == nil {
		return false
	}
	if err := c.auth.ApplyChallenge(challenge); err != nil {
		c.logger.Warn("rtsp: unusable auth challenge", "error", err)
		return false
	}
	c.authRetried[method] = true

	if err := c.sendRequest(method, url, headers, body); err != nil {
		c.logger.Error("rtsp: authenticated retry failed", "method", method, "error", err)
		c.shutdown(1)
	}
	return true
}

func (c *Client) sendRequest(method, requestURL string, headers map[string]string, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.cseq++
	if headers == nil {
		headers = make(map[string]string)
	}
	if c.auth != nil && c.authRetried[method] {
		u, _ := url.Parse(requestURL)
		path := requestURL
		if u != nil {
			path = u.String()
		}
		headers["Authorization"] = c.auth.Authorization(method, path)
	}

	req := &Request{Method: method, URL: requestURL, Header: headers, Body: body}

	if err := setWriteDeadline(c.conn, 5*time.Second); err != nil {
		return fmt.Errorf("rtsp: set write deadline: %w", err)
	}
	return writeRequest(c.conn, req, c.cseq, c.session, c.cfg.UserAgent)
}
