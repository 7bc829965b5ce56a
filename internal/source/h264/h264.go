// Package h264 implements a FrameSource over an H.264 RTP stream: a
// minimal, self-contained depayloader so the relay can be exercised
// end-to-end. The FU-A/STAP-A reassembly logic is adapted from push
// semantics (an OnFrame callback fired as soon as a NAL unit
// completes) to the pull-based source.FrameSource contract, and emits
// one NAL unit per frame rather than aggregating SPS+PPS+IDR into one
// blob on keyframes - the Sink, not the Source, is responsible for
// framing.
package h264

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/relaylabs/rtsp2tcp/internal/reactor"
	"github.com/relaylabs/rtsp2tcp/internal/source"
)

const (
	naluTypeSTAPA = 24
	naluTypeFUA   = 28

	// videoClockRate is the standard H.264 RTP clock rate, used to turn
	// an RTP timestamp delta into a frame-duration estimate for the
	// Sink's send scheduling.
	videoClockRate = 90000
)

// Source reassembles NAL units from an H.264 RTP packet stream and
// serves them one at a time through GetNextFrame.
type Source struct {
	logger *slog.Logger

	mu       sync.Mutex
	fuBuffer []byte
	fuActive bool
	queue    []queuedFrame
	closed   bool

	lastTS      uint32
	haveLastTS  bool

	pendingBuf   []byte
	onDelivered  source.OnDelivered
	onClosed     source.OnClosed
	havePending  bool
}

// queuedFrame is a NAL unit that finished reassembly before the Sink
// re-requested, holding both bytes and the duration computed for it
// so GetNextFrame's queue-drain path can report it accurately.
type queuedFrame struct {
	data     []byte
	duration time.Duration
}

// NewSource creates an empty H.264 Source.
func NewSource(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{logger: logger}
}

// PushPacket feeds one RTP packet (already parsed off the wire by the
// RTSP client engine's RTP receiver) into the depayloader. Safe to
// call from any goroutine.
func (s *Source) PushPacket(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}

	payload := pkt.Payload
	naluType := payload[0] & 0x1F

	var completed [][]byte
	switch naluType {
	case naluTypeFUA:
		if nalu, ok := s.processFUA(payload); ok {
			completed = append(completed, nalu)
		}
	case naluTypeSTAPA:
		completed = s.processSTAPA(payload)
	default:
		completed = append(completed, append([]byte(nil), payload...))
	}

	if len(completed) == 0 {
		return
	}

	duration := s.estimateDuration(pkt.Timestamp)
	now := time.Now()
	for _, nalu := range completed {
		s.emit(nalu, now, duration)
	}
}

func (s *Source) processFUA(payload []byte) ([]byte, bool) {
	if len(payload) < 2 {
		s.logger.Warn("FU-A packet too short", "len", len(payload))
		return nil, false
	}

	fuIndicator := payload[0]
	fuHeader := payload[1]
	fragment := payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	s.mu.Lock()
	if start {
		s.fuBuffer = s.fuBuffer[:0]
		s.fuBuffer = append(s.fuBuffer, (fuIndicator&0xE0)|naluType)
		s.fuActive = true
	}
	if !s.fuActive {
		s.mu.Unlock()
		s.logger.Warn("FU-A continuation without start fragment; dropping")
		return nil, false
	}
	s.fuBuffer = append(s.fuBuffer, fragment...)
	var out []byte
	ok := false
	if end {
		out = append([]byte(nil), s.fuBuffer...)
		s.fuActive = false
		ok = true
	}
	s.mu.Unlock()

	return out, ok
}

func (s *Source) processSTAPA(payload []byte) [][]byte {
	rest := payload[1:]
	var nalus [][]byte

	for len(rest) > 2 {
		size := int(rest[0])<<8 | int(rest[1])
		rest = rest[2:]
		if size > len(rest) {
			s.logger.Warn("STAP-A NALU size exceeds payload", "size", size, "available", len(rest))
			break
		}
		nalus = append(nalus, append([]byte(nil), rest[:size]...))
		rest = rest[size:]
	}
	return nalus
}

func (s *Source) estimateDuration(ts uint32) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveLastTS {
		s.haveLastTS = true
		s.lastTS = ts
		return 0
	}

	var delta uint32
	if ts >= s.lastTS {
		delta = ts - s.lastTS
	} else {
		delta = (0xFFFFFFFF - s.lastTS) + ts + 1
	}
	s.lastTS = ts

	return time.Duration(delta) * time.Second / videoClockRate
}

func (s *Source) emit(nalu []byte, pts time.Time, duration time.Duration) {
	s.mu.Lock()
	if s.havePending {
		onDelivered := s.onDelivered
		size, truncated := copyTruncated(s.pendingBuf, nalu)
		s.havePending = false
		s.onDelivered, s.onClosed, s.pendingBuf = nil, nil, nil
		s.mu.Unlock()
		onDelivered(size, truncated, pts, duration)
		return
	}
	s.queue = append(s.queue, queuedFrame{data: nalu, duration: duration})
	s.mu.Unlock()
}

// GetNextFrame implements source.FrameSource.
func (s *Source) GetNextFrame(buf []byte, onDelivered source.OnDelivered, onClosed source.OnClosed) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		nalu := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		size, truncated := copyTruncated(buf, nalu.data)
		onDelivered(size, truncated, time.Now(), nalu.duration)
		return
	}
	if s.closed {
		s.mu.Unlock()
		onClosed()
		return
	}
	s.pendingBuf = buf
	s.onDelivered = onDelivered
	s.onClosed = onClosed
	s.havePending = true
	s.mu.Unlock()
}

// Close marks the source permanently ended. Any outstanding
// GetNextFrame call is completed via its onClosed callback.
func (s *Source) Close() {
	s.mu.Lock()
	s.closed = true
	if s.havePending {
		onClosed := s.onClosed
		s.havePending = false
		s.onDelivered, s.onClosed, s.pendingBuf = nil, nil, nil
		s.mu.Unlock()
		onClosed()
		return
	}
	s.mu.Unlock()
}

func copyTruncated(dst, src []byte) (size, truncated int) {
	n := copy(dst, src)
	return n, len(src) - n
}

// RunReader adapts an RTP-over-channel feed into PushPacket calls; it
// is the pump counterpart a caller hands to reactor.RegisterReader so
// packet arrival participates in the single-threaded event loop rather
// than racing with it.
func RunReader(src *Source, packets <-chan *rtp.Packet) func(ctx context.Context, post func(reactor.Task)) {
	return func(ctx context.Context, post func(reactor.Task)) {
		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-packets:
				if !ok {
					post(src.Close)
					return
				}
				p := pkt
				post(func() { src.PushPacket(p) })
			}
		}
	}
}
