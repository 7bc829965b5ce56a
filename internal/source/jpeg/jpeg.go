// Package jpeg implements a FrameSource over an RFC 2435 (RTP/JPEG)
// stream: motion-JPEG as sent by many IP cameras as a sequence of RTP
// packets carrying a JPEG header plus a scan-data fragment, with no
// standard JPEG tables included in the stream itself.
//
// This is a direct, from-the-RFC implementation: it reconstructs a
// standalone, decodable JPEG image per frame (SOI, DQT, SOF0, DHT,
// SOS, scan data, EOI) the way ffmpeg's rtpdec_jpeg.c and gstreamer's
// rtpjpegdepay do. The reassembly-then-deliver shape (accumulate until
// a frame boundary, then feed a pull-based FrameSource) mirrors
// internal/source/h264.
package jpeg

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/relaylabs/rtsp2tcp/internal/source"
)

const videoClockRate = 90000

// Source reassembles RFC 2435 RTP/JPEG packets into complete,
// self-contained JPEG images and serves them through GetNextFrame.
type Source struct {
	logger *slog.Logger

	mu          sync.Mutex
	frameBuf    []byte
	haveType    bool
	frameType   byte
	frameQ      byte
	frameW      int
	frameH      int
	qTables     []byte
	haveQTables bool
	fragmenting bool

	queue  []queuedFrame
	closed bool

	lastTS     uint32
	haveLastTS bool

	pendingBuf  []byte
	onDelivered source.OnDelivered
	onClosed    source.OnClosed
	havePending bool
}

// queuedFrame is a frame that finished reassembly before the Sink
// re-requested, holding both bytes and the duration computed for it
// so GetNextFrame's queue-drain path can report it accurately.
type queuedFrame struct {
	data     []byte
	duration time.Duration
}

// NewSource creates an empty RTP/JPEG Source.
func NewSource(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{logger: logger}
}

// PushPacket feeds one RTP packet into the depayloader.
func (s *Source) PushPacket(pkt *rtp.Packet) {
	p := pkt.Payload
	if len(p) < 8 {
		s.logger.Warn("RTP/JPEG payload too short for header", "len", len(p))
		return
	}

	fragmentOffset := int(p[1])<<16 | int(p[2])<<8 | int(p[3])
	jtype := p[4]
	q := p[5]
	width := int(p[6]) * 8
	height := int(p[7]) * 8
	rest := p[8:]

	if jtype >= 64 && jtype <= 127 {
		if len(rest) < 4 {
			s.logger.Warn("RTP/JPEG restart marker header truncated")
			return
		}
		rest = rest[4:]
	}

	var qTables []byte
	if fragmentOffset == 0 {
		if q >= 128 {
			if len(rest) < 4 {
				s.logger.Warn("RTP/JPEG quantization table header truncated")
				return
			}
			precision := rest[1]
			length := int(rest[2])<<8 | int(rest[3])
			rest = rest[4:]
			if len(rest) < length {
				s.logger.Warn("RTP/JPEG quantization table data truncated")
				return
			}
			if precision == 0 {
				qTables = append([]byte(nil), rest[:length]...)
			}
			rest = rest[length:]
		}

		s.mu.Lock()
		s.frameBuf = s.frameBuf[:0]
		s.frameType = jtype
		s.frameQ = q
		s.frameW = width
		s.frameH = height
		s.haveType = true
		s.fragmenting = true
		if len(qTables) > 0 {
			s.qTables = qTables
			s.haveQTables = true
		}
		s.frameBuf = append(s.frameBuf, rest...)
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		if !s.fragmenting {
			s.mu.Unlock()
			s.logger.Warn("RTP/JPEG fragment received with no active frame; dropping")
			return
		}
		s.frameBuf = append(s.frameBuf, rest...)
		s.mu.Unlock()
	}

	if pkt.Marker {
		s.finishFrame(pkt.Timestamp)
	}
}

func (s *Source) finishFrame(ts uint32) {
	s.mu.Lock()
	if !s.fragmenting {
		s.mu.Unlock()
		return
	}
	scan := append([]byte(nil), s.frameBuf...)
	jtype, q, w, h := s.frameType, s.frameQ, s.frameW, s.frameH
	qTables := s.qTables
	haveQTables := s.haveQTables
	s.fragmenting = false
	s.frameBuf = s.frameBuf[:0]
	s.mu.Unlock()

	if w == 0 || h == 0 {
		s.logger.Warn("RTP/JPEG frame with zero dimensions; dropping")
		return
	}

	lum, chrom := qTables, qTables
	if !haveQTables || len(qTables) < 128 {
		lum, chrom = defaultQuantTables(q)
	} else {
		lum, chrom = qTables[:64], qTables[64:128]
	}

	jpg := buildJPEG(jtype, w, h, lum, chrom, scan)
	duration := s.estimateDuration(ts)
	s.emit(jpg, time.Now(), duration)
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

func (s *Source) emit(frame []byte, pts time.Time, duration time.Duration) {
	s.mu.Lock()
	if s.havePending {
		onDelivered := s.onDelivered
		size, truncated := copyTruncated(s.pendingBuf, frame)
		s.havePending = false
		s.onDelivered, s.onClosed, s.pendingBuf = nil, nil, nil
		s.mu.Unlock()
		onDelivered(size, truncated, pts, duration)
		return
	}
	s.queue = append(s.queue, queuedFrame{data: frame, duration: duration})
	s.mu.Unlock()
}

// GetNextFrame implements source.FrameSource.
func (s *Source) GetNextFrame(buf []byte, onDelivered source.OnDelivered, onClosed source.OnClosed) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		frame := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		size, truncated := copyTruncated(buf, frame.data)
		onDelivered(size, truncated, time.Now(), frame.duration)
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

// Close marks the source permanently ended.
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

const (
	markerSOI = 0xD8
	markerDQT = 0xDB
	markerSOF0 = 0xC0
	markerDHT = 0xC4
	markerSOS = 0xDA
	markerEOI = 0xD9
)

// buildJPEG assembles a standalone, decodable JPEG image from an
// RFC 2435 scan fragment plus the reconstructed header segments, per
// RFC 2435 §4.1 ("A Guide to the JPEG Headers Included in the RTP
// Payload").
func buildJPEG(jtype byte, width, height int, lum, chrom, scan []byte) []byte {
	var buf []byte
	buf = append(buf, 0xFF, markerSOI)
	buf = append(buf, dqtSegment(0, lum)...)
	buf = append(buf, dqtSegment(1, chrom)...)
	buf = append(buf, sof0Segment(width, height, jtype)...)
	buf = append(buf, dhtSegment()...)
	buf = append(buf, sosSegment(jtype)...)
	buf = append(buf, scan...)
	buf = append(buf, 0xFF, markerEOI)
	return buf
}

func dqtSegment(tableID byte, table []byte) []byte {
	length := 2 + 1 + len(table)
	seg := []byte{0xFF, markerDQT, byte(length >> 8), byte(length)}
	seg = append(seg, tableID)
	return append(seg, table...)
}

func sof0Segment(width, height int, jtype byte) []byte {
	numComponents := 3
	length := 8 + numComponents*3
	seg := []byte{0xFF, markerSOF0, byte(length >> 8), byte(length)}
	seg = append(seg, 8) // sample precision
	seg = append(seg, byte(height>>8), byte(height))
	seg = append(seg, byte(width>>8), byte(width))
	seg = append(seg, byte(numComponents))

	hSamp, vSamp := byte(0x21), byte(0x11)
	if jtype == 1 || jtype == 65 {
		hSamp, vSamp = 0x22, 0x11
	}
	seg = append(seg, 1, hSamp, 0)
	seg = append(seg, 2, vSamp, 1)
	seg = append(seg, 3, vSamp, 1)
	return seg
}

func sosSegment(jtype byte) []byte {
	seg := []byte{0xFF, markerSOS, 0, 12, 3}
	seg = append(seg, 1, 0x00)
	seg = append(seg, 2, 0x11)
	seg = append(seg, 3, 0x11)
	seg = append(seg, 0, 63, 0)
	return seg
}

func dhtSegment() []byte {
	var seg []byte
	seg = append(seg, dhtTable(0, 0, lumDCBits, lumDCVals)...)
	seg = append(seg, dhtTable(1, 0, chromDCBits, chromDCVals)...)
	seg = append(seg, dhtTable(0, 1, lumACBits, lumACVals)...)
	seg = append(seg, dhtTable(1, 1, chromACBits, chromACVals)...)
	return seg
}

func dhtTable(tableID, tableClass byte, bits, vals []byte) []byte {
	length := 2 + 1 + len(bits) + len(vals)
	seg := []byte{0xFF, markerDHT, byte(length >> 8), byte(length)}
	seg = append(seg, (tableClass<<4)|tableID)
	seg = append(seg, bits...)
	seg = append(seg, vals...)
	return seg
}

// defaultQuantTables synthesizes the standard luminance/chrominance
// tables scaled by Q, per RFC 2435 Appendix A (MakeTables).
func defaultQuantTables(q byte) (lum, chrom []byte) {
	factor := int(q)
	if factor < 1 {
		factor = 1
	}
	if factor > 99 {
		factor = 99
	}
	var scale int
	if q < 50 {
		scale = 5000 / factor
	} else {
		scale = 200 - factor*2
	}
	if scale <= 0 {
		scale = 1
	}

	lum = scaleTable(baseLumTable, scale)
	chrom = scaleTable(baseChromTable, scale)
	return lum, chrom
}

func scaleTable(base [64]byte, scale int) []byte {
	out := make([]byte, 64)
	for i, v := range base {
		val := (int(v)*scale + 50) / 100
		if val < 1 {
			val = 1
		}
		if val > 255 {
			val = 255
		}
		out[i] = byte(val)
	}
	return out
}

// String provides a concise diagnostic description, matching the
// terse %s formatting the pack's other depayloaders use in logs.
func (s *Source) String() string {
	return fmt.Sprintf("jpeg.Source{closed=%v}", s.closed)
}
