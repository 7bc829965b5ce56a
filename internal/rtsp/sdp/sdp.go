// Package sdp implements the minimal Session Description Protocol
// parser the RTSP client engine needs to turn a DESCRIBE response body
// into a list of subsessions: media type, codec, and the per-track
// control URL. It is intentionally narrow - full SDP has dozens of
// attribute types this relay never looks at.
package sdp

import (
	"fmt"
	"strconv"
	"strings"
)

// Subsession describes one media track advertised in an SDP body.
type Subsession struct {
	Medium      string // "video", "audio", ...
	Codec       string // "H264", "JPEG", "PCMU", ... (from the rtpmap or static payload type)
	PayloadType int
	ClockRate   int
	Control     string // absolute or relative control URL, from a=control:
}

// Session is the parsed result of one DESCRIBE response body.
type Session struct {
	// SessionControl is the session-level a=control: value, if any.
	// The RTSP client does not read it: it resolves subsession control
	// URLs against the request URL or the Content-Base header.
	SessionControl string

	// RangeIsAbsolute is true when the session advertises an
	// absolute (clock-time, "a=range:clock=...") play range rather
	// than a relative ("a=range:npt=...") one.
	RangeIsAbsolute bool

	Subsessions []Subsession
}

var staticPayloadCodecs = map[int]string{
	0:  "PCMU",
	26: "JPEG",
	31: "H261",
	32: "MPV",
	33: "MP2T",
}

// Parse parses an SDP body into a Session. It tolerates unknown
// attribute lines (skips them) since cameras routinely add vendor
// extensions.
func Parse(body string) (*Session, error) {
	sess := &Session{}
	var current *Subsession

	lines := strings.Split(body, "\n")
	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		key, value := line[0], line[2:]

		switch key {
		case 'm':
			if current != nil {
				sess.Subsessions = append(sess.Subsessions, *current)
			}
			fields := strings.Fields(value)
			if len(fields) < 4 {
				return nil, fmt.Errorf("sdp: malformed m= line %q", line)
			}
			pt, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, fmt.Errorf("sdp: malformed payload type in %q: %w", line, err)
			}
			current = &Subsession{
				Medium:      fields[0],
				PayloadType: pt,
				Codec:       staticPayloadCodecs[pt],
				ClockRate:   8000,
			}
		case 'a':
			parseAttribute(sess, current, value)
		}
	}
	if current != nil {
		sess.Subsessions = append(sess.Subsessions, *current)
	}
	return sess, nil
}

func parseAttribute(sess *Session, current *Subsession, value string) {
	switch {
	case strings.HasPrefix(value, "control:"):
		ctrl := strings.TrimPrefix(value, "control:")
		if current != nil {
			current.Control = ctrl
		} else {
			sess.SessionControl = ctrl
		}
	case strings.HasPrefix(value, "rtpmap:") && current != nil:
		rest := strings.TrimPrefix(value, "rtpmap:")
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) != 2 {
			return
		}
		encoding := strings.Split(fields[1], "/")
		current.Codec = strings.ToUpper(encoding[0])
		if len(encoding) > 1 {
			if rate, err := strconv.Atoi(encoding[1]); err == nil {
				current.ClockRate = rate
			}
		}
	case strings.HasPrefix(value, "range:"):
		rangeVal := strings.TrimPrefix(value, "range:")
		if strings.HasPrefix(rangeVal, "clock=") {
			sess.RangeIsAbsolute = true
		}
	}
}
