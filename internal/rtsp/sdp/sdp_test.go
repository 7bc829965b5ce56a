package sdp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleBody = "v=0\r\n" +
	"o=- 0 0 IN IP4 192.168.1.10\r\n" +
	"s=Camera\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=control:trackID=1\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=control:trackID=2\r\n"

func TestParseExtractsSubsessions(t *testing.T) {
	sess, err := Parse(sampleBody)
	require.NoError(t, err)
	require.Equal(t, "*", sess.SessionControl)
	require.Len(t, sess.Subsessions, 2)

	video := sess.Subsessions[0]
	require.Equal(t, "video", video.Medium)
	require.Equal(t, "H264", video.Codec)
	require.Equal(t, 90000, video.ClockRate)
	require.Equal(t, "trackID=1", video.Control)

	audio := sess.Subsessions[1]
	require.Equal(t, "audio", audio.Medium)
	require.Equal(t, "PCMU", audio.Codec)
	require.Equal(t, "trackID=2", audio.Control)
}

func TestParseDetectsAbsoluteRange(t *testing.T) {
	body := sampleBody + "a=range:clock=20260729T120000Z-\r\n"
	sess, err := Parse(body)
	require.NoError(t, err)
	require.True(t, sess.RangeIsAbsolute)
}

func TestParseRejectsMalformedMediaLine(t *testing.T) {
	_, err := Parse("m=video 0 RTP/AVP\r\n")
	require.Error(t, err)
}

func TestParseIgnoresUnknownAttributes(t *testing.T) {
	body := "m=video 0 RTP/AVP 96\r\na=framerate:25\r\na=control:trackID=1\r\n"
	sess, err := Parse(body)
	require.NoError(t, err)
	require.Len(t, sess.Subsessions, 1)
	require.Equal(t, "trackID=1", sess.Subsessions[0].Control)
}
