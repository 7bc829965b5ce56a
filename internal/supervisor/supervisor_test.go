package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaylabs/rtsp2tcp/internal/reactor"
	"github.com/relaylabs/rtsp2tcp/internal/rtsp"
	"github.com/relaylabs/rtsp2tcp/internal/source/h264"
)

func TestOnSubsessionReadyAttachesSinkAndStartsPlaying(t *testing.T) {
	r := reactor.New()
	sv := New(Config{Port: 0, MaxPayloadSize: 4096}, r, nil)

	ss := &rtsp.Subsession{Index: 0, Medium: "video", Codec: "H264", Source: h264.NewSource(nil)}
	sv.onSubsessionReady(ss)
	t.Cleanup(func() { sv.onShutdown(0) })

	require.Len(t, sv.sinks, 1)
	require.Contains(t, sv.sinks, 0)
}

func TestOnSubsessionClosedRemovesSink(t *testing.T) {
	r := reactor.New()
	sv := New(Config{Port: 0, MaxPayloadSize: 4096}, r, nil)

	ss := &rtsp.Subsession{Index: 3, Medium: "video", Codec: "JPEG", Source: h264.NewSource(nil)}
	sv.onSubsessionReady(ss)
	require.Len(t, sv.sinks, 1)

	sv.onSubsessionClosed(ss)
	require.Empty(t, sv.sinks)
}

func TestOnShutdownClosesAllSinksAndTripsWatch(t *testing.T) {
	r := reactor.New()
	sv := New(Config{Port: 0, MaxPayloadSize: 4096}, r, nil)

	ss1 := &rtsp.Subsession{Index: 0, Medium: "video", Codec: "H264", Source: h264.NewSource(nil)}
	ss2 := &rtsp.Subsession{Index: 1, Medium: "video", Codec: "JPEG", Source: h264.NewSource(nil)}
	sv.onSubsessionReady(ss1)
	sv.onSubsessionReady(ss2)
	require.Len(t, sv.sinks, 2)

	sv.onShutdown(0)

	require.Empty(t, sv.sinks)
	require.Equal(t, 0, sv.exitCode)
	require.True(t, r.Watch().Tripped())
}
