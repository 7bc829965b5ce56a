package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaylabs/rtsp2tcp/internal/rtsp"
)

func parse(t *testing.T, args ...string) *Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))

	rest, err := f.ParseUserCredentials(fs.Args())
	require.NoError(t, err)
	require.NotEmpty(t, rest)
	f.URL = rest[len(rest)-1]
	return f
}

func TestToSupervisorConfigDefaultsToUDPAndDefaultPort(t *testing.T) {
	f := parse(t, "rtsp://camera.local/stream")

	cfg, err := f.ToSupervisorConfig()
	require.NoError(t, err)
	require.Equal(t, rtsp.TransportUDP, cfg.RTSP.Transport)
	require.Equal(t, defaultPort, cfg.Port)
	require.Equal(t, "rtsp://camera.local/stream", cfg.RTSP.URL)
}

func TestTunnelFlagSelectsTCPTransport(t *testing.T) {
	f := parse(t, "-t", "rtsp://camera.local/stream")

	cfg, err := f.ToSupervisorConfig()
	require.NoError(t, err)
	require.Equal(t, rtsp.TransportTCP, cfg.RTSP.Transport)
}

func TestUserCredentialsFlagIsParsedOutOfPositionalArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-u", "alice", "secret", "rtsp://camera.local/stream"}))

	rest, err := f.ParseUserCredentials(fs.Args())
	require.NoError(t, err)
	require.Equal(t, []string{"rtsp://camera.local/stream"}, rest)
	require.Equal(t, "alice", f.Username)
	require.Equal(t, "secret", f.Password)
}

func TestUserCredentialsFlagMissingArgumentsIsAnError(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-u", "alice"}))

	_, err := f.ParseUserCredentials(fs.Args())
	require.Error(t, err)
}

func TestToSupervisorConfigRejectsMissingURL(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	_, err := f.ToSupervisorConfig()
	require.Error(t, err)
}

func TestToSupervisorConfigRejectsNonRTSPScheme(t *testing.T) {
	f := parse(t, "http://camera.local/stream")

	_, err := f.ToSupervisorConfig()
	require.Error(t, err)
}

func TestToSupervisorConfigRejectsOutOfRangePort(t *testing.T) {
	f := parse(t, "-p", "70000", "rtsp://camera.local/stream")

	_, err := f.ToSupervisorConfig()
	require.Error(t, err)
}

func TestToSupervisorConfigDefaultsUserAgentWhenUnset(t *testing.T) {
	f := parse(t, "rtsp://camera.local/stream")

	cfg, err := f.ToSupervisorConfig()
	require.NoError(t, err)
	require.NotEmpty(t, cfg.RTSP.UserAgent)
}
