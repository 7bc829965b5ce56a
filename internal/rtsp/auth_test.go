package rtsp

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicAuthorizationEncodesCredentials(t *testing.T) {
	a := NewAuthenticator("alice", "secret")
	got := a.Authorization("DESCRIBE", "rtsp://host/stream")

	require.True(t, strings.HasPrefix(got, "Basic "))
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, "Basic "))
	require.NoError(t, err)
	require.Equal(t, "alice:secret", string(decoded))
}

func TestApplyChallengeSwitchesToDigest(t *testing.T) {
	a := NewAuthenticator("alice", "secret")
	err := a.ApplyChallenge(`Digest realm="camera", nonce="abc123", qop="auth"`)
	require.NoError(t, err)

	got := a.Authorization("SETUP", "rtsp://host/stream/track1")
	require.True(t, strings.HasPrefix(got, "Digest "))
	require.Contains(t, got, `realm="camera"`)
	require.Contains(t, got, `nonce="abc123"`)
	require.Contains(t, got, `nc=00000001`)
}

func TestDigestNonceCountIncrementsAcrossRequests(t *testing.T) {
	a := NewAuthenticator("alice", "secret")
	require.NoError(t, a.ApplyChallenge(`Digest realm="camera", nonce="abc123", qop="auth"`))

	first := a.Authorization("DESCRIBE", "rtsp://host/stream")
	second := a.Authorization("DESCRIBE", "rtsp://host/stream")
	require.Contains(t, first, "nc=00000001")
	require.Contains(t, second, "nc=00000002")
	require.NotEqual(t, first, second)
}

func TestApplyChallengeRejectsUnsupportedScheme(t *testing.T) {
	a := NewAuthenticator("alice", "secret")
	err := a.ApplyChallenge(`NTLM realm="camera"`)
	require.Error(t, err)
}
