package jpeg

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func jpegHeader(fragOffset int, q byte, w, h byte) []byte {
	return []byte{
		0, byte(fragOffset >> 16), byte(fragOffset >> 8), byte(fragOffset),
		0, q, w, h,
	}
}

func pullFrame(t *testing.T, s *Source) (got []byte, closed bool) {
	t.Helper()
	buf := make([]byte, 65536)
	done := make(chan struct{})
	s.GetNextFrame(buf,
		func(size, _ int, _ time.Time, _ time.Duration) {
			got = append([]byte(nil), buf[:size]...)
			close(done)
		},
		func() { closed = true; close(done) },
	)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetNextFrame never completed")
	}
	return
}

func TestSingleFragmentFrameProducesValidJPEGEnvelope(t *testing.T) {
	s := NewSource(nil)
	scan := []byte{1, 2, 3, 4, 5}
	payload := append(jpegHeader(0, 50, 20, 15), scan...)

	pkt := &rtp.Packet{Header: rtp.Header{Timestamp: 1000, Marker: true}, Payload: payload}
	s.PushPacket(pkt)

	got, closed := pullFrame(t, s)
	require.False(t, closed)
	require.Equal(t, byte(0xFF), got[0])
	require.Equal(t, byte(markerSOI), got[1])
	require.Equal(t, byte(0xFF), got[len(got)-2])
	require.Equal(t, byte(markerEOI), got[len(got)-1])
	require.Contains(t, string(got), string(scan))
}

func TestMultiFragmentFrameAccumulatesScanData(t *testing.T) {
	s := NewSource(nil)
	first := append(jpegHeader(0, 50, 20, 15), []byte{0xAA, 0xBB}...)
	second := append(jpegHeader(2, 50, 20, 15), []byte{0xCC, 0xDD}...)

	s.PushPacket(&rtp.Packet{Header: rtp.Header{Timestamp: 2000}, Payload: first})
	s.PushPacket(&rtp.Packet{Header: rtp.Header{Timestamp: 2000, Marker: true}, Payload: second})

	got, closed := pullFrame(t, s)
	require.False(t, closed)
	require.Contains(t, string(got), string([]byte{0xAA, 0xBB, 0xCC, 0xDD}))
}

func TestFragmentWithoutFrameStartIsDropped(t *testing.T) {
	s := NewSource(nil)
	mid := append(jpegHeader(4, 50, 20, 15), []byte{1, 2}...)
	s.PushPacket(&rtp.Packet{Header: rtp.Header{Timestamp: 3000, Marker: true}, Payload: mid})

	s.mu.Lock()
	empty := len(s.queue) == 0
	s.mu.Unlock()
	require.True(t, empty)
}

func TestCloseCompletesPendingCall(t *testing.T) {
	s := NewSource(nil)
	_, closed := pullFrameAsync(t, s)
	require.False(t, closed())
	s.Close()
	require.True(t, closed())
}

func pullFrameAsync(t *testing.T, s *Source) (chan struct{}, func() bool) {
	t.Helper()
	done := make(chan struct{})
	closed := false
	buf := make([]byte, 16)
	s.GetNextFrame(buf,
		func(int, int, time.Time, time.Duration) { close(done) },
		func() { closed = true; close(done) },
	)
	return done, func() bool {
		select {
		case <-done:
			return closed
		default:
			return false
		}
	}
}

func TestDefaultQuantTablesScaleWithQ(t *testing.T) {
	lowQ, _ := defaultQuantTables(10)
	highQ, _ := defaultQuantTables(90)
	require.NotEqual(t, lowQ, highQ)
	for _, v := range lowQ {
		require.GreaterOrEqual(t, v, byte(1))
	}
}
