package h264

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func packet(payload []byte, ts uint32) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Timestamp: ts}, Payload: payload}
}

func pullFrame(t *testing.T, s *Source) (got []byte, truncated int, closed bool) {
	t.Helper()
	buf := make([]byte, 65536)
	done := make(chan struct{})
	s.GetNextFrame(buf,
		func(size, trunc int, _ time.Time, _ time.Duration) {
			got = append([]byte(nil), buf[:size]...)
			truncated = trunc
			close(done)
		},
		func() {
			closed = true
			close(done)
		},
	)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetNextFrame never completed")
	}
	return
}

func TestSingleNALUPassthrough(t *testing.T) {
	s := NewSource(nil)
	nalu := []byte{0x67, 0x01, 0x02, 0x03}
	s.PushPacket(packet(nalu, 1000))

	got, truncated, closed := pullFrame(t, s)
	require.False(t, closed)
	require.Zero(t, truncated)
	require.Equal(t, nalu, got)
}

func TestFUAReassembly(t *testing.T) {
	s := NewSource(nil)
	// Original NALU header nibble: forbidden=0, nri=3, type=5 (IDR).
	const naluType = 5
	const nri = 0x60

	start := []byte{0x1C, 0x80 | naluType, 0xAA, 0xBB}
	middle := []byte{0x1C, naluType, 0xCC, 0xDD}
	end := []byte{0x1C, 0x40 | naluType, 0xEE}
	start[0] = 0x1C | nri&0x60
	middle[0] = start[0]
	end[0] = start[0]

	s.PushPacket(packet(start, 2000))
	s.PushPacket(packet(middle, 2000))
	s.PushPacket(packet(end, 2000))

	got, truncated, closed := pullFrame(t, s)
	require.False(t, closed)
	require.Zero(t, truncated)
	require.Equal(t, byte((nri&0x60)|naluType), got[0])
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}, got[1:])
}

func TestSTAPASplitsAggregatedUnits(t *testing.T) {
	s := NewSource(nil)
	sps := []byte{0x67, 0x01, 0x02}
	pps := []byte{0x68, 0x03}

	stap := []byte{24}
	stap = append(stap, byte(len(sps)>>8), byte(len(sps)))
	stap = append(stap, sps...)
	stap = append(stap, byte(len(pps)>>8), byte(len(pps)))
	stap = append(stap, pps...)

	s.PushPacket(packet(stap, 3000))

	got1, _, closed1 := pullFrame(t, s)
	require.False(t, closed1)
	require.Equal(t, sps, got1)

	got2, _, closed2 := pullFrame(t, s)
	require.False(t, closed2)
	require.Equal(t, pps, got2)
}

func TestGetNextFrameWaitsThenDelivers(t *testing.T) {
	s := NewSource(nil)
	nalu := []byte{0x41, 0x01}

	resultCh := make(chan []byte, 1)
	buf := make([]byte, 1024)
	s.GetNextFrame(buf,
		func(size, _ int, _ time.Time, _ time.Duration) { resultCh <- append([]byte(nil), buf[:size]...) },
		func() { resultCh <- nil },
	)

	s.PushPacket(packet(nalu, 4000))

	select {
	case got := <-resultCh:
		require.Equal(t, nalu, got)
	case <-time.After(time.Second):
		t.Fatal("pending GetNextFrame never resolved")
	}
}

func TestGetNextFrameTruncatesOversizedNALU(t *testing.T) {
	s := NewSource(nil)
	nalu := []byte{0x67, 1, 2, 3, 4, 5}
	s.PushPacket(packet(nalu, 5000))

	buf := make([]byte, 3)
	done := make(chan struct{})
	var size, truncated int
	s.GetNextFrame(buf,
		func(n, trunc int, _ time.Time, _ time.Duration) { size, truncated = n, trunc; close(done) },
		func() { close(done) },
	)
	<-done
	require.Equal(t, 3, size)
	require.Equal(t, 3, truncated)
	require.Equal(t, nalu[:3], buf[:size])
}

func TestCloseCompletesPendingCallWithOnClosed(t *testing.T) {
	s := NewSource(nil)
	buf := make([]byte, 16)
	done := make(chan struct{})
	closed := false
	s.GetNextFrame(buf,
		func(int, int, time.Time, time.Duration) { close(done) },
		func() { closed = true; close(done) },
	)
	s.Close()
	<-done
	require.True(t, closed)
}

func TestCloseAfterCloseReportsClosedImmediately(t *testing.T) {
	s := NewSource(nil)
	s.Close()
	_, _, closed := pullFrame(t, s)
	require.True(t, closed)
}
