package rtsp

import (
	"fmt"
	"net"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Transport selects how RTP/RTCP data travels from server to client,
// selected by the -t CLI flag.
type Transport int

const (
	// TransportUDP allocates a pair of client-side UDP ports per
	// subsession. This is the default.
	TransportUDP Transport = iota
	// TransportTCP tunnels RTP/RTCP over the control connection using
	// interleaved framing.
	TransportTCP
)

// udpChannel owns the pair of UDP sockets (RTP, RTCP) allocated for
// one subsession's client-side ports under TransportUDP.
type udpChannel struct {
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
}

func newUDPChannel() (*udpChannel, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("allocate RTP port: %w", err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("allocate RTCP port: %w", err)
	}
	return &udpChannel{rtpConn: rtpConn, rtcpConn: rtcpConn}, nil
}

func (u *udpChannel) clientPortRange() (rtpPort, rtcpPort int) {
	return u.rtpConn.LocalAddr().(*net.UDPAddr).Port, u.rtcpConn.LocalAddr().(*net.UDPAddr).Port
}

func (u *udpChannel) close() {
	u.rtpConn.Close()
	u.rtcpConn.Close()
}

// readRTPLoop reads datagrams off conn until it's closed, unmarshals
// them as RTP packets, and invokes onPacket for each. Run as a reactor
// pump: the blocking ReadFromUDP happens off-thread, but onPacket is
// expected to be called via reactor.Post by the caller.
func readRTPLoop(conn *net.UDPConn, onPacket func(*rtp.Packet)) {
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		onPacket(pkt)
	}
}

// readRTCPLoop reads RTCP datagrams and invokes onBye when a BYE
// packet is seen.
func readRTCPLoop(conn *net.UDPConn, onBye func()) {
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if rtcpPayloadIsBye(buf[:n]) {
			onBye()
		}
	}
}

// rtcpPayloadIsBye reports whether an RTCP compound packet contains a
// Goodbye packet, per RFC 3550 §6.6. Malformed payloads are treated
// as not-BYE rather than surfaced as errors here - the caller has no
// use for the parse failure beyond ignoring the datagram.
func rtcpPayloadIsBye(payload []byte) bool {
	pkts, err := rtcp.Unmarshal(payload)
	if err != nil {
		return false
	}
	for _, pkt := range pkts {
		if _, ok := pkt.(*rtcp.Goodbye); ok {
			return true
		}
	}
	return false
}
