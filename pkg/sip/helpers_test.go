package sip

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const sampleOffer = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 198.51.100.7\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.7\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

// buildRequest returns a request in the shape softphones send: CRLF lines,
// a To header carrying our address and an SDP body.
func buildRequest(method, to, body string) []byte {
	return []byte(method + " sip:192.0.2.10:5060 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 198.51.100.7:5060;branch=z9hG4bK776asdhds\r\n" +
		"Max-Forwards: 70\r\n" +
		"To: " + to + "\r\n" +
		"From: \"Alice\" <sip:alice@198.51.100.7>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@198.51.100.7\r\n" +
		"CSeq: 314159 " + method + "\r\n" +
		"Contact: <sip:alice@198.51.100.7:5060>\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"\r\n" +
		body)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestHandler(cfg *Config) *Handler {
	if cfg == nil {
		cfg = &Config{
			SDP: SDPIdentity{
				Username:    "voip",
				SessionID:   10497115115,
				SessionName: "voip 1.0",
			},
			UserAgent: "voip 1.0",
		}
	}
	h, err := NewHandler(newTestLogger(), cfg)
	if err != nil {
		panic(err)
	}
	return h
}

// collector records every invitation handed to the observer
type collector struct {
	mu          sync.Mutex
	invitations []CallInvitation
}

func (c *collector) OnInvitation(invitation CallInvitation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invitations = append(c.invitations, invitation)
}

func (c *collector) all() []CallInvitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CallInvitation(nil), c.invitations...)
}

type sentDatagram struct {
	payload []byte
	addr    net.Addr
}

// recordingConn is a net.PacketConn that keeps what is written to it
type recordingConn struct {
	mu       sync.Mutex
	sent     []sentDatagram
	writeErr error
}

func (c *recordingConn) ReadFrom(p []byte) (int, net.Addr, error) {
	return 0, nil, net.ErrClosed
}

func (c *recordingConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.sent = append(c.sent, sentDatagram{payload: append([]byte(nil), p...), addr: addr})
	return len(p), nil
}

func (c *recordingConn) datagrams() []sentDatagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentDatagram(nil), c.sent...)
}

func (c *recordingConn) Close() error {
	return nil
}

func (c *recordingConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}
}

func (c *recordingConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *recordingConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *recordingConn) SetWriteDeadline(t time.Time) error {
	return nil
}
