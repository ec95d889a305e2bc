package sip

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkg_errors "voip-server/pkg/errors"
)

func TestNewHandlerDefaults(t *testing.T) {
	h, err := NewHandler(newTestLogger(), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, h.Config.UserAgent)
	assert.Equal(t, "-", h.Config.SDP.Username)
	assert.NotEmpty(t, h.Config.SDP.SessionName)
	assert.False(t, h.IsReady())
}

func TestNewHandlerCopiesConfig(t *testing.T) {
	cfg := &Config{AllowedCallers: []string{"198.51.100.7"}}

	h, err := NewHandler(newTestLogger(), cfg)
	require.NoError(t, err)

	assert.Equal(t, &Config{AllowedCallers: []string{"198.51.100.7"}}, cfg)
	assert.NotSame(t, cfg, h.Config)
	assert.Equal(t, "-", h.Config.SDP.Username)

	h.Config.AllowedCallers[0] = "203.0.113.9"
	assert.Equal(t, "198.51.100.7", cfg.AllowedCallers[0])
}

func TestNewHandlerRejectsBadAllowedCaller(t *testing.T) {
	_, err := NewHandler(newTestLogger(), &Config{AllowedCallers: []string{"198.51.100.7", "not-an-ip"}})

	assert.ErrorIs(t, err, pkg_errors.ErrInvalidInput)
	assert.Equal(t, "INVALID_INPUT", pkg_errors.GetErrorCode(err))
}

func TestOnDatagramReceivedEmitsInvitation(t *testing.T) {
	h := newTestHandler(nil)
	calls := &collector{}
	h.SetObserver(calls)

	h.OnDatagramReceived(buildRequest("INVITE", "<sip:192.0.2.10:5060>", sampleOffer), "198.51.100.7", 5062)

	invitations := calls.all()
	require.Len(t, invitations, 1)
	inv := invitations[0]
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, "198.51.100.7", inv.CallerAddress)
	assert.Equal(t, 5062, inv.CallerSignalingPort)
	assert.Equal(t, 49170, inv.CallerMediaPort)
	assert.Equal(t, "192.0.2.10", inv.LocalAddress)
	assert.Equal(t, "a84b4c76e66710@198.51.100.7", inv.Headers["call-id"])
	assert.Equal(t, "314159 INVITE", inv.Headers["cseq"])
}

func TestOnDatagramReceivedGivesEachInvitationItsOwnID(t *testing.T) {
	h := newTestHandler(nil)
	calls := &collector{}
	h.SetObserver(calls)

	raw := buildRequest("INVITE", "<sip:192.0.2.10:5060>", sampleOffer)
	h.OnDatagramReceived(raw, "198.51.100.7", 5060)
	h.OnDatagramReceived(raw, "198.51.100.7", 5060)

	invitations := calls.all()
	require.Len(t, invitations, 2)
	assert.NotEqual(t, invitations[0].ID, invitations[1].ID)
}

func TestOnDatagramReceivedDropsUnusableDatagrams(t *testing.T) {
	valid := "<sip:192.0.2.10:5060>"
	testCases := []struct {
		name string
		raw  []byte
	}{
		{name: "invalid utf-8", raw: []byte{0xff, 0xfe, 0xfd}},
		{name: "empty", raw: nil},
		{name: "header without colon", raw: []byte("INVITE sip:x SIP/2.0\r\nnot a header\r\n\r\n" + sampleOffer)},
		{name: "bye", raw: buildRequest("BYE", valid, sampleOffer)},
		{name: "options", raw: buildRequest("OPTIONS", valid, "")},
		{name: "no audio line", raw: buildRequest("INVITE", valid, "v=0\r\ns=-\r\n")},
		{name: "video first", raw: buildRequest("INVITE", valid, "v=0\r\nm=video 5000 RTP/AVP 96\r\nm=audio 4000 RTP/AVP 0\r\n")},
		{name: "to with user part", raw: buildRequest("INVITE", "<sip:bob@192.0.2.10:5060>", sampleOffer)},
		{name: "to without port", raw: buildRequest("INVITE", "<sip:192.0.2.10>", sampleOffer)},
		{name: "to with hostname", raw: buildRequest("INVITE", "<sip:pbx.example.com:5060>", sampleOffer)},
		{name: "to without brackets", raw: buildRequest("INVITE", "sip:192.0.2.10:5060", sampleOffer)},
		{name: "to with octet above 255", raw: buildRequest("INVITE", "<sip:192.0.2.300:5060>", sampleOffer)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(nil)
			calls := &collector{}
			h.SetObserver(calls)

			assert.NotPanics(t, func() {
				h.OnDatagramReceived(tc.raw, "198.51.100.7", 5060)
			})
			assert.Empty(t, calls.all())
		})
	}
}

func TestParseInvitationClassifiesFailures(t *testing.T) {
	h := newTestHandler(nil)
	valid := "<sip:192.0.2.10:5060>"

	testCases := []struct {
		name   string
		raw    []byte
		port   int
		target error
	}{
		{name: "malformed", raw: []byte{0xff}, port: 5060, target: pkg_errors.ErrMalformedMessage},
		{name: "bye", raw: buildRequest("BYE", valid, sampleOffer), port: 5060, target: pkg_errors.ErrIgnoredMethod},
		{name: "no media", raw: buildRequest("INVITE", valid, "v=0\r\n"), port: 5060, target: pkg_errors.ErrMissingMediaPort},
		{name: "bad to", raw: buildRequest("INVITE", "<sip:bob@192.0.2.10:5060>", sampleOffer), port: 5060, target: pkg_errors.ErrUnresolvableLocalAddress},
		{name: "bad source port", raw: buildRequest("INVITE", valid, sampleOffer), port: 0, target: pkg_errors.ErrInvalidInvitation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ParseInvitation(tc.raw, "198.51.100.7", tc.port)
			assert.ErrorIs(t, err, tc.target)
		})
	}
}

func TestParseInvitationAcceptsToParameters(t *testing.T) {
	h := newTestHandler(nil)

	inv, err := h.ParseInvitation(buildRequest("INVITE", "<sip:192.0.2.10:5060>;tag=as7f2d", sampleOffer), "198.51.100.7", 5060)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", inv.LocalAddress)
}

func TestLocalAddressFromToNormalizesOctets(t *testing.T) {
	testCases := []struct {
		name    string
		to      string
		want    string
		wantErr bool
	}{
		{name: "plain", to: "<sip:192.0.2.10:5060>", want: "192.0.2.10"},
		{name: "leading zeros", to: "<sip:192.168.001.010:5060>", want: "192.168.1.10"},
		{name: "all zeros octet", to: "<sip:10.000.0.1:5060>", want: "10.0.0.1"},
		{name: "octet 255", to: "<sip:255.255.255.255:5060>", want: "255.255.255.255"},
		{name: "octet 256", to: "<sip:192.0.2.256:5060>", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := LocalAddressFromTo(Headers{"to": tc.to})
			if tc.wantErr {
				assert.ErrorIs(t, err, pkg_errors.ErrUnresolvableLocalAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, addr)
		})
	}
}

func TestAllowedCallers(t *testing.T) {
	h := newTestHandler(&Config{AllowedCallers: []string{"198.51.100.7"}})
	calls := &collector{}
	h.SetObserver(calls)
	raw := buildRequest("INVITE", "<sip:192.0.2.10:5060>", sampleOffer)

	h.OnDatagramReceived(raw, "203.0.113.9", 5060)
	assert.Empty(t, calls.all())

	_, err := h.ParseInvitation(raw, "203.0.113.9", 5060)
	assert.ErrorIs(t, err, pkg_errors.ErrCallerNotAllowed)

	h.OnDatagramReceived(raw, "198.51.100.7", 5060)
	assert.Len(t, calls.all(), 1)
}

func TestObserverPanicIsContained(t *testing.T) {
	h := newTestHandler(nil)
	h.SetObserver(InvitationObserverFunc(func(CallInvitation) {
		panic("observer failed")
	}))
	raw := buildRequest("INVITE", "<sip:192.0.2.10:5060>", sampleOffer)

	assert.NotPanics(t, func() {
		h.OnDatagramReceived(raw, "198.51.100.7", 5060)
	})

	calls := &collector{}
	h.SetObserver(calls)
	h.OnDatagramReceived(raw, "198.51.100.7", 5060)
	assert.Len(t, calls.all(), 1)
}

func TestNoObserverDropsInvitation(t *testing.T) {
	h := newTestHandler(nil)

	assert.NotPanics(t, func() {
		h.OnDatagramReceived(buildRequest("INVITE", "<sip:192.0.2.10:5060>", sampleOffer), "198.51.100.7", 5060)
	})
}

func TestAnswerBeforeBind(t *testing.T) {
	h := newTestHandler(nil)
	headers := invitationHeaders(t)

	err := h.Answer(headers, "198.51.100.7", 5060, "192.0.2.10", 5004)

	assert.ErrorIs(t, err, pkg_errors.ErrTransportNotReady)
	assert.Equal(t, "TRANSPORT_NOT_READY", pkg_errors.GetErrorCode(err))
}

func TestAnswerEchoesInvitationHeaders(t *testing.T) {
	h := newTestHandler(nil)
	conn := &recordingConn{}
	h.Bind(conn)

	headers := Headers{
		"via":     "X",
		"from":    "Y",
		"to":      "Z",
		"call-id": "C",
		"cseq":    "1 INVITE",
		"contact": "K",
	}
	require.NoError(t, h.Answer(headers, "198.51.100.7", 5062, "192.0.2.10", 5004))

	sent := conn.datagrams()
	require.Len(t, sent, 1)
	assert.Equal(t, &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 5062}, sent[0].addr)

	msg, err := Parse(sent[0].payload)
	require.NoError(t, err)
	assert.False(t, msg.IsRequest())
	for name, value := range headers {
		assert.Equal(t, value, msg.Headers[name], name)
	}
	assert.Equal(t, "application/sdp", msg.Headers["content-type"])
	assert.Equal(t, "voip 1.0", msg.Headers["user-agent"])
	assert.Equal(t, "INVITE, ACK, BYE, CANCEL, OPTIONS", msg.Headers["allow"])
	assert.Equal(t, strconv.Itoa(len(msg.Body)), msg.Headers["content-length"])

	port, err := MediaPortFromOffer(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, 5004, port)
	assert.Contains(t, msg.Body, "c=IN IP4 192.0.2.10\r\n")
	assert.Contains(t, msg.Body, "o=voip 10497115115 1 IN IP4 192.0.2.10\r\n")
}

func TestAnswerIsDeterministic(t *testing.T) {
	h := newTestHandler(nil)
	conn := &recordingConn{}
	h.Bind(conn)
	headers := invitationHeaders(t)

	require.NoError(t, h.Answer(headers, "198.51.100.7", 5060, "192.0.2.10", 5004))
	require.NoError(t, h.Answer(headers, "198.51.100.7", 5060, "192.0.2.10", 5004))

	sent := conn.datagrams()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].payload, sent[1].payload)
}

func TestBuildAnswerLayout(t *testing.T) {
	h := newTestHandler(nil)
	headers := Headers{"via": "X", "from": "Y", "to": "Z", "call-id": "C", "cseq": "1 INVITE", "contact": "K"}

	payload, err := h.BuildAnswer(headers, "192.0.2.10", 5004)
	require.NoError(t, err)

	body, err := buildAnswerSDP(h.Config.SDP, "192.0.2.10", 5004)
	require.NoError(t, err)

	expected := "SIP/2.0 200 OK\r\n" +
		"Via: X\r\n" +
		"From: Y\r\n" +
		"To: Z\r\n" +
		"Call-ID: C\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Contact: K\r\n" +
		"User-Agent: voip 1.0\r\n" +
		"Allow: INVITE, ACK, BYE, CANCEL, OPTIONS\r\n" +
		"\r\n" +
		body
	assert.Equal(t, expected, string(payload))
}

func TestAnswerMissingHeader(t *testing.T) {
	h := newTestHandler(nil)
	conn := &recordingConn{}
	h.Bind(conn)

	headers := invitationHeaders(t)
	delete(headers, "contact")

	err := h.Answer(headers, "198.51.100.7", 5060, "192.0.2.10", 5004)

	assert.ErrorIs(t, err, pkg_errors.ErrMissingHeader)
	assert.Equal(t, "contact", pkg_errors.GetErrorFields(err)["header"])
	assert.Empty(t, conn.datagrams())
}

func TestAnswerRejectsInvalidArguments(t *testing.T) {
	h := newTestHandler(nil)
	conn := &recordingConn{}
	h.Bind(conn)
	headers := invitationHeaders(t)

	testCases := []struct {
		name       string
		callerIP   string
		callerPort int
		localIP    string
		rtpPort    int
	}{
		{name: "caller not an ip", callerIP: "alice", callerPort: 5060, localIP: "192.0.2.10", rtpPort: 5004},
		{name: "caller port zero", callerIP: "198.51.100.7", callerPort: 0, localIP: "192.0.2.10", rtpPort: 5004},
		{name: "local ipv6", callerIP: "198.51.100.7", callerPort: 5060, localIP: "2001:db8::1", rtpPort: 5004},
		{name: "rtp port too large", callerIP: "198.51.100.7", callerPort: 5060, localIP: "192.0.2.10", rtpPort: 65536},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.Answer(headers, tc.callerIP, tc.callerPort, tc.localIP, tc.rtpPort)
			assert.ErrorIs(t, err, pkg_errors.ErrInvalidInput)
		})
	}
	assert.Empty(t, conn.datagrams())
}

func TestAnswerWriteFailure(t *testing.T) {
	h := newTestHandler(nil)
	h.Bind(&recordingConn{writeErr: errors.New("sendto: network is unreachable")})

	err := h.Answer(invitationHeaders(t), "198.51.100.7", 5060, "192.0.2.10", 5004)

	assert.ErrorIs(t, err, pkg_errors.ErrNetworkFailure)
	assert.Equal(t, "sendto: network is unreachable", pkg_errors.GetErrorFields(err)["cause"])
}

func TestUnbindStopsAnswers(t *testing.T) {
	h := newTestHandler(nil)
	conn := &recordingConn{}
	h.Bind(conn)
	require.True(t, h.IsReady())

	assert.Same(t, conn, h.Unbind())
	assert.False(t, h.IsReady())

	err := h.Answer(invitationHeaders(t), "198.51.100.7", 5060, "192.0.2.10", 5004)
	assert.ErrorIs(t, err, pkg_errors.ErrTransportNotReady)
}

func invitationHeaders(t *testing.T) Headers {
	t.Helper()
	msg, err := Parse(buildRequest("INVITE", "<sip:192.0.2.10:5060>;tag=abc", sampleOffer))
	require.NoError(t, err)
	return msg.Headers
}
