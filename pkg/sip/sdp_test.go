package sip

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkg_errors "voip-server/pkg/errors"
)

func TestMediaPortFromOffer(t *testing.T) {
	port, err := MediaPortFromOffer(sampleOffer)
	require.NoError(t, err)
	assert.Equal(t, 49170, port)
}

func TestMediaPortFromOfferUsesFirstMediaLineOnly(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		port    int
		wantErr bool
	}{
		{name: "two audio lines", body: "v=0\r\nm=audio 4000 RTP/AVP 0\r\nm=audio 5000 RTP/AVP 0\r\n", port: 4000},
		{name: "port count", body: "m=audio 4000/2 RTP/AVP 0\n", wantErr: true},
		{name: "video first", body: "m=video 6000 RTP/AVP 96\r\nm=audio 4000 RTP/AVP 0\r\n", wantErr: true},
		{name: "no media", body: "v=0\r\ns=-\r\n", wantErr: true},
		{name: "empty body", body: "", wantErr: true},
		{name: "port not numeric", body: "m=audio abc RTP/AVP 0\r\n", wantErr: true},
		{name: "port out of range", body: "m=audio 70000 RTP/AVP 0\r\n", wantErr: true},
		{name: "missing port", body: "m=audio\r\n", wantErr: true},
		{name: "junk lines ignored", body: "garbage\r\nm=audio 4000 RTP/AVP 0\r\n", port: 4000},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			port, err := MediaPortFromOffer(tc.body)
			if tc.wantErr {
				assert.ErrorIs(t, err, pkg_errors.ErrMissingMediaPort)
				assert.Equal(t, "MISSING_MEDIA_PORT", pkg_errors.GetErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.port, port)
		})
	}
}

func TestBuildAnswerSDP(t *testing.T) {
	identity := SDPIdentity{Username: "voip", SessionID: 10497115115, SessionName: "voip 1.0"}

	body, err := buildAnswerSDP(identity, "192.0.2.10", 5004)
	require.NoError(t, err)

	expected := "v=0\r\n" +
		"o=voip 10497115115 1 IN IP4 192.0.2.10\r\n" +
		"s=voip 1.0\r\n" +
		"c=IN IP4 192.0.2.10\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 123\r\n" +
		"a=rtpmap:123 opus/48000/2\r\n" +
		"a=ptime:20\r\n" +
		"a=maxptime:150\r\n" +
		"a=sendrecv\r\n"
	assert.Equal(t, expected, body)
}

func TestBuildAnswerSDPIsValidSDP(t *testing.T) {
	identity := SDPIdentity{Username: "voip", SessionID: 42, SessionName: "voip"}

	body, err := buildAnswerSDP(identity, "203.0.113.5", 40000)
	require.NoError(t, err)

	var parsed sdp.SessionDescription
	require.NoError(t, parsed.Unmarshal([]byte(body)))

	require.Len(t, parsed.MediaDescriptions, 1)
	media := parsed.MediaDescriptions[0]
	assert.Equal(t, "audio", media.MediaName.Media)
	assert.Equal(t, 40000, media.MediaName.Port.Value)
	assert.Equal(t, []string{"123"}, media.MediaName.Formats)

	rtpmap, ok := media.Attribute("rtpmap")
	require.True(t, ok)
	assert.Equal(t, "123 opus/48000/2", rtpmap)

	_, sendrecv := media.Attribute("sendrecv")
	assert.True(t, sendrecv)
	assert.Equal(t, "203.0.113.5", parsed.ConnectionInformation.Address.Address)
	assert.Equal(t, uint64(42), parsed.Origin.SessionID)

	port, err := MediaPortFromOffer(body)
	require.NoError(t, err)
	assert.Equal(t, 40000, port)
}
