package sip

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	pkg_errors "voip-server/pkg/errors"
)

const (
	// OpusPayloadType is the dynamic RTP payload type the answer binds to Opus.
	OpusPayloadType = 123
	OpusRTPMap      = "opus/48000/2"

	answerPtime    = "20"
	answerMaxPtime = "150"
)

// SDPIdentity describes the local endpoint in the o= and s= lines of every answer.
// SessionID identifies this process, not a call, and must not change while it runs.
type SDPIdentity struct {
	Username    string
	SessionID   uint64
	SessionName string
}

// MediaPortFromOffer returns the RTP port of the first m= line of an offer.
// Only that line is consulted: it must be an audio line with a numeric port.
func MediaPortFromOffer(body string) (int, error) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok || key != "m" {
			continue
		}

		parts := strings.Fields(value)
		if len(parts) < 2 {
			return 0, pkg_errors.NewMissingMediaPort("media line has no port", map[string]interface{}{
				"media": value,
			})
		}
		if parts[0] != "audio" {
			return 0, pkg_errors.NewMissingMediaPort("first media line is not audio", map[string]interface{}{
				"media": parts[0],
			})
		}

		// the port must be a bare number; "port/count" is rejected
		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 1 || port > 65535 {
			return 0, pkg_errors.NewMissingMediaPort("invalid media port", map[string]interface{}{
				"port": parts[1],
			})
		}
		return port, nil
	}

	return 0, pkg_errors.NewMissingMediaPort("no media line in body")
}

// buildAnswerSDP describes the local Opus endpoint at localAddress:localMediaPort.
func buildAnswerSDP(identity SDPIdentity, localAddress string, localMediaPort int) (string, error) {
	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       identity.Username,
			SessionID:      identity.SessionID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddress,
		},
		SessionName: sdp.SessionName(identity.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localAddress},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: localMediaPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(OpusPayloadType)},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap", strconv.Itoa(OpusPayloadType)+" "+OpusRTPMap),
					sdp.NewAttribute("ptime", answerPtime),
					sdp.NewAttribute("maxptime", answerMaxPtime),
					sdp.NewPropertyAttribute("sendrecv"),
				},
			},
		},
	}

	raw, err := answer.Marshal()
	if err != nil {
		return "", pkg_errors.Wrap(pkg_errors.ErrInternalError, "failed to marshal SDP answer", map[string]interface{}{
			"cause": err.Error(),
		}).WithCode("INTERNAL_ERROR")
	}
	return string(raw), nil
}
