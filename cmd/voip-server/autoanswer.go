package main

import (
	"github.com/sirupsen/logrus"

	"voip-server/pkg/sip"
)

// autoAnswer accepts every invitation, offering the same local RTP port each time
type autoAnswer struct {
	handler *sip.Handler
	rtpPort int
}

func newAutoAnswer(handler *sip.Handler, rtpPort int) *autoAnswer {
	return &autoAnswer{handler: handler, rtpPort: rtpPort}
}

func (a *autoAnswer) OnInvitation(inv sip.CallInvitation) {
	err := a.handler.Answer(inv.Headers, inv.CallerAddress, inv.CallerSignalingPort, inv.LocalAddress, a.rtpPort)
	if err != nil {
		a.handler.Logger.WithError(err).WithFields(logrus.Fields{
			"invitation_id": inv.ID,
			"caller_ip":     inv.CallerAddress,
		}).Error("Auto-answer failed")
	}
}
