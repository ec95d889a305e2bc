package sip

import (
	"net"

	"github.com/google/uuid"

	pkg_errors "voip-server/pkg/errors"
)

// CallInvitation is what the handler learned from one accepted INVITE.
// It is built once by NewCallInvitation and never modified afterwards.
type CallInvitation struct {
	// ID correlates log lines and metrics; it never goes on the wire
	ID string

	CallerAddress       string
	CallerSignalingPort int
	CallerMediaPort     int

	// LocalAddress is our address as the caller sees it (the To header),
	// which may differ from the socket address behind NAT
	LocalAddress string

	Headers Headers
}

// NewCallInvitation validates every field and copies headers.
func NewCallInvitation(callerAddress string, callerSignalingPort, callerMediaPort int, localAddress string, headers Headers) (CallInvitation, error) {
	if net.ParseIP(callerAddress) == nil {
		return CallInvitation{}, pkg_errors.NewInvalidInvitation("caller address is not an IP address", map[string]interface{}{
			"caller_ip": callerAddress,
		})
	}
	if !validPort(callerSignalingPort) {
		return CallInvitation{}, pkg_errors.NewInvalidInvitation("caller signaling port out of range", map[string]interface{}{
			"caller_sip_port": callerSignalingPort,
		})
	}
	if !validPort(callerMediaPort) {
		return CallInvitation{}, pkg_errors.NewInvalidInvitation("caller media port out of range", map[string]interface{}{
			"caller_rtp_port": callerMediaPort,
		})
	}
	if ip := net.ParseIP(localAddress); ip == nil || ip.To4() == nil {
		return CallInvitation{}, pkg_errors.NewInvalidInvitation("local address is not IPv4", map[string]interface{}{
			"local_ip": localAddress,
		})
	}

	return CallInvitation{
		ID:                  uuid.NewString(),
		CallerAddress:       callerAddress,
		CallerSignalingPort: callerSignalingPort,
		CallerMediaPort:     callerMediaPort,
		LocalAddress:        localAddress,
		Headers:             headers.Clone(),
	}, nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// InvitationObserver receives every invitation the handler accepts.
// It runs on the receive loop, so long work belongs in another goroutine.
type InvitationObserver interface {
	OnInvitation(invitation CallInvitation)
}

// InvitationObserverFunc adapts a plain function to InvitationObserver
type InvitationObserverFunc func(invitation CallInvitation)

// OnInvitation calls f(invitation)
func (f InvitationObserverFunc) OnInvitation(invitation CallInvitation) {
	f(invitation)
}

// Config defines SIP handler configuration
type Config struct {
	SDP SDPIdentity

	// UserAgent is sent in the User-Agent header of every answer
	UserAgent string

	// AllowedCallers restricts which source addresses may place calls.
	// Empty accepts every caller.
	AllowedCallers []string

	// ReadBufferSize bounds a single datagram
	ReadBufferSize int
}
