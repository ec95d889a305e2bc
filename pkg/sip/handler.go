package sip

import (
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	pkg_errors "voip-server/pkg/errors"
	"voip-server/pkg/metrics"
	"voip-server/pkg/util"
	"voip-server/pkg/version"
)

const (
	// DefaultPort is the conventional SIP port
	DefaultPort = 5060

	MethodInvite = "INVITE"

	statusLineOK   = "SIP/2.0 200 OK"
	contentTypeSDP = "application/sdp"
	allowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS"
)

// <sip:IP:PORT> optionally followed by ;params, e.g. <sip:192.0.2.10:5060>;tag=abc
var toHeaderPattern = regexp.MustCompile(`^<sip:(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):\d+>(;.+)?$`)

// echoedHeaders are copied unchanged from the INVITE into the answer
var echoedHeaders = []string{"via", "from", "to", "call-id", "cseq", "contact"}

// Handler turns inbound INVITE datagrams into CallInvitations and answers
// them. It keeps no dialog state; every datagram stands alone.
type Handler struct {
	Logger *logrus.Logger
	Config *Config

	mu       sync.RWMutex
	conn     net.PacketConn
	observer InvitationObserver

	// net.PacketConn allows concurrent writes, the lock keeps Answer
	// independent of that guarantee for other PacketConn implementations
	writeMu sync.Mutex

	allowedCallers map[string]struct{}
	panics         *util.PanicHandler
}

// NewHandler creates a new SIP handler
func NewHandler(logger *logrus.Logger, cfg *Config) (*Handler, error) {
	config := &Config{}
	if cfg != nil {
		*config = *cfg
		config.AllowedCallers = append([]string(nil), cfg.AllowedCallers...)
	}
	if config.UserAgent == "" {
		config.UserAgent = version.UserAgent()
	}
	if config.SDP.Username == "" {
		config.SDP.Username = "-"
	}
	if config.SDP.SessionName == "" {
		config.SDP.SessionName = "voip " + version.Version
	}

	allowed := make(map[string]struct{}, len(config.AllowedCallers))
	for _, caller := range config.AllowedCallers {
		ip := net.ParseIP(strings.TrimSpace(caller))
		if ip == nil {
			return nil, pkg_errors.Wrap(pkg_errors.ErrInvalidInput, "allowed caller is not an IP address", map[string]interface{}{
				"caller_ip": caller,
			}).WithCode("INVALID_INPUT")
		}
		allowed[ip.String()] = struct{}{}
	}

	return &Handler{
		Logger:         logger,
		Config:         config,
		allowedCallers: allowed,
		panics:         util.NewPanicHandler(logger),
	}, nil
}

// SetObserver registers the collaborator notified of each new invitation.
// Passing nil removes it.
func (h *Handler) SetObserver(observer InvitationObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = observer
}

// Bind hands the shared socket to the handler; Answer writes through it.
func (h *Handler) Bind(conn net.PacketConn) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	metrics.SetTransportBound(conn != nil)
}

// Unbind detaches the socket and returns it. The caller closes it.
func (h *Handler) Unbind() net.PacketConn {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	metrics.SetTransportBound(false)
	return conn
}

// IsReady reports whether a socket is bound
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// OnDatagramReceived handles one datagram from sourceAddress:sourcePort.
// Nothing raised while handling it, including by the observer, escapes.
func (h *Handler) OnDatagramReceived(raw []byte, sourceAddress string, sourcePort int) {
	defer h.panics.Recover("sip_receive")

	metrics.RecordDatagram("udp")

	logger := h.Logger.WithFields(logrus.Fields{
		"caller_ip":       sourceAddress,
		"caller_sip_port": sourcePort,
	})

	invitation, err := h.ParseInvitation(raw, sourceAddress, sourcePort)
	if err != nil {
		h.logDrop(logger, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"invitation_id":   invitation.ID,
		"call_id":         invitation.Headers.Get("call-id"),
		"caller_rtp_port": invitation.CallerMediaPort,
		"local_ip":        invitation.LocalAddress,
	}).Info("Incoming call")
	metrics.RecordInvitation()

	h.mu.RLock()
	observer := h.observer
	h.mu.RUnlock()

	if observer == nil {
		logger.WithField("invitation_id", invitation.ID).Warn("No invitation observer registered, call left unanswered")
		return
	}

	func() {
		defer h.panics.Recover("invitation_observer")
		observer.OnInvitation(invitation)
	}()
}

// ParseInvitation runs the receive pipeline without side effects and
// classifies every failure with a pkg/errors sentinel.
func (h *Handler) ParseInvitation(raw []byte, sourceAddress string, sourcePort int) (CallInvitation, error) {
	msg, err := Parse(raw)
	if err != nil {
		return CallInvitation{}, err
	}

	if msg.IsRequest() && !strings.EqualFold(msg.Method, MethodInvite) {
		return CallInvitation{}, pkg_errors.NewIgnoredMethod(msg.Method)
	}

	mediaPort, err := MediaPortFromOffer(msg.Body)
	if err != nil {
		return CallInvitation{}, err
	}

	localAddress, err := LocalAddressFromTo(msg.Headers)
	if err != nil {
		return CallInvitation{}, err
	}

	if !h.callerAllowed(sourceAddress) {
		return CallInvitation{}, pkg_errors.NewCallerNotAllowed(sourceAddress)
	}

	return NewCallInvitation(sourceAddress, sourcePort, mediaPort, localAddress, msg.Headers)
}

// LocalAddressFromTo extracts the IPv4 address of a <sip:A.B.C.D:PORT> To header.
func LocalAddressFromTo(headers Headers) (string, error) {
	to, ok := headers.Lookup("to")
	if !ok {
		return "", pkg_errors.NewUnresolvableLocalAddress("")
	}

	match := toHeaderPattern.FindStringSubmatch(to)
	if match == nil {
		return "", pkg_errors.NewUnresolvableLocalAddress(to)
	}

	// the pattern admits octets above 255; leading zeros are normalized away
	var octets [4]byte
	for i, part := range strings.Split(match[1], ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return "", pkg_errors.NewUnresolvableLocalAddress(to)
		}
		octets[i] = byte(n)
	}

	return net.IPv4(octets[0], octets[1], octets[2], octets[3]).String(), nil
}

func (h *Handler) callerAllowed(address string) bool {
	if len(h.allowedCallers) == 0 {
		return true
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return false
	}
	_, ok := h.allowedCallers[ip.String()]
	return ok
}

func (h *Handler) logDrop(logger *logrus.Entry, err error) {
	entry := logger.WithError(err).WithFields(logrus.Fields{
		"code":     pkg_errors.GetErrorCode(err),
		"location": pkg_errors.GetErrorLocation(err),
	})
	if fields := pkg_errors.GetErrorFields(err); len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}

	switch {
	case errors.Is(err, pkg_errors.ErrIgnoredMethod):
		metrics.RecordDrop("ignored_method")
		entry.Debug("Ignoring non-INVITE request")
	case errors.Is(err, pkg_errors.ErrMalformedMessage):
		metrics.RecordDrop("malformed_message")
		entry.Warn("Dropping malformed SIP datagram")
	case errors.Is(err, pkg_errors.ErrMissingMediaPort):
		metrics.RecordDrop("missing_media_port")
		entry.Warn("Dropping INVITE without usable audio media line")
	case errors.Is(err, pkg_errors.ErrUnresolvableLocalAddress):
		metrics.RecordDrop("unresolvable_local_address")
		entry.Warn("Dropping INVITE with unresolvable To header")
	case errors.Is(err, pkg_errors.ErrCallerNotAllowed):
		metrics.RecordDrop("caller_not_allowed")
		entry.Info("Dropping INVITE from caller outside allow list")
	default:
		metrics.RecordDrop("invalid_invitation")
		entry.Error("Dropping INVITE that failed validation")
	}
}

// BuildAnswer formats the 200 OK for an INVITE with the given headers.
// The same arguments always produce the same bytes.
func (h *Handler) BuildAnswer(headers Headers, localAddress string, localMediaPort int) ([]byte, error) {
	if err := headers.Require(echoedHeaders...); err != nil {
		return nil, err
	}
	if ip := net.ParseIP(localAddress); ip == nil || ip.To4() == nil {
		return nil, pkg_errors.Wrap(pkg_errors.ErrInvalidInput, "local address is not IPv4", map[string]interface{}{
			"local_ip": localAddress,
		}).WithCode("INVALID_INPUT")
	}
	if !validPort(localMediaPort) {
		return nil, pkg_errors.Wrap(pkg_errors.ErrInvalidInput, "local media port out of range", map[string]interface{}{
			"rtp_port": localMediaPort,
		}).WithCode("INVALID_INPUT")
	}

	body, err := buildAnswerSDP(h.Config.SDP, localAddress, localMediaPort)
	if err != nil {
		return nil, err
	}

	fields := []HeaderField{
		{Name: "Via", Value: headers.Get("via")},
		{Name: "From", Value: headers.Get("from")},
		{Name: "To", Value: headers.Get("to")},
		{Name: "Call-ID", Value: headers.Get("call-id")},
		{Name: "Content-Type", Value: contentTypeSDP},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		{Name: "CSeq", Value: headers.Get("cseq")},
		{Name: "Contact", Value: headers.Get("contact")},
		{Name: "User-Agent", Value: h.Config.UserAgent},
		{Name: "Allow", Value: allowedMethods},
	}

	return Format(statusLineOK, fields, body), nil
}

// Answer sends a 200 OK with our SDP to callerAddress:callerSignalingPort
// over the bound socket. Success means the datagram was handed to the
// socket, not that the caller received it.
func (h *Handler) Answer(headers Headers, callerAddress string, callerSignalingPort int, localAddress string, localMediaPort int) error {
	logger := h.Logger.WithFields(logrus.Fields{
		"caller_ip":       callerAddress,
		"caller_sip_port": callerSignalingPort,
		"rtp_port":        localMediaPort,
	})

	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()

	if conn == nil {
		err := pkg_errors.NewTransportNotReady(map[string]interface{}{
			"caller_ip": callerAddress,
		})
		metrics.RecordAnswer(err.GetCode())
		return err
	}

	callerIP := net.ParseIP(callerAddress)
	if callerIP == nil || !validPort(callerSignalingPort) {
		err := pkg_errors.Wrap(pkg_errors.ErrInvalidInput, "invalid caller address", map[string]interface{}{
			"caller_ip":       callerAddress,
			"caller_sip_port": callerSignalingPort,
		}).WithCode("INVALID_INPUT")
		metrics.RecordAnswer(err.GetCode())
		return err
	}

	payload, err := h.BuildAnswer(headers, localAddress, localMediaPort)
	if err != nil {
		metrics.RecordAnswer(pkg_errors.GetErrorCode(err))
		return err
	}

	h.writeMu.Lock()
	_, err = conn.WriteTo(payload, &net.UDPAddr{IP: callerIP, Port: callerSignalingPort})
	h.writeMu.Unlock()

	if err != nil {
		logger.WithError(err).Error("Failed to send OK")
		metrics.RecordAnswer("NETWORK_FAILURE")
		return pkg_errors.Wrap(pkg_errors.ErrNetworkFailure, "failed to send answer", map[string]interface{}{
			"caller_ip": callerAddress,
			"cause":     err.Error(),
		})
	}

	logger.WithField("call_id", headers.Get("call-id")).Debug("Sent OK")
	metrics.RecordAnswer("sent")
	return nil
}
