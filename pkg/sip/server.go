package sip

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	pkg_errors "voip-server/pkg/errors"
)

// DefaultReadBufferSize fits the largest SIP datagram we expect over UDP
const DefaultReadBufferSize = 4096

// Server owns the single UDP socket shared by the receive loop and Answer.
type Server struct {
	logger  *logrus.Logger
	handler *Handler

	mu     sync.Mutex
	conn   net.PacketConn
	closed bool
}

// NewServer creates a server feeding datagrams to handler
func NewServer(logger *logrus.Logger, handler *Handler) *Server {
	return &Server{
		logger:  logger,
		handler: handler,
	}
}

// Listen binds the UDP socket and hands it to the handler.
func (s *Server) Listen(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return pkg_errors.New("SIP server already listening", map[string]interface{}{
			"address": s.conn.LocalAddr().String(),
		})
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return pkg_errors.Wrap(err, "failed to bind SIP UDP socket", map[string]interface{}{
			"address": address,
		})
	}

	s.conn = conn
	s.closed = false
	s.handler.Bind(conn)

	s.logger.WithField("address", conn.LocalAddr().String()).Info("Listening for SIP over UDP")
	return nil
}

// LocalAddr returns the bound address, nil before Listen
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled or the socket is closed.
// Each datagram is handled to completion before the next read. Serve on a
// server that was closed returns nil; on one that never listened it fails
// with ErrTransportNotReady.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()

	if closed {
		return nil
	}
	if conn == nil {
		return pkg_errors.NewTransportNotReady()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-stop:
		}
	}()

	bufSize := DefaultReadBufferSize
	if s.handler.Config != nil && s.handler.Config.ReadBufferSize > 0 {
		bufSize = s.handler.Config.ReadBufferSize
	}
	buf := make([]byte, bufSize)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("SIP receive loop stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return pkg_errors.Wrap(pkg_errors.ErrNetworkFailure, "SIP receive failed", map[string]interface{}{
				"cause": err.Error(),
			})
		}

		host, port, ok := splitSource(addr)
		if !ok {
			s.logger.WithField("source", addr.String()).Warn("Dropping datagram with unusable source address")
			continue
		}

		s.handler.OnDatagramReceived(buf[:n], host, port)
	}
}

// Close unbinds the handler and closes the socket. Later Answer calls fail
// with ErrTransportNotReady.
func (s *Server) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if conn != nil {
		s.closed = true
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.handler.Unbind()
	s.logger.Info("Shut down SIP server")
	return conn.Close()
}

// Shutdown closes the server; it matches the resource shutdown signature
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Close()
}

func splitSource(addr net.Addr) (string, int, bool) {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String(), udpAddr.Port, true
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}
