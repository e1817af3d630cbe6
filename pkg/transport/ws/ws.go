// Package ws provides the WebSocket transport for peer links: a listener
// that accepts inbound channels and a dialer for outbound ones. GUI
// observers speak the same channel as voting nodes.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/votemesh/votemesh/pkg/model"
)

const handshakeTimeout = 10 * time.Second

// NewServer creates a new listener for inbound peer links.
func NewServer(logger *slog.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("new ws server, logger is nil")
	}

	return &Server{
		logger: logger.With("component", "ws server"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			// the mesh is open-membership on the LAN; origin checks
			// would only block browser observers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Server accepts inbound bidirectional message channels.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	httpSrv  *http.Server
}

// Start begins listening on the given address and hands every accepted
// link to onAccept. It returns once the listener is bound.
func (s *Server) Start(listenAddress string, onAccept func(*Link)) error {
	l, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddress, err)
	}
	s.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("failed to upgrade connection", "remote", r.RemoteAddr, "error", err.Error())
			return
		}
		link := newLink(conn, model.LinkInbound, normalizeHost(conn.RemoteAddr().String()), s.logger)
		onAccept(link)
	})

	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.httpSrv.Serve(l); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ws server stopped", "error", err.Error())
		}
	}()

	s.logger.Info("ws server started", "listenAddress", listenAddress)
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting and closes the listener.
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

// Dial opens an outbound link to host:port.
func Dial(ctx context.Context, host string, port int, logger *slog.Logger) (*Link, error) {
	url := fmt.Sprintf("ws://%s:%d/", host, port)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return newLink(conn, model.LinkOutbound, normalizeHost(host), logger), nil
}
