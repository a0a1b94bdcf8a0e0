// Package realtime is the WebSocket gateway that pushes matchmaking events to
// connected clients. It subscribes once to the broadcast channel and routes
// every event to the connections of the user it is addressed to.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/metrics"
	"github.com/studyhub/matchmaking/internal/protocol"
)

// DefaultMaxMessageSize caps client frames. Clients only send pings.
const DefaultMaxMessageSize = 4096

const presenceTimeout = 5 * time.Second

type ServerConfig struct {
	ListenAddr     string
	MaxConnections int
	// MaxMessageSize is the largest client frame payload accepted, in bytes.
	// Larger frames close the connection with 1009. Zero means
	// DefaultMaxMessageSize.
	MaxMessageSize int64
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8081",
		MaxConnections: 100000,
		MaxMessageSize: DefaultMaxMessageSize,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades authenticated HTTP requests to WebSocket connections and
// runs one read goroutine per connection. Clients only send keepalives, so
// reads are rare and a goroutine per connection is enough.
type Server struct {
	config     ServerConfig
	verifier   *auth.Verifier
	conns      *ConnectionManager
	log        *zap.Logger
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time

	presence        messaging.Publisher
	presenceChannel string

	heartbeatOnce sync.Once
}

func NewServer(config ServerConfig, verifier *auth.Verifier, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		config:    config,
		verifier:  verifier,
		conns:     NewConnectionManager(),
		log:       log.Named("gateway"),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// PublishPresence makes the server announce on channel when a user's last
// connection closes, so the matchmaker can dequeue the user and end the
// session. Connections closed by Shutdown are not announced.
func (s *Server) PublishPresence(pub messaging.Publisher, channel string) {
	if channel == "" {
		channel = protocol.ChannelPresence
	}
	s.presence = pub
	s.presenceChannel = channel
}

// Handler serves /ws and /health. The heartbeat starts with it.
func (s *Server) Handler() http.Handler {
	s.startHeartbeat()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("gateway listening",
		zap.String("addr", s.config.ListenAddr), zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("realtime: http server: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.New().String(), identity.UserID, conn)
	s.conns.Add(c)
	metrics.GatewayConnections.Inc()

	s.send(c, protocol.TypeConnected, protocol.ConnectedPayload{UserID: identity.UserID})
	s.log.Debug("connection opened",
		zap.String("conn_id", c.ID), zap.String("user_id", c.UserID), zap.Int("total", s.conns.Count()))

	go s.readLoop(c)
}

// readLoop reads frames until the client goes away. Control frames are
// answered here; text frames go to the dispatcher.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.Length < 0 || header.Length > s.config.MaxMessageSize {
			s.log.Warn("frame too large",
				zap.String("conn_id", c.ID), zap.String("user_id", c.UserID), zap.Int64("length", header.Length))
			body := ws.NewCloseFrameBody(ws.StatusMessageTooBig, "message too big")
			_ = c.writeFrame(ws.NewCloseFrame(body))
			return
		}

		payload := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
				return
			}
		case ws.OpPong:
		case ws.OpText, ws.OpBinary:
			if len(payload) > 0 {
				s.dispatch(c, payload)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection unregisters and closes c. Safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	removed, last := s.conns.Remove(c.ID)
	if !removed {
		return
	}
	metrics.GatewayConnections.Dec()
	s.log.Debug("connection closed",
		zap.String("conn_id", c.ID), zap.String("user_id", c.UserID), zap.Int("total", s.conns.Count()))

	if last {
		s.announceDisconnect(c.UserID)
	}
}

func (s *Server) announceDisconnect(userID string) {
	if s.presence == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	err := messaging.Broadcast(ctx, s.presence, s.presenceChannel, protocol.EventUserDisconnected,
		protocol.UserDisconnectedPayload{UserID: userID})
	if err != nil {
		metrics.PublishErrorsTotal.Inc()
		s.log.Warn("publish user_disconnected", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	s.log.Info("gateway stopped")
	return err
}
