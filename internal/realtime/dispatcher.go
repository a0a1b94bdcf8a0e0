package realtime

import (
	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/messaging"
	"github.com/studyhub/matchmaking/internal/metrics"
	"github.com/studyhub/matchmaking/internal/protocol"
)

// Subscribe routes every message on channel to the addressed user's
// connections.
func (s *Server) Subscribe(sub messaging.Subscriber, channel string) error {
	if channel == "" {
		channel = protocol.ChannelMatching
	}
	return sub.Subscribe(channel, s.Deliver)
}

// Deliver forwards one broadcast message to the connections of the user it
// is addressed to. Users without a connection simply miss the event and
// recover it through the session endpoint.
func (s *Server) Deliver(data []byte) {
	msg, userID, err := protocol.ParseMessage(data)
	if err != nil {
		s.log.Warn("dropping malformed broadcast", zap.Error(err))
		return
	}

	conns := s.conns.ForUser(userID)
	if len(conns) == 0 {
		return
	}

	frame, err := protocol.ForwardFrame(msg)
	if err != nil {
		s.log.Error("encode frame", zap.String("event", msg.Event), zap.Error(err))
		return
	}

	for _, c := range conns {
		if err := c.WriteMessage(frame, s.config.WriteTimeout); err != nil {
			s.log.Debug("deliver failed", zap.String("conn_id", c.ID), zap.Error(err))
			s.RemoveConnection(c)
			continue
		}
		metrics.GatewayEventsTotal.WithLabelValues(msg.Event).Inc()
	}
}

// dispatch handles a frame sent by the client. Only keepalive pings are
// accepted; anything else gets an error frame.
func (s *Server) dispatch(c *Connection, data []byte) {
	msgType, err := protocol.ParseClientFrame(data)
	if err != nil {
		s.send(c, protocol.TypeError, protocol.ErrorPayload{Code: "invalid_message", Message: err.Error()})
		return
	}

	if msgType == protocol.TypePing {
		s.send(c, protocol.TypePong, nil)
	}
}

func (s *Server) send(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerFrame(msgType, payload)
	if err != nil {
		s.log.Error("encode frame", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := c.WriteMessage(data, s.config.WriteTimeout); err != nil {
		s.log.Debug("write failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
}
