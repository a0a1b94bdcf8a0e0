package realtime

import (
	"time"

	"go.uber.org/zap"
)

type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection on each tick and evicts those that
// sent nothing within Interval + Timeout. Browsers answer pings with pongs,
// which count as activity.
func (s *Server) startHeartbeat() {
	cfg := s.config.Heartbeat
	if cfg.Interval <= 0 {
		return
	}
	s.heartbeatOnce.Do(func() { go s.heartbeatLoop(cfg) })
}

func (s *Server) heartbeatLoop(cfg HeartbeatConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections(cfg)
		}
	}
}

func (s *Server) checkConnections(cfg HeartbeatConfig) {
	deadline := cfg.Interval + cfg.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActivity()); idle > deadline {
			s.log.Info("heartbeat timeout",
				zap.String("conn_id", c.ID), zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.log.Debug("heartbeat ping failed", zap.String("conn_id", c.ID), zap.Error(err))
			s.RemoveConnection(c)
		}
	}
}
