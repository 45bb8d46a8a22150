package ws

import (
	"log"
	"time"
)

// HeartbeatConfig tunes the liveness monitor.
type HeartbeatConfig struct {
	Interval time.Duration // how often to sweep and ping
	Timeout  time.Duration // extra grace after the interval before eviction
}

// DefaultHeartbeatConfig returns the production heartbeat tuning.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat launches the background liveness sweep. Every Interval it
// pings all connections and evicts those with no activity within
// Interval + Timeout. The goroutine stops when the server's done channel
// closes.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepConnections(server, config)
			}
		}
	}()
}

// sweepConnections evicts stale connections and sends a protocol-level ping
// to the rest. Browsers answer the ping with a pong automatically, which the
// read path records as activity.
func sweepConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("ws: heartbeat timeout conn=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}
