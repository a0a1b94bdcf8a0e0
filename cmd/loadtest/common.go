package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/loadtest"
)

type commonFlags struct {
	gatewayURL  *string
	apiURL      *string
	secret      *string
	rampUp      *time.Duration
	concurrency *int
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		gatewayURL:  fs.String("url", "ws://localhost:8090/ws", "Gateway WebSocket URL"),
		apiURL:      fs.String("api", "http://localhost:8080", "Matchmaker base URL"),
		secret:      fs.String("secret", "dev-secret", "HS256 secret used to sign test tokens"),
		rampUp:      fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation"),
		concurrency: fs.Int("concurrency", 50, "Maximum simultaneous connection attempts"),
	}
}

// connect signs a token for a fresh user and waits for the gateway to confirm
// the connection.
func connect(ctx context.Context, f commonFlags, collector *loadtest.Collector) (*loadtest.Client, error) {
	userID := uuid.NewString()
	token, err := auth.Sign(*f.secret, userID, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := loadtest.Dial(connCtx, *f.gatewayURL, *f.apiURL, userID, token)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := c.WaitConnected(connCtx); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	collector.AddConnect(c.ConnectLatency)
	return c, nil
}

// rampInterval spreads n launches over d.
func rampInterval(d time.Duration, n int) time.Duration {
	if n <= 0 {
		return time.Millisecond
	}
	interval := d / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

// progress prints counters every two seconds until stop is closed.
func progress(label string, total int, collector *loadtest.Collector, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Printf("  [%s] connections: %d/%d  matches: %d  errors: %d\n",
				label, collector.ConnectionCount(), total, collector.MatchCount(), collector.ErrorCount())
		case <-stop:
			return
		}
	}
}
