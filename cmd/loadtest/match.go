package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/studyhub/matchmaking/internal/loadtest"
	"github.com/studyhub/matchmaking/internal/protocol"
)

// runMatch connects 2*pairs users, joins them all to the queue and records
// the time from join to match_found. Each matched user then ends its session
// so repeated runs start from an empty queue.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	f := registerCommon(fs)
	pairs := fs.Int("pairs", 500, "Number of user pairs")
	mode := fs.String("mode", "global", "Match mode: global or buddies_first")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match_found")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Match: %d pairs (%d clients) gateway=%s api=%s mode=%s\n",
		*pairs, total, *f.gatewayURL, *f.apiURL, *mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	progressStop := make(chan struct{})
	go progress("match", total, collector, progressStop)

	var wg sync.WaitGroup
	sem := make(chan struct{}, *f.concurrency)
	ticker := time.NewTicker(rampInterval(*f.rampUp, total))
launch:
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			break launch
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			c, err := connect(ctx, f, collector)
			<-sem
			if err != nil {
				return
			}
			defer c.Close()
			runMatchUser(ctx, c, *mode, *matchTimeout, collector)
		}()
	}
	ticker.Stop()
	wg.Wait()
	close(progressStop)

	collector.Report(os.Stdout)
}

func runMatchUser(ctx context.Context, c *loadtest.Client, mode string, timeout time.Duration, collector *loadtest.Collector) {
	found := make(chan string, 1)
	c.On(protocol.EventMatchFound, func(payload json.RawMessage) {
		var p protocol.MatchFoundPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		select {
		case found <- p.SessionID:
		default:
		}
	})

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := c.Join(waitCtx, mode); err != nil {
		collector.AddError()
		return
	}

	select {
	case sessionID := <-found:
		collector.AddMatch(time.Since(start))
		// The partner may have ended it already; either way the session is gone.
		_ = c.End(ctx, sessionID)
	case <-waitCtx.Done():
		collector.AddError()
		_ = c.Leave(ctx)
	}
}
