package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/studyhub/matchmaking/internal/loadtest"
)

// runSaturate opens connections at a steady rate and holds them idle so the
// gateway's connection cap and heartbeat can be observed under load.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	f := registerCommon(fs)
	conns := fs.Int("conns", 1000, "Number of connections to open")
	hold := fs.Duration("hold", 30*time.Second, "How long to hold connections after ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate: %d connections to %s (ramp=%s, hold=%s)\n", *conns, *f.gatewayURL, *f.rampUp, *hold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	var (
		mu      sync.Mutex
		clients []*loadtest.Client
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, *f.concurrency)

	progressStop := make(chan struct{})
	go progress("saturate", *conns, collector, progressStop)

	ticker := time.NewTicker(rampInterval(*f.rampUp, *conns))
launch:
	for i := 0; i < *conns; i++ {
		select {
		case <-ctx.Done():
			break launch
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c, err := connect(ctx, f, collector)
			if err != nil {
				return
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	ticker.Stop()
	wg.Wait()

	select {
	case <-ctx.Done():
	case <-time.After(*hold):
	}
	close(progressStop)

	for _, c := range clients {
		c.Close()
	}
	collector.Report(os.Stdout)
}
