// Package loadtest drives simulated users against a running matchmaker and
// gateway: it opens gateway connections, joins the queue over HTTP and
// measures how long pairs take to receive match_found.
package loadtest

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Collector aggregates results from many client goroutines.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	matchLatencies   []time.Duration
	errors           int
	connections      int
	startTime        time.Time
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMatch records the time from join request to match_found.
func (c *Collector) AddMatch(d time.Duration) {
	c.mu.Lock()
	c.matchLatencies = append(c.matchLatencies, d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) MatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.matchLatencies)
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Percentiles summarises a latency sample.
type Percentiles struct {
	N   int
	Avg time.Duration
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

// Summarize computes percentiles over a copy of durations.
func Summarize(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[rank(n, 95)],
		P99: sorted[rank(n, 99)],
		Max: sorted[n-1],
	}
}

// rank returns the nearest-rank index of the pct percentile in a sorted
// sample of n values.
func rank(n, pct int) int {
	return (n*pct+99)/100 - 1
}

// Report writes a summary of the collected results to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Matches:      %d\n", len(c.matchLatencies))
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		printPercentiles(w, Summarize(c.connectLatencies))
	}
	if len(c.matchLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Time To Match ---")
		printPercentiles(w, Summarize(c.matchLatencies))
	}
	fmt.Fprintln(w)
}

func printPercentiles(w io.Writer, p Percentiles) {
	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}
