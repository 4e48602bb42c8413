// Package health probes the daemon's dependencies for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tokligence/paygate/internal/ledger"
)

// Status is the health of one component or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe checks one dependency. A failing critical probe makes the daemon
// unhealthy; any other failure only degrades it.
type Probe struct {
	Name     string
	Type     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Component is the outcome of one probe.
type Component struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the aggregated result of a check run.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Config bounds each probe.
type Config struct {
	Timeout time.Duration
	// Slow marks a successful probe as degraded.
	Slow time.Duration
}

// Checker runs probes concurrently.
type Checker struct {
	probes  []Probe
	timeout time.Duration
	slow    time.Duration

	mu   sync.RWMutex
	last Report
}

// New creates a checker over probes.
func New(cfg Config, probes ...Probe) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Slow <= 0 {
		cfg.Slow = 500 * time.Millisecond
	}
	return &Checker{probes: probes, timeout: cfg.Timeout, slow: cfg.Slow}
}

// Check runs every probe and returns the aggregate.
func (c *Checker) Check(ctx context.Context) Report {
	var wg sync.WaitGroup
	results := make([]Component, len(c.probes))
	critical := make([]bool, len(c.probes))
	for i, p := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.run(ctx, p)
			critical[i] = p.Critical
		}()
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Timestamp: time.Now().UTC(), Components: results}
	for i, comp := range results {
		switch {
		case comp.Status == StatusUnhealthy && critical[i]:
			report.Status = StatusUnhealthy
		case comp.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	sort.Slice(report.Components, func(a, b int) bool { return report.Components[a].Name < report.Components[b].Name })

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report, or a healthy empty one.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last.Timestamp.IsZero() {
		return Report{Status: StatusHealthy, Timestamp: time.Now().UTC()}
	}
	return c.last
}

func (c *Checker) run(ctx context.Context, p Probe) Component {
	comp := Component{Name: p.Name, Type: p.Type, Timestamp: time.Now().UTC()}
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(pctx)
	latency := time.Since(start)
	comp.LatencyMS = latency.Milliseconds()

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case latency > c.slow:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "OK"
	}
	return comp
}

// Pinger is implemented by SQL ledger backends and the Redis session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LedgerProbe pings SQL backends and otherwise performs a lookup that must
// miss cleanly.
func LedgerProbe(store ledger.EntryStore) Probe {
	return Probe{
		Name:     "ledger",
		Type:     "database",
		Critical: true,
		Check: func(ctx context.Context) error {
			if p, ok := store.(Pinger); ok {
				return p.Ping(ctx)
			}
			_, err := store.GetEntry(ctx, "health-probe")
			if err == nil || ledger.IsNotFound(err) {
				return nil
			}
			return err
		},
	}
}

// PingProbe wraps a Pinger.
func PingProbe(name, typ string, critical bool, p Pinger) Probe {
	return Probe{Name: name, Type: typ, Critical: critical, Check: p.Ping}
}

// HTTPProbe treats any HTTP response from url as reachable.
func HTTPProbe(name, url string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return Probe{
		Name: name,
		Type: "http",
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			return resp.Body.Close()
		},
	}
}
