// Package health tracks the readiness of the gateway's dependencies: the
// upstream application and, when configured, Redis and Postgres.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	FailThreshold int           `mapstructure:"fail_threshold"`
}

// Probe checks one dependency. Check returns nil when it is healthy.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// PingFunc adapts a Ping-style method, such as pgxpool.Pool.Ping, to a Probe.
func PingFunc(name string, ping func(ctx context.Context) error) Probe {
	return Probe{Name: name, Check: ping}
}

// HTTPProbe checks url with HEAD, falling back to GET, and expects a 2xx.
func HTTPProbe(name, url string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return Probe{Name: name, Check: func(ctx context.Context) error {
		status, err := request(ctx, client, http.MethodHead, url)
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		status, err = request(ctx, client, http.MethodGet, url)
		if err != nil {
			return err
		}
		if status < 200 || status >= 300 {
			return fmt.Errorf("%s returned %d", url, status)
		}
		return nil
	}}
}

func request(ctx context.Context, client *http.Client, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Status is the last known state of one dependency.
type Status struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	Failures    int       `json:"consecutive_failures"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(name string, healthy bool)

// Checker runs the probes periodically. A dependency turns unhealthy after
// FailThreshold consecutive failures and healthy again on the next success.
type Checker struct {
	probes    []Probe
	mu        sync.Mutex
	status    map[string]*Status
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Checker. Every dependency starts out healthy.
func New(cfg Config, logger *zap.Logger, probes ...Probe) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	status := make(map[string]*Status, len(probes))
	for _, p := range probes {
		status[p.Name] = &Status{Name: p.Name, Healthy: true}
	}
	return &Checker{probes: probes, status: status, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Run checks every CheckInterval until ctx is cancelled.
func (h *Checker) Run(ctx context.Context) {
	h.CheckAll(ctx)
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and waits for them.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.observe(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *Checker) observe(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	st := h.status[name]
	wasHealthy := st.Healthy
	st.LastChecked = time.Now().UTC()
	if err == nil {
		st.Failures = 0
		st.LastError = ""
		st.Healthy = true
	} else {
		st.Failures++
		st.LastError = err.Error()
		if st.Failures >= h.cfg.FailThreshold {
			st.Healthy = false
		}
	}
	healthy, failures := st.Healthy, st.Failures
	h.mu.Unlock()

	switch {
	case wasHealthy && !healthy:
		h.logger.Warn("health: dependency degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", failures),
			zap.Error(err),
		)
	case !wasHealthy && healthy:
		h.logger.Info("health: dependency recovered", zap.String("dependency", name))
	}
}

// Ready reports whether every dependency is healthy.
func (h *Checker) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.status {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// Snapshot returns the status of every dependency, sorted by name.
func (h *Checker) Snapshot() []Status {
	h.mu.Lock()
	out := make([]Status, 0, len(h.status))
	for _, st := range h.status {
		out = append(out, *st)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
