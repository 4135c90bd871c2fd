// Package health probes the gateway's upstream dependencies and exposes a
// readiness snapshot. The gateway refuses to start when a required dependency
// fails its first probe, and degrades to not-ready when one stays down.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Pinger is the minimal contract a probed dependency satisfies. The chain
// client, license store and replay store all implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to the Pinger interface.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// DependencyStatus is the externally visible state of one dependency.
type DependencyStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type dependency struct {
	name     string
	pinger   Pinger
	required bool
}

// Checker runs periodic dependency probes and keeps the latest result per
// dependency.
type Checker struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	deps       []dependency
	statuses   map[string]DependencyStatus
	failCounts map[string]int
}

// New creates a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		cfg:        cfg,
		logger:     logger,
		statuses:   make(map[string]DependencyStatus),
		failCounts: make(map[string]int),
	}
}

// Register adds a dependency to probe. Required dependencies fail startup and
// flip readiness when down; optional ones only show up in the report.
func (c *Checker) Register(name string, p Pinger, required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps = append(c.deps, dependency{name: name, pinger: p, required: required})
}

// CheckStartup probes every required dependency once and returns the first
// failure. Call before accepting traffic.
func (c *Checker) CheckStartup(ctx context.Context) error {
	c.mu.Lock()
	deps := append([]dependency(nil), c.deps...)
	c.mu.Unlock()

	for _, d := range deps {
		if !d.required {
			continue
		}
		if err := c.probe(ctx, d); err != nil {
			return fmt.Errorf("startup check %s: %w", d.name, err)
		}
	}
	return nil
}

// Start runs the probe loop until ctx is cancelled.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every registered dependency concurrently.
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.Lock()
	deps := append([]dependency(nil), c.deps...)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range deps {
		wg.Add(1)
		go func(d dependency) {
			defer wg.Done()
			if err := c.probe(ctx, d); err != nil {
				c.logger.Warn("health probe failed",
					zap.String("dependency", d.name),
					zap.Error(err),
				)
			}
		}(d)
	}
	wg.Wait()
}

func (c *Checker) probe(ctx context.Context, d dependency) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	err := d.pinger.Ping(probeCtx)

	c.mu.Lock()
	defer c.mu.Unlock()

	st := DependencyStatus{Name: d.name, CheckedAt: time.Now().UTC()}
	if err != nil {
		c.failCounts[d.name]++
		st.LastError = err.Error()
		// A dependency rides out transient blips; it turns unhealthy
		// only after FailThreshold consecutive failures, or if it was
		// never healthy to begin with.
		prev, seen := c.statuses[d.name]
		st.Healthy = seen && prev.Healthy && c.failCounts[d.name] < c.cfg.FailThreshold
	} else {
		c.failCounts[d.name] = 0
		st.Healthy = true
	}
	c.statuses[d.name] = st
	return err
}

// Ready reports whether every required dependency is currently healthy.
func (c *Checker) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.deps {
		if !d.required {
			continue
		}
		st, ok := c.statuses[d.name]
		if !ok || !st.Healthy {
			return false
		}
	}
	return true
}

// Report returns the latest status of every registered dependency.
func (c *Checker) Report() []DependencyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]DependencyStatus, 0, len(c.deps))
	for _, d := range c.deps {
		if st, ok := c.statuses[d.name]; ok {
			out = append(out, st)
		} else {
			out = append(out, DependencyStatus{Name: d.name})
		}
	}
	return out
}

// LivenessHandler answers 200 whenever the process is up.
func (c *Checker) LivenessHandler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadinessHandler answers 200 when all required dependencies are healthy and
// 503 otherwise, with the per-dependency report either way.
func (c *Checker) ReadinessHandler(ctx *gin.Context) {
	code := http.StatusOK
	status := "ready"
	if !c.Ready() {
		code = http.StatusServiceUnavailable
		status = "not_ready"
	}
	ctx.JSON(code, gin.H{
		"status":       status,
		"dependencies": c.Report(),
	})
}
