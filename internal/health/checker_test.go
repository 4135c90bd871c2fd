package health

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type flakyPinger struct {
	errs []error
	call int
}

func (p *flakyPinger) Ping(context.Context) error {
	if p.call >= len(p.errs) {
		return nil
	}
	err := p.errs[p.call]
	p.call++
	return err
}

func TestCheckStartupFailsOnRequiredDependency(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	c.Register("chain", &flakyPinger{errs: []error{errors.New("rpc down")}}, true)

	if err := c.CheckStartup(context.Background()); err == nil {
		t.Fatal("expected startup failure when required dependency is down")
	}
}

func TestCheckStartupIgnoresOptionalDependency(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	c.Register("chain", &flakyPinger{}, true)
	c.Register("origin", &flakyPinger{errs: []error{errors.New("origin down")}}, false)

	if err := c.CheckStartup(context.Background()); err != nil {
		t.Fatalf("startup: %v", err)
	}
}

func TestReadyRequiresAllRequiredHealthy(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	c.Register("chain", &flakyPinger{}, true)
	c.Register("replay", &flakyPinger{}, true)

	if c.Ready() {
		t.Fatal("unprobed checker must not report ready")
	}
	c.CheckAll(context.Background())
	if !c.Ready() {
		t.Fatal("expected ready after successful probes")
	}
}

func TestFailThresholdRidesOutTransientBlips(t *testing.T) {
	c := New(Config{FailThreshold: 3}, zap.NewNop())
	p := &flakyPinger{errs: []error{nil, errors.New("blip"), errors.New("blip"), errors.New("blip")}}
	c.Register("replay", p, true)

	c.CheckAll(context.Background()) // healthy baseline
	c.CheckAll(context.Background()) // failure 1
	c.CheckAll(context.Background()) // failure 2
	if !c.Ready() {
		t.Fatal("two consecutive failures should not flip readiness yet")
	}
	c.CheckAll(context.Background()) // failure 3 hits the threshold
	if c.Ready() {
		t.Fatal("expected not ready after hitting the failure threshold")
	}
}

func TestReportCoversAllDependencies(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	c.Register("chain", &flakyPinger{}, true)
	c.Register("license", &flakyPinger{errs: []error{errors.New("db down")}}, true)
	c.CheckAll(context.Background())

	report := c.Report()
	if len(report) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(report))
	}
	byName := map[string]DependencyStatus{}
	for _, st := range report {
		byName[st.Name] = st
	}
	if !byName["chain"].Healthy {
		t.Fatal("chain should be healthy")
	}
	if byName["license"].Healthy {
		t.Fatal("license had never been healthy and must report unhealthy")
	}
	if byName["license"].LastError == "" {
		t.Fatal("expected last_error on failed dependency")
	}
}
