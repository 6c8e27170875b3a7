package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-runqueue/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// RunnerSnapshotProvider provides current runner stats snapshots.
type RunnerSnapshotProvider interface {
	Stats() core.RunnerStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// RunnerSource lists runners whose set changes over time, such as a core.Registry.
type RunnerSource interface {
	Runners() []*core.Runner
}

// SnapshotPoller periodically exports runner/pool Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	runnersMu sync.RWMutex
	runners   map[string]RunnerSnapshotProvider
	sources   []RunnerSource

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	runnerPending  *prom.GaugeVec
	runnerRunning  *prom.GaugeVec
	runnerRejected *prom.GaugeVec
	runnerExecuted *prom.GaugeVec
	runnerState    *prom.GaugeVec

	poolQueued    *prom.GaugeVec
	poolActive    *prom.GaugeVec
	poolWorkers   *prom.GaugeVec
	poolCompleted *prom.GaugeVec
	poolFailed    *prom.GaugeVec
	poolClosed    *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "runqueue",
			Name:      name,
			Help:      help,
		}, labels)
	}

	p := &SnapshotPoller{
		interval:       interval,
		runners:        make(map[string]RunnerSnapshotProvider),
		pools:          make(map[string]PoolSnapshotProvider),
		runnerPending:  gauge("runner_pending", "Number of pending tasks per runner.", "runner"),
		runnerRunning:  gauge("runner_running", "Number of running tasks per runner.", "runner"),
		runnerRejected: gauge("runner_rejected_total", "Runner rejected task count snapshot.", "runner"),
		runnerExecuted: gauge("runner_executed_total", "Runner executed task count snapshot.", "runner"),
		runnerState:    gauge("runner_state", "Runner lifecycle state (0=active, 1=shutting down, 2=terminated).", "runner"),
		poolQueued:     gauge("pool_queued", "Queued jobs per slow service.", "pool"),
		poolActive:     gauge("pool_active", "Active jobs per slow service.", "pool"),
		poolWorkers:    gauge("pool_workers", "Live worker count per slow service.", "pool"),
		poolCompleted:  gauge("pool_completed_total", "Completed job count snapshot.", "pool"),
		poolFailed:     gauge("pool_failed_total", "Failed job count snapshot.", "pool"),
		poolClosed:     gauge("pool_closed", "Slow service closed state (1=closed, 0=open).", "pool"),
	}

	for _, g := range []**prom.GaugeVec{
		&p.runnerPending, &p.runnerRunning, &p.runnerRejected, &p.runnerExecuted, &p.runnerState,
		&p.poolQueued, &p.poolActive, &p.poolWorkers, &p.poolCompleted, &p.poolFailed, &p.poolClosed,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}
	return p, nil
}

// AddRunner adds or replaces a runner snapshot provider by name.
func (p *SnapshotPoller) AddRunner(name string, provider RunnerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "runner")
	p.runnersMu.Lock()
	p.runners[name] = provider
	p.runnersMu.Unlock()
}

// AddRunnerSource polls every runner src lists, keyed by runner name.
func (p *SnapshotPoller) AddRunnerSource(src RunnerSource) {
	if p == nil || src == nil {
		return
	}
	p.runnersMu.Lock()
	p.sources = append(p.sources, src)
	p.runnersMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.runnersMu.RLock()
	for name, provider := range p.runners {
		p.setRunner(name, provider.Stats())
	}
	for _, src := range p.sources {
		for _, r := range src.Runners() {
			stats := r.Stats()
			p.setRunner(normalizeLabel(stats.Name, "runner"), stats)
		}
	}
	p.runnersMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolCompleted.WithLabelValues(name).Set(float64(stats.Completed))
		p.poolFailed.WithLabelValues(name).Set(float64(stats.Failed))
		p.poolClosed.WithLabelValues(name).Set(boolGauge(stats.Closed))
	}
	p.poolsMu.RUnlock()
}

func (p *SnapshotPoller) setRunner(name string, stats core.RunnerStats) {
	p.runnerPending.WithLabelValues(name).Set(float64(stats.Pending))
	p.runnerRunning.WithLabelValues(name).Set(float64(stats.Running))
	p.runnerRejected.WithLabelValues(name).Set(float64(stats.Rejected))
	p.runnerExecuted.WithLabelValues(name).Set(float64(stats.Executed))
	p.runnerState.WithLabelValues(name).Set(float64(stats.State))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
