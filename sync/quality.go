package sync

import (
	"context"
	"log/slog"
	"sort"
	stdsync "sync"
	"time"
)

// Monitor defaults and classification thresholds.
const (
	defaultWindowSize    = 5
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second

	// Latency ceilings per tier (probe round trip).
	excellentLatency = 150 * time.Millisecond
	goodLatency      = 400 * time.Millisecond
	fairLatency      = 1 * time.Second

	// Throughput floors per tier, bytes per second.
	excellentBandwidth = 2 << 20  // 2 MiB/s
	goodBandwidth      = 512 << 10 // 512 KiB/s
	fairBandwidth      = 100 << 10 // 100 KiB/s
)

// Monitor samples reachability and throughput on a fixed interval and
// classifies the current network into a quality tier from a short rolling
// window. Sampling failure yields an offline sample, never an error.
// Subscribers are notified at most once per actual tier change.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       stdsync.Mutex
	window   []NetworkSample
	notified Tier
	hasTier  bool
	subs     []func(Tier)

	nowFunc func() time.Time // injectable for testing
}

// NewMonitor creates a Monitor. A zero interval uses the default.
func NewMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	if interval <= 0 {
		interval = defaultProbeInterval
	}

	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  defaultProbeTimeout,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Current classifies the rolling window into a tier. An empty window
// (never sampled, or monitor not running) is offline.
func (m *Monitor) Current() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()

	return classifyWindow(m.window)
}

// Subscribe registers a tier-change callback. Callbacks run on the
// sampling goroutine and must not block; they fire only when the
// classified tier actually changes (debounced).
func (m *Monitor) Subscribe(fn func(Tier)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs = append(m.subs, fn)
}

// Run samples continuously until the context is canceled. The first
// sample is taken immediately so Current() is meaningful right away.
// Always returns nil on clean context cancel.
func (m *Monitor) Run(ctx context.Context) error {
	m.Sample(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sample(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sample takes one measurement, folds it into the window, and notifies
// subscribers if the classified tier changed. Exposed so the orchestrator
// can force a fresh reading at session start.
func (m *Monitor) Sample(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	sample, err := m.prober.Probe(probeCtx)
	if err != nil {
		// Inability to sample is offline, never an error.
		m.logger.Debug("connectivity probe failed",
			slog.String("error", err.Error()),
		)

		sample = NetworkSample{TakenAt: ToUnixNano(m.nowFunc())}
	}

	m.mu.Lock()

	m.window = append(m.window, sample)
	if len(m.window) > defaultWindowSize {
		m.window = m.window[1:]
	}

	tier := classifyWindow(m.window)

	changed := !m.hasTier || tier != m.notified
	if changed {
		m.notified = tier
		m.hasTier = true
	}

	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("network tier changed",
		slog.String("tier", tier.String()),
		slog.Int64("bandwidth_bps", sample.BandwidthBps),
		slog.Duration("latency", time.Duration(sample.LatencyNanos)),
	)

	for _, fn := range subs {
		fn(tier)
	}
}

// classifyWindow maps a rolling sample window to a tier using the median
// latency and median bandwidth, which resists single-probe spikes. A
// window that is empty or contains only failed probes is offline.
func classifyWindow(window []NetworkSample) Tier {
	latencies := make([]int64, 0, len(window))
	bandwidths := make([]int64, 0, len(window))

	for _, s := range window {
		if s.LatencyNanos <= 0 {
			continue // failed probe
		}

		latencies = append(latencies, s.LatencyNanos)
		bandwidths = append(bandwidths, s.BandwidthBps)
	}

	if len(latencies) == 0 {
		return TierOffline
	}

	latency := time.Duration(median(latencies))
	bandwidth := median(bandwidths)

	switch {
	case latency < excellentLatency && bandwidth >= excellentBandwidth:
		return TierExcellent
	case latency < goodLatency && bandwidth >= goodBandwidth:
		return TierGood
	case latency < fairLatency && bandwidth >= fairBandwidth:
		return TierFair
	default:
		return TierPoor
	}
}

// median returns the middle value of vs (upper-middle for even lengths).
// vs must be non-empty; it is not modified.
func median(vs []int64) int64 {
	sorted := make([]int64, len(vs))
	copy(sorted, vs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted[len(sorted)/2]
}
