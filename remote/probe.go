package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonimelisma/fieldsync/sync"
)

// probePayloadBytes is the download size used to estimate throughput.
// Small enough to be cheap on metered connections, large enough that the
// estimate is not dominated by the round trip.
const probePayloadBytes = 65536

// Prober measures reachability and throughput against the API's probe
// endpoint. It implements sync.Prober for the connectivity monitor.
// Probes bypass retry and bandwidth limiting: they measure the link as
// it is, and a failed probe is itself the signal.
type Prober struct {
	client       *Client
	payloadBytes int
	logger       *slog.Logger
	nowFunc      func() time.Time // injectable for testing
}

// NewProber creates a prober sharing the service's client.
func NewProber(client *Client, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		client:       client,
		payloadBytes: probePayloadBytes,
		logger:       logger,
		nowFunc:      time.Now,
	}
}

// Probe takes one measurement. Latency is the time to response headers;
// throughput is the timed download of the probe payload.
func (p *Prober) Probe(ctx context.Context) (sync.NetworkSample, error) {
	start := p.nowFunc()

	resp, err := p.client.doOnce(ctx, http.MethodGet,
		fmt.Sprintf("/probe?bytes=%d", p.payloadBytes), nil, nil)
	if err != nil {
		return sync.NetworkSample{}, fmt.Errorf("remote: probe: %w", err)
	}
	defer resp.Body.Close()

	latency := p.nowFunc().Sub(start)

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for reuse
		return sync.NetworkSample{}, fmt.Errorf("remote: probe: HTTP %d", resp.StatusCode)
	}

	received, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return sync.NetworkSample{}, fmt.Errorf("remote: probe read: %w", err)
	}

	elapsed := p.nowFunc().Sub(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}

	sample := sync.NetworkSample{
		BandwidthBps: received * int64(time.Second) / int64(elapsed),
		LatencyNanos: int64(latency),
		TakenAt:      start.UnixNano(),
	}

	p.logger.Debug("probe completed",
		slog.Int64("bandwidth_bps", sample.BandwidthBps),
		slog.Duration("latency", latency),
		slog.Int64("bytes", received),
	)

	return sample, nil
}
