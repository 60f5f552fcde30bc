package remote

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/time/rate"
)

// burstMultiplier controls the token bucket burst size relative to the
// per-second rate. A 2x burst allows short savings to be spent on the
// next read without reducing sustained throughput below the limit.
const burstMultiplier = 2

// Limiter provides shared rate limiting across all transfers. A single
// limiter is shared by every concurrent upload and download so aggregate
// throughput stays within the configured limit. A nil *Limiter means
// unlimited and is safe to use.
type Limiter struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLimiter creates a limiter for bytesPerSec. Returns nil (unlimited)
// when bytesPerSec is zero.
func NewLimiter(bytesPerSec int64, logger *slog.Logger) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		logger:  logger,
	}
}

// WrapReader returns a rate-limited io.Reader. If l is nil, returns r
// unchanged.
func (l *Limiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil || r == nil {
		return r
	}

	return &rateLimitedReader{r: r, limiter: l.limiter, ctx: ctx}
}

// rateLimitedReader blocks after each successful read until the limiter
// allows the bytes consumed.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a large token request into burst-sized chunks.
// rate.Limiter.WaitN rejects requests exceeding the burst size.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
