// Bandwidth throttling for DCC transfer workers. Grounded directly on
// internal/agent/throttle.go's ThrottledWriter; this file adds a
// ThrottledReader of the same shape since DCC RECEIVE needs to cap its
// read rate the way SEND caps its write rate.
package dcc

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const maxBurstSize = 256 * 1024

// newThrottledWriter wraps w with a token-bucket rate limiter capped at
// bytesPerSec bytes/second. bytesPerSec <= 0 disables throttling.
func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	return &throttledWriter{w: w, limiter: newLimiter(bytesPerSec), ctx: ctx}
}

// newThrottledReader wraps r with the same token-bucket limiter applied to
// reads, used to cap an incoming transfer's consumption rate.
func newThrottledReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}
	return &throttledReader{r: r, limiter: newLimiter(bytesPerSec), ctx: ctx}
}

func newLimiter(bytesPerSec int64) *rate.Limiter {
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return total, err
		}
		n, err := tw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	max := len(p)
	if max > tr.limiter.Burst() {
		max = tr.limiter.Burst()
	}
	n, err := tr.r.Read(p[:max])
	if n > 0 {
		if waitErr := tr.limiter.WaitN(tr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
