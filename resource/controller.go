// Package resource bounds what background index maintenance may consume.
// Optimization passes re-read and rewrite committed data files while
// foreground writes are running, so their worker count, decode memory and
// object-store throughput go through a shared Controller.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the background resource limits.
type Config struct {
	// MemoryLimitBytes caps the decode buffers background passes hold at
	// once. 0 tracks usage without enforcing a limit.
	MemoryLimitBytes int64

	// MaxBackgroundWorkers caps how many cubes are optimized concurrently.
	// 0 defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec caps the object-store throughput of background
	// passes. 0 is unlimited.
	IOLimitBytesPerSec int64
}

// Controller enforces the limits. A nil Controller enforces nothing, so
// callers thread it through without nil checks.
type Controller struct {
	memSem  *semaphore.Weighted
	memUsed atomic.Int64

	workers *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a controller for the given limits.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		workers: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory reserves bytes of decode memory, blocking while the limit
// is exhausted.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	c.memUsed.Add(bytes)

	return nil
}

// ReleaseMemory returns reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}

	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the bytes currently reserved.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}

	return c.memUsed.Load()
}

// AcquireWorker reserves one background worker slot, blocking while all
// slots are busy.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}

	return c.workers.Acquire(ctx, 1)
}

// ReleaseWorker returns a worker slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}

	c.workers.Release(1)
}

// AcquireIO waits until the throughput limit admits the given byte count.
// Counts beyond the limiter's burst are admitted in burst-sized steps, so
// arbitrarily large transfers still pace correctly.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}

	for bytes > 0 {
		chunk := min(bytes, c.ioLimiter.Burst())

		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}

		bytes -= chunk
	}

	return nil
}
