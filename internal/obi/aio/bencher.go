// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package aio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/errdefs"
)

const (
	// How long to wait between in-flight re-checks. Bounded so that a
	// completion firing between the check and the wait cannot stall the
	// waiter forever.
	waitInterval = 200 * time.Millisecond
)

// Writer issues asynchronous writes that complete through a completion
// handle. Issuing never blocks; issue time failures are delivered through the
// completion as well.
type Writer interface {
	AsyncWriteAt(ctx context.Context, p []byte, off int64, c *Completion)
}

// Bencher admits asynchronous writes up to a fixed number in flight. The gate
// is a bounded channel used as a counting semaphore: a slot is taken before a
// write is issued and given back by the write's completion callback. The
// bencher is owned by a single benchmark run and must not be shared.
type Bencher struct {
	w   Writer
	sem chan struct{}

	mu  sync.Mutex
	err error
}

// NewBencher returns a bencher issuing writes to w with at most max in
// flight.
func NewBencher(w Writer, max int) *Bencher {
	return &Bencher{
		w:   w,
		sem: make(chan struct{}, max),
	}
}

// TryWrite issues one asynchronous write of p at off unless the bencher is at
// capacity. At capacity it refuses without any side effect and returns false.
func (b *Bencher) TryWrite(ctx context.Context, p []byte, off int64) bool {
	select {
	case b.sem <- struct{}{}:
	default:
		return false
	}

	c := NewCompletion(func(c *Completion) {
		if err := c.Err(); err != nil {
			b.mu.Lock()
			if b.err == nil {
				b.err = err
			}
			b.mu.Unlock()
		}
		<-b.sem
	})
	b.w.AsyncWriteAt(ctx, p, off, c)

	return true
}

// InFlight returns the number of writes issued and not yet completed.
func (b *Bencher) InFlight() int {
	return len(b.sem)
}

// WaitFor blocks until at most max writes are in flight or the context is
// cancelled. Re-checks run on a bounded interval so a completion firing
// between the check and the wait is always picked up.
func (b *Bencher) WaitFor(ctx context.Context, max int) error {
	t := time.NewTicker(waitInterval)
	defer t.Stop()

	for b.InFlight() > max {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	return nil
}

// Err returns the first write failure observed by the completion callbacks,
// if any.
func (b *Bencher) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.err
}

// BenchOptions parametrize a write benchmark.
type BenchOptions struct {
	// Size of every write in bytes.
	IOSize int

	// Maximum number of writes in flight.
	Threads int

	// Total bytes to write.
	Total int64
}

// BenchWrite drives a write benchmark against w: it keeps issuing writes of
// IOSize bytes at consecutive offsets until refused, then waits for a free
// slot, until Total bytes were issued. A throughput line is reported once per
// whole second of elapsed time with the rates since the previous line, and a
// cumulative summary at the end. The report is written to out.
func BenchWrite(ctx context.Context, w Writer, o BenchOptions, out io.Writer) error {
	if o.IOSize <= 0 || o.Threads <= 0 || o.Total <= 0 {
		return fmt.Errorf("bench io_size, io_threads and io_total must be positive: %w", errdefs.ErrInvalidArgument)
	}

	b := NewBencher(w, o.Threads)
	data := make([]byte, o.IOSize)

	fmt.Fprintf(out, "bench-write  io_size %d io_threads %d bytes %d\n", o.IOSize, o.Threads, o.Total)
	fmt.Fprintf(out, "  SEC       OPS   OPS/SEC   BYTES/SEC\n")

	start := time.Now()
	ops := 0

	lastSec := 0
	lastT := 0.0
	lastOps := 0
	var lastOff int64

	var off int64
	for off < o.Total {
		if !b.TryWrite(ctx, data, off) {
			if err := b.WaitFor(ctx, o.Threads-1); err != nil {
				return err
			}
			continue
		}
		ops++
		off += int64(o.IOSize)

		elapsed := time.Since(start).Seconds()
		if sec := int(elapsed); sec != lastSec {
			fmt.Fprintf(out, "%5d  %8d  %8.2f  %8.2f\n", sec, ops,
				float64(ops-lastOps)/(elapsed-lastT),
				float64(off-lastOff)/(elapsed-lastT))
			lastSec, lastT, lastOps, lastOff = sec, elapsed, ops, off
		}
	}

	if err := b.WaitFor(ctx, 0); err != nil {
		return err
	}

	elapsed := time.Since(start).Seconds()
	fmt.Fprintf(out, "elapsed: %5d  ops: %8d  ops/sec: %8.2f  bytes/sec: %8.2f\n",
		int(elapsed), ops, float64(ops)/elapsed, float64(off)/elapsed)

	return b.Err()
}
