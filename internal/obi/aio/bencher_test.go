// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package aio

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedWriter holds every write until the gate opens, tracking the peak
// number in flight.
type gatedWriter struct {
	gate chan struct{}
	err  error

	mu       sync.Mutex
	inflight int
	peak     int
	writes   int
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{gate: make(chan struct{})}
}

func (w *gatedWriter) AsyncWriteAt(ctx context.Context, p []byte, off int64, c *Completion) {
	w.mu.Lock()
	w.writes++
	w.inflight++
	if w.inflight > w.peak {
		w.peak = w.inflight
	}
	w.mu.Unlock()

	go func() {
		<-w.gate
		w.mu.Lock()
		w.inflight--
		w.mu.Unlock()
		c.Complete(w.err)
	}()
}

// manualWriter parks completions for the test to fire in a chosen order.
type manualWriter struct {
	mu sync.Mutex
	cs []*Completion
}

func (w *manualWriter) AsyncWriteAt(ctx context.Context, p []byte, off int64, c *Completion) {
	w.mu.Lock()
	w.cs = append(w.cs, c)
	w.mu.Unlock()
}

// instantWriter completes every write on the spot, recording how far the
// writes reached.
type instantWriter struct {
	mu  sync.Mutex
	end int64
	err error
}

func (w *instantWriter) AsyncWriteAt(ctx context.Context, p []byte, off int64, c *Completion) {
	w.mu.Lock()
	if end := off + int64(len(p)); end > w.end {
		w.end = end
	}
	w.mu.Unlock()
	c.Complete(w.err)
}

func TestBencherBoundsInFlight(t *testing.T) {
	ctx := context.Background()
	w := newGatedWriter()
	b := NewBencher(w, 3)

	data := make([]byte, 16)
	for i := 0; i < 3; i++ {
		require.True(t, b.TryWrite(ctx, data, int64(i*16)), "write %d fits under the bound", i)
	}
	assert.Equal(t, 3, b.InFlight())

	// At capacity the bencher refuses without issuing anything.
	require.False(t, b.TryWrite(ctx, data, 48))
	assert.Equal(t, 3, b.InFlight())
	w.mu.Lock()
	assert.Equal(t, 3, w.writes, "a refused write must not reach the writer")
	w.mu.Unlock()

	close(w.gate)
	require.NoError(t, b.WaitFor(ctx, 0))
	assert.Zero(t, b.InFlight())
	assert.Equal(t, 3, w.peak, "the bound was never exceeded")

	require.True(t, b.TryWrite(ctx, data, 48), "completions free slots up again")
}

func TestBencherSlotFreedByCompletion(t *testing.T) {
	ctx := context.Background()
	w := &manualWriter{}
	b := NewBencher(w, 1)

	require.True(t, b.TryWrite(ctx, []byte{1}, 0))
	require.False(t, b.TryWrite(ctx, []byte{1}, 1))

	w.cs[0].Complete(nil)
	require.NoError(t, b.WaitFor(ctx, 0))

	require.True(t, b.TryWrite(ctx, []byte{1}, 1))
}

func TestBencherFirstErrorWins(t *testing.T) {
	ctx := context.Background()
	w := &manualWriter{}
	b := NewBencher(w, 2)

	require.True(t, b.TryWrite(ctx, []byte{1}, 0))
	require.True(t, b.TryWrite(ctx, []byte{1}, 1))

	first := errors.New("first failure")
	w.cs[0].Complete(first)
	w.cs[1].Complete(errors.New("second failure"))

	require.NoError(t, b.WaitFor(ctx, 0))
	assert.ErrorIs(t, b.Err(), first)
}

func TestBencherWaitForCancel(t *testing.T) {
	w := &manualWriter{}
	b := NewBencher(w, 1)

	require.True(t, b.TryWrite(context.Background(), []byte{1}, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.WaitFor(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBenchWrite(t *testing.T) {
	w := &instantWriter{}
	var out bytes.Buffer

	o := BenchOptions{IOSize: 4096, Threads: 4, Total: 1 << 20}
	require.NoError(t, BenchWrite(context.Background(), w, o, &out))

	assert.Equal(t, int64(1)<<20, w.end, "every byte of the total must be issued")

	report := out.String()
	assert.Contains(t, report, "bench-write  io_size 4096 io_threads 4 bytes 1048576")
	assert.Contains(t, report, "SEC       OPS   OPS/SEC   BYTES/SEC")
	assert.Contains(t, report, "elapsed:")
	assert.Contains(t, report, "ops:")
}

func TestBenchWriteValidation(t *testing.T) {
	var out bytes.Buffer

	for _, o := range []BenchOptions{
		{IOSize: 0, Threads: 1, Total: 1},
		{IOSize: 1, Threads: 0, Total: 1},
		{IOSize: 1, Threads: 1, Total: 0},
	} {
		err := BenchWrite(context.Background(), &instantWriter{}, o, &out)
		require.Error(t, err)
		assert.True(t, errdefs.IsInvalidArgument(err))
	}
}

func TestBenchWriteReportsWriteError(t *testing.T) {
	wantErr := errors.New("backend gone")
	w := &instantWriter{err: wantErr}

	err := BenchWrite(context.Background(), w, BenchOptions{IOSize: 512, Threads: 2, Total: 4096}, &bytes.Buffer{})
	assert.ErrorIs(t, err, wantErr)
}
