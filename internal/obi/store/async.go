// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"context"

	"github.com/asch/obi/internal/obi/aio"
)

// Request is internal structure for wrapping the communication into channels.
type request struct {
	ctx  context.Context
	name string
	data []byte
	off  int64
	c    *aio.Completion
}

// AsyncWriter turns a pool's synchronous WriteAt into asynchronous writes
// completing through completion handles. A fixed set of writer goroutines
// consumes a request channel; issuing never blocks, a request finding the
// channel full is served by a goroutine of its own.
type AsyncWriter struct {
	pool Pool

	// Number of go routines spawned for handling write requests.
	writers int

	reqs chan request
}

// NewAsyncWriter returns a new instance which can be directly used. It
// immediately spawns the writer go routines.
func NewAsyncWriter(pool Pool, writers int) *AsyncWriter {
	w := &AsyncWriter{
		pool:    pool,
		writers: writers,
		reqs:    make(chan request, writers),
	}

	for i := 0; i < w.writers; i++ {
		go w.writeWorker()
	}

	return w
}

// AsyncWriteAt issues one write of p at off in the named object and returns
// immediately. The write's result is delivered through c, from a writer
// goroutine.
func (w *AsyncWriter) AsyncWriteAt(ctx context.Context, name string, p []byte, off int64, c *aio.Completion) {
	r := request{ctx: ctx, name: name, data: p, off: off, c: c}

	select {
	case w.reqs <- r:
	default:
		go w.serve(r)
	}
}

// Close stops the writer go routines. Writes already queued are still served.
func (w *AsyncWriter) Close() {
	close(w.reqs)
}

// Write worker just calls WriteAt() on the pool provided in NewAsyncWriter()
// and completes the request's completion.
func (w *AsyncWriter) writeWorker() {
	for r := range w.reqs {
		w.serve(r)
	}
}

func (w *AsyncWriter) serve(r request) {
	if err := r.ctx.Err(); err != nil {
		r.c.Complete(err)
		return
	}

	r.c.Complete(w.pool.WriteAt(r.ctx, r.name, r.data, r.off))
}
