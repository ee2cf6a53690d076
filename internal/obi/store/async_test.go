// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/obi/internal/obi/aio"
	"github.com/asch/obi/internal/obi/store"
	"github.com/asch/obi/internal/obi/store/memstore"
)

func TestAsyncWriterWriteLands(t *testing.T) {
	ctx := context.Background()
	p := memstore.New().Pool("rbd")

	w := store.NewAsyncWriter(p, 2)
	defer w.Close()

	c := aio.NewCompletion(nil)
	w.AsyncWriteAt(ctx, "obj", []byte("payload"), 0, c)
	require.NoError(t, c.Wait(ctx))

	got, err := p.Get(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestAsyncWriterManyInFlight(t *testing.T) {
	ctx := context.Background()
	p := memstore.New().Pool("rbd")

	// Far more writes than writer goroutines: the overflow past the
	// request channel is served by spawned goroutines and nothing blocks.
	w := store.NewAsyncWriter(p, 2)
	defer w.Close()

	const writes = 64
	cs := make([]*aio.Completion, writes)
	for i := 0; i < writes; i++ {
		cs[i] = aio.NewCompletion(nil)
		w.AsyncWriteAt(ctx, "obj", []byte{byte(i)}, int64(i), cs[i])
	}
	for i, c := range cs {
		require.NoError(t, c.Wait(ctx), "write %d", i)
	}

	got, err := p.Get(ctx, "obj")
	require.NoError(t, err)
	require.Len(t, got, writes)
	for i := 0; i < writes; i++ {
		assert.Equal(t, byte(i), got[i])
	}
}

func TestAsyncWriterSeparateObjects(t *testing.T) {
	ctx := context.Background()
	p := memstore.New().Pool("rbd")

	w := store.NewAsyncWriter(p, 4)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		c := aio.NewCompletion(func(*aio.Completion) { wg.Done() })
		w.AsyncWriteAt(ctx, fmt.Sprintf("obj.%d", i), []byte("x"), 0, c)
	}
	wg.Wait()

	names, err := p.List(ctx, "obj.")
	require.NoError(t, err)
	assert.Len(t, names, 16)
}

func TestAsyncWriterCancelledContext(t *testing.T) {
	p := memstore.New().Pool("rbd")

	w := store.NewAsyncWriter(p, 1)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := aio.NewCompletion(nil)
	w.AsyncWriteAt(ctx, "obj", []byte("late"), 0, c)

	err := c.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	_, err = p.Get(context.Background(), "obj")
	assert.Error(t, err, "a cancelled write must not reach the pool")
}

func TestIdentity(t *testing.T) {
	a := store.NewIdentity()
	b := store.NewIdentity()

	assert.NotEmpty(t, a.Client())
	assert.NotEmpty(t, a.Address())
	assert.NotEqual(t, a.Client(), b.Client(), "identities are unique per session")
}

func TestNameLocks(t *testing.T) {
	var l store.NameLocks

	l.Lock("a")

	acquired := make(chan struct{})
	go func() {
		l.Lock("a")
		close(acquired)
		l.Unlock("a")
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlock("a")

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never handed over")
	}

	// Different names are independent locks.
	l.Lock("b")
	done := make(chan struct{})
	go func() {
		l.Lock("c")
		l.Unlock("c")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locks of different names interfere")
	}
	l.Unlock("b")
}
