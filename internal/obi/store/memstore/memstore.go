// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memstore is an in-memory object store backend. It is the reference
// implementation of the store contract and backs the test suite. Unlike the
// remote backends it supports change notification, so it also exercises the
// watch paths.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/asch/obi/internal/obi/store"
)

// Store is an in-memory object store session.
type Store struct {
	store.Identity

	mu    sync.Mutex
	pools map[string]*pool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		Identity: store.NewIdentity(),
		pools:    make(map[string]*pool),
	}
}

// Pool returns the named pool, creating it on first use.
func (s *Store) Pool(name string) store.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pools[name]
	if p == nil {
		p = &pool{
			name:    name,
			objs:    make(map[string][]byte),
			vers:    make(map[string]uint64),
			watches: make(map[string]map[int]store.WatchFunc),
		}
		s.pools[name] = p
	}

	return p
}

// Close releases nothing, the store lives on the heap.
func (s *Store) Close() error {
	return nil
}

type pool struct {
	name string

	mu      sync.Mutex
	objs    map[string][]byte
	vers    map[string]uint64
	watches map[string]map[int]store.WatchFunc
	nextID  int
}

func (p *pool) Name() string {
	return p.name
}

// Bump the object's version and collect its subscribers. Caller holds p.mu;
// the returned callbacks are invoked after unlocking so a subscriber may call
// back into the pool.
func (p *pool) changedLocked(name string) func() {
	p.vers[name]++
	ev := store.Event{Object: name, Version: p.vers[name]}

	var fns []store.WatchFunc
	for _, fn := range p.watches[name] {
		fns = append(fns, fn)
	}

	return func() {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (p *pool) Put(ctx context.Context, name string, data []byte) error {
	p.mu.Lock()
	p.objs[name] = append([]byte(nil), data...)
	notify := p.changedLocked(name)
	p.mu.Unlock()

	notify()
	return nil
}

func (p *pool) Get(ctx context.Context, name string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.objs[name]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", p.name, name, errdefs.ErrNotFound)
	}

	return append([]byte(nil), data...), nil
}

func (p *pool) ReadAt(ctx context.Context, name string, b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.objs[name]
	if !ok {
		return 0, fmt.Errorf("object %s/%s: %w", p.name, name, errdefs.ErrNotFound)
	}

	if off >= int64(len(data)) {
		return 0, nil
	}

	return copy(b, data[off:]), nil
}

func (p *pool) WriteAt(ctx context.Context, name string, b []byte, off int64) error {
	p.mu.Lock()
	data := p.objs[name]
	if need := off + int64(len(b)); int64(len(data)) < need {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[off:], b)
	p.objs[name] = data
	notify := p.changedLocked(name)
	p.mu.Unlock()

	notify()
	return nil
}

func (p *pool) Stat(ctx context.Context, name string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.objs[name]
	if !ok {
		return 0, fmt.Errorf("object %s/%s: %w", p.name, name, errdefs.ErrNotFound)
	}

	return int64(len(data)), nil
}

func (p *pool) Remove(ctx context.Context, name string) error {
	p.mu.Lock()
	if _, ok := p.objs[name]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("object %s/%s: %w", p.name, name, errdefs.ErrNotFound)
	}
	delete(p.objs, name)
	notify := p.changedLocked(name)
	p.mu.Unlock()

	notify()
	return nil
}

func (p *pool) List(ctx context.Context, prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var names []string
	for name := range p.objs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names, nil
}

func (p *pool) Update(ctx context.Context, name string, fn store.UpdateFunc) error {
	p.mu.Lock()
	var cur []byte
	if data, ok := p.objs[name]; ok {
		cur = append([]byte(nil), data...)
	}

	next, err := fn(cur)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	p.objs[name] = append([]byte(nil), next...)
	notify := p.changedLocked(name)
	p.mu.Unlock()

	notify()
	return nil
}

func (p *pool) Copy(ctx context.Context, src, dst string) error {
	p.mu.Lock()
	data, ok := p.objs[src]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("object %s/%s: %w", p.name, src, errdefs.ErrNotFound)
	}
	p.objs[dst] = append([]byte(nil), data...)
	notify := p.changedLocked(dst)
	p.mu.Unlock()

	notify()
	return nil
}

func (p *pool) Watch(ctx context.Context, name string, fn store.WatchFunc) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++

	if p.watches[name] == nil {
		p.watches[name] = make(map[int]store.WatchFunc)
	}
	p.watches[name][id] = fn

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watches[name], id)
	}

	return cancel, nil
}

func (p *pool) Watchers(ctx context.Context, name string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.watches[name]), nil
}
