// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package filestore implements the store contract on a local directory.
// Pools are subdirectories and objects are plain files. Objects are replaced
// through a temp file and rename, so Put and Update never leave torn
// content behind. Change notification is not supported.
package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/asch/obi/internal/obi/store"
)

// Store keeps all pools under one root directory.
type Store struct {
	store.Identity

	dir   string
	locks store.NameLocks
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create store directory: %w", err)
	}

	return &Store{
		Identity: store.NewIdentity(),
		dir:      dir,
	}, nil
}

// Pool returns the pool with the given name. The directory is created on
// first write.
func (s *Store) Pool(name string) store.Pool {
	return &pool{s: s, name: name}
}

func (s *Store) Close() error {
	return nil
}

type pool struct {
	s    *Store
	name string
}

func (p *pool) Name() string {
	return p.name
}

func (p *pool) dir() string {
	return filepath.Join(p.s.dir, p.name)
}

func (p *pool) path(name string) string {
	return filepath.Join(p.dir(), name)
}

func (p *pool) mapErr(name string, err error) error {
	if err == nil {
		return nil
	}

	if os.IsNotExist(err) {
		return fmt.Errorf("object %s/%s: %w", p.name, name, errdefs.ErrNotFound)
	}

	return fmt.Errorf("object %s/%s: %v: %w", p.name, name, err, errdefs.ErrUnavailable)
}

// Replace the object through a temp file so a crash cannot leave half a
// write behind.
func (p *pool) replace(name string, data []byte) error {
	if err := os.MkdirAll(p.dir(), 0755); err != nil {
		return p.mapErr(name, err)
	}

	f, err := os.CreateTemp(p.dir(), "."+name+".*")
	if err != nil {
		return p.mapErr(name, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return p.mapErr(name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return p.mapErr(name, err)
	}

	return p.mapErr(name, os.Rename(f.Name(), p.path(name)))
}

func (p *pool) Put(ctx context.Context, name string, data []byte) error {
	return p.replace(name, data)
}

func (p *pool) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(p.path(name))

	return data, p.mapErr(name, err)
}

func (p *pool) ReadAt(ctx context.Context, name string, b []byte, off int64) (int, error) {
	f, err := os.Open(p.path(name))
	if err != nil {
		return 0, p.mapErr(name, err)
	}
	defer f.Close()

	// A read ending before len(b) is a short read, not a failure.
	n, err := f.ReadAt(b, off)
	if err == io.EOF {
		err = nil
	}

	return n, p.mapErr(name, err)
}

func (p *pool) WriteAt(ctx context.Context, name string, b []byte, off int64) error {
	p.s.locks.Lock(p.path(name))
	defer p.s.locks.Unlock(p.path(name))

	if err := os.MkdirAll(p.dir(), 0755); err != nil {
		return p.mapErr(name, err)
	}

	f, err := os.OpenFile(p.path(name), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return p.mapErr(name, err)
	}
	defer f.Close()

	_, err = f.WriteAt(b, off)

	return p.mapErr(name, err)
}

func (p *pool) Stat(ctx context.Context, name string) (int64, error) {
	fi, err := os.Stat(p.path(name))
	if err != nil {
		return 0, p.mapErr(name, err)
	}

	return fi.Size(), nil
}

func (p *pool) Remove(ctx context.Context, name string) error {
	return p.mapErr(name, os.Remove(p.path(name)))
}

func (p *pool) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(p.dir())
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, p.mapErr(prefix, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}

	return names, nil
}

func (p *pool) Update(ctx context.Context, name string, fn store.UpdateFunc) error {
	p.s.locks.Lock(p.path(name))
	defer p.s.locks.Unlock(p.path(name))

	cur, err := p.Get(ctx, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return err
		}
		cur = nil
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	return p.replace(name, next)
}

func (p *pool) Copy(ctx context.Context, src, dst string) error {
	data, err := p.Get(ctx, src)
	if err != nil {
		return err
	}

	return p.replace(dst, data)
}

func (p *pool) Watch(ctx context.Context, name string, fn store.WatchFunc) (func(), error) {
	return nil, fmt.Errorf("watch on file backend: %w", errdefs.ErrNotImplemented)
}

func (p *pool) Watchers(ctx context.Context, name string) (int, error) {
	return 0, nil
}
