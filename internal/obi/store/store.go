// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store defines the object store capability consumed by the image
// layer. Anything implementing Store can back images: the production
// backends talk to S3 or GCS, the file backend keeps objects in a local
// directory and the memory backend serves tests.
//
// Objects live in named pools. A pool is a flat namespace of byte objects
// addressed by name; backends map it to a key prefix inside one bucket or
// directory. Update is the only operation guaranteed atomic across sessions
// and is the linearization point for all header mutations. WriteAt is atomic
// per object within one session only.
package store

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Store is one backend session. Pools share the session's identity, which
// the lock manager records in lock ownership entries.
type Store interface {
	// Pool returns the pool with the given name. Pools spring into
	// existence on first use; an unused pool holds no objects.
	Pool(name string) Pool

	// Client returns the session's identity, stable for the session's
	// lifetime and unique across sessions.
	Client() string

	// Address returns a best effort description of where the session runs.
	Address() string

	// Close releases the session's resources.
	Close() error
}

// UpdateFunc transforms an object's content during an atomic read-modify-
// write. cur is nil when the object does not exist. The returned bytes
// replace the object's content; returning an error aborts the update and
// leaves the object untouched.
type UpdateFunc func(cur []byte) ([]byte, error)

// Event describes one observed change of a watched object.
type Event struct {
	Object  string
	Version uint64
}

// WatchFunc receives change events. It runs on a goroutine owned by the
// backend and must not block.
type WatchFunc func(Event)

// Pool is a flat namespace of objects within a Store.
type Pool interface {
	// Name returns the pool's name.
	Name() string

	// Put creates or replaces the named object with the given content.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the whole content of the named object. Absent objects
	// yield a NotFound error.
	Get(ctx context.Context, name string) ([]byte, error)

	// ReadAt copies the object's content starting at off into p. It
	// returns the number of bytes copied, short when the object ends
	// before len(p); the remainder of p is left untouched. Absent objects
	// yield a NotFound error.
	ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error)

	// WriteAt writes p into the named object at off, extending it as
	// needed and zero filling any gap, creating the object if absent.
	WriteAt(ctx context.Context, name string, p []byte, off int64) error

	// Stat returns the object's size. Absent objects yield a NotFound
	// error.
	Stat(ctx context.Context, name string) (int64, error)

	// Remove deletes the named object. Absent objects yield a NotFound
	// error.
	Remove(ctx context.Context, name string) error

	// List returns the names of all objects with the given prefix, in
	// unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Update atomically transforms the named object through fn. Backends
	// guarantee that concurrent updates of one object serialize and that
	// no torn content is ever observable.
	Update(ctx context.Context, name string, fn UpdateFunc) error

	// Copy duplicates the object src into dst within the pool, server
	// side where the backend supports it. Absent sources yield a NotFound
	// error.
	Copy(ctx context.Context, src, dst string) error

	// Watch subscribes fn to changes of the named object until the
	// returned cancel function is called. Backends without change
	// notification return a NotImplemented error.
	Watch(ctx context.Context, name string, fn WatchFunc) (func(), error)

	// Watchers returns the number of active watches on the named object.
	// Backends without change notification report zero.
	Watchers(ctx context.Context, name string) (int, error)
}

// Identity is the session identity shared by all backends. Embedding it
// provides the Client and Address methods of Store.
type Identity struct {
	client  string
	address string
}

// NewIdentity generates a fresh session identity.
func NewIdentity() Identity {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	return Identity{
		client:  fmt.Sprintf("client.%.8s", uuid.NewString()),
		address: fmt.Sprintf("%s/%d", host, os.Getpid()),
	}
}

// Client returns the session's identity.
func (i Identity) Client() string {
	return i.client
}

// Address returns a best effort description of where the session runs.
func (i Identity) Address() string {
	return i.address
}

// NameLocks serializes operations per object name. Backends without an
// atomic server side read-modify-write use it to make Update and WriteAt
// atomic within the session.
type NameLocks struct {
	mu   sync.Mutex
	held map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for name, blocking while another holder exists.
func (l *NameLocks) Lock(name string) {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*nameLock)
	}
	e := l.held[name]
	if e == nil {
		e = &nameLock{}
		l.held[name] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for name.
func (l *NameLocks) Unlock(name string) {
	l.mu.Lock()
	e := l.held[name]
	e.refs--
	if e.refs == 0 {
		delete(l.held, name)
	}
	l.mu.Unlock()

	e.mu.Unlock()
}
