// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package gcs implements the store contract on top of Google Cloud Storage.
// Pools map to key prefixes within a single bucket.
//
// Unlike the s3 backend, GCS supports conditional writes keyed on the object
// generation, so Update is atomic across sessions here. Change notification
// is not supported.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/containerd/errdefs"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	obistore "github.com/asch/obi/internal/obi/store"
)

// Store is a GCS backed object store session.
type Store struct {
	obistore.Identity

	client *storage.Client
	bucket *storage.BucketHandle
}

// Options for New().
type Options struct {
	// Bucket must already exist.
	Bucket string

	// Credentials is a path to a service account credentials file. Empty
	// means application default credentials.
	Credentials string
}

func New(ctx context.Context, o Options) (*Store, error) {
	var opts []option.ClientOption
	if o.Credentials != "" {
		opts = append(opts, option.WithCredentialsFile(o.Credentials))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create client: %w", err)
	}

	b := client.Bucket(o.Bucket)
	if _, err := b.Attrs(ctx); err != nil {
		return nil, fmt.Errorf("unable to get bucket handle: %w", err)
	}

	return &Store{
		Identity: obistore.NewIdentity(),
		client:   client,
		bucket:   b,
	}, nil
}

// Pool returns the pool with the given name. Pools are key prefixes, there
// is nothing to create.
func (s *Store) Pool(name string) obistore.Pool {
	return &pool{s: s, name: name}
}

func (s *Store) Close() error {
	return s.client.Close()
}

type pool struct {
	s    *Store
	name string
}

func (p *pool) Name() string {
	return p.name
}

func (p *pool) key(name string) string {
	return p.name + "/" + name
}

// Translate storage errors into the store taxonomy.
func (p *pool) mapErr(name string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.Is(err, storage.ErrObjectNotExist) ||
		(errors.As(err, &gerr) && gerr.Code == http.StatusNotFound) {
		return fmt.Errorf("object %s/%s: %w", p.name, name, errdefs.ErrNotFound)
	}

	return fmt.Errorf("object %s/%s: %v: %w", p.name, name, err, errdefs.ErrUnavailable)
}

// A conditional write lost the race when the server answers 412.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (p *pool) Put(ctx context.Context, name string, data []byte) error {
	w := p.s.bucket.Object(p.key(name)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		return p.mapErr(name, err)
	}

	return p.mapErr(name, w.Close())
}

func (p *pool) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := p.s.bucket.Object(p.key(name)).NewReader(ctx)
	if err != nil {
		return nil, p.mapErr(name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)

	return data, p.mapErr(name, err)
}

func (p *pool) ReadAt(ctx context.Context, name string, b []byte, off int64) (int, error) {
	obj := p.s.bucket.Object(p.key(name))

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return 0, p.mapErr(name, err)
	}
	if off >= attrs.Size {
		return 0, nil
	}

	length := int64(len(b))
	if off+length > attrs.Size {
		length = attrs.Size - off
	}

	r, err := obj.NewRangeReader(ctx, off, length)
	if err != nil {
		return 0, p.mapErr(name, err)
	}
	defer r.Close()

	n, err := io.ReadFull(r, b[:length])

	return n, p.mapErr(name, err)
}

func (p *pool) WriteAt(ctx context.Context, name string, b []byte, off int64) error {
	return p.Update(ctx, name, func(cur []byte) ([]byte, error) {
		if need := off + int64(len(b)); int64(len(cur)) < need {
			grown := make([]byte, need)
			copy(grown, cur)
			cur = grown
		}
		copy(cur[off:], b)

		return cur, nil
	})
}

func (p *pool) Stat(ctx context.Context, name string) (int64, error) {
	attrs, err := p.s.bucket.Object(p.key(name)).Attrs(ctx)
	if err != nil {
		return 0, p.mapErr(name, err)
	}

	return attrs.Size, nil
}

func (p *pool) Remove(ctx context.Context, name string) error {
	return p.mapErr(name, p.s.bucket.Object(p.key(name)).Delete(ctx))
}

func (p *pool) List(ctx context.Context, prefix string) ([]string, error) {
	q := &storage.Query{Prefix: p.key(prefix)}
	if err := q.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("unable to set attribute selection: %w", err)
	}

	var names []string
	it := p.s.bucket.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, p.mapErr(prefix, err)
		}

		names = append(names, strings.TrimPrefix(attrs.Name, p.name+"/"))
	}

	return names, nil
}

// Update retries the read-modify-write until the generation precondition
// holds, which makes it atomic across sessions.
func (p *pool) Update(ctx context.Context, name string, fn obistore.UpdateFunc) error {
	obj := p.s.bucket.Object(p.key(name))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var cur []byte
		var conds storage.Conditions

		attrs, err := obj.Attrs(ctx)
		switch {
		case errors.Is(err, storage.ErrObjectNotExist):
			conds = storage.Conditions{DoesNotExist: true}
		case err != nil:
			return p.mapErr(name, err)
		default:
			conds = storage.Conditions{GenerationMatch: attrs.Generation}
			if cur, err = p.Get(ctx, name); err != nil {
				if errdefs.IsNotFound(err) {
					continue
				}
				return err
			}
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}

		w := obj.If(conds).NewWriter(ctx)
		if _, err := w.Write(next); err != nil {
			return p.mapErr(name, err)
		}
		if err := w.Close(); err != nil {
			if isPreconditionFailed(err) {
				continue
			}
			return p.mapErr(name, err)
		}

		return nil
	}
}

func (p *pool) Copy(ctx context.Context, src, dst string) error {
	srcObj := p.s.bucket.Object(p.key(src))
	dstObj := p.s.bucket.Object(p.key(dst))

	_, err := dstObj.CopierFrom(srcObj).Run(ctx)

	return p.mapErr(src, err)
}

func (p *pool) Watch(ctx context.Context, name string, fn obistore.WatchFunc) (func(), error) {
	return nil, fmt.Errorf("watch on gcs backend: %w", errdefs.ErrNotImplemented)
}

func (p *pool) Watchers(ctx context.Context, name string) (int, error) {
	return 0, nil
}
