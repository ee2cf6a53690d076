// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package filestore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/go-test/deep"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	p := s.Pool("rbd")

	if _, err := p.Get(ctx, "a"); !errdefs.IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}

	want := []byte("hello")
	if err := p.Put(ctx, "a", want); err != nil {
		t.Fatal(err)
	}

	got, err := p.Get(ctx, "a")
	if err != nil || !bytes.Equal(want, got) {
		t.Fatalf("got %q, %v", got, err)
	}

	size, err := p.Stat(ctx, "a")
	if err != nil || size != int64(len(want)) {
		t.Fatalf("got size %d, %v", size, err)
	}

	if err := p.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Remove(ctx, "a"); !errdefs.IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestPersistsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Pool("rbd").Put(ctx, "a", []byte("durable")); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.Pool("rbd").Get(ctx, "a")
	if err != nil || string(got) != "durable" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestPoolsAreDirectories(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Pool("one").Put(ctx, "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Pool("two").Get(ctx, "a"); !errdefs.IsNotFound(err) {
		t.Fatalf("object leaked across pools: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "one", "a")); err != nil {
		t.Fatalf("object file missing: %v", err)
	}
}

func TestReadWriteAt(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := s.Pool("rbd")

	// Writing beyond the end leaves a zero filled gap.
	if err := p.WriteAt(ctx, "a", []byte("tail"), 100); err != nil {
		t.Fatal(err)
	}
	size, err := p.Stat(ctx, "a")
	if err != nil || size != 104 {
		t.Fatalf("got size %d, %v", size, err)
	}

	b := make([]byte, 50)
	n, err := p.ReadAt(ctx, "a", b, 0)
	if err != nil || n != 50 || !bytes.Equal(b, make([]byte, 50)) {
		t.Fatalf("gap read: got %d, %v", n, err)
	}

	// Reads over the end are short, not failed.
	n, err = p.ReadAt(ctx, "a", b, 102)
	if err != nil || n != 2 || string(b[:n]) != "il" {
		t.Fatalf("short read: got %d %q, %v", n, b[:n], err)
	}

	if _, err := p.ReadAt(ctx, "missing", b, 0); !errdefs.IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := s.Pool("rbd")

	// Absent objects enter as nil.
	err = p.Update(ctx, "a", func(cur []byte) ([]byte, error) {
		if cur != nil {
			t.Fatalf("cur = %q", cur)
		}
		return []byte("v1"), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = p.Update(ctx, "a", func(cur []byte) ([]byte, error) {
		return append(cur, '+'), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := p.Get(ctx, "a")
	if string(got) != "v1+" {
		t.Fatalf("got %q", got)
	}

	// A failing update leaves the object untouched.
	boom := errors.New("boom")
	err = p.Update(ctx, "a", func([]byte) ([]byte, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	got, _ = p.Get(ctx, "a")
	if string(got) != "v1+" {
		t.Fatalf("aborted update changed the object to %q", got)
	}
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := s.Pool("rbd")

	if err := p.Put(ctx, "a", []byte("orig")); err != nil {
		t.Fatal(err)
	}
	if err := p.Copy(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := p.Put(ctx, "a", []byte("changed")); err != nil {
		t.Fatal(err)
	}

	got, err := p.Get(ctx, "b")
	if err != nil || string(got) != "orig" {
		t.Fatalf("got %q, %v", got, err)
	}

	if err := p.Copy(ctx, "missing", "c"); !errdefs.IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestListSkipsTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	p := s.Pool("rbd")

	for _, name := range []string{"data.1", "data.0", "other"} {
		if err := p.Put(ctx, name, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Leftover replacement temp files are dot prefixed and must stay
	// invisible.
	tmp := filepath.Join(dir, "rbd", ".data.2.12345")
	if err := os.WriteFile(tmp, []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := p.List(ctx, "data.")
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal([]string{"data.0", "data.1"}, got); diff != nil {
		t.Error(diff)
	}

	// A pool never written to lists as empty.
	empty, err := s.Pool("fresh").List(ctx, "")
	if err != nil || empty != nil {
		t.Fatalf("got %v, %v", empty, err)
	}
}

func TestWatchNotSupported(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p := s.Pool("rbd")

	if _, err := p.Watch(ctx, "a", nil); !errdefs.IsNotImplemented(err) {
		t.Fatalf("want not implemented, got %v", err)
	}

	n, err := p.Watchers(ctx, "a")
	if err != nil || n != 0 {
		t.Fatalf("got %d, %v", n, err)
	}
}
