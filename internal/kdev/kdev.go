// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package kdev talks to the kernel block device driver through its sysfs
// bus. Mapping an image creates a block device backed by it, unmapping
// removes the device again. The bus directory holds an add and a remove
// control file plus one devices/<id> directory per mapped device; the
// package only shuffles strings through these files and leaves all
// behavior to the driver.
package kdev

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// Bus operates one sysfs bus directory.
type Bus struct {
	dir string
}

// New returns a Bus over the given sysfs directory.
func New(dir string) *Bus {
	return &Bus{dir: dir}
}

// Device is one mapped block device as the driver reports it.
type Device struct {
	ID   string
	Pool string
	Name string
	Snap string
	Node string
}

// Add maps an image, or a snapshot of it when snap is not empty, and
// returns the device the kernel assigned.
func (b *Bus) Add(pool, name, snap string) (Device, error) {
	before, err := b.ids()
	if err != nil {
		return Device{}, err
	}

	if snap == "" {
		snap = "-"
	}
	line := fmt.Sprintf("%s %s %s", pool, name, snap)
	if err := b.control("add", line); err != nil {
		return Device{}, fmt.Errorf("mapping %s/%s: %v: %w", pool, name, err, errdefs.ErrUnavailable)
	}

	devices, err := b.List()
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if !before[d.ID] {
			log.Info().Str("image", pool+"/"+name).Str("device", d.Node).Msg("Image mapped")
			return d, nil
		}
	}

	return Device{}, fmt.Errorf("mapping %s/%s: no device appeared on the bus: %w", pool, name, errdefs.ErrInternal)
}

// Remove unmaps the device with the given id.
func (b *Bus) Remove(id string) error {
	if _, err := os.Stat(filepath.Join(b.dir, "devices", id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("device %s: %w", id, errdefs.ErrNotFound)
		}
		return err
	}

	if err := b.control("remove", id); err != nil {
		return fmt.Errorf("unmapping device %s: %v: %w", id, err, errdefs.ErrUnavailable)
	}

	log.Info().Str("device", id).Msg("Image unmapped")

	return nil
}

// List returns the mapped devices in id order.
func (b *Bus) List() ([]Device, error) {
	entries, err := os.ReadDir(filepath.Join(b.dir, "devices"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Device
	for _, e := range entries {
		id := e.Name()
		snap := b.attr(id, "current_snap")
		if snap == "-" {
			snap = ""
		}
		out = append(out, Device{
			ID:   id,
			Pool: b.attr(id, "pool"),
			Name: b.attr(id, "name"),
			Snap: snap,
			Node: "/dev/obi" + id,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, aerr := strconv.Atoi(out[i].ID)
		b, berr := strconv.Atoi(out[j].ID)
		if aerr == nil && berr == nil {
			return a < b
		}
		return out[i].ID < out[j].ID
	})

	return out, nil
}

func (b *Bus) ids() (map[string]bool, error) {
	devices, err := b.List()
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool, len(devices))
	for _, d := range devices {
		ids[d.ID] = true
	}

	return ids, nil
}

// control writes one command line to a bus control file. Sysfs wants a
// single plain write.
func (b *Bus) control(file, line string) error {
	f, err := os.OpenFile(filepath.Join(b.dir, file), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line)

	return err
}

func (b *Bus) attr(id, name string) string {
	data, err := os.ReadFile(filepath.Join(b.dir, "devices", id, name))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
