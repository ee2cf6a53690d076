// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package progress decouples long running operations from progress rendering.
// Operations post (offset, total) pairs to a callback and never format
// anything themselves; the caller decides whether and how to render.
package progress

import (
	"fmt"
	"io"
	"os"
)

// Func receives progress updates from a long running operation. offset is the
// amount of work done and total the amount of work known in advance. A nil
// Func is valid and drops all updates.
type Func func(offset, total uint64)

// Post sends one update to the callback. It is safe to call on a nil Func.
func (f Func) Post(offset, total uint64) {
	if f != nil {
		f(offset, total)
	}
}

// Printer renders progress updates as a single self-overwriting terminal
// line. It only reprints when the integer percentage changes.
type Printer struct {
	op     string
	w      io.Writer
	lastPC int
}

// NewPrinter returns a printer rendering updates for the operation named op.
func NewPrinter(op string, w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}

	return &Printer{op: op, w: w, lastPC: -1}
}

// Update is a Func posting to the printer.
func (p *Printer) Update(offset, total uint64) {
	pc := 0
	if total != 0 {
		pc = int(offset * 100 / total)
	}

	if pc == p.lastPC {
		return
	}
	p.lastPC = pc

	fmt.Fprintf(p.w, "\r%s: %d%% complete...", p.op, pc)
}

// Done finishes the progress line after a successful operation.
func (p *Printer) Done() {
	fmt.Fprintf(p.w, "\r%s: 100%% complete...done.\n", p.op)
}

// Fail finishes the progress line after a failed operation, keeping the last
// reported percentage.
func (p *Printer) Fail() {
	pc := p.lastPC
	if pc < 0 {
		pc = 0
	}

	fmt.Fprintf(p.w, "\r%s: %d%% complete...failed.\n", p.op, pc)
}
