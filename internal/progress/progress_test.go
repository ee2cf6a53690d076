// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package progress

import (
	"bytes"
	"testing"
)

func TestNilFunc(t *testing.T) {
	var f Func
	f.Post(1, 2)
}

func TestFuncPost(t *testing.T) {
	var gotOff, gotTotal uint64
	f := Func(func(offset, total uint64) { gotOff, gotTotal = offset, total })

	f.Post(512, 1024)

	if gotOff != 512 || gotTotal != 1024 {
		t.Errorf("Post delivered (%d, %d), want (512, 1024)", gotOff, gotTotal)
	}
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("Importing image", &buf)

	f := Func(p.Update)
	f.Post(0, 100)
	f.Post(50, 100)
	f.Post(501, 1000)
	p.Done()

	want := "\rImporting image: 0% complete..." +
		"\rImporting image: 50% complete..." +
		"\rImporting image: 100% complete...done.\n"
	if got := buf.String(); got != want {
		t.Errorf("printer output %q, want %q", got, want)
	}
}

func TestPrinterFail(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("Flattening image", &buf)

	p.Update(30, 100)
	p.Fail()

	want := "\rFlattening image: 30% complete..." +
		"\rFlattening image: 30% complete...failed.\n"
	if got := buf.String(); got != want {
		t.Errorf("printer output %q, want %q", got, want)
	}
}

func TestPrinterFailWithoutUpdates(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("Exporting image", &buf)

	p.Fail()

	if got, want := buf.String(), "\rExporting image: 0% complete...failed.\n"; got != want {
		t.Errorf("printer output %q, want %q", got, want)
	}
}

func TestPrinterZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("op", &buf)

	p.Update(7, 0)

	if got, want := buf.String(), "\rop: 0% complete..."; got != want {
		t.Errorf("printer output %q, want %q", got, want)
	}
}
