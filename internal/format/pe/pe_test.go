package pe

import (
	"testing"

	"github.com/xyproto/retrolink/internal/diag"
	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
)

func TestAlignUp32(t *testing.T) {
	if got := alignUp32(0x13, 16); got != 0x20 {
		t.Fatalf("alignUp32(0x13, 16) = %#x, want 0x20", got)
	}
	if got := alignUp32(0x20, 16); got != 0x20 {
		t.Fatalf("alignUp32(0x20, 16) = %#x, want 0x20 (already aligned)", got)
	}
	if got := alignUp32(5, 0); got != 5 {
		t.Fatalf("alignUp32(5, 0) = %d, want 5 (no-op on zero boundary)", got)
	}
}

func TestCoffSectionNameStopsAtNUL(t *testing.T) {
	var raw [8]byte
	copy(raw[:], ".data")
	if got := coffSectionName(raw); got != ".data" {
		t.Fatalf("coffSectionName(%v) = %q, want .data", raw, got)
	}
}

func TestGenerateFileSelfRoundTrips(t *testing.T) {
	f := New()
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable|model.Executable, 0x1000)
	sec.Buffer().Expand(16)
	m.AddSection(sec)

	img, ext, err := f.GenerateFile(m)
	if err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	if ext != ".exe" {
		t.Fatalf("ext = %q, want .exe", ext)
	}
	if img.Size() == 0 {
		t.Fatalf("GenerateFile produced an empty image")
	}

	f2 := New()
	r2 := ioprim.NewReader(img.(*image.Buffer).Bytes(), ioprim.Little)
	if err := f2.ReadFile(r2); err != nil {
		t.Fatalf("ReadFile (round trip): %v", err)
	}
	if len(f2.Sections) != 1 {
		t.Fatalf("round-tripped Sections = %d, want 1", len(f2.Sections))
	}
	if coffSectionName(f2.Sections[0].Name) != ".text" {
		t.Fatalf("round-tripped section name = %q, want .text", coffSectionName(f2.Sections[0].Name))
	}
	if f2.Machine != f.Machine {
		t.Fatalf("round-tripped Machine = %#x, want %#x", f2.Machine, f.Machine)
	}
}

func TestProcessModuleRejectsSelectorIndexRelocation(t *testing.T) {
	f := New()
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable|model.Executable, 1)
	sec.Buffer().Expand(4)
	m.AddSection(sec)

	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetAbsolute(0), 2)
	r.Kind = model.SelectorIndex
	if err := m.AddRelocation(r); err != nil {
		t.Fatalf("AddRelocation: %v", err)
	}

	before := diag.Default.ErrorCount()
	if err := f.ProcessModule(m); err != nil {
		t.Fatalf("ProcessModule: %v", err)
	}
	if got := diag.Default.ErrorCount(); got != before+1 {
		t.Fatalf("ErrorCount() = %d, want %d (one selector-index error)", got, before+1)
	}
}
