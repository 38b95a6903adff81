package le

import (
	"testing"

	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
)

func newReaderFor(t *testing.T, img image.Image) *ioprim.Reader {
	t.Helper()
	return ioprim.NewReader(img.(*image.Buffer).Bytes(), ioprim.Little)
}

func moduleWithCode(size int64) *model.Module {
	m := model.NewModule(model.CPUI386)
	code := model.NewSection(".text", model.Readable|model.Executable, 1)
	code.Buffer().Expand(size)
	m.AddSection(code)
	return m
}

func TestPageSplit(t *testing.T) {
	f := New(VariantLE, false)
	m := moduleWithCode(0x1800)

	if _, _, err := f.GenerateFile(m); err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	if len(f.Pages) != 2 {
		t.Fatalf("len(Pages) = %d, want 2 for a 0x1800-byte object", len(f.Pages))
	}
	if f.Pages[0].PhysicalSize != PageSize {
		t.Fatalf("Pages[0].PhysicalSize = %#x, want %#x", f.Pages[0].PhysicalSize, PageSize)
	}
	if f.Pages[1].PhysicalSize != 0x800 {
		t.Fatalf("Pages[1].PhysicalSize = %#x, want 0x800", f.Pages[1].PhysicalSize)
	}
	if f.LastPage != 0x800 {
		t.Fatalf("LastPage = %#x, want 0x800", f.LastPage)
	}
	if len(f.Objects) != 1 || f.Objects[0].PageCount != 2 {
		t.Fatalf("Objects = %+v, want one object of 2 pages", f.Objects)
	}
	table := f.FixupPageTable()
	if len(table) != 3 {
		t.Fatalf("len(FixupPageTable()) = %d, want 3 (pages+1)", len(table))
	}
}

func TestImportFixupFillsNameTables(t *testing.T) {
	f := New(VariantLX, true)
	m := moduleWithCode(0x10)
	code := m.FindSection(".text")
	r := model.NewRelocation(model.NewLocation(code, 4),
		model.TargetSymbol(model.ImportedByName("KERNEL", "GetProcAddress", nil)), 4)
	if err := m.AddRelocation(r); err != nil {
		t.Fatalf("AddRelocation: %v", err)
	}

	_, ext, err := f.GenerateFile(m)
	if err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	if ext != ".dll" {
		t.Fatalf("ext = %q, want .dll for a library module", ext)
	}
	if len(f.ImportedModules) != 1 || f.ImportedModules[0] != "KERNEL" {
		t.Fatalf("ImportedModules = %v, want [KERNEL]", f.ImportedModules)
	}
	if len(f.ImportedProcs) != 1 || f.ImportedProcs[0] != "GetProcAddress" {
		t.Fatalf("ImportedProcs = %v, want [GetProcAddress]", f.ImportedProcs)
	}
	if len(f.PageFixups[0]) != 1 {
		t.Fatalf("PageFixups[0] has %d records, want 1", len(f.PageFixups[0]))
	}
	rec := f.PageFixups[0][0]
	if rec.Flags&0x0F != FixupImportName {
		t.Fatalf("fixup flags = %#x, want import-by-name", rec.Flags)
	}
	if rec.Object != 1 {
		t.Fatalf("fixup module ordinal = %d, want 1", rec.Object)
	}
	if rec.Target != 0 {
		t.Fatalf("fixup name offset = %d, want 0 (first entry in the table)", rec.Target)
	}
	if rec.SrcOffset != 4 {
		t.Fatalf("fixup source offset = %d, want 4", rec.SrcOffset)
	}
}

func TestPageSpanningFixupIsChained(t *testing.T) {
	f := New(VariantLE, false)
	m := moduleWithCode(0x1800)
	code := m.FindSection(".text")
	// A 4-byte field at 0xFFE spills two bytes into the second page.
	r := model.NewRelocation(model.NewLocation(code, 0xFFE),
		model.TargetLocation(model.NewLocation(code, 0x10)), 4)
	if err := m.AddRelocation(r); err != nil {
		t.Fatalf("AddRelocation: %v", err)
	}

	if _, _, err := f.GenerateFile(m); err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	if len(f.PageFixups[0]) != 1 {
		t.Fatalf("PageFixups[0] has %d records, want 1", len(f.PageFixups[0]))
	}
	if len(f.PageFixups[1]) != 1 {
		t.Fatalf("PageFixups[1] has %d records, want 1 (chained from page 0)", len(f.PageFixups[1]))
	}
	first, second := f.PageFixups[0][0], f.PageFixups[1][0]
	if first.SrcOffset != 0xFFE {
		t.Fatalf("first record source offset = %d, want 0xffe", first.SrcOffset)
	}
	if second.SrcOffset != -2 {
		t.Fatalf("chained record source offset = %d, want -2", second.SrcOffset)
	}
	if first.Object != 1 || second.Object != 1 {
		t.Fatalf("record objects = %d/%d, want 1/1", first.Object, second.Object)
	}
	table := f.FixupPageTable()
	if table[1]-table[0] != fixupRecordSize {
		t.Fatalf("page 0 record bytes = %d, want %d", table[1]-table[0], fixupRecordSize)
	}
	if table[2]-table[1] != fixupRecordSize {
		t.Fatalf("page 1 record bytes = %d, want %d", table[2]-table[1], fixupRecordSize)
	}
}

func TestGenerateFileHeaderRoundTrips(t *testing.T) {
	f := New(VariantLX, true)
	m := moduleWithCode(0x1800)

	img, _, err := f.GenerateFile(m)
	if err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}

	f2 := New(VariantLE, false)
	r := newReaderFor(t, img)
	if err := f2.ReadFile(r); err != nil {
		t.Fatalf("ReadFile (round trip): %v", err)
	}
	if f2.Variant != VariantLX {
		t.Fatalf("round-tripped Variant = %v, want VariantLX", f2.Variant)
	}
	if f2.ModuleFlags&moduleFlagLibrary == 0 {
		t.Fatalf("round-tripped ModuleFlags = %#x, want the library bit set", f2.ModuleFlags)
	}
	if len(f2.Objects) != 1 || f2.Objects[0].PageCount != 2 {
		t.Fatalf("round-tripped Objects = %+v, want one object of 2 pages", f2.Objects)
	}
	if f2.LastPage != 0x800 {
		t.Fatalf("round-tripped LastPage = %#x, want 0x800", f2.LastPage)
	}
}
