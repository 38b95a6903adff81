package ne

import (
	"testing"

	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
)

func moduleWithText(size int64) *model.Module {
	m := model.NewModule(model.CPUI86)
	text := model.NewSection(".text", model.Readable|model.Executable, 1)
	text.Buffer().Expand(size)
	m.AddSection(text)
	return m
}

func TestImportEncoding(t *testing.T) {
	f := New(targetOSWindows)
	m := moduleWithText(0x10)
	text := m.FindSection(".text")
	r := model.NewRelocation(model.NewLocation(text, 2),
		model.TargetSymbol(model.ImportedByName("KERNEL", "GetProcAddress", nil)), 4)
	if err := m.AddRelocation(r); err != nil {
		t.Fatalf("AddRelocation: %v", err)
	}

	if err := f.ProcessModule(m); err != nil {
		t.Fatalf("ProcessModule: %v", err)
	}
	if len(f.ImportedModules) != 1 || f.ImportedModules[0] != "KERNEL" {
		t.Fatalf("ImportedModules = %v, want [KERNEL]", f.ImportedModules)
	}
	if len(f.importedNames) != 1 || f.importedNames[0] != "GetProcAddress" {
		t.Fatalf("importedNames = %v, want [GetProcAddress]", f.importedNames)
	}
	if len(f.segs) != 1 || len(f.segs[0].relocs) != 1 {
		t.Fatalf("segs = %+v, want one segment with one relocation", f.segs)
	}
	rec := f.segs[0].relocs[0]
	if rec.Flags != RelocImportName {
		t.Fatalf("relocation flags = %#x, want import-by-name", rec.Flags)
	}
	if rec.Target1 != 1 {
		t.Fatalf("relocation module index = %d, want 1", rec.Target1)
	}
	if rec.Target2 != 0 {
		t.Fatalf("relocation name offset = %d, want 0 (first entry)", rec.Target2)
	}
	if rec.SrcOffset != 2 {
		t.Fatalf("relocation source offset = %d, want 2", rec.SrcOffset)
	}
}

func TestMovableSegmentReferenceGoesThroughEntryThunk(t *testing.T) {
	f := New(targetOSWindows)
	f.SetOptions(map[string]string{"movable": ""})
	m := model.NewModule(model.CPUI86)
	caller := model.NewSection(".text1", model.Readable|model.Executable, 1)
	caller.Buffer().Expand(0x10)
	callee := model.NewSection(".text2", model.Readable|model.Executable, 1)
	callee.Buffer().Expand(0x10)
	m.AddSection(caller)
	m.AddSection(callee)

	r := model.NewRelocation(model.NewLocation(caller, 4),
		model.TargetSegmentBaseOfSection(callee), 2)
	r.Kind = model.SelectorIndex
	if err := m.AddRelocation(r); err != nil {
		t.Fatalf("AddRelocation: %v", err)
	}

	if err := f.ProcessModule(m); err != nil {
		t.Fatalf("ProcessModule: %v", err)
	}
	if err := f.CalculateValues(); err != nil {
		t.Fatalf("CalculateValues: %v", err)
	}
	if len(f.segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2 (one NE segment per section)", len(f.segs))
	}
	if !f.segs[1].movable {
		t.Fatalf("callee segment not marked movable despite the movable option")
	}
	recs := f.segs[0].relocs
	if len(recs) != 1 {
		t.Fatalf("caller segment has %d relocations, want 1", len(recs))
	}
	if recs[0].Target1 != movableMarker {
		t.Fatalf("relocation target = %#x, want the 0xFF movable marker", recs[0].Target1)
	}
	if recs[0].Target2 != 1 {
		t.Fatalf("relocation entry ordinal = %d, want 1", recs[0].Target2)
	}
	if len(f.Bundles) != 1 || len(f.Bundles[0].Entries) != 1 {
		t.Fatalf("Bundles = %+v, want one bundle with the manufactured thunk", f.Bundles)
	}
	entry := f.Bundles[0].Entries[0]
	if entry.Segment != 2 || entry.Offset != 0 {
		t.Fatalf("thunk = %+v, want segment 2 offset 0", entry)
	}
}

func TestEntryTableSplitsBundlesAt255(t *testing.T) {
	f := New(targetOSWindows)
	// 256 distinct movable references: one past the bundle count byte.
	for i := 0; i < 256; i++ {
		f.entries = append(f.entries, MovableEntry{Segment: 1, Offset: uint16(i)})
	}
	if err := f.CalculateValues(); err != nil {
		t.Fatalf("CalculateValues: %v", err)
	}
	if len(f.Bundles) != 2 {
		t.Fatalf("len(Bundles) = %d, want 2 for 256 entries", len(f.Bundles))
	}
	if len(f.Bundles[0].Entries) != 255 || len(f.Bundles[1].Entries) != 1 {
		t.Fatalf("bundle sizes = %d/%d, want 255/1", len(f.Bundles[0].Entries), len(f.Bundles[1].Entries))
	}
	// Each bundle is 2 header bytes plus 6 per entry, plus the 2-byte
	// terminator.
	want := (2 + 6*255) + (2 + 6*1) + 2
	if int(f.EntryTableLen) != want {
		t.Fatalf("EntryTableLen = %d, want %d", f.EntryTableLen, want)
	}
}

func TestExportedNamesUppercasedInResidentTable(t *testing.T) {
	f := New(targetOSWindows)
	m := moduleWithText(0x20)
	text := m.FindSection(".text")
	m.ExportedSymbols[model.ExportedByName("DoThing", nil).Key()] = model.NewLocation(text, 4)

	if err := f.ProcessModule(m); err != nil {
		t.Fatalf("ProcessModule: %v", err)
	}
	if len(f.ResidentNames) != 2 {
		t.Fatalf("ResidentNames = %v, want module name plus one export", f.ResidentNames)
	}
	if f.ResidentNames[1] != "DOTHING" {
		t.Fatalf("ResidentNames[1] = %q, want DOTHING (procedure names are uppercased)", f.ResidentNames[1])
	}
	if f.ResidentOrds[1] != 1 {
		t.Fatalf("ResidentOrds[1] = %d, want entry ordinal 1", f.ResidentOrds[1])
	}
	if len(f.entries) != 1 || f.entries[0].Offset != 4 {
		t.Fatalf("entries = %+v, want one entry at offset 4", f.entries)
	}
}

func TestGenerateFileHeaderRoundTrips(t *testing.T) {
	f := New(targetOSOS2)
	m := moduleWithText(0x10)
	text := m.FindSection(".text")
	r := model.NewRelocation(model.NewLocation(text, 2),
		model.TargetSymbol(model.ImportedByOrdinal("DOSCALLS", 5)), 4)
	if err := m.AddRelocation(r); err != nil {
		t.Fatalf("AddRelocation: %v", err)
	}

	img, ext, err := f.GenerateFile(m)
	if err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	if ext != ".exe" {
		t.Fatalf("ext = %q, want .exe", ext)
	}

	f2 := New(targetOSWindows)
	r2 := ioprim.NewReader(img.(*image.Buffer).Bytes(), ioprim.Little)
	if err := f2.ReadFile(r2); err != nil {
		t.Fatalf("ReadFile (round trip): %v", err)
	}
	if f2.SegmentCount != 1 {
		t.Fatalf("round-tripped SegmentCount = %d, want 1", f2.SegmentCount)
	}
	if f2.ModuleRefCount != 1 {
		t.Fatalf("round-tripped ModuleRefCount = %d, want 1", f2.ModuleRefCount)
	}
	if f2.TargetOS != targetOSOS2 {
		t.Fatalf("round-tripped TargetOS = %d, want OS/2", f2.TargetOS)
	}
}
