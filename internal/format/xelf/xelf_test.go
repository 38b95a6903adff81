package xelf

import (
	"bytes"
	"testing"

	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
)

// buildELFFile hand-assembles a minimal two-section ELF64 little-endian
// file (a ""-named .shstrtab holder plus one .text section) using the
// same Writer primitives ReadFile's Reader counterparts consume, so the
// byte layout is derived mechanically rather than by hand-computed offsets.
func buildELFFile(t *testing.T) []byte {
	t.Helper()
	w := ioprim.NewWriter(ioprim.Little)
	w.WriteData(elfMagic)
	w.WriteWord(1, 2, ioprim.Little) // EI_CLASS = ELFCLASS64
	w.WriteWord(1, 1, ioprim.Little) // EI_DATA = ELFDATA2LSB
	if err := w.FillTo(16); err != nil {
		t.Fatalf("FillTo(16): %v", err)
	}
	w.WriteWord(2, 2, ioprim.Little)      // e_type = ET_EXEC
	w.WriteWord(2, 0x3e, ioprim.Little)   // e_machine = EM_X86_64
	w.WriteWord(4, 1, ioprim.Little)      // e_version
	w.WriteWord(8, 0x1000, ioprim.Little) // e_entry
	w.WriteWord(8, 0, ioprim.Little)      // e_phoff
	shoffPos := w.Tell()
	w.WriteWord(8, 0, ioprim.Little) // e_shoff placeholder, patched below
	w.WriteWord(4, 0, ioprim.Little) // e_flags
	w.WriteWord(2, 0, ioprim.Little) // e_ehsize
	w.WriteWord(4, 0, ioprim.Little) // e_phentsize + e_phnum
	w.WriteWord(2, 56, ioprim.Little) // e_shentsize
	w.WriteWord(2, 2, ioprim.Little)  // e_shnum
	if err := w.WriteWord(2, 0, ioprim.Little); err != nil { // e_shstrndx
		t.Fatalf("WriteWord(e_shstrndx): %v", err)
	}

	strtabOff := w.Tell()
	strtab := []byte{0x00, '.', 't', 'e', 'x', 't', 0x00}
	w.WriteData(strtab)

	dataOff := w.Tell()
	data := []byte{0x11, 0x22, 0x33, 0x44}
	w.WriteData(data)

	shoff := w.Tell()
	// entry 0: the (unnamed) string-table-holding section.
	w.WriteWord(4, 0, ioprim.Little)
	w.WriteWord(4, uint64(shtProgbits), ioprim.Little)
	w.WriteWord(8, 0, ioprim.Little)
	w.WriteWord(8, 0, ioprim.Little)
	w.WriteWord(8, uint64(strtabOff), ioprim.Little)
	w.WriteWord(8, uint64(len(strtab)), ioprim.Little)
	w.WriteWord(8, 0, ioprim.Little)
	w.WriteWord(8, 1, ioprim.Little)
	// entry 1: .text.
	w.WriteWord(4, 1, ioprim.Little)
	w.WriteWord(4, uint64(shtProgbits), ioprim.Little)
	w.WriteWord(8, uint64(shfAlloc|shfExecinstr), ioprim.Little)
	w.WriteWord(8, 0x1000, ioprim.Little)
	w.WriteWord(8, uint64(dataOff), ioprim.Little)
	w.WriteWord(8, uint64(len(data)), ioprim.Little)
	w.WriteWord(8, 0, ioprim.Little)
	if err := w.WriteWord(8, 1, ioprim.Little); err != nil {
		t.Fatalf("WriteWord(align): %v", err)
	}

	if err := w.PatchAt(shoffPos, ioprim.Encode(ioprim.Little, 8, uint64(shoff))); err != nil {
		t.Fatalf("PatchAt(e_shoff): %v", err)
	}
	return w.Bytes()
}

func TestReadFileParsesSectionsAndStringTable(t *testing.T) {
	f := New()
	r := ioprim.NewReader(buildELFFile(t), ioprim.Little)
	if err := f.ReadFile(r); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !f.Is64 {
		t.Fatalf("Is64 = false, want true")
	}
	if f.Machine != 0x3e {
		t.Fatalf("Machine = %#x, want 0x3e", f.Machine)
	}
	if f.Entry != 0x1000 {
		t.Fatalf("Entry = %#x, want 0x1000", f.Entry)
	}
	if len(f.Sections) != 2 {
		t.Fatalf("len(Sections) = %d, want 2", len(f.Sections))
	}
	if f.Sections[1].Name != ".text" {
		t.Fatalf("Sections[1].Name = %q, want .text", f.Sections[1].Name)
	}
	if !bytes.Equal(f.sectionData[1].Bytes(), []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Fatalf("sectionData[1] = % x, want 11 22 33 44", f.sectionData[1].Bytes())
	}
}

func TestGenerateModuleSkipsUnnamedSection(t *testing.T) {
	f := New()
	r := ioprim.NewReader(buildELFFile(t), ioprim.Little)
	if err := f.ReadFile(r); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	m := model.NewModule(model.CPUX86_64)
	if err := f.GenerateModule(m); err != nil {
		t.Fatalf("GenerateModule: %v", err)
	}
	if len(m.Sections) != 1 {
		t.Fatalf("len(Sections) = %d, want 1 (the unnamed strtab-holder section is skipped)", len(m.Sections))
	}
	sec := m.Sections[0]
	if sec.Name != ".text" || !sec.Flags.Has(model.Executable) {
		t.Fatalf("Sections[0] = %+v, want an executable .text section", sec)
	}
	loc, ok := m.LookupSymbol(model.Internal("_start"))
	if !ok || loc.Offset != 0x1000 {
		t.Fatalf("_start = %v, %v; want offset 0x1000, true", loc, ok)
	}
}

func TestCalculateValuesMarksZeroFilledSectionsAsNobits(t *testing.T) {
	f := New()
	m := model.NewModule(model.CPUX86_64)
	bss := model.NewZeroFilledSection(".bss", 4, 16)
	m.AddSection(bss)
	seg := model.NewSegment("_elf", 0x400000)
	seg.Append(bss, 0)
	f.OnNewSegment(seg)

	if err := f.CalculateValues(); err != nil {
		t.Fatalf("CalculateValues: %v", err)
	}
	if len(f.Sections) != 1 || f.Sections[0].Type != shtNobits {
		t.Fatalf("Sections = %+v, want one NOBITS section", f.Sections)
	}
}

func TestGenerateFileWritesMagicAndPadsHeaderTo64(t *testing.T) {
	f := New()
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable|model.Executable, 1)
	sec.Buffer().Expand(4)
	m.AddSection(sec)

	img, _, err := f.GenerateFile(m)
	if err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	b := img.(*image.Buffer).Bytes()
	if len(b) < 68 {
		t.Fatalf("len(bytes) = %d, want at least 68 (64-byte header + 4-byte section)", len(b))
	}
	if !bytes.Equal(b[:4], elfMagic) {
		t.Fatalf("bytes[:4] = % x, want ELF magic", b[:4])
	}
	// .text was never written to, so its 4 bytes after the header are zero.
	if !bytes.Equal(b[64:68], []byte{0, 0, 0, 0}) {
		t.Fatalf("bytes[64:68] = % x, want zero-filled section body", b[64:68])
	}
}
