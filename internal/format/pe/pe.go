// Package pe implements a partial PE/COFF executable reader and
// writer: the COFF file header, the PE32 optional header's layout
// fields (ImageBase, SectionAlignment, FileAlignment,
// AddressOfEntryPoint, Subsystem) and the section table. Import,
// export and base-relocation directories are out of scope. The COFF
// header and section-table types live in internal/format/coff.
package pe

import (
	"fmt"

	"github.com/xyproto/retrolink/internal/diag"
	"github.com/xyproto/retrolink/internal/dump"
	"github.com/xyproto/retrolink/internal/format"
	"github.com/xyproto/retrolink/internal/format/coff"
	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
	"github.com/xyproto/retrolink/internal/resolve"
	"github.com/xyproto/retrolink/internal/script"
	"github.com/xyproto/retrolink/internal/stub"
)

const (
	dosStubSize    = 0x40
	peSignatureLen = 4
	optHeaderSize  = 112 // PE32, no data directories beyond the count field
)

// Format is the PE plugin. Only the PE32 (32-bit) optional header shape
// is emitted; PE32+ (64-bit) is left for a future extension.
type Format struct {
	format.BaseFormat

	Machine           uint16
	ImageBase         uint32
	SectionAlignment  uint32
	FileAlignment     uint32
	AddressOfEntry    uint32
	Subsystem         uint16

	Sections []coff.SectionHeader32
	stubSize uint32

	imageBaseOpt  *format.Option[int64]
	subsystemOpt  *format.Option[int64]
	stackSizeOpt  *format.Option[int64]
	stubOpt       *format.Option[string]
	collector     *format.OptionCollector

	segment *model.Segment
}

// Subsystem values (IMAGE_SUBSYSTEM_*) the subsystem option selects.
const (
	SubsystemConsole = 3
	SubsystemGUI     = 2
)

func New() *Format {
	f := &Format{
		BaseFormat:       format.BaseFormat{FormatName: "pe", Segmented: false, SupportsLibraries: true},
		Machine:          coff.MachineI386,
		ImageBase:        0x400000,
		SectionAlignment: 0x1000,
		FileAlignment:    0x200,
		Subsystem:        SubsystemConsole,
	}
	f.imageBaseOpt = format.NewOption[int64]("image_base", "Preferred load address", int64(f.ImageBase))
	f.subsystemOpt = format.NewOption[int64]("subsystem", "IMAGE_SUBSYSTEM value (2=GUI, 3=console)", int64(SubsystemConsole))
	f.stackSizeOpt = format.NewOption[int64]("stack_size", "Requested stack reservation", 0x100000)
	f.stubOpt = format.NewOption[string]("stub", "Path to a real-mode DOS stub to prepend instead of the built-in one", "")
	f.collector = format.NewOptionCollector(f.imageBaseOpt, f.subsystemOpt, f.stackSizeOpt, f.stubOpt)
	return f
}

func init() {
	format.Default.Register(format.Detector{
		Tag: "pe", Offset: 0, Description: "PE/COFF executable (partial: no imports/exports/relocation directory)",
		Verify: func(content []byte) bool {
			if len(content) < 0x40 {
				return false
			}
			if content[0] != 'M' || content[1] != 'Z' {
				return false
			}
			lfanew := int(uint32(content[0x3c]) | uint32(content[0x3d])<<8 | uint32(content[0x3e])<<16 | uint32(content[0x3f])<<24)
			return lfanew+4 <= len(content) && content[lfanew] == 'P' && content[lfanew+1] == 'E' && content[lfanew+2] == 0 && content[lfanew+3] == 0
		},
		New: func() format.Format { return New() },
	})
}

// ReadFile reads only the parts this plugin can also write: the DOS
// stub is skipped, the PE signature and COFF file header are read, then
// the optional header's ImageBase/entry/subsystem fields, then the
// section table. Imports/exports/relocation directories are left
// unparsed per this plugin's declared partial coverage.
func (f *Format) ReadFile(r *ioprim.Reader) error {
	if err := r.Seek(0x3c); err != nil {
		return err
	}
	lfanew, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return err
	}
	if err := r.Seek(int64(lfanew)); err != nil {
		return err
	}
	sig, err := r.ReadData(4)
	if err != nil {
		return err
	}
	if sig[0] != 'P' || sig[1] != 'E' || sig[2] != 0 || sig[3] != 0 {
		return fmt.Errorf("pe: bad PE signature")
	}
	fh, err := coff.ReadFileHeader(r)
	if err != nil {
		return err
	}
	f.Machine = fh.Machine
	optStart := r.Tell()
	if err := r.Skip(28); err != nil { // magic, linker version, code/data sizes, entry, base-of-code/data
		return err
	}
	imageBase, _ := r.ReadUnsigned(4, ioprim.Little)
	secAlign, _ := r.ReadUnsigned(4, ioprim.Little)
	fileAlign, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return err
	}
	f.ImageBase, f.SectionAlignment, f.FileAlignment = uint32(imageBase), uint32(secAlign), uint32(fileAlign)
	if err := r.Seek(optStart + 16); err != nil { // back up to AddressOfEntryPoint
		return err
	}
	entry, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return err
	}
	f.AddressOfEntry = uint32(entry)
	if err := r.Seek(optStart + 68); err != nil { // Subsystem field offset within optional header
		return err
	}
	subsystem, err := r.ReadUnsigned(2, ioprim.Little)
	if err != nil {
		return err
	}
	f.Subsystem = uint16(subsystem)

	if err := r.Seek(optStart + int64(fh.SizeOfOptionalHeader)); err != nil {
		return err
	}
	f.Sections = nil
	for i := 0; i < int(fh.NumberOfSections); i++ {
		sh, err := coff.ReadSectionHeader32(r)
		if err != nil {
			return err
		}
		f.Sections = append(f.Sections, sh)
	}
	return nil
}

func (f *Format) GenerateModule(module *model.Module) error {
	module.CPU = model.CPUI386
	for _, sh := range f.Sections {
		name := coffSectionName(sh.Name)
		flags := model.Flag(0)
		if sh.Characteristics&coff.SectionMemRead != 0 {
			flags |= model.Readable
		}
		if sh.Characteristics&coff.SectionMemWrite != 0 {
			flags |= model.Writable
		}
		if sh.Characteristics&coff.SectionMemExecute != 0 {
			flags |= model.Executable
		}
		sec := model.NewSection(name, flags, int64(f.SectionAlignment))
		sec.Buffer().Expand(int64(sh.SizeOfRawData))
		module.AddSection(sec)
	}
	module.GlobalSymbols[model.Internal("_start").Key()] = model.NewLocation(module.Sections[0], int64(f.AddressOfEntry))
	return nil
}

func coffSectionName(raw [8]byte) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

func (f *Format) Dump(d *dump.Dumper) error {
	r := d.AddRegion("PE", 0, 0)
	b := r.AddBlock("optional header", 0, optHeaderSize)
	b.AddFieldHex("image base", uint64(f.ImageBase))
	b.AddFieldHex("entry point RVA", uint64(f.AddressOfEntry))
	b.AddField("subsystem", f.Subsystem)
	sections := r.AddBlock("sections", 0, 0)
	for _, sh := range f.Sections {
		sections.AddField(coffSectionName(sh.Name), fmt.Sprintf("RVA=0x%x size=0x%x", sh.VirtualAddress, sh.SizeOfRawData))
	}
	return nil
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }
func (f *Format) GetLinkerScriptParameterNames() []string {
	return []string{"image_base", "section_alignment", "file_alignment"}
}
func (f *Format) ScriptParameters() map[string]int64 {
	return map[string]int64{
		"image_base":         f.imageBaseOpt.Value(),
		"section_alignment":  int64(f.SectionAlignment),
		"file_alignment":     int64(f.FileAlignment),
	}
}

func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	return &script.List{Statements: []script.Stmt{
		script.SegmentDecl{Name: "_pe", Clauses: []script.Clause{
			script.AtClause{Expr: script.ParamRef{Name: "image_base"}},
			script.AlignClause{Expr: script.ParamRef{Name: "section_alignment"}},
			script.AllClause{Pattern: script.AnyPattern{}},
		}},
	}}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error {
	f.segment = seg
	return nil
}

func (f *Format) ProcessModule(module *model.Module) error {
	f.ImageBase = uint32(f.imageBaseOpt.Value())
	f.Subsystem = uint16(f.subsystemOpt.Value())
	return format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		if r.Kind == model.SelectorIndex {
			diag.Errorf(diag.CategoryLinking, "pe: selector-index relocations are not representable in a flat PE image")
			return nil
		}
		outcome, err := resolve.Resolve(r, module)
		if err != nil {
			return err
		}
		if !outcome.Resolved {
			diag.Errorf(diag.CategoryLinking, "pe: unresolved symbol %s", outcome.Unresolved)
		} else if outcome.Truncated {
			diag.Warningf(diag.CategoryLinking, "pe: relocation value truncated to fit its field")
		}
		return nil
	})
}

// stubRegionSize loads (and immediately releases) the configured DOS
// stub just to learn how large the region ahead of the PE header will
// be, so CalculateValues' file offsets agree with what WriteFile later
// emits even when -stub names a real program larger than dosStubSize.
func (f *Format) stubRegionSize() (uint32, error) {
	w, err := stub.Load(f.stubOpt.Value())
	if err != nil {
		return 0, err
	}
	defer w.Close()
	b, err := w.Bytes()
	if err != nil {
		return 0, err
	}
	size := uint32(len(b))
	if size < dosStubSize {
		size = dosStubSize
	}
	return alignUp32(size, 16), nil
}

func (f *Format) CalculateValues() error {
	if f.segment == nil {
		return fmt.Errorf("pe: no segment was produced by the script")
	}
	f.Sections = nil
	stubSize, err := f.stubRegionSize()
	if err != nil {
		return err
	}
	f.stubSize = stubSize
	rva := uint32(f.SectionAlignment)
	fileOff := f.stubSize + peSignatureLen + coff.FileHeaderSize + optHeaderSize
	for _, sec := range f.segment.Sections {
		characteristics := uint32(0)
		if sec.Flags.Has(model.Readable) {
			characteristics |= coff.SectionMemRead
		}
		if sec.Flags.Has(model.Writable) {
			characteristics |= coff.SectionMemWrite
		}
		if sec.Flags.Has(model.Executable) {
			characteristics |= coff.SectionMemExecute | coff.SectionCharacteristicsCode
		} else {
			characteristics |= coff.SectionCharacteristicsData
		}
		sh := coff.SectionHeader32{
			Name: coff.NewSectionName(sec.Name), VirtualSize: uint32(sec.Footprint()),
			VirtualAddress: rva, SizeOfRawData: alignUp32(uint32(sec.Size()), f.FileAlignment),
			PointerToRawData: fileOff, Characteristics: characteristics,
		}
		f.Sections = append(f.Sections, sh)
		rva += alignUp32(uint32(sec.Footprint()), f.SectionAlignment)
		fileOff += sh.SizeOfRawData
	}
	return nil
}

func alignUp32(v, boundary uint32) uint32 {
	if boundary == 0 {
		return v
	}
	return (v + boundary - 1) &^ (boundary - 1)
}

func (f *Format) WriteFile(w *ioprim.Writer) error {
	// DOS stub: either the built-in minimal "MZ" header or a real
	// real-mode program loaded via -stub, per internal/stub's two
	// strategies. Either way its e_lfanew field (offset 0x3c) is patched
	// to point past the stub to the PE signature, the way a real linker
	// stamps a fixed stub with the PE header's actual location.
	stubWriter, err := stub.Load(f.stubOpt.Value())
	if err != nil {
		return err
	}
	defer stubWriter.Close()
	stubBytes, err := stubWriter.Bytes()
	if err != nil {
		return err
	}
	peOffset := f.stubSize
	if peOffset == 0 {
		// CalculateValues was not invoked (direct WriteFile call); fall
		// back to recomputing from the same stub bytes just read.
		stubLen := uint32(len(stubBytes))
		if stubLen < dosStubSize {
			stubLen = dosStubSize
		}
		peOffset = alignUp32(stubLen, 16)
	}
	w.WriteData(stubBytes)
	if err := w.FillTo(int64(peOffset)); err != nil {
		return err
	}
	if err := w.PatchAt(0x3c, []byte{byte(peOffset), byte(peOffset >> 8), byte(peOffset >> 16), byte(peOffset >> 24)}); err != nil {
		return err
	}
	w.WriteData([]byte{'P', 'E', 0, 0})
	fh := coff.FileHeader{
		Machine: f.Machine, NumberOfSections: uint16(len(f.Sections)),
		SizeOfOptionalHeader: optHeaderSize, Characteristics: 0x0102, // EXECUTABLE_IMAGE | 32BIT_MACHINE
	}
	if err := fh.WriteTo(w); err != nil {
		return err
	}
	w.WriteWord(2, 0x10b, ioprim.Little) // PE32 magic
	w.WriteWord(2, 0, ioprim.Little)     // linker version
	w.WriteWord(4, 0, ioprim.Little)     // SizeOfCode, filled by a stricter writer
	w.WriteWord(4, 0, ioprim.Little)
	w.WriteWord(4, 0, ioprim.Little)
	w.WriteWord(4, uint64(f.AddressOfEntry), ioprim.Little)
	w.WriteWord(4, 0, ioprim.Little) // BaseOfCode
	w.WriteWord(4, 0, ioprim.Little) // BaseOfData
	w.WriteWord(4, uint64(f.ImageBase), ioprim.Little)
	w.WriteWord(4, uint64(f.SectionAlignment), ioprim.Little)
	w.WriteWord(4, uint64(f.FileAlignment), ioprim.Little)
	if err := w.FillTo(int64(peOffset) + peSignatureLen + coff.FileHeaderSize + 68); err != nil {
		return err
	}
	w.WriteWord(2, uint64(f.Subsystem), ioprim.Little)
	if err := w.FillTo(int64(peOffset) + peSignatureLen + coff.FileHeaderSize + optHeaderSize); err != nil {
		return err
	}
	for _, sh := range f.Sections {
		if err := sh.WriteTo(w); err != nil {
			return err
		}
	}
	if f.segment != nil {
		for _, sec := range f.segment.Sections {
			if err := w.FillTo(w.Tell()); err != nil {
				return err
			}
			w.WriteData(sec.Buffer().Bytes())
			w.AlignTo(int64(f.FileAlignment))
		}
	}
	return nil
}

func (f *Format) GenerateFile(module *model.Module) (image.Image, string, error) {
	if err := f.ProcessModule(module); err != nil {
		return nil, "", err
	}
	if err := f.CalculateValues(); err != nil {
		return nil, "", err
	}
	w := ioprim.NewWriter(ioprim.Little)
	if err := f.WriteFile(w); err != nil {
		return nil, "", err
	}
	return image.NewBuffer(w.Bytes()), ".exe", nil
}
