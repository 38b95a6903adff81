// Package xelf implements a partial ELF reader/writer: the file
// header, the section-header table and section contents. Program
// headers, dynamic linking and symbol tables are out of scope.
package xelf

import (
	"fmt"

	"github.com/xyproto/retrolink/internal/diag"
	"github.com/xyproto/retrolink/internal/dump"
	"github.com/xyproto/retrolink/internal/format"
	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
	"github.com/xyproto/retrolink/internal/resolve"
	"github.com/xyproto/retrolink/internal/script"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// SectionHeader is an ELF64 Shdr trimmed to what the linker actually
// threads through: address, offset, size and alignment.
type SectionHeader struct {
	Name      string
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Addralign uint64
}

const (
	shtProgbits = 1
	shtNobits   = 8

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
)

// Format is the ELF64 little-endian plugin. ELF32/big-endian variants
// are left for a future extension; FormatSupportsSegmentation is false
// since ELF uses flat virtual addressing, not MZ-style segments.
type Format struct {
	format.BaseFormat

	Is64         bool
	Endian       ioprim.Endian
	Machine      uint16
	Entry        uint64
	Sections     []SectionHeader
	sectionData  []*image.Buffer

	baseOpt   *format.Option[int64]
	collector *format.OptionCollector

	segment *model.Segment
}

func New() *Format {
	f := &Format{
		BaseFormat: format.BaseFormat{FormatName: "elf", Segmented: false},
		Is64:       true,
		Endian:     ioprim.Little,
		Machine:    0x3e, // EM_X86_64
	}
	f.baseOpt = format.NewOption[int64]("base_address", "Load address of the first PT_LOAD segment", 0x400000)
	f.collector = format.NewOptionCollector(f.baseOpt)
	return f
}

func init() {
	format.Default.Register(format.Detector{
		Tag: "elf", Magic: elfMagic, Offset: 0, Description: "ELF (partial: sections, no program headers/dynamic linking)",
		New: func() format.Format { return New() },
	})
}

func (f *Format) ReadFile(r *ioprim.Reader) error {
	magic, err := r.ReadData(4)
	if err != nil {
		return err
	}
	for i := range elfMagic {
		if magic[i] != elfMagic[i] {
			return fmt.Errorf("xelf: bad magic")
		}
	}
	class, _ := r.ReadUnsigned(1, ioprim.Little)
	f.Is64 = class == 2
	endianByte, err := r.ReadUnsigned(1, ioprim.Little)
	if err != nil {
		return err
	}
	if endianByte == 2 {
		f.Endian = ioprim.Big
	} else {
		f.Endian = ioprim.Little
	}
	if err := r.Seek(16); err != nil {
		return err
	}
	etype, _ := r.ReadUnsigned(2, f.Endian)
	_ = etype
	machine, err := r.ReadUnsigned(2, f.Endian)
	if err != nil {
		return err
	}
	f.Machine = uint16(machine)
	if err := r.Skip(4); err != nil { // e_version
		return err
	}
	wordSize := 4
	if f.Is64 {
		wordSize = 8
	}
	entry, _ := r.ReadUnsigned(wordSize, f.Endian)
	f.Entry = entry
	if err := r.Skip(int64(wordSize)); err != nil { // e_phoff
		return err
	}
	shoff, err := r.ReadUnsigned(wordSize, f.Endian)
	if err != nil {
		return err
	}
	if err := r.Skip(4); err != nil { // e_flags
		return err
	}
	if err := r.Skip(2); err != nil { // e_ehsize
		return err
	}
	if err := r.Skip(4); err != nil { // e_phentsize, e_phnum
		return err
	}
	shentsize, _ := r.ReadUnsigned(2, f.Endian)
	shnum, _ := r.ReadUnsigned(2, f.Endian)
	shstrndx, err := r.ReadUnsigned(2, f.Endian)
	if err != nil {
		return err
	}

	type rawShdr struct {
		nameOff                     uint32
		typ                         uint32
		flags, addr, offset, size   uint64
		addralign                   uint64
	}
	raw := make([]rawShdr, shnum)
	for i := range raw {
		if err := r.Seek(int64(shoff) + int64(i)*int64(shentsize)); err != nil {
			return err
		}
		nameOff, _ := r.ReadUnsigned(4, f.Endian)
		typ, _ := r.ReadUnsigned(4, f.Endian)
		flags, _ := r.ReadUnsigned(wordSize, f.Endian)
		addr, _ := r.ReadUnsigned(wordSize, f.Endian)
		offset, _ := r.ReadUnsigned(wordSize, f.Endian)
		size, err := r.ReadUnsigned(wordSize, f.Endian)
		if err != nil {
			return err
		}
		r.Skip(8) // link, info
		align, _ := r.ReadUnsigned(wordSize, f.Endian)
		raw[i] = rawShdr{uint32(nameOff), uint32(typ), flags, addr, offset, size, align}
	}

	var strtab []byte
	if int(shstrndx) < len(raw) {
		shdr := raw[shstrndx]
		if err := r.Seek(int64(shdr.offset)); err != nil {
			return err
		}
		strtab, _ = r.ReadData(int(shdr.size))
	}
	nameAt := func(off uint32) string {
		end := int(off)
		for end < len(strtab) && strtab[end] != 0 {
			end++
		}
		if int(off) > len(strtab) {
			return ""
		}
		return string(strtab[off:end])
	}

	f.Sections = nil
	f.sectionData = nil
	for _, shdr := range raw {
		sh := SectionHeader{
			Name: nameAt(shdr.nameOff), Type: shdr.typ, Flags: shdr.flags,
			Addr: shdr.addr, Offset: shdr.offset, Size: shdr.size, Addralign: shdr.addralign,
		}
		f.Sections = append(f.Sections, sh)
		var data []byte
		if shdr.typ != shtNobits {
			if err := r.Seek(int64(shdr.offset)); err == nil {
				data, _ = r.ReadData(int(shdr.size))
			}
		}
		f.sectionData = append(f.sectionData, image.NewBuffer(data))
	}
	return nil
}

func (f *Format) GenerateModule(module *model.Module) error {
	module.CPU = model.CPUX86_64
	for i, sh := range f.Sections {
		if sh.Name == "" || sh.Name == ".shstrtab" {
			continue
		}
		flags := model.Readable
		if sh.Flags&shfWrite != 0 {
			flags |= model.Writable
		}
		if sh.Flags&shfExecinstr != 0 {
			flags |= model.Executable
		}
		var sec *model.Section
		if sh.Type == shtNobits {
			sec = model.NewZeroFilledSection(sh.Name, int64(sh.Addralign), int64(sh.Size))
			sec.Flags |= flags
		} else {
			sec = model.NewSection(sh.Name, flags, int64(sh.Addralign))
			sec.Buffer().Expand(int64(sh.Size))
			copy(sec.Buffer().Bytes(), f.sectionData[i].Bytes())
		}
		module.AddSection(sec)
	}
	module.GlobalSymbols[model.Internal("_start").Key()] = model.NewLocation(module.Sections[0], int64(f.Entry))
	return nil
}

func (f *Format) Dump(d *dump.Dumper) error {
	r := d.AddRegion("ELF", 0, 64)
	hdr := r.AddBlock("header", 0, 64)
	hdr.AddField("class", map[bool]string{true: "ELF64", false: "ELF32"}[f.Is64])
	hdr.AddFieldHex("machine", uint64(f.Machine))
	hdr.AddFieldHex("entry", f.Entry)
	sections := r.AddBlock("sections", 0, 0)
	for _, sh := range f.Sections {
		sections.AddField(sh.Name, fmt.Sprintf("addr=0x%x size=0x%x", sh.Addr, sh.Size))
	}
	return nil
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }
func (f *Format) GetLinkerScriptParameterNames() []string { return []string{"base_address"} }
func (f *Format) ScriptParameters() map[string]int64 {
	return map[string]int64{"base_address": f.baseOpt.Value()}
}

func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	return &script.List{Statements: []script.Stmt{
		script.SegmentDecl{Name: "_elf", Clauses: []script.Clause{
			script.AtClause{Expr: script.ParamRef{Name: "base_address"}},
			script.AlignClause{Expr: script.IntLiteral{Value: 0x1000}},
			script.AllClause{Pattern: script.AnyPattern{}},
		}},
	}}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error {
	f.segment = seg
	return nil
}

func (f *Format) ProcessModule(module *model.Module) error {
	return format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		if r.Kind == model.SelectorIndex {
			diag.Errorf(diag.CategoryLinking, "elf: selector-index relocations are not representable in an ELF image")
			return nil
		}
		outcome, err := resolve.Resolve(r, module)
		if err != nil {
			return err
		}
		if !outcome.Resolved {
			diag.Errorf(diag.CategoryLinking, "elf: unresolved symbol %s", outcome.Unresolved)
		} else if outcome.Truncated {
			diag.Warningf(diag.CategoryLinking, "elf: relocation value truncated to fit its field")
		}
		return nil
	})
}

func (f *Format) CalculateValues() error {
	if f.segment == nil {
		return fmt.Errorf("xelf: no segment was produced by the script")
	}
	f.Sections = nil
	for _, sec := range f.segment.Sections {
		sh := SectionHeader{
			Name: sec.Name, Addr: f.segment.BaseAddress + uint64(sec.Bias),
			Size: uint64(sec.Footprint()), Addralign: uint64(sec.Alignment),
		}
		if sec.Flags.Has(model.ZeroFilled) {
			sh.Type = shtNobits
		} else {
			sh.Type = shtProgbits
		}
		f.Sections = append(f.Sections, sh)
	}
	return nil
}

// WriteFile emits a minimal ELF64 header plus the section contents laid
// out contiguously; section headers and the string table are
// intentionally not emitted. The image is loadable by address, just
// not re-parsable as a conventional ELF object by a strict consumer.
func (f *Format) WriteFile(w *ioprim.Writer) error {
	w.WriteData(elfMagic)
	cls := byte(1)
	if f.Is64 {
		cls = 2
	}
	w.WriteWord(1, uint64(cls), ioprim.Little)
	w.WriteWord(1, 1, ioprim.Little) // ELFDATA2LSB
	if err := w.FillTo(16); err != nil {
		return err
	}
	w.WriteWord(2, 2, f.Endian) // ET_EXEC
	w.WriteWord(2, uint64(f.Machine), f.Endian)
	w.WriteWord(4, 1, f.Endian)
	wordSize := 4
	if f.Is64 {
		wordSize = 8
	}
	w.WriteWord(wordSize, f.Entry, f.Endian)
	if err := w.FillTo(64); err != nil {
		return err
	}
	if f.segment != nil {
		for _, sec := range f.segment.Sections {
			w.WriteData(sec.Buffer().Bytes())
			if sec.ZeroFill > 0 {
				w.Skip(sec.ZeroFill)
			}
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
	w := ioprim.NewWriter(f.Endian)
	if err := f.WriteFile(w); err != nil {
		return nil, "", err
	}
	return image.NewBuffer(w.Bytes()), "", nil
}
