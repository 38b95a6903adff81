// Package mz implements the MS-DOS MZ .EXE container: the oldest
// format this repository emits, a single real-mode segment with a
// paragraph-granular relocation table prepended as a header.
package mz

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

// Signature is the magic variant recognized at offset 0: "MZ" is by
// far the common case, "ZM" an early alternative, "DL" the HP
// 100LX/200LX .exm variant.
type Signature int

const (
	SignatureMZ Signature = iota
	SignatureZM
	SignatureDL
)

func (s Signature) Bytes() [2]byte {
	switch s {
	case SignatureZM:
		return [2]byte{'Z', 'M'}
	case SignatureDL:
		return [2]byte{'D', 'L'}
	default:
		return [2]byte{'M', 'Z'}
	}
}

// MemoryModel selects how code and data segments are addressed in a
// 16-bit program. Other 16-bit formats (NE, LE) can reuse these names
// and publish their own additions.
type MemoryModel int

const (
	ModelDefault MemoryModel = iota
	ModelTiny
	ModelSmall
	ModelCompact
	ModelLarge
)

var modelNames = map[string]MemoryModel{
	"default": ModelDefault,
	"tiny":    ModelTiny,
	"small":   ModelSmall,
	"compact": ModelCompact,
	"large":   ModelLarge,
}

// ParseMemoryModel parses a memory-model name into a MemoryModel. The
// link command does not call it (its -M flag selects the target CPU),
// and no writer in this package consults a MemoryModel.
func ParseMemoryModel(s string) (MemoryModel, error) {
	if m, ok := modelNames[s]; ok {
		return m, nil
	}
	return ModelDefault, fmt.Errorf("mz: unknown memory model %q", s)
}

// relocEntry is one paragraph:offset pair in the MZ relocation table.
type relocEntry struct {
	segment uint16
	offset  uint16
}

func relocFromLinear(address uint32) relocEntry {
	return relocEntry{segment: uint16(address >> 4), offset: uint16(address & 0xF)}
}

func (r relocEntry) linear() uint32 { return uint32(r.segment)<<4 + uint32(r.offset) }

// pifBlock is the Concurrent DOS / PIFED program-info record that
// WriteFile appends after the image, delimited by fixed begin/end magic
// words.
type pifBlock struct {
	maxExtraParas      uint16
	minExtraParas      uint16
	flags              uint8
	lowestInterrupt    uint8
	highestInterrupt   uint8
	comPortUsage       uint8
	lptPortUsage       uint8
	screenUsage        uint8
}

const (
	pifMagicBegin uint32 = 0x0013EDC1
	pifMagicEnd   uint32 = 0xEDC10013
	pifSize       int    = 18
)

func (p *pifBlock) readFile(r *ioprim.Reader) error {
	begin, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return err
	}
	if uint32(begin) != pifMagicBegin {
		return fmt.Errorf("mz: PIF block missing MAGIC_BEGIN")
	}
	maxExtra, _ := r.ReadUnsigned(2, ioprim.Little)
	minExtra, _ := r.ReadUnsigned(2, ioprim.Little)
	flags, _ := r.ReadUnsigned(1, ioprim.Little)
	lowest, _ := r.ReadUnsigned(1, ioprim.Little)
	highest, _ := r.ReadUnsigned(1, ioprim.Little)
	com, _ := r.ReadUnsigned(1, ioprim.Little)
	lpt, _ := r.ReadUnsigned(1, ioprim.Little)
	screen, _ := r.ReadUnsigned(1, ioprim.Little)
	end, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return err
	}
	if uint32(end) != pifMagicEnd {
		return fmt.Errorf("mz: PIF block missing MAGIC_END")
	}
	p.maxExtraParas, p.minExtraParas = uint16(maxExtra), uint16(minExtra)
	p.flags, p.lowestInterrupt, p.highestInterrupt = uint8(flags), uint8(lowest), uint8(highest)
	p.comPortUsage, p.lptPortUsage, p.screenUsage = uint8(com), uint8(lpt), uint8(screen)
	return nil
}

func (p *pifBlock) writeFile(w *ioprim.Writer) error {
	w.WriteWord(4, uint64(pifMagicBegin), ioprim.Little)
	w.WriteWord(2, uint64(p.maxExtraParas), ioprim.Little)
	w.WriteWord(2, uint64(p.minExtraParas), ioprim.Little)
	w.WriteWord(1, uint64(p.flags), ioprim.Little)
	w.WriteWord(1, uint64(p.lowestInterrupt), ioprim.Little)
	w.WriteWord(1, uint64(p.highestInterrupt), ioprim.Little)
	w.WriteWord(1, uint64(p.comPortUsage), ioprim.Little)
	w.WriteWord(1, uint64(p.lptPortUsage), ioprim.Little)
	w.WriteWord(1, uint64(p.screenUsage), ioprim.Little)
	return w.WriteWord(4, uint64(pifMagicEnd), ioprim.Little)
}

func (p *pifBlock) dump(d *dump.Dumper, offset int64) {
	r := d.AddRegion("MZ PIF block", offset, int64(pifSize))
	b := r.AddBlock("PIF", offset, int64(pifSize))
	b.AddField("maximum extra paragraphs", p.maxExtraParas)
	b.AddField("minimum extra paragraphs", p.minExtraParas)
	b.AddFieldHex("flags", uint64(p.flags))
	b.AddField("lowest used interrupt", p.lowestInterrupt)
	b.AddField("highest used interrupt", p.highestInterrupt)
}

// Format is the MZ container plugin.
type Format struct {
	format.BaseFormat

	Signature Signature

	LastBlockSize    uint16
	FileSizeBlocks   uint16
	RelocationCount  uint16
	HeaderSizeParas  uint16
	MinExtraParas    uint16
	MaxExtraParas    uint16
	SS, SP           uint16
	Checksum         uint16
	IP, CS           uint16
	RelocationOffset uint16
	OverlayNumber    uint16
	DataSegment      uint16

	Relocations []relocEntry
	PIF         *pifBlock
	Image       *image.Buffer

	MemoryModel MemoryModel
	StackSize   uint16

	headerAlign *format.Option[int64]
	fileAlign   *format.Option[int64]
	stackOpt    *format.Option[int64]
	pifOpt      *format.BoolOption
	collector   *format.OptionCollector

	segment *model.Segment
}

// New returns an MZ plugin with the usual defaults: signature "MZ",
// 16-byte header alignment, no file alignment, stack size left to the
// linker script/model default.
func New() *Format {
	f := &Format{
		BaseFormat: format.BaseFormat{FormatName: "mz", Segmented: true, SixteenBit: true},
		Signature:  SignatureMZ,
	}
	f.headerAlign = format.NewOption[int64]("header_align", "Aligns the end of the header to a specific boundary, must be power of 2", 0x10)
	f.fileAlign = format.NewOption[int64]("file_align", "Aligns the end of the file to a specific boundary, must be power of 2", 1)
	f.stackOpt = format.NewOption[int64]("stack", "Specify the stack size", 0x1000)
	f.pifOpt = format.NewBoolOption("mz_pif", "Emit a Concurrent DOS PIF program-information trailer block")
	f.collector = format.NewOptionCollector(f.headerAlign, f.fileAlign, f.stackOpt, f.pifOpt)
	return f
}

func init() {
	format.Default.Register(format.Detector{
		Tag: "mz", Magic: []byte("MZ"), Offset: 0,
		Description: "MS-DOS MZ executable",
		New:          func() format.Format { return New() },
	})
}

// ReadFile parses an MZ header, its relocation table and its image.
func (f *Format) ReadFile(r *ioprim.Reader) error {
	sig, err := r.ReadData(2)
	if err != nil {
		return err
	}
	switch string(sig) {
	case "MZ":
		f.Signature = SignatureMZ
	case "ZM":
		f.Signature = SignatureZM
	case "DL":
		f.Signature = SignatureDL
	default:
		return fmt.Errorf("mz: bad signature %q", sig)
	}
	lastBlock, _ := r.ReadUnsigned(2, ioprim.Little)
	fileBlocks, _ := r.ReadUnsigned(2, ioprim.Little)
	relocCount, _ := r.ReadUnsigned(2, ioprim.Little)
	headerParas, _ := r.ReadUnsigned(2, ioprim.Little)
	minExtra, _ := r.ReadUnsigned(2, ioprim.Little)
	maxExtra, _ := r.ReadUnsigned(2, ioprim.Little)
	ss, _ := r.ReadUnsigned(2, ioprim.Little)
	sp, _ := r.ReadUnsigned(2, ioprim.Little)
	checksum, _ := r.ReadUnsigned(2, ioprim.Little)
	ip, _ := r.ReadUnsigned(2, ioprim.Little)
	cs, _ := r.ReadUnsigned(2, ioprim.Little)
	relocOffset, err := r.ReadUnsigned(2, ioprim.Little)
	if err != nil {
		return err
	}
	overlay, _ := r.ReadUnsigned(2, ioprim.Little)

	f.LastBlockSize, f.FileSizeBlocks = uint16(lastBlock), uint16(fileBlocks)
	f.RelocationCount, f.HeaderSizeParas = uint16(relocCount), uint16(headerParas)
	f.MinExtraParas, f.MaxExtraParas = uint16(minExtra), uint16(maxExtra)
	f.SS, f.SP, f.Checksum = uint16(ss), uint16(sp), uint16(checksum)
	f.IP, f.CS, f.RelocationOffset = uint16(ip), uint16(cs), uint16(relocOffset)
	f.OverlayNumber = uint16(overlay)

	if f.Signature == SignatureDL {
		ds, err := r.ReadUnsigned(2, ioprim.Little)
		if err != nil {
			return err
		}
		f.DataSegment = uint16(ds)
	}

	if err := r.Seek(int64(f.RelocationOffset)); err != nil {
		return err
	}
	f.Relocations = make([]relocEntry, 0, f.RelocationCount)
	for i := 0; i < int(f.RelocationCount); i++ {
		off, err := r.ReadUnsigned(2, ioprim.Little)
		if err != nil {
			return err
		}
		seg, err := r.ReadUnsigned(2, ioprim.Little)
		if err != nil {
			return err
		}
		f.Relocations = append(f.Relocations, relocEntry{segment: uint16(seg), offset: uint16(off)})
	}

	headerSize := int64(f.HeaderSizeParas) * 16
	if err := r.Seek(headerSize); err != nil {
		return err
	}
	imageSize := f.imageSizeFromHeader()
	data, err := r.ReadData(int(imageSize))
	if err != nil && imageSize > 0 {
		diag.Warningf(diag.CategoryInputParse, "mz: image truncated, expected %d bytes", imageSize)
	}
	f.Image = image.NewBuffer(data)
	return nil
}

func (f *Format) imageSizeFromHeader() int64 {
	total := int64(f.FileSizeBlocks) * 512
	if f.LastBlockSize != 0 {
		total = total - 512 + int64(f.LastBlockSize)
	}
	return total - int64(f.HeaderSizeParas)*16
}

// GenerateModule lifts the parsed header/image into a Module with one
// flat, fixed segment and a Location-keyed relocation per table entry.
func (f *Format) GenerateModule(module *model.Module) error {
	module.CPU = model.CPUI86
	sec := model.NewSection(".text", model.Readable|model.Writable|model.Executable, 1)
	if f.Image != nil {
		sec.Buffer().Expand(f.Image.Size())
		copy(sec.Buffer().Bytes(), f.Image.Bytes())
	}
	module.AddSection(sec)
	seg := model.NewSegment("_mz", 0)
	seg.Append(sec, 0)
	sec.Segment = seg

	module.GlobalSymbols[model.Internal("_start").Key()] = model.NewLocation(sec, int64(f.CS)<<4+int64(f.IP))
	for _, reloc := range f.Relocations {
		linear := int64(reloc.linear())
		r := model.NewRelocation(model.NewLocation(sec, linear), model.TargetSegmentBase(seg), 2)
		r.Kind = model.ParagraphAddress
		r.Endian = ioprim.Little
		if err := module.AddRelocation(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *Format) Dump(d *dump.Dumper) error {
	r := d.AddRegion("MZ header", 0, int64(f.HeaderSizeParas)*16)
	b := r.AddBlock("header", 0, 28)
	sig := f.Signature.Bytes()
	b.AddField("signature", string(sig[:]))
	b.AddField("last block size", f.LastBlockSize)
	b.AddField("file size in blocks", f.FileSizeBlocks)
	b.AddField("relocation count", f.RelocationCount)
	b.AddField("header size in paragraphs", f.HeaderSizeParas)
	b.AddField("minimum extra paragraphs", f.MinExtraParas)
	b.AddField("maximum extra paragraphs", f.MaxExtraParas)
	b.AddFieldHex("SS:SP", uint64(f.SS)<<16|uint64(f.SP))
	b.AddFieldHex("CS:IP", uint64(f.CS)<<16|uint64(f.IP))
	reloc := r.AddBlock("relocations", int64(f.RelocationOffset), int64(len(f.Relocations))*4)
	for i, entry := range f.Relocations {
		reloc.AddFieldHex(fmt.Sprintf("[%d]", i), uint64(entry.linear()))
	}
	if f.PIF != nil {
		offset := int64(f.HeaderSizeParas) * 16
		if f.segment != nil {
			offset += f.imageDataEnd()
		}
		f.PIF.dump(d, offset)
	}
	return nil
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }

func (f *Format) GetLinkerScriptParameterNames() []string {
	return []string{"stack_size", "header_align", "file_align"}
}

func (f *Format) ScriptParameters() map[string]int64 {
	return map[string]int64{
		"stack_size":   f.stackOpt.Value(),
		"header_align": f.headerAlign.Value(),
		"file_align":   f.fileAlign.Value(),
	}
}

// GetScript builds the default layout: one segment named "_mz" holding
// every section in Module order, with Stack/Heap last (the segment
// manager handles that placement rule on its own).
func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	return &script.List{
		Statements: []script.Stmt{
			script.SegmentDecl{
				Name: "_mz",
				Clauses: []script.Clause{
					script.AtClause{Expr: script.IntLiteral{Value: 0}},
					script.AllClause{Pattern: script.AnyPattern{}},
				},
			},
		},
	}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error {
	f.segment = seg
	return nil
}

// stackSection returns the first Stack-flagged section, or nil.
func stackSection(sections []*model.Section) *model.Section {
	for _, sec := range sections {
		if sec.Flags.Has(model.Stack) {
			return sec
		}
	}
	return nil
}

// ProcessModule applies the script then resolves every relocation,
// translating ParagraphAddress-kind Resolutions into the MZ relocation
// table instead of leaving them as raw patches: every paragraph fixup
// becomes a paragraph:offset table entry the DOS loader adjusts.
//
// A DOS program needs a stack; if no input contributed one, the stack
// option's worth of zero fill is reserved as a .stack section before
// layout, with a .stack_top symbol at its end, so SS:SP and the layout
// agree.
func (f *Format) ProcessModule(module *model.Module) error {
	f.Relocations = nil
	if stackSection(module.Sections) == nil {
		stack := model.NewZeroFilledSection(".stack", 16, f.stackOpt.Value())
		stack.Flags |= model.Stack
		module.AddSection(stack)
		module.GlobalSymbols[model.Internal(".stack_top").Key()] = model.NewLocation(stack, stack.Footprint())
	}
	return format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		outcome, err := resolve.Resolve(r, module)
		if err != nil {
			return err
		}
		if !outcome.Resolved {
			diag.Errorf(diag.CategoryLinking, "mz: unresolved symbol %s", outcome.Unresolved)
			return nil
		}
		if outcome.Truncated {
			diag.Warningf(diag.CategoryLinking, "mz: relocation value truncated to fit its field")
		}
		if r.Kind == model.ParagraphAddress {
			linear := uint32(r.Source.Section.Bias + r.Source.Offset)
			f.Relocations = append(f.Relocations, relocFromLinear(linear))
		}
		return nil
	})
}

// CalculateValues fills in the header fields that depend on the final
// image size, once every segment and relocation is fixed.
func (f *Format) CalculateValues() error {
	if f.segment == nil {
		return fmt.Errorf("mz: no segment was produced by the script")
	}
	f.RelocationCount = uint16(len(f.Relocations))
	f.RelocationOffset = 28
	if f.Signature == SignatureDL {
		f.RelocationOffset += 2
	}
	relocTableSize := int64(f.RelocationCount) * 4
	headerSize := f.RelocationOffset + uint16(relocTableSize)
	align := f.headerAlign.Value()
	if align > 0 {
		headerSize = uint16((int64(headerSize) + align - 1) &^ (align - 1))
	}
	f.HeaderSizeParas = headerSize / 16

	// SS:SP address the top of the stack section. The stack itself lives
	// in the zero-filled tail the loader allocates through the extra-
	// paragraphs fields, not in the file image.
	if stack := stackSection(f.segment.Sections); stack != nil {
		top := stack.Bias + stack.Footprint()
		f.SS = uint16(top >> 4)
		f.SP = uint16(top - int64(f.SS)<<4)
	} else {
		f.SS = uint16(f.segment.EndAddress() >> 4)
		f.SP = 0
	}

	dataEnd := f.imageDataEnd()
	f.MinExtraParas = uint16((f.segmentExtent() - dataEnd + 15) / 16)
	f.MaxExtraParas = f.MinExtraParas

	totalSize := int64(f.HeaderSizeParas)*16 + dataEnd
	fileAlign := f.fileAlign.Value()
	if fileAlign > 1 {
		totalSize = (totalSize + fileAlign - 1) &^ (fileAlign - 1)
	}
	f.FileSizeBlocks = uint16((totalSize + 511) / 512)
	f.LastBlockSize = uint16(totalSize % 512)
	return nil
}

// imageDataEnd is the extent of initialized bytes in the laid-out
// segment; everything past it is zero fill the loader provides through
// the extra-paragraphs fields rather than file content.
func (f *Format) imageDataEnd() int64 {
	var end int64
	for _, sec := range f.segment.Sections {
		if sec.Size() > 0 {
			if e := sec.Bias + sec.Size(); e > end {
				end = e
			}
		}
	}
	return end
}

// segmentExtent is the in-memory end of the laid-out segment, alignment
// gaps and zero fill included.
func (f *Format) segmentExtent() int64 {
	var end int64
	for _, sec := range f.segment.Sections {
		if e := sec.Bias + sec.Footprint(); e > end {
			end = e
		}
	}
	return end
}

// WriteFile emits the finished container: header, relocation table,
// padding to header_align, the image, then an optional PIF trailer.
func (f *Format) WriteFile(w *ioprim.Writer) error {
	sig := f.Signature.Bytes()
	w.WriteData(sig[:])
	w.WriteWord(2, uint64(f.LastBlockSize), ioprim.Little)
	w.WriteWord(2, uint64(f.FileSizeBlocks), ioprim.Little)
	w.WriteWord(2, uint64(f.RelocationCount), ioprim.Little)
	w.WriteWord(2, uint64(f.HeaderSizeParas), ioprim.Little)
	w.WriteWord(2, uint64(f.MinExtraParas), ioprim.Little)
	w.WriteWord(2, uint64(f.MaxExtraParas), ioprim.Little)
	w.WriteWord(2, uint64(f.SS), ioprim.Little)
	w.WriteWord(2, uint64(f.SP), ioprim.Little)
	w.WriteWord(2, uint64(f.Checksum), ioprim.Little)
	w.WriteWord(2, uint64(f.IP), ioprim.Little)
	w.WriteWord(2, uint64(f.CS), ioprim.Little)
	w.WriteWord(2, uint64(f.RelocationOffset), ioprim.Little)
	w.WriteWord(2, uint64(f.OverlayNumber), ioprim.Little)
	if f.Signature == SignatureDL {
		w.WriteWord(2, uint64(f.DataSegment), ioprim.Little)
	}
	if err := w.FillTo(int64(f.RelocationOffset)); err != nil {
		return err
	}
	for _, reloc := range f.Relocations {
		w.WriteWord(2, uint64(reloc.offset), ioprim.Little)
		w.WriteWord(2, uint64(reloc.segment), ioprim.Little)
	}
	if err := w.FillTo(int64(f.HeaderSizeParas) * 16); err != nil {
		return err
	}
	if f.segment != nil {
		headerSize := int64(f.HeaderSizeParas) * 16
		dataEnd := f.imageDataEnd()
		for _, sec := range f.segment.Sections {
			if sec.Bias >= dataEnd {
				break
			}
			if err := w.FillTo(headerSize + sec.Bias); err != nil {
				return err
			}
			w.WriteData(sec.Buffer().Bytes())
		}
	}
	if f.pifOpt.Value() {
		f.PIF = &pifBlock{maxExtraParas: f.MaxExtraParas, minExtraParas: f.MinExtraParas}
		if err := f.PIF.writeFile(w); err != nil {
			return err
		}
	}
	return nil
}

// GenerateFile runs the pipeline and returns the finished image with
// the ".exe" extension.
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
