// Package le implements the Linear Executable container used by 32-bit
// OS/2 and DOS extenders, in its LE and LX flavors: each segment
// becomes an object split into fixed-size pages, relocations become
// per-page fixup records reached through a fixup page table, and
// imports go through counted-string module and procedure name tables
// the loader resolves at run time. A fixup whose field crosses a page
// boundary is chained: it appears in both pages' record lists, with a
// negative source offset in the second.
package le

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
	"github.com/xyproto/retrolink/internal/stub"
)

// Variant selects the LE (OS/2 2.0, VxD) or LX (32-bit OS/2) header
// flavor. The two share everything this writer emits except the magic.
type Variant int

const (
	VariantLE Variant = iota
	VariantLX
)

const (
	PageSize   = 0x1000
	headerSize = 0xB0

	objectReadable   = 0x0001
	objectWritable   = 0x0002
	objectExecutable = 0x0004

	moduleFlagLibrary = 0x8000
)

// Fixup source types and flags, as stored in the per-page records.
const (
	FixupSourceSelector = 0x02 // 16-bit selector
	FixupSourceOffset32 = 0x07 // 32-bit offset

	FixupInternal      = 0x00
	FixupImportOrdinal = 0x01
	FixupImportName    = 0x02
	fixupTarget32      = 0x10 // target offset field is 32 bits
)

const fixupRecordSize = 9 // srcType, flags, srcOffset(2), object/module(1), target(4)

// object is one object-table entry: a laid-out segment's address space.
type object struct {
	VirtualSize uint32
	BaseAddr    uint32
	Flags       uint32
	PageIndex   uint32 // 1-based index of the object's first page
	PageCount   uint32
}

// page is one memory page of an object's initialized data.
type page struct {
	ObjectIndex  int
	PhysicalSize uint32
	Data         []byte
}

// FixupRecord is one per-page fixup. SrcOffset is signed: a record
// chained from the previous page carries the same fixup with its
// offset shifted down by a page, so the low bytes land correctly.
type FixupRecord struct {
	SrcType   uint8
	Flags     uint8
	SrcOffset int16
	Object    uint8 // target object (internal) or module ordinal (import)
	Target    uint32
}

// pendingFixup is a fixup recorded during relocation resolution, before
// the page split assigns it to pages.
type pendingFixup struct {
	segment   *model.Segment
	srcOffset int64 // within the segment
	size      int
	srcType   uint8
	flags     uint8
	object    uint8
	target    uint32
	module    string
	proc      string
	ordinal   uint32
}

// Format is the LE/LX plugin.
type Format struct {
	format.BaseFormat
	Variant Variant

	Objects []object
	Pages   []page
	// PageFixups holds each page's records in page order; the fixup page
	// table is derived from the running record sizes.
	PageFixups [][]FixupRecord

	ImportedModules []string
	ImportedProcs   []string

	ModuleFlags uint32
	LastPage    uint32 // bytes on the last page

	dllOpt    *format.BoolOption
	stubOpt   *format.Option[string]
	collector *format.OptionCollector

	segments []*model.Segment
	pending  []pendingFixup
	stubSize uint32
}

func New(variant Variant, dll bool) *Format {
	name := "le"
	if variant == VariantLX {
		name = "lx"
	}
	f := &Format{
		BaseFormat: format.BaseFormat{FormatName: name, Segmented: true, ProtectedMode: true, SupportsLibraries: true},
		Variant:    variant,
	}
	f.dllOpt = format.NewBoolOption("dll", "Emit a library module instead of a program")
	f.stubOpt = format.NewOption[string]("stub", "Path to the MZ DOS stub prepended to the file", "")
	f.collector = format.NewOptionCollector(f.dllOpt, f.stubOpt)
	if dll {
		f.ModuleFlags = moduleFlagLibrary
	}
	return f
}

func init() {
	format.Default.Register(format.Detector{
		Tag: "le", Description: "Linear Executable (OS/2 2.0, VxD)",
		Verify: verifyMagic("LE"),
		New:    func() format.Format { return New(VariantLE, false) },
	})
	format.Default.Register(format.Detector{
		Tag: "lx", Description: "Linear Executable (32-bit OS/2)",
		Verify: verifyMagic("LX"),
		New:    func() format.Format { return New(VariantLX, false) },
	})
	format.Default.Register(format.Detector{
		Tag: "os2v2_dll", Description: "Linear Executable library (32-bit OS/2 DLL)",
		New: func() format.Format { return New(VariantLX, true) },
	})
}

// verifyMagic matches the two-byte LE/LX signature behind an MZ stub's
// e_lfanew pointer, the way these files actually appear on disk.
func verifyMagic(magic string) func(content []byte) bool {
	return func(content []byte) bool {
		if len(content) < 0x40 || content[0] != 'M' || content[1] != 'Z' {
			return false
		}
		lfanew := int(uint32(content[0x3c]) | uint32(content[0x3d])<<8 | uint32(content[0x3e])<<16 | uint32(content[0x3f])<<24)
		return lfanew+2 <= len(content) && string(content[lfanew:lfanew+2]) == magic
	}
}

// ReadFile parses the header and object table behind the MZ stub, which
// is what Dump and convert need; page data is left where it lies.
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
	magic, err := r.ReadData(2)
	if err != nil {
		return err
	}
	switch string(magic) {
	case "LE":
		f.Variant = VariantLE
	case "LX":
		f.Variant = VariantLX
	default:
		return fmt.Errorf("le: bad signature %q", magic)
	}
	if err := r.Seek(int64(lfanew) + 0x10); err != nil {
		return err
	}
	flags, _ := r.ReadUnsigned(4, ioprim.Little)
	pageCount, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return err
	}
	f.ModuleFlags = uint32(flags)
	if err := r.Seek(int64(lfanew) + 0x2C); err != nil {
		return err
	}
	lastPage, _ := r.ReadUnsigned(4, ioprim.Little)
	f.LastPage = uint32(lastPage)
	if err := r.Seek(int64(lfanew) + 0x40); err != nil {
		return err
	}
	objTabOff, _ := r.ReadUnsigned(4, ioprim.Little)
	objCount, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return err
	}
	if err := r.Seek(int64(lfanew) + int64(objTabOff)); err != nil {
		return err
	}
	f.Objects = nil
	for i := 0; i < int(objCount); i++ {
		vsize, _ := r.ReadUnsigned(4, ioprim.Little)
		base, _ := r.ReadUnsigned(4, ioprim.Little)
		oflags, _ := r.ReadUnsigned(4, ioprim.Little)
		pageIdx, _ := r.ReadUnsigned(4, ioprim.Little)
		pages, err := r.ReadUnsigned(4, ioprim.Little)
		if err != nil {
			return err
		}
		if err := r.Skip(4); err != nil { // reserved
			return err
		}
		f.Objects = append(f.Objects, object{
			VirtualSize: uint32(vsize), BaseAddr: uint32(base), Flags: uint32(oflags),
			PageIndex: uint32(pageIdx), PageCount: uint32(pages),
		})
	}
	_ = pageCount
	return nil
}

// GenerateModule lifts the object table into zero-filled sections: the
// header parse above does not recover page contents, so the sections
// carry the address-space shape only.
func (f *Format) GenerateModule(module *model.Module) error {
	module.CPU = model.CPUI386
	for i, obj := range f.Objects {
		name := fmt.Sprintf(".obj%d", i+1)
		flags := model.Flag(0)
		if obj.Flags&objectReadable != 0 {
			flags |= model.Readable
		}
		if obj.Flags&objectWritable != 0 {
			flags |= model.Writable
		}
		if obj.Flags&objectExecutable != 0 {
			flags |= model.Executable
		}
		sec := model.NewZeroFilledSection(name, PageSize, int64(obj.VirtualSize))
		sec.Flags |= flags
		module.AddSection(sec)
	}
	return nil
}

func (f *Format) Dump(d *dump.Dumper) error {
	variant := "LE"
	if f.Variant == VariantLX {
		variant = "LX"
	}
	r := d.AddRegion(variant, 0, 0)
	hdr := r.AddBlock("header", 0, headerSize)
	hdr.AddFieldHex("module flags", uint64(f.ModuleFlags))
	hdr.AddField("page count", len(f.Pages))
	hdr.AddFieldHex("bytes on last page", uint64(f.LastPage))
	objs := r.AddBlock("objects", 0, 0)
	for i, obj := range f.Objects {
		objs.AddField(fmt.Sprintf("object %d", i+1),
			fmt.Sprintf("base=0x%x vsize=0x%x pages=%d..%d", obj.BaseAddr, obj.VirtualSize, obj.PageIndex, obj.PageIndex+obj.PageCount-1))
	}
	if len(f.ImportedModules) > 0 {
		imp := r.AddBlock("imports", 0, 0)
		for _, mod := range f.ImportedModules {
			imp.AddField("module", mod)
		}
		for _, proc := range f.ImportedProcs {
			imp.AddField("procedure", proc)
		}
	}
	return nil
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }
func (f *Format) GetLinkerScriptParameterNames() []string { return []string{"page_size"} }
func (f *Format) ScriptParameters() map[string]int64 {
	return map[string]int64{"page_size": PageSize}
}

// GetScript groups executable sections into a "code" object and the
// rest into "data", each page-aligned.
func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	return &script.List{Statements: []script.Stmt{
		script.SegmentDecl{Name: "code", Clauses: []script.Clause{
			script.AlignClause{Expr: script.ParamRef{Name: "page_size"}},
			script.AllClause{Pattern: script.AttrPattern{Attr: "exec"}},
		}},
		script.SegmentDecl{Name: "data", Clauses: []script.Clause{
			script.AlignClause{Expr: script.ParamRef{Name: "page_size"}},
			script.AllClause{Pattern: script.NotPattern{Inner: script.AttrPattern{Attr: "exec"}}},
		}},
	}}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error {
	f.segments = append(f.segments, seg)
	return nil
}

func (f *Format) objectIndexOf(seg *model.Segment) (uint8, bool) {
	for i, s := range f.segments {
		if s == seg {
			return uint8(i + 1), true
		}
	}
	return 0, false
}

// moduleOrdinal interns a library name into the imported-modules table,
// returning its 1-based ordinal.
func (f *Format) moduleOrdinal(name string) uint8 {
	for i, mod := range f.ImportedModules {
		if mod == name {
			return uint8(i + 1)
		}
	}
	f.ImportedModules = append(f.ImportedModules, name)
	return uint8(len(f.ImportedModules))
}

// procNameOffset interns a procedure name into the imported-procedures
// table, returning its byte offset within the table.
func (f *Format) procNameOffset(name string) uint32 {
	var off uint32
	for _, proc := range f.ImportedProcs {
		if proc == name {
			return off
		}
		off += uint32(1 + len(proc))
	}
	f.ImportedProcs = append(f.ImportedProcs, name)
	return off
}

// ProcessModule lays out the module and turns every relocation into a
// pending fixup: internal references keep the resolved patch and gain a
// loader-visible record against the target object, imports become
// name/ordinal records against the import tables, and selector fixups
// use the 16-bit selector source type.
func (f *Format) ProcessModule(module *model.Module) error {
	f.pending = nil
	f.ImportedModules = nil
	f.ImportedProcs = nil
	if f.dllOpt.Value() {
		f.ModuleFlags |= moduleFlagLibrary
	}
	return format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		srcSeg := r.Source.Section.Segment
		if srcSeg == nil {
			diag.Errorf(diag.CategoryLinking, "le: relocation source section %q was not placed", r.Source.Section.Name)
			return nil
		}
		srcOff := r.Source.Section.Bias + r.Source.Offset

		if name, ok := r.Target.AsSymbol(); ok && name.IsImported() {
			fix := pendingFixup{
				segment: srcSeg, srcOffset: srcOff, size: r.Size,
				srcType: FixupSourceOffset32,
				module:  name.LoadLibraryName(),
			}
			if ordinal, byOrdinal := name.GetImportedOrdinal(); byOrdinal {
				fix.flags = FixupImportOrdinal
				fix.ordinal = ordinal
			} else {
				fix.flags = FixupImportName
				fix.proc = name.LoadName()
			}
			f.pending = append(f.pending, fix)
			return nil
		}

		srcType := uint8(FixupSourceOffset32)
		if r.Kind == model.SelectorIndex {
			srcType = FixupSourceSelector
		}
		outcome, err := resolve.Resolve(r, module)
		if err != nil {
			return err
		}
		if !outcome.Resolved {
			diag.Errorf(diag.CategoryLinking, "le: unresolved symbol %s", outcome.Unresolved)
			return nil
		}
		if outcome.Truncated {
			diag.Warningf(diag.CategoryLinking, "le: relocation value truncated to fit its field")
		}
		if outcome.Resolution.Target != nil {
			f.pending = append(f.pending, pendingFixup{
				segment: srcSeg, srcOffset: srcOff, size: r.Size,
				srcType: srcType, flags: FixupInternal,
				target: uint32(outcome.Resolution.Value),
			})
		}
		return nil
	})
}

// segmentDataExtent is the initialized-byte extent of a laid-out
// segment; pages beyond it hold only zero fill and are not stored.
func segmentDataExtent(seg *model.Segment) int64 {
	var end int64
	for _, sec := range seg.Sections {
		if sec.Size() > 0 {
			if e := sec.Bias + sec.Size(); e > end {
				end = e
			}
		}
	}
	return end
}

func segmentExtent(seg *model.Segment) int64 {
	var end int64
	for _, sec := range seg.Sections {
		if e := sec.Bias + sec.Footprint(); e > end {
			end = e
		}
	}
	return end
}

// CalculateValues splits each segment into pages, assigns every pending
// fixup to the page(s) its source field touches, and fills the object
// and import tables.
func (f *Format) CalculateValues() error {
	if len(f.segments) == 0 {
		return fmt.Errorf("le: no segment was produced by the script")
	}
	stubSize, err := f.stubRegionSize()
	if err != nil {
		return err
	}
	f.stubSize = stubSize

	f.Objects = nil
	f.Pages = nil
	f.LastPage = PageSize
	for i, seg := range f.segments {
		dataExtent := segmentDataExtent(seg)
		pageCount := (dataExtent + PageSize - 1) / PageSize
		obj := object{
			VirtualSize: uint32(segmentExtent(seg)),
			BaseAddr:    uint32(seg.BaseAddress),
			Flags:       objectReadable,
			PageIndex:   uint32(len(f.Pages) + 1),
			PageCount:   uint32(pageCount),
		}
		for _, sec := range seg.Sections {
			if sec.Flags.Has(model.Executable) {
				obj.Flags |= objectExecutable
			}
			if sec.Flags.Has(model.Writable) {
				obj.Flags |= objectWritable
			}
		}
		data := make([]byte, dataExtent)
		for _, sec := range seg.Sections {
			if sec.Size() > 0 {
				copy(data[sec.Bias:], sec.Buffer().Bytes())
			}
		}
		for off := int64(0); off < dataExtent; off += PageSize {
			end := off + PageSize
			if end > dataExtent {
				end = dataExtent
			}
			f.Pages = append(f.Pages, page{
				ObjectIndex: i + 1, PhysicalSize: uint32(end - off), Data: data[off:end],
			})
			f.LastPage = uint32(end - off)
		}
		f.Objects = append(f.Objects, obj)
	}

	f.PageFixups = make([][]FixupRecord, len(f.Pages))
	for _, fix := range f.pending {
		objIdx, ok := f.objectIndexOf(fix.segment)
		if !ok {
			diag.Errorf(diag.CategoryLinking, "le: fixup source segment %q has no object", fix.segment.Name)
			continue
		}
		obj := f.Objects[objIdx-1]
		pageInObj := fix.srcOffset / PageSize
		offInPage := fix.srcOffset % PageSize
		global := int(obj.PageIndex) - 1 + int(pageInObj)
		if global >= len(f.Pages) {
			diag.Errorf(diag.CategoryLinking, "le: fixup at 0x%x lies past object %d's stored pages", fix.srcOffset, objIdx)
			continue
		}
		rec := FixupRecord{
			SrcType: fix.srcType, Flags: fix.flags | fixupTarget32,
			SrcOffset: int16(offInPage),
		}
		switch fix.flags {
		case FixupImportOrdinal:
			rec.Object = f.moduleOrdinal(fix.module)
			rec.Target = fix.ordinal
		case FixupImportName:
			rec.Object = f.moduleOrdinal(fix.module)
			rec.Target = f.procNameOffset(fix.proc)
		default:
			rec.Object = fix.object
			rec.Target = fix.target
			if tgt, ok := f.targetObject(fix); ok {
				rec.Object = tgt
			}
		}
		f.PageFixups[global] = append(f.PageFixups[global], rec)
		// A field that runs past the page's end is chained: the next
		// page carries the same record with its offset pulled back one
		// page, so the loader patches the spilled bytes too.
		if offInPage+int64(fix.size) > PageSize && global+1 < len(f.Pages) {
			chained := rec
			chained.SrcOffset = int16(offInPage - PageSize)
			f.PageFixups[global+1] = append(f.PageFixups[global+1], chained)
		}
	}
	return nil
}

// targetObject finds which object a resolved internal fixup's target
// address falls in, so the record names the object rather than a raw
// linear address.
func (f *Format) targetObject(fix pendingFixup) (uint8, bool) {
	for i, seg := range f.segments {
		base := uint32(seg.BaseAddress)
		if fix.target >= base && int64(fix.target) < int64(seg.BaseAddress)+segmentExtent(seg) {
			return uint8(i + 1), true
		}
	}
	return 0, false
}

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
	if size < 0x40 {
		size = 0x40
	}
	return (size + 15) &^ 15, nil
}

// FixupPageTable derives the pages+1 running offsets into the fixup
// record table; the final entry marks its total size.
func (f *Format) FixupPageTable() []uint32 {
	table := make([]uint32, 0, len(f.Pages)+1)
	var off uint32
	for _, recs := range f.PageFixups {
		table = append(table, off)
		off += uint32(len(recs)) * fixupRecordSize
	}
	table = append(table, off)
	return table
}

func (f *Format) importedModulesBytes() []byte {
	var out []byte
	for _, mod := range f.ImportedModules {
		out = append(out, byte(len(mod)))
		out = append(out, mod...)
	}
	return out
}

func (f *Format) importedProcsBytes() []byte {
	var out []byte
	for _, proc := range f.ImportedProcs {
		out = append(out, byte(len(proc)))
		out = append(out, proc...)
	}
	return out
}

func (f *Format) WriteFile(w *ioprim.Writer) error {
	stubWriter, err := stub.Load(f.stubOpt.Value())
	if err != nil {
		return err
	}
	defer stubWriter.Close()
	stubBytes, err := stubWriter.Bytes()
	if err != nil {
		return err
	}
	w.WriteData(stubBytes)
	if err := w.FillTo(int64(f.stubSize)); err != nil {
		return err
	}
	if err := w.PatchAt(0x3c, ioprim.Encode(ioprim.Little, 4, uint64(f.stubSize))); err != nil {
		return err
	}
	base := int64(f.stubSize)

	// Table layout, every offset relative to the header.
	objTabOff := uint32(headerSize)
	pageTabOff := objTabOff + uint32(len(f.Objects))*0x18
	fixupPageOff := pageTabOff + uint32(len(f.Pages))*4
	fixupRecOff := fixupPageOff + uint32(len(f.Pages)+1)*4
	fixupTable := f.FixupPageTable()
	fixupRecSize := fixupTable[len(fixupTable)-1]
	impModOff := fixupRecOff + fixupRecSize
	impModBytes := f.importedModulesBytes()
	impProcOff := impModOff + uint32(len(impModBytes))
	impProcBytes := f.importedProcsBytes()
	dataPagesOff := uint32(base) + impProcOff + uint32(len(impProcBytes))
	dataPagesOff = (dataPagesOff + 15) &^ 15

	magic := "LE"
	if f.Variant == VariantLX {
		magic = "LX"
	}
	w.WriteData([]byte(magic))
	w.WriteWord(1, 0, ioprim.Little) // byte order: little
	w.WriteWord(1, 0, ioprim.Little) // word order: little
	w.WriteWord(4, 0, ioprim.Little) // format level
	w.WriteWord(2, 2, ioprim.Little) // cpu: 386
	w.WriteWord(2, 1, ioprim.Little) // os: OS/2
	w.WriteWord(4, 0, ioprim.Little) // module version
	w.WriteWord(4, uint64(f.ModuleFlags), ioprim.Little)
	w.WriteWord(4, uint64(len(f.Pages)), ioprim.Little)
	w.WriteWord(4, 1, ioprim.Little) // initial CS object
	w.WriteWord(4, 0, ioprim.Little) // initial EIP
	w.WriteWord(4, 0, ioprim.Little) // initial SS object
	w.WriteWord(4, 0, ioprim.Little) // initial ESP
	w.WriteWord(4, PageSize, ioprim.Little)
	w.WriteWord(4, uint64(f.LastPage), ioprim.Little)
	w.WriteWord(4, uint64(fixupRecSize+uint32(len(fixupTable))*4), ioprim.Little) // fixup section size
	w.WriteWord(4, 0, ioprim.Little)                                              // fixup checksum
	w.WriteWord(4, uint64(impProcOff+uint32(len(impProcBytes))-objTabOff), ioprim.Little) // loader section size
	w.WriteWord(4, 0, ioprim.Little)                                              // loader checksum
	w.WriteWord(4, uint64(objTabOff), ioprim.Little)
	w.WriteWord(4, uint64(len(f.Objects)), ioprim.Little)
	w.WriteWord(4, uint64(pageTabOff), ioprim.Little)
	w.WriteWord(4, 0, ioprim.Little) // iterated pages
	w.WriteWord(4, 0, ioprim.Little) // resource table
	w.WriteWord(4, 0, ioprim.Little) // resource entries
	w.WriteWord(4, 0, ioprim.Little) // resident names
	w.WriteWord(4, 0, ioprim.Little) // entry table
	w.WriteWord(4, 0, ioprim.Little) // module directives
	w.WriteWord(4, 0, ioprim.Little) // module directives count
	w.WriteWord(4, uint64(fixupPageOff), ioprim.Little)
	w.WriteWord(4, uint64(fixupRecOff), ioprim.Little)
	w.WriteWord(4, uint64(impModOff), ioprim.Little)
	w.WriteWord(4, uint64(len(f.ImportedModules)), ioprim.Little)
	w.WriteWord(4, uint64(impProcOff), ioprim.Little)
	w.WriteWord(4, 0, ioprim.Little) // per-page checksums
	w.WriteWord(4, uint64(dataPagesOff), ioprim.Little)
	w.WriteWord(4, uint64(len(f.Pages)), ioprim.Little) // preload page count
	w.WriteWord(4, 0, ioprim.Little)                    // non-resident names offset
	w.WriteWord(4, 0, ioprim.Little)                    // non-resident names length
	w.WriteWord(4, 0, ioprim.Little)                    // non-resident names checksum
	w.WriteWord(4, 0, ioprim.Little)                    // auto ds object
	w.WriteWord(4, 0, ioprim.Little)                    // debug info offset
	if err := w.WriteWord(4, 0, ioprim.Little); err != nil { // debug info length
		return err
	}
	if err := w.FillTo(base + int64(objTabOff)); err != nil {
		return err
	}
	for _, obj := range f.Objects {
		w.WriteWord(4, uint64(obj.VirtualSize), ioprim.Little)
		w.WriteWord(4, uint64(obj.BaseAddr), ioprim.Little)
		w.WriteWord(4, uint64(obj.Flags), ioprim.Little)
		w.WriteWord(4, uint64(obj.PageIndex), ioprim.Little)
		w.WriteWord(4, uint64(obj.PageCount), ioprim.Little)
		w.WriteWord(4, 0, ioprim.Little) // reserved
	}
	for i := range f.Pages {
		// Page map entry: physical page number plus flags (0 = preload).
		w.WriteWord(2, uint64(i+1)>>8, ioprim.Little)
		w.WriteWord(1, uint64(i+1)&0xFF, ioprim.Little)
		w.WriteWord(1, 0, ioprim.Little)
	}
	for _, off := range fixupTable {
		w.WriteWord(4, uint64(off), ioprim.Little)
	}
	for _, recs := range f.PageFixups {
		for _, rec := range recs {
			w.WriteWord(1, uint64(rec.SrcType), ioprim.Little)
			w.WriteWord(1, uint64(rec.Flags), ioprim.Little)
			w.WriteWord(2, uint64(uint16(rec.SrcOffset)), ioprim.Little)
			w.WriteWord(1, uint64(rec.Object), ioprim.Little)
			w.WriteWord(4, uint64(rec.Target), ioprim.Little)
		}
	}
	w.WriteData(f.importedModulesBytes())
	w.WriteData(f.importedProcsBytes())
	if err := w.FillTo(int64(dataPagesOff)); err != nil {
		return err
	}
	for _, pg := range f.Pages {
		w.WriteData(pg.Data)
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
	ext := ".exe"
	if f.ModuleFlags&moduleFlagLibrary != 0 {
		ext = ".dll"
	}
	return image.NewBuffer(w.Bytes()), ext, nil
}
