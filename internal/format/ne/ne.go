// Package ne implements the 16-bit New Executable container used by
// Windows 3.x and OS/2 1.x: a segment table whose entries carry
// per-segment relocation records, an entry table of exported and
// movable entry points, and module-reference/imported-name tables the
// loader resolves at run time. A reference into a movable segment is
// never encoded against the segment directly; the linker manufactures
// an entry-table thunk for the target and the relocation names the
// thunk's ordinal with the 0xFF movable marker.
package ne

import (
	"fmt"
	"sort"
	"strings"

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

const (
	headerSize  = 0x40
	sectorShift = 4 // segment data aligned to 16-byte sectors

	segFlagData    = 0x0001
	segFlagMovable = 0x0010
	segFlagReloc   = 0x0100

	movableMarker = 0xFF

	targetOSOS2     = 1
	targetOSWindows = 2
)

// Relocation source and target types, as stored in per-segment records.
const (
	RelocSourceSegment = 0x02 // 16-bit segment/selector
	RelocSourcePointer = 0x03 // 32-bit segment:offset pointer
	RelocSourceOffset  = 0x05 // 16-bit offset

	RelocInternal      = 0x00
	RelocImportOrdinal = 0x01
	RelocImportName    = 0x02
)

// Reloc is one per-segment relocation record (8 bytes on disk).
type Reloc struct {
	SrcType   uint8
	Flags     uint8
	SrcOffset uint16
	// Target: internal fixed = (segment, 0, offset); internal movable =
	// (0xFF, 0, entry ordinal); import = (module index, name offset or
	// ordinal).
	Target1 uint16
	Target2 uint16
}

// MovableEntry is one movable entry-table slot: a thunk the loader
// rewrites so far calls reach the segment wherever it currently sits.
type MovableEntry struct {
	Segment uint8
	Offset  uint16
}

// Bundle is one entry-table run: entries of the same kind sharing a
// header byte. The count field is a byte, so more than 255 entries of
// one kind split into several bundles.
type Bundle struct {
	Movable bool
	Entries []MovableEntry
}

const maxBundleEntries = 255

// segmentInfo pairs a laid-out segment with its relocation records.
type segmentInfo struct {
	seg     *model.Segment
	relocs  []Reloc
	movable bool
}

// Format is the NE plugin.
type Format struct {
	format.BaseFormat

	ModuleName      string
	TargetOS        uint8
	ResidentNames   []string // [0] is the module name; exports follow, uppercased
	ResidentOrds    []uint16
	ImportedModules []string
	importedNames   []string
	Bundles         []Bundle

	segs    []segmentInfo
	entries []MovableEntry // flat movable entries, ordinal = index+1

	movableOpt *format.BoolOption
	stubOpt    *format.Option[string]
	heapOpt    *format.Option[int64]
	stackOpt   *format.Option[int64]
	collector  *format.OptionCollector

	stubSize uint32

	// header fields recovered by ReadFile
	SegmentCount   uint16
	ModuleRefCount uint16
	EntryTableLen  uint16
}

func New(targetOS uint8) *Format {
	f := &Format{
		BaseFormat: format.BaseFormat{FormatName: "ne", Segmented: true, SixteenBit: true, ProtectedMode: true, SupportsLibraries: true},
		ModuleName: "MODULE",
		TargetOS:   targetOS,
	}
	if targetOS == targetOSOS2 {
		f.FormatName = "os2v1"
	}
	f.movableOpt = format.NewBoolOption("movable", "Mark code segments movable, routing far references through entry-table thunks")
	f.stubOpt = format.NewOption[string]("stub", "Path to the MZ DOS stub prepended to the file", "")
	f.heapOpt = format.NewOption[int64]("heap", "Initial local heap size", 0x400)
	f.stackOpt = format.NewOption[int64]("stack", "Stack size", 0x1000)
	f.collector = format.NewOptionCollector(f.movableOpt, f.stubOpt, f.heapOpt, f.stackOpt)
	return f
}

func init() {
	format.Default.Register(format.Detector{
		Tag: "ne", Description: "16-bit New Executable (Windows 3.x)",
		Verify: verifyMagic,
		New:    func() format.Format { return New(targetOSWindows) },
	})
	format.Default.Register(format.Detector{
		Tag: "os2v1", Description: "16-bit New Executable (OS/2 1.x)",
		New: func() format.Format { return New(targetOSOS2) },
	})
}

func verifyMagic(content []byte) bool {
	if len(content) < 0x40 || content[0] != 'M' || content[1] != 'Z' {
		return false
	}
	lfanew := int(uint32(content[0x3c]) | uint32(content[0x3d])<<8 | uint32(content[0x3e])<<16 | uint32(content[0x3f])<<24)
	return lfanew+2 <= len(content) && content[lfanew] == 'N' && content[lfanew+1] == 'E'
}

// ReadFile parses the header behind the MZ stub and the segment table,
// enough for Dump and convert.
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
	if magic[0] != 'N' || magic[1] != 'E' {
		return fmt.Errorf("ne: bad signature %q", magic)
	}
	if err := r.Seek(int64(lfanew) + 4); err != nil {
		return err
	}
	entryOff, _ := r.ReadUnsigned(2, ioprim.Little)
	entryLen, err := r.ReadUnsigned(2, ioprim.Little)
	if err != nil {
		return err
	}
	f.EntryTableLen = uint16(entryLen)
	_ = entryOff
	if err := r.Seek(int64(lfanew) + 0x1C); err != nil {
		return err
	}
	segCount, _ := r.ReadUnsigned(2, ioprim.Little)
	modRefCount, err := r.ReadUnsigned(2, ioprim.Little)
	if err != nil {
		return err
	}
	f.SegmentCount = uint16(segCount)
	f.ModuleRefCount = uint16(modRefCount)
	if err := r.Seek(int64(lfanew) + 0x36); err != nil {
		return err
	}
	targetOS, err := r.ReadUnsigned(1, ioprim.Little)
	if err != nil {
		return err
	}
	f.TargetOS = uint8(targetOS)
	return nil
}

// GenerateModule lifts the header counts into placeholder sections; the
// partial reader does not recover segment bytes.
func (f *Format) GenerateModule(module *model.Module) error {
	module.CPU = model.CPUI86
	for i := 0; i < int(f.SegmentCount); i++ {
		sec := model.NewSection(fmt.Sprintf(".seg%d", i+1), model.Readable, 16)
		module.AddSection(sec)
	}
	return nil
}

func (f *Format) Dump(d *dump.Dumper) error {
	r := d.AddRegion("NE", 0, 0)
	hdr := r.AddBlock("header", 0, headerSize)
	hdr.AddField("segments", f.SegmentCount)
	hdr.AddField("module references", f.ModuleRefCount)
	hdr.AddField("entry table length", f.EntryTableLen)
	hdr.AddField("target OS", f.TargetOS)
	if len(f.segs) > 0 {
		segs := r.AddBlock("segment table", 0, int64(len(f.segs))*8)
		for i, info := range f.segs {
			kind := "fixed"
			if info.movable {
				kind = "movable"
			}
			segs.AddField(fmt.Sprintf("segment %d", i+1),
				fmt.Sprintf("%s, %d relocations", kind, len(info.relocs)))
		}
	}
	return nil
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }
func (f *Format) GetLinkerScriptParameterNames() []string { return nil }
func (f *Format) ScriptParameters() map[string]int64       { return nil }

// GetScript materializes one NE segment per section: NE addressing is
// per-segment, so each section keeps its own selector frame.
func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	return &script.List{Statements: []script.Stmt{
		script.ForClause{Pattern: script.AnyPattern{}},
	}}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error {
	movable := false
	if f.movableOpt.Value() {
		for _, sec := range seg.Sections {
			if sec.Flags.Has(model.Executable) {
				movable = true
			}
		}
	}
	f.segs = append(f.segs, segmentInfo{seg: seg, movable: movable})
	return nil
}

func (f *Format) segmentIndexOf(seg *model.Segment) (int, bool) {
	for i, info := range f.segs {
		if info.seg == seg {
			return i + 1, true
		}
	}
	return 0, false
}

// entryOrdinal interns a movable entry thunk for (segment, offset),
// returning its 1-based entry-table ordinal.
func (f *Format) entryOrdinal(segIndex int, offset uint16) uint16 {
	for i, e := range f.entries {
		if e.Segment == uint8(segIndex) && e.Offset == offset {
			return uint16(i + 1)
		}
	}
	f.entries = append(f.entries, MovableEntry{Segment: uint8(segIndex), Offset: offset})
	return uint16(len(f.entries))
}

// moduleRef interns a library name, returning its 1-based index in the
// module-reference table.
func (f *Format) moduleRef(name string) uint16 {
	for i, mod := range f.ImportedModules {
		if mod == name {
			return uint16(i + 1)
		}
	}
	f.ImportedModules = append(f.ImportedModules, name)
	return uint16(len(f.ImportedModules))
}

// importedNameOffset interns a procedure name into the imported-names
// table, returning its byte offset within the table.
func (f *Format) importedNameOffset(name string) uint16 {
	var off uint16
	for _, n := range f.importedNames {
		if n == name {
			return off
		}
		off += uint16(1 + len(n))
	}
	f.importedNames = append(f.importedNames, name)
	return off
}

// ProcessModule lays out the module, then turns every relocation into a
// per-segment record: selector references become segment fixups (via an
// entry-table thunk when the target segment is movable), imports go
// through the module-reference and imported-name tables, and plain
// same-segment offsets are patched directly with no record.
func (f *Format) ProcessModule(module *model.Module) error {
	f.segs = nil
	f.entries = nil
	f.ImportedModules = nil
	f.importedNames = nil
	err := format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		srcSeg := r.Source.Section.Segment
		if srcSeg == nil {
			diag.Errorf(diag.CategoryLinking, "ne: relocation source section %q was not placed", r.Source.Section.Name)
			return nil
		}
		srcIndex, ok := f.segmentIndexOf(srcSeg)
		if !ok {
			diag.Errorf(diag.CategoryLinking, "ne: relocation source segment %q is unknown", srcSeg.Name)
			return nil
		}
		srcOffset := uint16(r.Source.Section.Bias + r.Source.Offset)

		if name, ok := r.Target.AsSymbol(); ok && name.IsImported() {
			rec := Reloc{SrcType: RelocSourcePointer, SrcOffset: srcOffset}
			rec.Target1 = f.moduleRef(name.LoadLibraryName())
			if ordinal, byOrdinal := name.GetImportedOrdinal(); byOrdinal {
				rec.Flags = RelocImportOrdinal
				rec.Target2 = uint16(ordinal)
			} else {
				rec.Flags = RelocImportName
				rec.Target2 = f.importedNameOffset(name.LoadName())
			}
			f.segs[srcIndex-1].relocs = append(f.segs[srcIndex-1].relocs, rec)
			return nil
		}

		if r.Kind == model.SelectorIndex {
			tgtSeg, ok := r.Target.AsSegmentBaseSegment()
			if !ok {
				if sec, ok2 := r.Target.AsSegmentBaseSection(); ok2 {
					tgtSeg = sec.Segment
					ok = true
				}
			}
			if !ok || tgtSeg == nil {
				diag.Errorf(diag.CategoryLinking, "ne: selector relocation target is not segment-based")
				return nil
			}
			tgtIndex, found := f.segmentIndexOf(tgtSeg)
			if !found {
				diag.Errorf(diag.CategoryLinking, "ne: selector relocation targets an unknown segment")
				return nil
			}
			rec := Reloc{SrcType: RelocSourceSegment, Flags: RelocInternal, SrcOffset: srcOffset}
			if f.segs[tgtIndex-1].movable {
				rec.Target1 = movableMarker
				rec.Target2 = f.entryOrdinal(tgtIndex, 0)
			} else {
				rec.Target1 = uint16(tgtIndex)
				rec.Target2 = 0
			}
			f.segs[srcIndex-1].relocs = append(f.segs[srcIndex-1].relocs, rec)
			return nil
		}

		outcome, err := resolve.Resolve(r, module)
		if err != nil {
			return err
		}
		if !outcome.Resolved {
			diag.Errorf(diag.CategoryLinking, "ne: unresolved symbol %s", outcome.Unresolved)
			return nil
		}
		if outcome.Truncated {
			diag.Warningf(diag.CategoryLinking, "ne: relocation value truncated to fit its field")
		}
		if tgt := outcome.Resolution.Target; tgt != nil && tgt != srcSeg {
			// A direct offset into another segment needs a loader record;
			// if that segment is movable it must go through a thunk.
			tgtIndex, found := f.segmentIndexOf(tgt)
			if !found {
				diag.Errorf(diag.CategoryLinking, "ne: relocation targets an unknown segment")
				return nil
			}
			rec := Reloc{SrcType: RelocSourceOffset, Flags: RelocInternal, SrcOffset: srcOffset}
			if f.segs[tgtIndex-1].movable {
				rec.Target1 = movableMarker
				rec.Target2 = f.entryOrdinal(tgtIndex, uint16(outcome.Resolution.Value))
			} else {
				rec.Target1 = uint16(tgtIndex)
				rec.Target2 = uint16(outcome.Resolution.Value)
			}
			f.segs[srcIndex-1].relocs = append(f.segs[srcIndex-1].relocs, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Exports surface both as resident names (uppercased, the loader
	// matches case-insensitively by storing them folded) and as entry
	// points, in name order so repeated links emit identical tables.
	f.ResidentNames = []string{strings.ToUpper(f.ModuleName)}
	f.ResidentOrds = []uint16{0}
	keys := make([]string, 0, len(module.ExportedSymbols))
	for key := range module.ExportedSymbols {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		loc := module.ExportedSymbols[key]
		if loc.Section == nil || loc.Section.Segment == nil {
			continue
		}
		segIndex, found := f.segmentIndexOf(loc.Section.Segment)
		if !found {
			continue
		}
		pos, err := loc.GetPosition(true)
		if err != nil {
			continue
		}
		ordinal := f.entryOrdinal(segIndex, uint16(pos))
		f.ResidentNames = append(f.ResidentNames, strings.ToUpper(key))
		f.ResidentOrds = append(f.ResidentOrds, ordinal)
	}
	return nil
}

// CalculateValues packs the flat movable-entry list into entry-table
// bundles: the per-bundle count is a single byte, so every 255 entries
// start a new bundle.
func (f *Format) CalculateValues() error {
	stubSize, err := f.stubRegionSize()
	if err != nil {
		return err
	}
	f.stubSize = stubSize
	f.SegmentCount = uint16(len(f.segs))
	f.ModuleRefCount = uint16(len(f.ImportedModules))
	// Module names live in the imported-names table alongside the
	// procedure names; intern them now so WriteFile's table offsets are
	// final before any are written.
	for _, mod := range f.ImportedModules {
		f.importedNameOffset(mod)
	}

	f.Bundles = nil
	remaining := f.entries
	for len(remaining) > 0 {
		n := len(remaining)
		if n > maxBundleEntries {
			n = maxBundleEntries
		}
		f.Bundles = append(f.Bundles, Bundle{Movable: true, Entries: remaining[:n]})
		remaining = remaining[n:]
	}
	f.EntryTableLen = uint16(f.entryTableSize())
	return nil
}

// entryTableSize is the byte length of the packed entry table: each
// bundle is a count byte and a segment-indicator byte, each movable
// entry six bytes, plus the terminating empty bundle.
func (f *Format) entryTableSize() int {
	size := 0
	for _, b := range f.Bundles {
		size += 2 + 6*len(b.Entries)
	}
	return size + 2
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

func residentNamesBytes(names []string, ords []uint16) []byte {
	var out []byte
	for i, name := range names {
		out = append(out, byte(len(name)))
		out = append(out, name...)
		out = append(out, byte(ords[i]), byte(ords[i]>>8))
	}
	return append(out, 0)
}

func (f *Format) importedNamesBytes() []byte {
	var out []byte
	for _, name := range f.importedNames {
		out = append(out, byte(len(name)))
		out = append(out, name...)
	}
	return out
}

func (f *Format) entryTableBytes() []byte {
	var out []byte
	for _, b := range f.Bundles {
		out = append(out, byte(len(b.Entries)), movableMarker)
		for _, e := range b.Entries {
			// flags: exported | shared data; then the int 3Fh thunk the
			// loader rewrites, then the entry's segment:offset.
			out = append(out, 0x03, 0xCD, 0x3F, e.Segment, byte(e.Offset), byte(e.Offset>>8))
		}
	}
	return append(out, 0, 0)
}

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

	// Table layout, offsets relative to the NE header.
	segTabOff := uint16(headerSize)
	resNamesOff := segTabOff + uint16(len(f.segs))*8
	resNames := residentNamesBytes(f.ResidentNames, f.ResidentOrds)
	modRefOff := resNamesOff + uint16(len(resNames))
	impNamesOff := modRefOff + uint16(len(f.ImportedModules))*2
	impNames := f.importedNamesBytes()
	entryOff := impNamesOff + uint16(len(impNames))
	entryTable := f.entryTableBytes()

	// Segment data lands sector-aligned after the tables.
	dataStart := (int64(f.stubSize) + int64(entryOff) + int64(len(entryTable)) + 15) &^ 15
	type placed struct {
		sector uint16
		length uint16
	}
	placements := make([]placed, len(f.segs))
	cursor := dataStart
	for i, info := range f.segs {
		extent := segmentDataExtent(info.seg)
		placements[i] = placed{sector: uint16(cursor >> sectorShift), length: uint16(extent)}
		cursor += extent
		if len(info.relocs) > 0 {
			cursor += 2 + int64(len(info.relocs))*8
		}
		cursor = (cursor + 15) &^ 15
	}

	w.WriteData([]byte{'N', 'E'})
	w.WriteWord(1, 1, ioprim.Little) // linker version
	w.WriteWord(1, 0, ioprim.Little) // linker revision
	w.WriteWord(2, uint64(entryOff), ioprim.Little)
	w.WriteWord(2, uint64(len(entryTable)), ioprim.Little)
	w.WriteWord(4, 0, ioprim.Little) // CRC
	w.WriteWord(2, 0, ioprim.Little) // module flags
	w.WriteWord(2, 0, ioprim.Little) // auto data segment
	w.WriteWord(2, uint64(f.heapOpt.Value()), ioprim.Little)
	w.WriteWord(2, uint64(f.stackOpt.Value()), ioprim.Little)
	w.WriteWord(4, 0x00010000, ioprim.Little) // CS:IP: segment 1, offset 0
	w.WriteWord(4, 0, ioprim.Little)          // SS:SP: loader-assigned
	w.WriteWord(2, uint64(len(f.segs)), ioprim.Little)
	w.WriteWord(2, uint64(len(f.ImportedModules)), ioprim.Little)
	w.WriteWord(2, 0, ioprim.Little) // non-resident names size
	w.WriteWord(2, uint64(segTabOff), ioprim.Little)
	w.WriteWord(2, 0, ioprim.Little) // resource table
	w.WriteWord(2, uint64(resNamesOff), ioprim.Little)
	w.WriteWord(2, uint64(modRefOff), ioprim.Little)
	w.WriteWord(2, uint64(impNamesOff), ioprim.Little)
	w.WriteWord(4, 0, ioprim.Little) // non-resident names (file offset)
	w.WriteWord(2, uint64(len(f.entries)), ioprim.Little)
	w.WriteWord(2, sectorShift, ioprim.Little)
	w.WriteWord(2, 0, ioprim.Little) // resource segments
	w.WriteWord(1, uint64(f.TargetOS), ioprim.Little)
	w.WriteWord(1, 0, ioprim.Little) // extra flags
	w.WriteWord(4, 0, ioprim.Little) // fastload
	w.WriteWord(2, 0, ioprim.Little) // reserved
	if err := w.WriteWord(2, 0, ioprim.Little); err != nil { // expected version
		return err
	}
	if err := w.FillTo(base + int64(segTabOff)); err != nil {
		return err
	}
	for i, info := range f.segs {
		flags := uint64(0)
		exec := false
		for _, sec := range info.seg.Sections {
			if sec.Flags.Has(model.Executable) {
				exec = true
			}
		}
		if !exec {
			flags |= segFlagData
		}
		if info.movable {
			flags |= segFlagMovable
		}
		if len(info.relocs) > 0 {
			flags |= segFlagReloc
		}
		w.WriteWord(2, uint64(placements[i].sector), ioprim.Little)
		w.WriteWord(2, uint64(placements[i].length), ioprim.Little)
		w.WriteWord(2, flags, ioprim.Little)
		w.WriteWord(2, uint64(info.seg.Size()), ioprim.Little) // min alloc
	}
	w.WriteData(resNames)
	for _, mod := range f.ImportedModules {
		// Module references index the imported-names table, where the
		// module names were interned by CalculateValues.
		w.WriteWord(2, uint64(f.importedNameOffset(mod)), ioprim.Little)
	}
	w.WriteData(impNames)
	w.WriteData(entryTable)

	for i, info := range f.segs {
		if err := w.FillTo(int64(placements[i].sector) << sectorShift); err != nil {
			return err
		}
		extent := segmentDataExtent(info.seg)
		data := make([]byte, extent)
		for _, sec := range info.seg.Sections {
			if sec.Size() > 0 {
				copy(data[sec.Bias:], sec.Buffer().Bytes())
			}
		}
		w.WriteData(data)
		if len(info.relocs) > 0 {
			w.WriteWord(2, uint64(len(info.relocs)), ioprim.Little)
			for _, rec := range info.relocs {
				w.WriteWord(1, uint64(rec.SrcType), ioprim.Little)
				w.WriteWord(1, uint64(rec.Flags), ioprim.Little)
				w.WriteWord(2, uint64(rec.SrcOffset), ioprim.Little)
				w.WriteWord(2, uint64(rec.Target1), ioprim.Little)
				w.WriteWord(2, uint64(rec.Target2), ioprim.Little)
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
	w := ioprim.NewWriter(ioprim.Little)
	if err := f.WriteFile(w); err != nil {
		return nil, "", err
	}
	return image.NewBuffer(w.Bytes()), ".exe", nil
}
