// Package dos16m implements the Rational Systems DOS/16M "BW" .exp
// output format, close kin to the PharLap .exp family: a
// protected-mode DOS extender executable whose segments are GDT-style
// descriptors and whose relocations are selector indices rather than
// paragraph numbers.
package dos16m

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

// AccessType is the descriptor access byte: data or code segment.
type AccessType uint16

const (
	TypeData AccessType = 0x92
	TypeCode AccessType = 0x9A
)

// descriptor is one GDT-style entry the header publishes per segment.
type descriptor struct {
	access      AccessType
	flags       uint16
	address     uint32
	totalLength uint32
}

const descriptorSize = 12
const headerPreludeSize = 32

// Format is the BW/DOS-16M plugin.
type Format struct {
	format.BaseFormat

	descriptors []descriptor
	firstSelector uint16

	stubPath string
	stubOpt  *format.Option[string]
	collector *format.OptionCollector

	segments []*model.Segment
}

func New() *Format {
	f := &Format{
		BaseFormat:    format.BaseFormat{FormatName: "bw", Segmented: true, ProtectedMode: true, SixteenBit: false},
		firstSelector: 8, // selector 0 is null, 8 is the GDT's first real entry (x86 convention)
	}
	f.stubOpt = format.NewOption[string]("stub", "Path to an MZ DOS stub image; accepted, but no stub is written into the .exp file", "")
	f.collector = format.NewOptionCollector(f.stubOpt)
	return f
}

func init() {
	format.Default.Register(format.Detector{
		Tag: "bw", Description: "Rational Systems DOS/16M \"BW\" .exp (write-only)",
		New: func() format.Format { return New() },
	})
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }
func (f *Format) GetLinkerScriptParameterNames() []string { return nil }
func (f *Format) ScriptParameters() map[string]int64       { return nil }

// GetScript places every Executable section in a "code" segment and
// everything else in "data". The descriptor table distinguishes only
// code vs. data access, so finer-grained Module sections collapse onto
// two descriptors.
func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	return &script.List{Statements: []script.Stmt{
		script.SegmentDecl{Name: "code", Clauses: []script.Clause{
			script.AllClause{Pattern: script.AttrPattern{Attr: "exec"}},
		}},
		script.SegmentDecl{Name: "data", Clauses: []script.Clause{
			script.AllClause{Pattern: script.NotPattern{Inner: script.AttrPattern{Attr: "exec"}}},
		}},
	}}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error {
	f.segments = append(f.segments, seg)
	return nil
}

// selectorOf returns the GDT selector assigned to seg: its index among
// f.segments, scaled by 8 and offset by firstSelector, mirroring how a
// real GDT allocates one 8-byte descriptor slot per segment.
func (f *Format) selectorOf(seg *model.Segment) (uint16, bool) {
	for i, s := range f.segments {
		if s == seg {
			return f.firstSelector + uint16(i)*8, true
		}
	}
	return 0, false
}

// ProcessModule resolves every relocation; SelectorIndex-kind relocations
// are rewritten to the GDT selector of the referenced segment rather
// than the engine's raw offset difference, since a protected-mode
// container addresses memory through descriptor-table indices, not
// linear paragraph numbers.
func (f *Format) ProcessModule(module *model.Module) error {
	return format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		if r.Kind == model.SelectorIndex {
			seg, ok := r.Target.AsSegmentBaseSegment()
			if !ok {
				if sec, ok2 := r.Target.AsSegmentBaseSection(); ok2 {
					seg = sec.Segment
					ok = true
				}
			}
			if !ok || seg == nil {
				diag.Errorf(diag.CategoryLinking, "dos16m: SelectorIndex relocation target is not segment-based")
				return nil
			}
			selector, found := f.selectorOf(seg)
			if !found {
				diag.Errorf(diag.CategoryLinking, "dos16m: target segment has no assigned selector")
				return nil
			}
			return r.WriteWord(uint64(selector))
		}
		if r.IsRelative() {
			outcome, err := resolve.Resolve(r, module)
			if err != nil {
				return err
			}
			if !outcome.Resolved {
				diag.Errorf(diag.CategoryLinking, "dos16m: unresolved symbol %s", outcome.Unresolved)
			} else if outcome.Truncated {
				diag.Warningf(diag.CategoryLinking, "dos16m: relocation value truncated to fit its field")
			}
			return nil
		}
		diag.Errorf(diag.CategoryLinking, "dos16m: intersegment Direct relocation is not representable in protected mode")
		return nil
	})
}

func (f *Format) CalculateValues() error {
	f.descriptors = nil
	for _, seg := range f.segments {
		access := TypeData
		if len(seg.Sections) > 0 && seg.Sections[0].Flags.Has(model.Executable) {
			access = TypeCode
		}
		f.descriptors = append(f.descriptors, descriptor{
			access: access, address: uint32(seg.BaseAddress), totalLength: uint32(seg.Size()),
		})
	}
	return nil
}

func (f *Format) WriteFile(w *ioprim.Writer) error {
	if err := w.FillTo(headerPreludeSize); err != nil {
		return err
	}
	for _, d := range f.descriptors {
		w.WriteWord(2, uint64(d.access), ioprim.Little)
		w.WriteWord(2, uint64(d.flags), ioprim.Little)
		w.WriteWord(4, uint64(d.address), ioprim.Little)
		if err := w.WriteWord(4, uint64(d.totalLength), ioprim.Little); err != nil {
			return err
		}
	}
	for _, seg := range f.segments {
		for _, sec := range seg.Sections {
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
	w := ioprim.NewWriter(ioprim.Little)
	if err := f.WriteFile(w); err != nil {
		return nil, "", err
	}
	return image.NewBuffer(w.Bytes()), ".exp", nil
}

func (f *Format) Dump(d *dump.Dumper) error {
	r := d.AddRegion("BW/DOS-16M descriptors", headerPreludeSize, int64(len(f.descriptors))*descriptorSize)
	b := r.AddBlock("GDT", headerPreludeSize, int64(len(f.descriptors))*descriptorSize)
	for i, desc := range f.descriptors {
		b.AddField(fmt.Sprintf("selector %d", f.firstSelector+uint16(i)*8), fmt.Sprintf("addr=0x%x len=0x%x", desc.address, desc.totalLength))
	}
	return nil
}
