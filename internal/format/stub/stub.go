// Package stub implements registry-only plugins for long-tail
// containers without a field-level parser yet (Mach-O, Hunk, CP/M-86,
// AppleSingle, o65, OMF, AIF, and more): identity round-trip plus a
// raw-bytes dump, nothing format-aware.
package stub

import (
	"fmt"

	"github.com/xyproto/retrolink/internal/dump"
	"github.com/xyproto/retrolink/internal/format"
	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
	"github.com/xyproto/retrolink/internal/script"
)

// Format is a minimal plugin: ReadFile keeps the raw bytes,
// GenerateModule wraps them in a single unnamed, un-relocatable
// section, and the write side simply re-emits whatever bytes
// ProcessModule was handed. No segmentation, no relocation encoding.
type Format struct {
	format.BaseFormat
	raw       []byte
	collector *format.OptionCollector
}

// New returns a stub plugin tagged name, with description purely
// informational (surfaced by the registry/CLI help, never parsed).
func New(name string, segmented, sixteenBit bool) *Format {
	return &Format{
		BaseFormat: format.BaseFormat{FormatName: name, Segmented: segmented, SixteenBit: sixteenBit},
		collector:  format.NewOptionCollector(),
	}
}

func (f *Format) ReadFile(r *ioprim.Reader) error {
	data, err := r.ReadData(int(r.GetImageEnd()))
	f.raw = data
	return err
}

func (f *Format) GenerateModule(module *model.Module) error {
	sec := model.NewSection(".raw", model.Readable, 1)
	sec.Buffer().Expand(int64(len(f.raw)))
	copy(sec.Buffer().Bytes(), f.raw)
	module.AddSection(sec)
	return nil
}

func (f *Format) Dump(d *dump.Dumper) error {
	r := d.AddRegion(fmt.Sprintf("%s (unparsed)", f.Name()), 0, int64(len(f.raw)))
	b := r.AddBlock("raw", 0, int64(len(f.raw)))
	b.AddField("length", len(f.raw))
	b.AddField("note", "no field-level parser is registered for this format")
	return nil
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }
func (f *Format) GetLinkerScriptParameterNames() []string { return nil }
func (f *Format) ScriptParameters() map[string]int64       { return nil }

func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	return &script.List{Statements: []script.Stmt{
		script.SegmentDecl{Name: "_flat", Clauses: []script.Clause{script.AllClause{Pattern: script.AnyPattern{}}}},
	}}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error { return nil }

func (f *Format) ProcessModule(module *model.Module) error {
	return format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		return fmt.Errorf("stub: format %q cannot encode relocations, only identity round-trip and dump are supported", f.Name())
	})
}

func (f *Format) CalculateValues() error { return nil }

func (f *Format) WriteFile(w *ioprim.Writer) error {
	_, err := w.WriteData(f.raw)
	return err
}

func (f *Format) GenerateFile(module *model.Module) (image.Image, string, error) {
	var buf []byte
	for _, sec := range module.Sections {
		buf = append(buf, sec.Buffer().Bytes()...)
	}
	f.raw = buf
	return image.NewBuffer(buf), "", nil
}

// registration is one entry in the long-tail table below: tag, magic
// detection (when the bytes are distinctive enough to bother), and the
// 16-bit/segmented flags reported through the Format hooks.
type registration struct {
	tag, description string
	magic            []byte
	offset           int64
	segmented        bool
	sixteenBit       bool
}

// longTail lists the containers registered as dump/identity-roundtrip
// stubs rather than left unregistered, so detection and convert still
// recognize them by tag or magic.
var longTail = []registration{
	{tag: "macho", description: "Mach-O (NeXT/macOS)", magic: []byte{0xfe, 0xed, 0xfa, 0xce}, segmented: false},
	{tag: "hunk", description: "Amiga Hunk executable", magic: []byte{0x00, 0x00, 0x03, 0xf3}, segmented: true},
	{tag: "cpm86", description: "CP/M-86 .cmd", magic: []byte{0x01, 0x01}, segmented: true, sixteenBit: true},
	{tag: "cpm68k", description: "CP/M-68K .68k", segmented: true},
	{tag: "cpm8000", description: "CP/M-8000 .z8k", segmented: true, sixteenBit: true},
	{tag: "applesingle", description: "AppleSingle/AppleDouble", magic: []byte{0x00, 0x05, 0x16, 0x00}},
	{tag: "o65", description: "o65 relocatable 6502/65816 object", magic: []byte{0x01, 0x00, 'o', '6', '5'}},
	{tag: "omf", description: "Apple GS/OS OMF / Intel OMF object"},
	{tag: "aif", description: "ARM AIF (ARM Image Format)"},
	{tag: "x68", description: "Human68k .x executable", magic: []byte("HU")},
	{tag: "atari-prg", description: "Atari TOS .prg", magic: []byte{0x60, 0x1a}},
	{tag: "flex", description: "FLEX .cmd"},
	{tag: "geos", description: "GEOS Geode"},
	{tag: "uzi", description: "UZI / UZI-280 a.out-like executable"},
	{tag: "pcos", description: "PCOS executable"},
	{tag: "as86obj", description: "AS86 relocatable object"},
	{tag: "ar", description: "UNIX ar archive", magic: []byte("!<arch>\n")},
	{tag: "dx64", description: "Adam DOS32 / DX64 LV / D3X extender image", segmented: false},
}

func init() {
	for _, reg := range longTail {
		reg := reg
		d := format.Detector{
			Tag: reg.tag, Magic: reg.magic, Offset: reg.offset, Description: reg.description,
			New: func() format.Format { return New(reg.tag, reg.segmented, reg.sixteenBit) },
		}
		if err := format.Default.Register(d); err != nil {
			panic(err) // duplicate tag is a programming error in this table, not a runtime condition
		}
	}
}
