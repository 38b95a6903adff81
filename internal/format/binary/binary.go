// Package binary implements the flat/raw binary output format: one
// contiguous image with no header at all, loaded at a fixed or
// position-independent base address: the .com, .bin, .r style target
// used by CP/M, Human68k and 8-bit ROM images.
package binary

import (
	"github.com/xyproto/retrolink/internal/diag"
	"github.com/xyproto/retrolink/internal/dump"
	"github.com/xyproto/retrolink/internal/format"
	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
	"github.com/xyproto/retrolink/internal/resolve"
	"github.com/xyproto/retrolink/internal/script"
)

// Format is the flat binary plugin: no header fields at all, just a
// base address (0 when PositionIndependent) and an image.
type Format struct {
	format.BaseFormat

	// PositionIndependent means the image must not contain absolute
	// references that assume a load address.
	PositionIndependent bool
	DefaultBaseAddress  uint64
	Extension           string

	baseOpt   *format.Option[int64]
	collector *format.OptionCollector

	segment *model.Segment
	Image   *image.Buffer
}

// New returns a flat binary plugin. extension is the default filename
// suffix the caller's GenerateFile result should be saved under (".com",
// ".bin", ".r", ...); per-platform wrappers pick their own base/extension
// pairs.
func New(defaultBaseAddress uint64, extension string) *Format {
	f := &Format{
		BaseFormat:         format.BaseFormat{FormatName: "binary", Segmented: false},
		DefaultBaseAddress: defaultBaseAddress,
		Extension:          extension,
	}
	f.baseOpt = format.NewOption[int64]("base_address", "Load address of the flat image", int64(defaultBaseAddress))
	f.collector = format.NewOptionCollector(f.baseOpt)
	return f
}

func init() {
	format.Default.Register(format.Detector{
		Tag: "binary", Description: "flat/raw binary image (no header)",
		New: func() format.Format { return New(0, ".bin") },
	})
}

func (f *Format) ReadFile(r *ioprim.Reader) error {
	data, err := r.ReadData(int(r.GetImageEnd()))
	f.Image = image.NewBuffer(data)
	return err
}

func (f *Format) GenerateModule(module *model.Module) error {
	sec := model.NewSection(".text", model.Readable|model.Writable|model.Executable, 1)
	if f.Image != nil {
		sec.Buffer().Expand(f.Image.Size())
		copy(sec.Buffer().Bytes(), f.Image.Bytes())
	}
	module.AddSection(sec)
	seg := model.NewSegment("_flat", f.DefaultBaseAddress)
	seg.Append(sec, 0)
	return nil
}

func (f *Format) Dump(d *dump.Dumper) error {
	size := int64(0)
	if f.Image != nil {
		size = f.Image.Size()
	}
	r := d.AddRegion("flat image", 0, size)
	b := r.AddBlock("image", 0, size)
	b.AddFieldHex("base address", f.DefaultBaseAddress)
	b.AddField("position independent", f.PositionIndependent)
	return nil
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }
func (f *Format) GetLinkerScriptParameterNames() []string { return []string{"base_address"} }
func (f *Format) ScriptParameters() map[string]int64 {
	return map[string]int64{"base_address": f.baseOpt.Value()}
}

// GetScript produces a single "_flat" segment covering every section
// in Module order, based at the base_address option unless the plugin
// is position-independent.
func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	base := f.baseOpt.Value()
	if f.PositionIndependent {
		base = 0
	}
	return &script.List{Statements: []script.Stmt{
		script.SegmentDecl{Name: "_flat", Clauses: []script.Clause{
			script.AtClause{Expr: script.IntLiteral{Value: base}},
			script.AllClause{Pattern: script.AnyPattern{}},
		}},
	}}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error {
	f.segment = seg
	return nil
}

// ProcessModule resolves every relocation as a direct patch; a flat
// image has no native relocation record, so any unresolved reference
// that cannot be patched in place is a hard error, and
// position-independent images may not carry absolute references at all.
func (f *Format) ProcessModule(module *model.Module) error {
	return format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		if r.Kind == model.SelectorIndex {
			diag.Errorf(diag.CategoryLinking, "binary: selector-index relocations are not representable in a flat image")
			return nil
		}
		if f.PositionIndependent && !r.IsRelative() {
			diag.Errorf(diag.CategoryLinking, "binary: position-independent output cannot carry an absolute relocation at %v", r.Source)
			return nil
		}
		outcome, err := resolve.Resolve(r, module)
		if err != nil {
			return err
		}
		if !outcome.Resolved {
			diag.Errorf(diag.CategoryLinking, "binary: unresolved symbol %s", outcome.Unresolved)
		} else if outcome.Truncated {
			diag.Warningf(diag.CategoryLinking, "binary: relocation value truncated to fit its field")
		}
		return nil
	})
}

func (f *Format) CalculateValues() error { return nil }

func (f *Format) WriteFile(w *ioprim.Writer) error {
	if f.segment == nil {
		return nil
	}
	for _, sec := range f.segment.Sections {
		if _, err := w.WriteData(sec.Buffer().Bytes()); err != nil {
			return err
		}
		if sec.ZeroFill > 0 {
			if err := w.Skip(sec.ZeroFill); err != nil {
				return err
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
	return image.NewBuffer(w.Bytes()), f.Extension, nil
}
