// Package aout implements the UNIX a.out family:
// OMAGIC/NMAGIC/ZMAGIC/QMAGIC variants sharing one header shape, plus
// EMX's a.out+LX hybrid as a distinct Variant rather than a separate
// plugin, since only the load convention differs per magic.
package aout

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

// Magic distinguishes impure (OMAGIC), pure/shared-text (NMAGIC),
// demand-paged (ZMAGIC) and QMAGIC executables, which only differ in
// load-address/page-alignment convention, not header layout.
type Magic uint16

const (
	OMAGIC Magic = 0x0107
	NMAGIC Magic = 0x0108
	ZMAGIC Magic = 0x010B
	QMAGIC Magic = 0x00CC
)

// Variant selects EMX's a.out+LX hybrid versus a plain UNIX a.out.
type Variant int

const (
	VariantPlain Variant = iota
	VariantEMX
)

// Format is the a.out plugin; one instance handles every Magic value,
// since they share header layout and only the load convention differs.
type Format struct {
	format.BaseFormat

	Magic   Magic
	Variant Variant
	Endian  ioprim.Endian

	CodeSize, DataSize, BSSSize   uint32
	SymbolTableSize               uint32
	EntryAddress                  uint32
	CodeRelocSize, DataRelocSize  uint32

	Code, Data *image.Buffer

	collector *format.OptionCollector

	textSeg, dataSeg, bssSeg *model.Segment
}

func New() *Format {
	f := &Format{
		BaseFormat: format.BaseFormat{FormatName: "aout", Segmented: false},
		Magic:      ZMAGIC,
		Endian:     ioprim.Little,
	}
	f.collector = format.NewOptionCollector()
	return f
}

func init() {
	format.Default.Register(format.Detector{
		Tag: "aout", Offset: 0, Description: "UNIX a.out (OMAGIC/NMAGIC/ZMAGIC/QMAGIC)",
		Verify: func(content []byte) bool {
			if len(content) < 4 {
				return false
			}
			magic := uint16(content[0]) | uint16(content[1])<<8
			switch Magic(magic) {
			case OMAGIC, NMAGIC, ZMAGIC, QMAGIC:
				return true
			default:
				return false
			}
		},
		New: func() format.Format { return New() },
	})
}

const headerSize = 32

func (f *Format) ReadFile(r *ioprim.Reader) error {
	magic, err := r.ReadUnsigned(2, ioprim.Little)
	if err != nil {
		return err
	}
	f.Magic = Magic(magic)
	switch f.Magic {
	case OMAGIC, NMAGIC, ZMAGIC, QMAGIC:
	default:
		return fmt.Errorf("aout: unrecognized magic 0x%04x", magic)
	}
	if err := r.Skip(2); err != nil { // cpu/flags byte, format-specific, not modeled
		return err
	}
	codeSize, _ := r.ReadUnsigned(4, ioprim.Little)
	dataSize, _ := r.ReadUnsigned(4, ioprim.Little)
	bssSize, _ := r.ReadUnsigned(4, ioprim.Little)
	symSize, _ := r.ReadUnsigned(4, ioprim.Little)
	entry, _ := r.ReadUnsigned(4, ioprim.Little)
	codeRelocSize, _ := r.ReadUnsigned(4, ioprim.Little)
	dataRelocSize, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return err
	}
	f.CodeSize, f.DataSize, f.BSSSize = uint32(codeSize), uint32(dataSize), uint32(bssSize)
	f.SymbolTableSize, f.EntryAddress = uint32(symSize), uint32(entry)
	f.CodeRelocSize, f.DataRelocSize = uint32(codeRelocSize), uint32(dataRelocSize)

	if err := r.Seek(headerSize); err != nil {
		return err
	}
	code, err := r.ReadData(int(f.CodeSize))
	if err != nil {
		diag.Warningf(diag.CategoryInputParse, "aout: code section truncated")
	}
	data, err := r.ReadData(int(f.DataSize))
	if err != nil {
		diag.Warningf(diag.CategoryInputParse, "aout: data section truncated")
	}
	f.Code = image.NewBuffer(code)
	f.Data = image.NewBuffer(data)
	return nil
}

func (f *Format) GenerateModule(module *model.Module) error {
	module.CPU = model.CPUI386
	text := model.NewSection(".text", model.Readable|model.Executable, 4)
	text.Buffer().Expand(f.Code.Size())
	copy(text.Buffer().Bytes(), f.Code.Bytes())
	data := model.NewSection(".data", model.Readable|model.Writable, 4)
	data.Buffer().Expand(f.Data.Size())
	copy(data.Buffer().Bytes(), f.Data.Bytes())
	bss := model.NewZeroFilledSection(".bss", 4, int64(f.BSSSize))
	module.AddSection(text)
	module.AddSection(data)
	module.AddSection(bss)
	module.GlobalSymbols[model.Internal("_start").Key()] = model.NewLocation(text, int64(f.EntryAddress))
	return nil
}

func magicName(m Magic) string {
	switch m {
	case OMAGIC:
		return "OMAGIC"
	case NMAGIC:
		return "NMAGIC"
	case ZMAGIC:
		return "ZMAGIC"
	case QMAGIC:
		return "QMAGIC"
	default:
		return "unknown"
	}
}

func (f *Format) Dump(d *dump.Dumper) error {
	r := d.AddRegion("a.out header", 0, headerSize)
	b := r.AddBlock("header", 0, headerSize)
	b.AddField("magic", magicName(f.Magic))
	b.AddField("code size", f.CodeSize)
	b.AddField("data size", f.DataSize)
	b.AddField("bss size", f.BSSSize)
	b.AddFieldHex("entry", uint64(f.EntryAddress))
	return nil
}

func (f *Format) SetOptions(options map[string]string) { f.collector.ConsiderOptions(options) }
func (f *Format) GetOptions() *format.OptionCollector   { return f.collector }
func (f *Format) GetLinkerScriptParameterNames() []string { return nil }
func (f *Format) ScriptParameters() map[string]int64       { return nil }

// GetScript groups sections by the conventional text/data/bss split;
// ZMAGIC's demand-paged load convention only affects alignment: the
// text segment's align clause is the page size (0x1000) for ZMAGIC and
// 4 otherwise.
func (f *Format) GetScript(module *model.Module) (*script.List, error) {
	align := int64(4)
	if f.Magic == ZMAGIC {
		align = 0x1000
	}
	return &script.List{Statements: []script.Stmt{
		script.SegmentDecl{Name: "text", Clauses: []script.Clause{
			script.AlignClause{Expr: script.IntLiteral{Value: align}},
			script.AllClause{Pattern: script.AttrPattern{Attr: "exec"}},
		}},
		script.SegmentDecl{Name: "data", Clauses: []script.Clause{
			script.AllClause{Pattern: script.AndPattern{
				Left:  script.NotPattern{Inner: script.AttrPattern{Attr: "exec"}},
				Right: script.NotPattern{Inner: script.AttrPattern{Attr: "zero"}},
			}},
		}},
		script.SegmentDecl{Name: "bss", Clauses: []script.Clause{
			script.AllClause{Pattern: script.AttrPattern{Attr: "zero"}},
		}},
	}}, nil
}

func (f *Format) OnNewSegment(seg *model.Segment) error {
	switch seg.Name {
	case "text":
		f.textSeg = seg
	case "data":
		f.dataSeg = seg
	case "bss":
		f.bssSeg = seg
	}
	return nil
}

func (f *Format) ProcessModule(module *model.Module) error {
	return format.StandardProcessModule(f, module, func(r *model.Relocation) error {
		outcome, err := resolve.Resolve(r, module)
		if err != nil {
			return err
		}
		if !outcome.Resolved {
			diag.Errorf(diag.CategoryLinking, "aout: unresolved symbol %s", outcome.Unresolved)
		} else if outcome.Truncated {
			diag.Warningf(diag.CategoryLinking, "aout: relocation value truncated to fit its field")
		}
		return nil
	})
}

func (f *Format) CalculateValues() error {
	if f.textSeg != nil {
		f.CodeSize = uint32(f.textSeg.Size())
	}
	if f.dataSeg != nil {
		f.DataSize = uint32(f.dataSeg.Size())
	}
	if f.bssSeg != nil {
		f.BSSSize = uint32(f.bssSeg.Size())
	}
	return nil
}

func (f *Format) WriteFile(w *ioprim.Writer) error {
	w.WriteWord(2, uint64(f.Magic), ioprim.Little)
	w.WriteWord(2, 0, ioprim.Little)
	w.WriteWord(4, uint64(f.CodeSize), ioprim.Little)
	w.WriteWord(4, uint64(f.DataSize), ioprim.Little)
	w.WriteWord(4, uint64(f.BSSSize), ioprim.Little)
	w.WriteWord(4, uint64(f.SymbolTableSize), ioprim.Little)
	w.WriteWord(4, uint64(f.EntryAddress), ioprim.Little)
	w.WriteWord(4, uint64(f.CodeRelocSize), ioprim.Little)
	w.WriteWord(4, uint64(f.DataRelocSize), ioprim.Little)
	if err := w.FillTo(headerSize); err != nil {
		return err
	}
	if f.textSeg != nil {
		for _, sec := range f.textSeg.Sections {
			w.WriteData(sec.Buffer().Bytes())
		}
	}
	if f.dataSeg != nil {
		for _, sec := range f.dataSeg.Sections {
			w.WriteData(sec.Buffer().Bytes())
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
	ext := ""
	if f.Variant == VariantEMX {
		ext = ".exe"
	}
	return image.NewBuffer(w.Bytes()), ext, nil
}
