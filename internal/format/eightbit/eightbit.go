// Package eightbit implements the 8-bit home-computer loader formats.
// Each is a flat binary, so this package wraps internal/format/binary
// rather than duplicating its segment/script logic, adding a small
// fixed loader header where the platform has one: Commodore PRG's
// two-byte load address and Atari XEX's (start, end) segment record.
// Apple II binaries carry no header.
package eightbit

import (
	"github.com/xyproto/retrolink/internal/format"
	"github.com/xyproto/retrolink/internal/format/binary"
	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
)

// Variant selects which home computer's loader convention applies.
type Variant int

const (
	VariantCommodorePRG Variant = iota
	VariantAtariXEX
	VariantApple2Bin
)

// Format wraps a binary.Format and adds the small fixed-size load
// header, if any, that the 8-bit platform's loader expects before the
// flat image.
type Format struct {
	*binary.Format
	Variant Variant
}

func New(variant Variant) *Format {
	var base uint64
	var ext string
	switch variant {
	case VariantAtariXEX:
		base, ext = 0x2000, ".xex"
	case VariantApple2Bin:
		base, ext = 0x0803, ".bin"
	default:
		base, ext = 0x0801, ".prg" // Commodore BASIC start-of-program address
	}
	return &Format{Format: binary.New(base, ext), Variant: variant}
}

func (f *Format) Name() string {
	switch f.Variant {
	case VariantAtariXEX:
		return "atari-xex"
	case VariantApple2Bin:
		return "apple2-bin"
	default:
		return "c64-prg"
	}
}

func init() {
	for _, v := range []Variant{VariantCommodorePRG, VariantAtariXEX, VariantApple2Bin} {
		v := v
		f := New(v)
		format.Default.Register(format.Detector{
			Tag: f.Name(), Description: "8-bit home computer loader (" + f.Name() + ")",
			New: func() format.Format { return New(v) },
		})
	}
}

// writeHeader emits the platform's fixed-size load header ahead of the
// flat image. size is the already-computed total image length, needed
// up front for Atari XEX's (start, end) pair. Embedding binary.Format
// gives no virtual dispatch in Go, so GenerateFile below drives this
// directly instead of overriding binary.Format.WriteFile and hoping it
// gets called back into.
func (f *Format) writeHeader(w *ioprim.Writer, size int64) error {
	base := uint64(f.ScriptParameters()["base_address"])
	switch f.Variant {
	case VariantCommodorePRG:
		// Commodore PRG: two-byte little-endian load address only.
		return w.WriteWord(2, base, ioprim.Little)
	case VariantAtariXEX:
		// Atari XEX: 0xFFFF marker then (start, end) for the one segment
		// this linker produces (multi-segment XEX chaining is future work).
		if err := w.WriteWord(2, 0xFFFF, ioprim.Little); err != nil {
			return err
		}
		if err := w.WriteWord(2, base, ioprim.Little); err != nil {
			return err
		}
		end := base + uint64(size) - 1
		return w.WriteWord(2, end, ioprim.Little)
	default:
		return nil
	}
}

// GenerateFile runs the embedded binary.Format's pipeline, then
// prepends this platform's load header to the resulting image rather
// than relying on method overriding, which Go's embedding does not
// provide.
func (f *Format) GenerateFile(module *model.Module) (image.Image, string, error) {
	img, ext, err := f.Format.GenerateFile(module)
	if err != nil {
		return nil, "", err
	}
	body := img.(*image.Buffer).Bytes()
	w := ioprim.NewWriter(ioprim.Little)
	if err := f.writeHeader(w, int64(len(body))); err != nil {
		return nil, "", err
	}
	if _, err := w.WriteData(body); err != nil {
		return nil, "", err
	}
	return image.NewBuffer(w.Bytes()), ext, nil
}
