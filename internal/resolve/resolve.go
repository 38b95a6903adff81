// Package resolve implements the resolution engine: turning each
// Relocation's Target and Reference into a concrete value, writing it into
// the source bytes, and reporting unresolvable symbols back to the caller
// instead of failing the whole Module.
package resolve

import (
	"fmt"

	"github.com/xyproto/retrolink/internal/model"
)

// side is one collapsed Target: either an address within a Segment
// (Offset, Segment non-nil for a real segment, nil for an absolute value)
// or an unresolved symbol reference.
type side struct {
	offset     int64
	segment    *model.Segment
	unresolved *model.SymbolName
}

func collapse(t model.Target, module *model.Module) (side, error) {
	if loc, ok := t.AsLocation(); ok {
		pos, err := loc.GetPosition(false)
		if err != nil {
			return side{}, err
		}
		var seg *model.Segment
		if loc.Section != nil {
			seg = loc.Section.Segment
		}
		return side{offset: int64(pos), segment: seg}, nil
	}
	if name, ok := t.AsSymbol(); ok {
		if loc, found := module.LookupSymbol(name); found {
			pos, err := loc.GetPosition(false)
			if err != nil {
				return side{}, err
			}
			var seg *model.Segment
			if loc.Section != nil {
				seg = loc.Section.Segment
			}
			return side{offset: int64(pos), segment: seg}, nil
		}
		if _, imported := module.ImportedSymbols[name.Key()]; imported || name.IsImported() {
			n := name
			return side{unresolved: &n}, nil
		}
		n := name
		return side{unresolved: &n}, nil
	}
	if sec, ok := t.AsSegmentBaseSection(); ok {
		var base uint64
		if sec.Segment != nil {
			base = sec.Segment.BaseAddress
		}
		return side{offset: int64(base), segment: sec.Segment}, nil
	}
	if seg, ok := t.AsSegmentBaseSegment(); ok {
		return side{offset: int64(seg.BaseAddress), segment: seg}, nil
	}
	if v, ok := t.AsAbsoluteValue(); ok {
		return side{offset: int64(v)}, nil
	}
	return side{}, fmt.Errorf("resolve: target has no recognizable variant")
}

// Outcome is the result of attempting to resolve one Relocation.
type Outcome struct {
	// Resolved is false when either side named a symbol the Module
	// never defined (possibly an import the plugin can encode).
	Resolved   bool
	Resolution model.Resolution
	// Unresolved is the symbol name that could not be found, set only
	// when Resolved is false.
	Unresolved model.SymbolName
	// Truncated is set when the resolved value did not fit the
	// relocation's field size; the caller, which has the diag.Sink and
	// file/symbol context, decides whether and how to report it.
	Truncated bool
}

// Resolve computes a Relocation's value and, on success, writes it into
// the relocation's source bytes. It never mutates the Module on failure.
func Resolve(r *model.Relocation, module *model.Module) (Outcome, error) {
	target, err := collapse(r.Target, module)
	if err != nil {
		return Outcome{}, err
	}
	var reference side
	if r.HasReference() {
		reference, err = collapse(r.Reference, module)
		if err != nil {
			return Outcome{}, err
		}
	}

	if target.unresolved != nil {
		return Outcome{Unresolved: *target.unresolved}, nil
	}
	if reference.unresolved != nil {
		return Outcome{Unresolved: *reference.unresolved}, nil
	}

	value := uint64(target.offset-reference.offset) + uint64(r.Addend)

	switch r.Kind {
	case model.ParagraphAddress:
		value >>= 4
	case model.SelectorIndex:
		// The selector value itself is computed by the format plugin
		// (first selector + segment index * 8); the engine only
		// supplies the raw offset difference here.
	}

	var shifted uint64
	if r.Shift >= 0 {
		shifted = (value >> uint(r.Shift)) & r.Mask
	} else {
		shifted = (value << uint(-r.Shift)) & r.Mask
	}

	truncated := !fitsInSize(value, r.Size)

	// WriteWord applies Shift and Mask itself; hand it the raw value so the
	// transform happens exactly once (shifted above is for Resolution only).
	if err := r.WriteWord(value); err != nil {
		return Outcome{}, err
	}

	resolution := model.NewResolution(shifted, target.segment, reference.segment)
	return Outcome{Resolved: true, Resolution: resolution, Truncated: truncated}, nil
}

// fitsInSize reports whether value, sign-extended from a size*8-bit field,
// round-trips without loss, i.e. whether the truncation diagnostic
// should fire.
func fitsInSize(value uint64, size int) bool {
	if size >= 8 {
		return true
	}
	bits := uint(size * 8)
	masked := value & ((uint64(1) << bits) - 1)
	// Accept the value if either its unsigned or its sign-extended
	// truncation reproduces the original low bits; covers both
	// "small positive displacement" and "small negative displacement"
	// relocations written into a narrow field.
	signExtended := uint64(int64(masked<<(64-bits)) >> (64 - bits))
	return value == masked || value == signExtended
}
