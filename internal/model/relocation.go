package model

import (
	"fmt"

	"github.com/xyproto/retrolink/internal/ioprim"
)

// RelocationKind is the interpretation of a Relocation's computed value.
type RelocationKind int

const (
	// Direct is a plain difference or absolute value; field width is
	// controlled by Size.
	Direct RelocationKind = iota
	// ParagraphAddress is a 16-bit x86 real-mode paragraph number
	// (value >> 4).
	ParagraphAddress
	// SelectorIndex is a 16-bit x86 protected-mode selector index.
	SelectorIndex
)

func (k RelocationKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case ParagraphAddress:
		return "paragraph"
	case SelectorIndex:
		return "selector"
	default:
		return "unknown"
	}
}

// Relocation says: at Source, patch a Size-byte value, whose bits are
// ((Target - Reference) + Addend) shifted/masked, interpreted as Kind.
type Relocation struct {
	Source    Location
	Target    Target
	Reference Target // the zero Target (AbsoluteValue(0) is NOT the same as "null"); use HasReference
	hasRef    bool
	Kind      RelocationKind
	Size      int   // 1, 2, 3, 4, 6 or 8
	Addend    int64
	Mask      uint64
	Shift     int
	Endian    ioprim.Endian
}

// NewRelocation builds a Relocation with no reference frame (an absolute
// relocation): target's value alone is written.
func NewRelocation(source Location, target Target, size int) *Relocation {
	return &Relocation{
		Source: source,
		Target: target,
		Kind:   Direct,
		Size:   size,
		Mask:   ^uint64(0),
	}
}

// WithReference sets the relocation's frame of reference (the Target that
// is subtracted from Target before Addend is applied).
func (r *Relocation) WithReference(ref Target) *Relocation {
	r.Reference = ref
	r.hasRef = true
	return r
}

// HasReference reports whether a reference frame was set; its absence
// means the relocation is absolute.
func (r *Relocation) HasReference() bool { return r.hasRef }

// IsRelative reports whether the reference Target is the same Segment as
// the Relocation's own source section's segment, i.e. whether this is an
// intra-segment (PC-relative-style) relocation.
func (r *Relocation) IsRelative() bool {
	if !r.hasRef {
		return false
	}
	refSeg, ok := r.Reference.AsSegmentBaseSegment()
	if !ok {
		if refSection, ok := r.Reference.AsSegmentBaseSection(); ok {
			refSeg = refSection.Segment
		} else {
			return false
		}
	}
	return r.Source.Section != nil && r.Source.Section.Segment == refSeg
}

// WriteWord patches the Relocation's Source bytes with value, honoring
// Mask, Shift and Endian.
func (r *Relocation) WriteWord(value uint64) error {
	if r.Source.Section == nil {
		return fmt.Errorf("model: relocation has no source section")
	}
	if r.Source.Offset < 0 || r.Source.Offset+int64(r.Size) > r.Source.Section.Size() {
		return fmt.Errorf("model: relocation at offset %d (size %d) lies outside section %s", r.Source.Offset, r.Size, r.Source.Section.Name)
	}
	var patched uint64
	if r.Shift >= 0 {
		patched = (value >> uint(r.Shift)) & r.Mask
	} else {
		patched = (value << uint(-r.Shift)) & r.Mask
	}
	return r.Source.Section.Buffer().WriteWord(r.Source.Offset, r.Size, patched, r.Endian)
}
