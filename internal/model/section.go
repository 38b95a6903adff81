package model

import (
	"fmt"

	"github.com/xyproto/retrolink/internal/image"
)

// Flag is a bit in a Section's attribute set.
type Flag uint32

const (
	Readable Flag = 1 << iota
	Writable
	Executable
	ZeroFilled
	Mergeable
	Fixed
	Stack
	Heap
	Optional
	Resource
	// FormatAdditionalBase is the first bit an output format's
	// FormatAdditionalSectionFlags hook may allocate for its own
	// section attributes, e.g. a PE format's "discardable" or an ELF
	// format's "TLS".
	FormatAdditionalBase Flag = 1 << 16
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Section is a named, semantically-tagged piece of content belonging to a
// Module.
type Section struct {
	Name      string
	Flags     Flag
	Alignment int64 // power of two

	// buffer holds initialized data; ZeroFill is the trailing run of
	// zero bytes logically appended after it. A zero-filled section
	// (Flags.Has(ZeroFilled)) has an empty buffer and a nonzero
	// ZeroFill, never both populated.
	buffer   *image.Buffer
	ZeroFill int64

	// ExtraReservation is a format-dependent reservation beyond the
	// declared zero-fill, e.g. a BSS-like tail a loader pads further at
	// load time.
	ExtraReservation int64

	// FixedBase is the address a Fixed section must be placed at; the
	// segment manager verifies or rejects rather than allocating one.
	FixedBase uint64

	// Bias and Segment are resolved by the segment manager once the
	// section has been laid out.
	Bias    int64
	Segment *Segment
}

// NewSection creates a Section with an owned, empty Buffer.
func NewSection(name string, flags Flag, alignment int64) *Section {
	if alignment <= 0 {
		alignment = 1
	}
	return &Section{Name: name, Flags: flags, Alignment: alignment, buffer: image.NewBuffer(nil)}
}

// NewZeroFilledSection creates a bss-like Section with no initialized data.
func NewZeroFilledSection(name string, alignment int64, zeroFill int64) *Section {
	s := NewSection(name, ZeroFilled|Readable|Writable, alignment)
	s.ZeroFill = zeroFill
	return s
}

// Buffer exposes the initialized-data buffer for writing content into.
func (s *Section) Buffer() *image.Buffer { return s.buffer }

// Expand grows the initialized-data buffer by n zero bytes. A Section's
// buffer length never exceeds its declared size; growing is always an
// explicit Expand call, never an implicit write past the end.
func (s *Section) Expand(n int64) { s.buffer.Expand(n) }

// Size reports the length of the initialized-data buffer, excluding
// ZeroFill and ExtraReservation.
func (s *Section) Size() int64 { return s.buffer.Size() }

// Footprint is the total in-memory size: Size() + ZeroFill.
func (s *Section) Footprint() int64 { return s.Size() + s.ZeroFill }

// GetPosition returns the section's address. If aligned is true, the
// position is relative to the containing Segment's base (the in-segment
// bias); otherwise it is the absolute address, Segment base included.
func (s *Section) GetPosition(aligned bool) (uint64, error) {
	if s.Segment == nil {
		return 0, fmt.Errorf("model: section %q has not been placed in a segment", s.Name)
	}
	if aligned {
		return uint64(s.Bias), nil
	}
	return s.Segment.BaseAddress + uint64(s.Bias), nil
}
