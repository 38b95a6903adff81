package model

// Location is a (section, offset) pair.
type Location struct {
	Section *Section
	Offset  int64
}

func NewLocation(section *Section, offset int64) Location {
	return Location{Section: section, Offset: offset}
}

// GetPosition returns the address of this Location. aligned=true returns
// the address relative to the containing Segment's base (bias + offset);
// aligned=false returns the absolute address, Segment base included.
func (l Location) GetPosition(aligned bool) (uint64, error) {
	base, err := l.Section.GetPosition(aligned)
	if err != nil {
		return 0, err
	}
	return base + uint64(l.Offset), nil
}

// targetKind discriminates the Target variants.
type targetKind int

const (
	targetLocation targetKind = iota
	targetSymbolName
	targetSegmentBaseSection
	targetSegmentBaseSegment
	targetAbsoluteValue
)

// Target is the right-hand-side of a relocation: Location, SymbolName,
// SegmentBase(section|segment), or AbsoluteValue(n).
type Target struct {
	kind     targetKind
	location Location
	name     SymbolName
	section  *Section
	segment  *Segment
	value    uint64
}

func TargetLocation(loc Location) Target { return Target{kind: targetLocation, location: loc} }
func TargetSymbol(name SymbolName) Target {
	return Target{kind: targetSymbolName, name: name}
}
func TargetSegmentBaseOfSection(s *Section) Target {
	return Target{kind: targetSegmentBaseSection, section: s}
}
func TargetSegmentBase(seg *Segment) Target {
	return Target{kind: targetSegmentBaseSegment, segment: seg}
}
func TargetAbsolute(value uint64) Target {
	return Target{kind: targetAbsoluteValue, value: value}
}

func (t Target) AsLocation() (Location, bool) {
	if t.kind == targetLocation {
		return t.location, true
	}
	return Location{}, false
}

func (t Target) AsSymbol() (SymbolName, bool) {
	if t.kind == targetSymbolName {
		return t.name, true
	}
	return SymbolName{}, false
}

func (t Target) AsSegmentBaseSection() (*Section, bool) {
	if t.kind == targetSegmentBaseSection {
		return t.section, true
	}
	return nil, false
}

func (t Target) AsSegmentBaseSegment() (*Segment, bool) {
	if t.kind == targetSegmentBaseSegment {
		return t.segment, true
	}
	return nil, false
}

func (t Target) AsAbsoluteValue() (uint64, bool) {
	if t.kind == targetAbsoluteValue {
		return t.value, true
	}
	return 0, false
}
