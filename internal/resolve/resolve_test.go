package resolve

import (
	"testing"

	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
)

func TestResolveDirectAbsolute(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable|model.Writable, 1)
	sec.Expand(4)
	m.AddSection(sec)

	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetAbsolute(0x10), 2)
	out, err := Resolve(r, m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Resolved || out.Truncated {
		t.Fatalf("Outcome = %+v, want Resolved=true Truncated=false", out)
	}
	got, err := sec.Buffer().ReadUnsigned(0, 2, ioprim.Little)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if got != 0x10 {
		t.Fatalf("patched value = %#x, want 0x10", got)
	}
}

func TestResolveSegmentRelativeLocation(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	seg := model.NewSegment("_seg", 0x1000)
	sec := model.NewSection(".text", model.Readable|model.Executable, 1)
	sec.Expand(8)
	m.AddSection(sec)
	seg.Append(sec, 0)

	target := model.NewLocation(sec, 4)
	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetLocation(target), 2).
		WithReference(model.TargetSegmentBase(seg))

	out, err := Resolve(r, m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Resolved {
		t.Fatalf("Outcome.Resolved = false, want true")
	}
	got, err := sec.Buffer().ReadUnsigned(0, 2, ioprim.Little)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if got != 4 {
		t.Fatalf("patched value = %#x, want 4 (in-segment offset)", got)
	}
}

func TestResolveAbsoluteLocationIncludesSegmentBase(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	seg := model.NewSegment("_flat", 0x400000)
	sec := model.NewSection(".text", model.Readable|model.Executable, 1)
	sec.Expand(0x20)
	m.AddSection(sec)
	seg.Append(sec, 0)

	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetLocation(model.NewLocation(sec, 0x10)), 4)
	r.Endian = ioprim.Little
	out, err := Resolve(r, m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Resolved {
		t.Fatalf("Outcome.Resolved = false, want true")
	}
	got, err := sec.Buffer().ReadUnsigned(0, 4, ioprim.Little)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if got != 0x400010 {
		t.Fatalf("patched value = %#x, want 0x400010 (segment base + offset)", got)
	}
}

func TestResolveUnresolvedSymbol(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable, 1)
	sec.Expand(4)
	m.AddSection(sec)

	name := model.Internal("missing")
	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetSymbol(name), 4)

	out, err := Resolve(r, m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Resolved {
		t.Fatalf("Outcome.Resolved = true, want false for an undefined symbol")
	}
	if out.Unresolved.Key() != name.Key() {
		t.Fatalf("Outcome.Unresolved = %v, want %v", out.Unresolved, name)
	}
}

func TestResolveDefinedSymbol(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable, 1)
	sec.Expand(8)
	m.AddSection(sec)
	seg := model.NewSegment("_seg", 0)
	seg.Append(sec, 0)

	name := model.Internal("label")
	m.GlobalSymbols[name.Key()] = model.NewLocation(sec, 6)

	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetSymbol(name), 2)
	out, err := Resolve(r, m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Resolved {
		t.Fatalf("Outcome.Resolved = false, want true for a defined symbol")
	}
	got, err := sec.Buffer().ReadUnsigned(0, 2, ioprim.Little)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if got != 6 {
		t.Fatalf("patched value = %#x, want 6", got)
	}
}

func TestResolveParagraphAddressShiftsRight4(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable, 1)
	sec.Expand(4)
	m.AddSection(sec)

	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetAbsolute(0x1230), 2)
	r.Kind = model.ParagraphAddress

	out, err := Resolve(r, m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Resolved {
		t.Fatalf("Outcome.Resolved = false, want true")
	}
	got, err := sec.Buffer().ReadUnsigned(0, 2, ioprim.Little)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if got != 0x123 {
		t.Fatalf("patched value = %#x, want 0x123 (0x1230 >> 4)", got)
	}
}

func TestResolveTruncationDetected(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable, 1)
	sec.Expand(4)
	m.AddSection(sec)

	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetAbsolute(0x200), 1)
	out, err := Resolve(r, m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Resolved {
		t.Fatalf("Outcome.Resolved = false, want true (truncation is a warning, not a failure)")
	}
	if !out.Truncated {
		t.Fatalf("Outcome.Truncated = false, want true for 0x200 in a 1-byte field")
	}
}

func TestResolveAddendIsApplied(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable, 1)
	sec.Expand(4)
	m.AddSection(sec)

	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetAbsolute(0x10), 2)
	r.Addend = 5
	if _, err := Resolve(r, m); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err := sec.Buffer().ReadUnsigned(0, 2, ioprim.Little)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if got != 0x15 {
		t.Fatalf("patched value = %#x, want 0x15 (0x10 + addend 5)", got)
	}
}

func TestResolveShiftIsAppliedExactlyOnce(t *testing.T) {
	m := model.NewModule(model.CPUX86_64)
	sec := model.NewSection(".text", model.Readable, 1)
	sec.Expand(2)
	m.AddSection(sec)

	r := model.NewRelocation(model.NewLocation(sec, 0), model.TargetAbsolute(0x1230), 2)
	r.Shift = 4

	out, err := Resolve(r, m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Resolved {
		t.Fatalf("Outcome.Resolved = false, want true")
	}
	got, err := sec.Buffer().ReadUnsigned(0, 2, ioprim.Little)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	// 0x1230 >> 4 once = 0x123; WriteWord must not shift it again.
	if got != 0x123 {
		t.Fatalf("patched value = %#x, want 0x123 (shifted exactly once)", got)
	}
}

func TestFitsInSize(t *testing.T) {
	cases := []struct {
		value uint64
		size  int
		want  bool
	}{
		{0x7F, 1, true},
		{0x80, 1, true},   // low byte already equals the masked value
		{0x200, 1, false}, // doesn't fit either interpretation
		{0xFFFF, 2, true},
		{0x10000, 2, false},
		{0x1, 8, true}, // size >= 8 always fits
	}
	for _, c := range cases {
		if got := fitsInSize(c.value, c.size); got != c.want {
			t.Fatalf("fitsInSize(%#x, %d) = %v, want %v", c.value, c.size, got, c.want)
		}
	}
}
