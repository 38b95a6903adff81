package eightbit

import (
	"testing"

	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/model"
)

func sectionWithBytes(b []byte) *model.Section {
	sec := model.NewSection(".text", model.Readable|model.Writable|model.Executable, 1)
	sec.Buffer().Expand(int64(len(b)))
	copy(sec.Buffer().Bytes(), b)
	return sec
}

func TestNameVariesByVariant(t *testing.T) {
	cases := map[Variant]string{
		VariantCommodorePRG: "c64-prg",
		VariantAtariXEX:     "atari-xex",
		VariantApple2Bin:    "apple2-bin",
	}
	for v, want := range cases {
		if got := New(v).Name(); got != want {
			t.Fatalf("New(%v).Name() = %q, want %q", v, got, want)
		}
	}
}

func TestNewDefaultBaseAddressesMatchPlatformConvention(t *testing.T) {
	if got := New(VariantCommodorePRG).DefaultBaseAddress; got != 0x0801 {
		t.Fatalf("Commodore PRG base = %#x, want 0x0801", got)
	}
	if got := New(VariantAtariXEX).DefaultBaseAddress; got != 0x2000 {
		t.Fatalf("Atari XEX base = %#x, want 0x2000", got)
	}
	if got := New(VariantApple2Bin).DefaultBaseAddress; got != 0x0803 {
		t.Fatalf("Apple II bin base = %#x, want 0x0803", got)
	}
}

func TestGenerateFileCommodorePRGPrependsLoadAddress(t *testing.T) {
	f := New(VariantCommodorePRG)
	m := model.NewModule(model.CPUM6502)
	m.AddSection(sectionWithBytes([]byte{0xAA, 0xBB}))

	img, ext, err := f.GenerateFile(m)
	if err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	if ext != ".prg" {
		t.Fatalf("ext = %q, want .prg", ext)
	}
	b := img.(*image.Buffer).Bytes()
	if len(b) != 4 {
		t.Fatalf("len(bytes) = %d, want 4 (2-byte header + 2 body bytes)", len(b))
	}
	if b[0] != 0x01 || b[1] != 0x08 {
		t.Fatalf("header = % x, want 01 08 (0x0801 little-endian)", b[:2])
	}
	if b[2] != 0xAA || b[3] != 0xBB {
		t.Fatalf("body = % x, want aa bb", b[2:])
	}
}

func TestGenerateFileAtariXEXWritesMarkerAndBounds(t *testing.T) {
	f := New(VariantAtariXEX)
	m := model.NewModule(model.CPUM6502)
	m.AddSection(sectionWithBytes([]byte{1, 2, 3}))

	img, _, err := f.GenerateFile(m)
	if err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	b := img.(*image.Buffer).Bytes()
	if len(b) != 6+3 {
		t.Fatalf("len(bytes) = %d, want 9 (2 marker + 2 start + 2 end + 3 body)", len(b))
	}
	if b[0] != 0xFF || b[1] != 0xFF {
		t.Fatalf("marker = % x, want ff ff", b[:2])
	}
	start := uint16(b[2]) | uint16(b[3])<<8
	end := uint16(b[4]) | uint16(b[5])<<8
	if start != 0x2000 {
		t.Fatalf("start = %#x, want 0x2000", start)
	}
	if end != 0x2000+3-1 {
		t.Fatalf("end = %#x, want %#x", end, 0x2000+3-1)
	}
}

func TestGenerateFileApple2BinNoExtraHeader(t *testing.T) {
	f := New(VariantApple2Bin)
	m := model.NewModule(model.CPUM6502)
	m.AddSection(sectionWithBytes([]byte{9, 9}))

	img, _, err := f.GenerateFile(m)
	if err != nil {
		t.Fatalf("GenerateFile: %v", err)
	}
	if len(img.(*image.Buffer).Bytes()) != 2 {
		t.Fatalf("len(bytes) = %d, want 2 (no extra loader header)", len(img.(*image.Buffer).Bytes()))
	}
}
