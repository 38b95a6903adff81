package ioprim

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, e := range []Endian{Little, Big, PDP11, AntiPDP11} {
		buf := Encode(e, 4, 0x11223344)
		got := Decode(e, buf)
		if got != 0x11223344 {
			t.Fatalf("endian %v: round trip = %#x, want 0x11223344", e, got)
		}
	}
}

func TestEncodeLittleBigByteOrder(t *testing.T) {
	little := Encode(Little, 2, 0x1234)
	if !bytes.Equal(little, []byte{0x34, 0x12}) {
		t.Fatalf("Encode(Little, 2, 0x1234) = % x, want 34 12", little)
	}
	big := Encode(Big, 2, 0x1234)
	if !bytes.Equal(big, []byte{0x12, 0x34}) {
		t.Fatalf("Encode(Big, 2, 0x1234) = % x, want 12 34", big)
	}
}

func TestEncodePDP11MiddleEndian(t *testing.T) {
	// PDP11 stores a 32-bit word as two little-endian 16-bit halves,
	// high word first.
	buf := Encode(PDP11, 4, 0x11223344)
	want := []byte{0x22, 0x11, 0x44, 0x33}
	if !bytes.Equal(buf, want) {
		t.Fatalf("Encode(PDP11, 4, 0x11223344) = % x, want % x", buf, want)
	}
}

func TestSignExtend(t *testing.T) {
	if got := SignExtend(1, 0xFF); got != -1 {
		t.Fatalf("SignExtend(1, 0xff) = %d, want -1", got)
	}
	if got := SignExtend(2, 0x7FFF); got != 0x7FFF {
		t.Fatalf("SignExtend(2, 0x7fff) = %d, want 0x7fff", got)
	}
	if got := SignExtend(2, 0x8000); got != -32768 {
		t.Fatalf("SignExtend(2, 0x8000) = %d, want -32768", got)
	}
}

func TestReaderReadData(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4, 5}, Little)
	got, err := r.ReadData(3)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("ReadData(3) = %v, want [1 2 3]", got)
	}
	if r.Tell() != 3 {
		t.Fatalf("Tell() = %d, want 3", r.Tell())
	}
}

func TestReaderReadDataPastEndReportsUnexpectedEOF(t *testing.T) {
	r := NewReader([]byte{1, 2}, Little)
	if err := r.Seek(1); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	_, err := r.ReadData(4)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("ReadData past end = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReaderSeekSkipSeekEnd(t *testing.T) {
	r := NewReader(make([]byte, 16), Little)
	if err := r.Seek(4); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := r.Skip(2); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if r.Tell() != 6 {
		t.Fatalf("Tell() = %d, want 6", r.Tell())
	}
	if err := r.SeekEnd(4); err != nil {
		t.Fatalf("SeekEnd: %v", err)
	}
	if r.Tell() != 12 {
		t.Fatalf("Tell() after SeekEnd(4) = %d, want 12", r.Tell())
	}
	if err := r.Seek(-1); err == nil {
		t.Fatalf("Seek(-1) succeeded, want error")
	}
}

func TestReaderReadUnsignedSignedOverride(t *testing.T) {
	r := NewReader([]byte{0x34, 0x12}, Big)
	got, err := r.ReadUnsigned(2, Little)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if got != 0x1234 {
		t.Fatalf("ReadUnsigned(2, Little) override = %#x, want 0x1234", got)
	}
}

func TestReaderReadASCIIZ(t *testing.T) {
	r := NewReader([]byte("hello\x00world"), Little)
	s, err := r.ReadASCIIZ()
	if err != nil {
		t.Fatalf("ReadASCIIZ: %v", err)
	}
	if s != "hello" {
		t.Fatalf("ReadASCIIZ() = %q, want %q", s, "hello")
	}
	if r.Tell() != 6 {
		t.Fatalf("Tell() after ReadASCIIZ = %d, want 6 (past the NUL)", r.Tell())
	}
}

func TestReaderReadASCIIZUnterminated(t *testing.T) {
	r := NewReader([]byte("noterm"), Little)
	_, err := r.ReadASCIIZ()
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("ReadASCIIZ on unterminated data = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestWriterWriteDataGrowsAndAdvances(t *testing.T) {
	w := NewWriter(Little)
	if _, err := w.WriteData([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if w.Tell() != 3 {
		t.Fatalf("Tell() = %d, want 3", w.Tell())
	}
	if !bytes.Equal(w.Bytes(), []byte{1, 2, 3}) {
		t.Fatalf("Bytes() = %v, want [1 2 3]", w.Bytes())
	}
}

func TestWriterAlignToAndFillTo(t *testing.T) {
	w := NewWriter(Little)
	w.WriteData([]byte{1})
	if err := w.AlignTo(4); err != nil {
		t.Fatalf("AlignTo: %v", err)
	}
	if w.Tell() != 4 {
		t.Fatalf("Tell() after AlignTo(4) = %d, want 4", w.Tell())
	}
	if err := w.FillTo(8); err != nil {
		t.Fatalf("FillTo: %v", err)
	}
	if w.Len() != 8 {
		t.Fatalf("Len() after FillTo(8) = %d, want 8", w.Len())
	}
	if err := w.FillTo(2); err == nil {
		t.Fatalf("FillTo(2) succeeded while cursor is past offset 2, want error")
	}
}

func TestWriterPatchAtDoesNotMoveCursor(t *testing.T) {
	w := NewWriter(Little)
	w.WriteData([]byte{0, 0, 0, 0})
	pos := w.Tell()
	if err := w.PatchAt(1, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("PatchAt: %v", err)
	}
	if w.Tell() != pos {
		t.Fatalf("PatchAt moved the cursor: %d != %d", w.Tell(), pos)
	}
	if !bytes.Equal(w.Bytes(), []byte{0, 0xAA, 0xBB, 0}) {
		t.Fatalf("Bytes() = % x, want 00 aa bb 00", w.Bytes())
	}
}

func TestWriterWriteWordRoundTripsThroughReader(t *testing.T) {
	w := NewWriter(Big)
	if err := w.WriteWord(4, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	r := NewReader(w.Bytes(), Big)
	got, err := r.ReadUnsigned(4)
	if err != nil {
		t.Fatalf("ReadUnsigned: %v", err)
	}
	if got != 0xDEADBEEF {
		t.Fatalf("round trip = %#x, want 0xdeadbeef", got)
	}
}
