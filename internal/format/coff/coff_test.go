package coff

import (
	"testing"

	"github.com/xyproto/retrolink/internal/ioprim"
)

func TestFileHeaderWriteToReadFileHeaderRoundTrip(t *testing.T) {
	h := FileHeader{
		Machine: MachineAMD64, NumberOfSections: 3, TimeDateStamp: 0x11223344,
		PointerToSymbolTable: 0x400, NumberOfSymbols: 7, SizeOfOptionalHeader: 224,
		Characteristics: 0x0102,
	}
	w := ioprim.NewWriter(ioprim.Little)
	if err := h.WriteTo(w); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if w.Len() != FileHeaderSize {
		t.Fatalf("WriteTo wrote %d bytes, want FileHeaderSize=%d", w.Len(), FileHeaderSize)
	}

	r := ioprim.NewReader(w.Bytes(), ioprim.Little)
	got, err := ReadFileHeader(r)
	if err != nil {
		t.Fatalf("ReadFileHeader: %v", err)
	}
	if got != h {
		t.Fatalf("ReadFileHeader() = %+v, want %+v", got, h)
	}
}

func TestSectionHeader32WriteToReadSectionHeader32RoundTrip(t *testing.T) {
	sh := SectionHeader32{
		Name: NewSectionName(".text"), VirtualSize: 0x100, VirtualAddress: 0x1000,
		SizeOfRawData: 0x200, PointerToRawData: 0x400,
		PointerToRelocations: 0, NumberOfRelocations: 0,
		Characteristics: SectionMemRead | SectionMemExecute | SectionCharacteristicsCode,
	}
	w := ioprim.NewWriter(ioprim.Little)
	if err := sh.WriteTo(w); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if w.Len() != SectionHeaderSize {
		t.Fatalf("WriteTo wrote %d bytes, want SectionHeaderSize=%d", w.Len(), SectionHeaderSize)
	}

	r := ioprim.NewReader(w.Bytes(), ioprim.Little)
	got, err := ReadSectionHeader32(r)
	if err != nil {
		t.Fatalf("ReadSectionHeader32: %v", err)
	}
	if got != sh {
		t.Fatalf("ReadSectionHeader32() = %+v, want %+v", got, sh)
	}
}

func TestNewSectionNameTruncatesAndZeroPads(t *testing.T) {
	name := NewSectionName(".text")
	want := [8]byte{'.', 't', 'e', 'x', 't', 0, 0, 0}
	if name != want {
		t.Fatalf("NewSectionName(.text) = %v, want %v", name, want)
	}
	long := NewSectionName(".textbss1")
	wantLong := [8]byte{'.', 't', 'e', 'x', 't', 'b', 's', 's'}
	if long != wantLong {
		t.Fatalf("NewSectionName(.textbss1) = %v, want %v", long, wantLong)
	}
}
