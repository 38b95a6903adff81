// Package coff implements a generic COFF file-header and section-table
// reader and writer. The PE plugin in internal/format/pe embeds these
// types for its own section table; plain COFF objects share the same
// layout.
package coff

import (
	"github.com/xyproto/retrolink/internal/ioprim"
)

// Machine values used by both plain COFF objects and PE's COFF header.
const (
	MachineI386  = 0x14c
	MachineAMD64 = 0x8664
	MachineARM64 = 0xaa64
)

// FileHeader is the 20-byte COFF file header.
type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

const FileHeaderSize = 20

func (h FileHeader) WriteTo(w *ioprim.Writer) error {
	w.WriteWord(2, uint64(h.Machine), ioprim.Little)
	w.WriteWord(2, uint64(h.NumberOfSections), ioprim.Little)
	w.WriteWord(4, uint64(h.TimeDateStamp), ioprim.Little)
	w.WriteWord(4, uint64(h.PointerToSymbolTable), ioprim.Little)
	w.WriteWord(4, uint64(h.NumberOfSymbols), ioprim.Little)
	w.WriteWord(2, uint64(h.SizeOfOptionalHeader), ioprim.Little)
	return w.WriteWord(2, uint64(h.Characteristics), ioprim.Little)
}

func ReadFileHeader(r *ioprim.Reader) (FileHeader, error) {
	var h FileHeader
	machine, err := r.ReadUnsigned(2, ioprim.Little)
	if err != nil {
		return h, err
	}
	numSections, _ := r.ReadUnsigned(2, ioprim.Little)
	timeStamp, _ := r.ReadUnsigned(4, ioprim.Little)
	symPtr, _ := r.ReadUnsigned(4, ioprim.Little)
	numSyms, _ := r.ReadUnsigned(4, ioprim.Little)
	optHeaderSize, _ := r.ReadUnsigned(2, ioprim.Little)
	characteristics, err := r.ReadUnsigned(2, ioprim.Little)
	if err != nil {
		return h, err
	}
	h = FileHeader{
		Machine: uint16(machine), NumberOfSections: uint16(numSections),
		TimeDateStamp: uint32(timeStamp), PointerToSymbolTable: uint32(symPtr),
		NumberOfSymbols: uint32(numSyms), SizeOfOptionalHeader: uint16(optHeaderSize),
		Characteristics: uint16(characteristics),
	}
	return h, nil
}

// SectionHeader32 is one COFF section-table entry: fixed 8-byte name,
// virtual size/address, raw data pointer/size, and relocation/
// line-number pointers condensed here to what the linker fills in.
type SectionHeader32 struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	NumberOfRelocations  uint16
	Characteristics      uint32
}

const SectionHeaderSize = 40

const (
	SectionCharacteristicsCode   = 0x00000020
	SectionCharacteristicsData   = 0x00000040
	SectionCharacteristicsBSS    = 0x00000080
	SectionMemExecute            = 0x20000000
	SectionMemRead               = 0x40000000
	SectionMemWrite              = 0x80000000
)

func NewSectionName(name string) [8]byte {
	var out [8]byte
	copy(out[:], name)
	return out
}

func (s SectionHeader32) WriteTo(w *ioprim.Writer) error {
	w.WriteData(s.Name[:])
	w.WriteWord(4, uint64(s.VirtualSize), ioprim.Little)
	w.WriteWord(4, uint64(s.VirtualAddress), ioprim.Little)
	w.WriteWord(4, uint64(s.SizeOfRawData), ioprim.Little)
	w.WriteWord(4, uint64(s.PointerToRawData), ioprim.Little)
	w.WriteWord(4, uint64(s.PointerToRelocations), ioprim.Little)
	w.WriteWord(4, 0, ioprim.Little) // PointerToLinenumbers, unused
	w.WriteWord(2, uint64(s.NumberOfRelocations), ioprim.Little)
	w.WriteWord(2, 0, ioprim.Little) // NumberOfLinenumbers, unused
	return w.WriteWord(4, uint64(s.Characteristics), ioprim.Little)
}

func ReadSectionHeader32(r *ioprim.Reader) (SectionHeader32, error) {
	var s SectionHeader32
	name, err := r.ReadData(8)
	if err != nil {
		return s, err
	}
	copy(s.Name[:], name)
	vsize, _ := r.ReadUnsigned(4, ioprim.Little)
	vaddr, _ := r.ReadUnsigned(4, ioprim.Little)
	rawSize, _ := r.ReadUnsigned(4, ioprim.Little)
	rawPtr, _ := r.ReadUnsigned(4, ioprim.Little)
	relocPtr, _ := r.ReadUnsigned(4, ioprim.Little)
	if err := r.Skip(4); err != nil { // line numbers pointer
		return s, err
	}
	relocCount, _ := r.ReadUnsigned(2, ioprim.Little)
	if err := r.Skip(2); err != nil { // line number count
		return s, err
	}
	characteristics, err := r.ReadUnsigned(4, ioprim.Little)
	if err != nil {
		return s, err
	}
	s.VirtualSize, s.VirtualAddress = uint32(vsize), uint32(vaddr)
	s.SizeOfRawData, s.PointerToRawData = uint32(rawSize), uint32(rawPtr)
	s.PointerToRelocations, s.NumberOfRelocations = uint32(relocPtr), uint16(relocCount)
	s.Characteristics = uint32(characteristics)
	return s, nil
}
