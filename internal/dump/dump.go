// Package dump implements the dumper ingestion contract: a structured
// description of regions, blocks, fields and bitfields that a format
// plugin's Dump() populates and a separate renderer turns into a
// human-readable report.
package dump

import "fmt"

// Field is one named value inside a Block, optionally with a human
// display hint (e.g. a hex address, a flag-name expansion).
type Field struct {
	Name    string
	Value   any
	Display string // pre-formatted display string; if empty, derived from Value
}

func (f Field) String() string {
	if f.Display != "" {
		return fmt.Sprintf("%s: %s", f.Name, f.Display)
	}
	return fmt.Sprintf("%s: %v", f.Name, f.Value)
}

// Bitfield describes one named bit or bit-range extracted from a parent
// Field's raw value, e.g. an ELF section's flag bits broken out
// individually.
type Bitfield struct {
	Name      string
	Shift     uint
	Width     uint
	ValueName string // e.g. "Executable" for a decoded flag bit
}

// Block is a named, offset-tagged group of Fields, typically one header
// or one table entry (a section header, a symbol-table row, a
// relocation).
type Block struct {
	Name      string
	Offset    int64
	Length    int64
	Fields    []Field
	Bitfields []Bitfield
}

func (b *Block) AddField(name string, value any) *Block {
	b.Fields = append(b.Fields, Field{Name: name, Value: value})
	return b
}

func (b *Block) AddFieldHex(name string, value uint64) *Block {
	b.Fields = append(b.Fields, Field{Name: name, Value: value, Display: fmt.Sprintf("0x%x", value)})
	return b
}

func (b *Block) AddBitfield(name string, shift, width uint, valueName string) *Block {
	b.Bitfields = append(b.Bitfields, Bitfield{Name: name, Shift: shift, Width: width, ValueName: valueName})
	return b
}

// Region is a named, offset-and-length-tagged top-level section of the
// dump tree, typically one file-format region (header, section table,
// symbol table, string table, raw image).
type Region struct {
	Name   string
	Offset int64
	Length int64
	Blocks []*Block
}

func (r *Region) AddBlock(name string, offset, length int64) *Block {
	b := &Block{Name: name, Offset: offset, Length: length}
	r.Blocks = append(r.Blocks, b)
	return b
}

// Dumper accumulates Regions for one file; a plugin's Dump(dumper) method
// populates it, and a separate renderer walks the tree.
type Dumper struct {
	FileName string
	Regions  []*Region
}

func New(fileName string) *Dumper {
	return &Dumper{FileName: fileName}
}

func (d *Dumper) AddRegion(name string, offset, length int64) *Region {
	r := &Region{Name: name, Offset: offset, Length: length}
	d.Regions = append(d.Regions, r)
	return r
}
