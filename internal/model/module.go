package model

import (
	"fmt"
	"sort"
)

// Module aggregates everything one link or dump operation works on. It
// is constructed empty, populated by one or more input plugins, and
// consumed once by a single output plugin; after ProcessModule returns
// it is immutable except for WriteWord side effects on section bytes
// during relocation resolution.
type Module struct {
	Sections    []*Section
	CPU         CPU
	Relocations []*Relocation

	// GlobalSymbols and LocalSymbols map a symbol's Key() to where it was
	// defined; ImportedSymbols is the set of symbols resolved by the
	// loader at runtime; ExportedSymbols maps an exported SymbolName's
	// Key() to its Location.
	GlobalSymbols   map[string]Location
	LocalSymbols    map[string]Location
	ImportedSymbols map[string]SymbolName
	ExportedSymbols map[string]Location

	// CommonSymbols holds one unmerged entry per contribution; MergeCommons
	// folds them down to the Module-wide maximum size/alignment per name.
	CommonSymbols map[string][]CommonContribution

	// StackAlignment/HeapAlignment record the alignment a chosen output
	// format negotiated for .stack/.heap sections.
	StackAlignment int64
	HeapAlignment  int64
}

// CommonContribution is one input module's declaration of a common symbol,
// before merging.
type CommonContribution struct {
	SectionName string
	Size        int64
	Alignment   int64
}

// NewModule creates an empty Module ready to be populated by input
// plugins.
func NewModule(cpu CPU) *Module {
	return &Module{
		CPU:             cpu,
		GlobalSymbols:   make(map[string]Location),
		LocalSymbols:    make(map[string]Location),
		ImportedSymbols: make(map[string]SymbolName),
		ExportedSymbols: make(map[string]Location),
		CommonSymbols:   make(map[string][]CommonContribution),
		StackAlignment:  1,
		HeapAlignment:   1,
	}
}

// AddSection appends a Section in presentation order, the order the
// Module hands sections to a script.
func (m *Module) AddSection(s *Section) { m.Sections = append(m.Sections, s) }

// FindSection looks up a Section by name, or nil if none exists.
func (m *Module) FindSection(name string) *Section {
	for _, s := range m.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AddRelocation appends a Relocation in insertion order; resolution order
// equals insertion order.
//
// Every Relocation's source must resolve to a Section already added to the
// Module; AddRelocation enforces this rather than silently accepting a
// dangling reference.
func (m *Module) AddRelocation(r *Relocation) error {
	if r.Source.Section == nil {
		return fmt.Errorf("model: relocation source has no section")
	}
	found := false
	for _, s := range m.Sections {
		if s == r.Source.Section {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("model: relocation source section %q was not added to the module", r.Source.Section.Name)
	}
	m.Relocations = append(m.Relocations, r)
	return nil
}

// DeclareCommon records one contribution to a common symbol; merging is
// deferred to MergeCommons so every input module has been read first.
func (m *Module) DeclareCommon(name string, contribution CommonContribution) {
	m.CommonSymbols[name] = append(m.CommonSymbols[name], contribution)
}

// MergeCommons folds every common symbol's contributions down to the
// maximum size and maximum alignment across them, creating one
// zero-filled Section per merged symbol and recording it as a global
// symbol. It must run once, after all input plugins have populated the
// Module and before the resolution engine runs. Merged sections are
// appended in name order so repeated links of the same inputs lay out
// identically.
func (m *Module) MergeCommons() {
	names := make([]string, 0, len(m.CommonSymbols))
	for name := range m.CommonSymbols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var maxSize, maxAlign int64 = 0, 1
		for _, c := range m.CommonSymbols[name] {
			if c.Size > maxSize {
				maxSize = c.Size
			}
			if c.Alignment > maxAlign {
				maxAlign = c.Alignment
			}
		}
		section := NewZeroFilledSection(".comm."+name, maxAlign, maxSize)
		m.AddSection(section)
		m.GlobalSymbols[Internal(name).Key()] = NewLocation(section, 0)
	}
}

// LookupSymbol resolves a SymbolName to a Location by searching global,
// then local, symbol tables.
func (m *Module) LookupSymbol(name SymbolName) (Location, bool) {
	key := name.Key()
	if loc, ok := m.GlobalSymbols[key]; ok {
		return loc, true
	}
	if loc, ok := m.LocalSymbols[key]; ok {
		return loc, true
	}
	return Location{}, false
}
