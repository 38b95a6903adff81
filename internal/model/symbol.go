package model

import "fmt"

// symbolKind discriminates the SymbolName variants.
type symbolKind int

const (
	symInternal symbolKind = iota
	symExportedByName
	symExportedByOrdinal
	symImportedByName
	symImportedByOrdinal
)

// SymbolName is a tagged identifier. Construct one with the Internal,
// ExportedByName, ExportedByOrdinal, ImportedByName or ImportedByOrdinal
// constructors rather than the zero value.
type SymbolName struct {
	kind    symbolKind
	name    string
	hint    *uint32
	library string
	ordinal uint32
}

func Internal(name string) SymbolName {
	return SymbolName{kind: symInternal, name: name}
}

func ExportedByName(name string, hint *uint32) SymbolName {
	return SymbolName{kind: symExportedByName, name: name, hint: hint}
}

func ExportedByOrdinal(ordinal uint32, name string) SymbolName {
	return SymbolName{kind: symExportedByOrdinal, ordinal: ordinal, name: name}
}

func ImportedByName(library, name string, hint *uint32) SymbolName {
	return SymbolName{kind: symImportedByName, library: library, name: name, hint: hint}
}

func ImportedByOrdinal(library string, ordinal uint32) SymbolName {
	return SymbolName{kind: symImportedByOrdinal, library: library, ordinal: ordinal}
}

func (s SymbolName) IsImported() bool {
	return s.kind == symImportedByName || s.kind == symImportedByOrdinal
}

func (s SymbolName) IsExported() bool {
	return s.kind == symExportedByName || s.kind == symExportedByOrdinal
}

// LoadName returns the bare identifier, or the empty string for an
// ordinal-only import/export.
func (s SymbolName) LoadName() string { return s.name }

// LoadLibraryName returns the owning library for imported names, or "" for
// internal/exported names.
func (s SymbolName) LoadLibraryName() string { return s.library }

// LoadOrdinalOrHint returns the ordinal (import/export-by-ordinal) or hint
// (import/export-by-name with a hint), and whether one was present.
func (s SymbolName) LoadOrdinalOrHint() (uint32, bool) {
	switch s.kind {
	case symExportedByOrdinal, symImportedByOrdinal:
		return s.ordinal, true
	case symExportedByName, symImportedByName:
		if s.hint != nil {
			return *s.hint, true
		}
	}
	return 0, false
}

// GetImportedName returns the name and whether this symbol is an
// imported-by-name reference.
func (s SymbolName) GetImportedName() (string, bool) {
	if s.kind == symImportedByName {
		return s.name, true
	}
	return "", false
}

// GetImportedOrdinal returns the ordinal and whether this symbol is an
// imported-by-ordinal reference.
func (s SymbolName) GetImportedOrdinal() (uint32, bool) {
	if s.kind == symImportedByOrdinal {
		return s.ordinal, true
	}
	return 0, false
}

// Key is a case-preserving but otherwise unique map key for this symbol
// name, used as the key type for the Module's symbol tables. Matching is
// case-sensitive unless a plugin uppercases names before lookup.
func (s SymbolName) Key() string {
	switch s.kind {
	case symImportedByName:
		return fmt.Sprintf("import:%s:%s", s.library, s.name)
	case symImportedByOrdinal:
		return fmt.Sprintf("import:%s:#%d", s.library, s.ordinal)
	case symExportedByOrdinal:
		return fmt.Sprintf("export:#%d", s.ordinal)
	default:
		return s.name
	}
}

func (s SymbolName) String() string {
	switch s.kind {
	case symInternal:
		return s.name
	case symExportedByName:
		return fmt.Sprintf("export %s", s.name)
	case symExportedByOrdinal:
		if s.name != "" {
			return fmt.Sprintf("export #%d (%s)", s.ordinal, s.name)
		}
		return fmt.Sprintf("export #%d", s.ordinal)
	case symImportedByName:
		return fmt.Sprintf("%s!%s", s.library, s.name)
	case symImportedByOrdinal:
		return fmt.Sprintf("%s!#%d", s.library, s.ordinal)
	default:
		return "?"
	}
}

// definitionKind discriminates the SymbolDefinition variants.
type definitionKind int

const (
	defUndefined definitionKind = iota
	defAbsolute
	defLocated
	defCommon
)

// SymbolDefinition is how a symbol is defined: Absolute(value),
// Located(section, offset), Common(section-name, size, alignment), or
// Undefined.
type SymbolDefinition struct {
	kind      definitionKind
	value     uint64
	location  Location
	commonRef string
	size      int64
	alignment int64
}

func Undefined() SymbolDefinition { return SymbolDefinition{kind: defUndefined} }

func Absolute(value uint64) SymbolDefinition {
	return SymbolDefinition{kind: defAbsolute, value: value}
}

func Located(loc Location) SymbolDefinition {
	return SymbolDefinition{kind: defLocated, location: loc}
}

func Common(sectionName string, size, alignment int64) SymbolDefinition {
	return SymbolDefinition{kind: defCommon, commonRef: sectionName, size: size, alignment: alignment}
}

func (d SymbolDefinition) IsUndefined() bool { return d.kind == defUndefined }
func (d SymbolDefinition) IsCommon() bool    { return d.kind == defCommon }

func (d SymbolDefinition) AsLocation() (Location, bool) {
	if d.kind == defLocated {
		return d.location, true
	}
	return Location{}, false
}

func (d SymbolDefinition) AsAbsolute() (uint64, bool) {
	if d.kind == defAbsolute {
		return d.value, true
	}
	return 0, false
}

func (d SymbolDefinition) CommonInfo() (sectionName string, size, alignment int64, ok bool) {
	if d.kind == defCommon {
		return d.commonRef, d.size, d.alignment, true
	}
	return "", 0, 0, false
}
