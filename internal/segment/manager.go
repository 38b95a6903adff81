// Package segment implements the segment manager: applying a parsed
// layout script to a Module, producing laid-out Segments in script
// order and honoring format-imposed constraints (alignment, Fixed
// sections, Stack/Heap-last placement).
package segment

import (
	"fmt"

	"github.com/xyproto/retrolink/internal/diag"
	"github.com/xyproto/retrolink/internal/model"
	"github.com/xyproto/retrolink/internal/script"
)

// OnNewSegment is called once per populated Segment, in script-declaration
// order with for-template materializations interleaved in
// section-matching order.
type OnNewSegment func(seg *model.Segment) error

// Manager applies scripts to Modules.
type Manager struct {
	// AllowEmptySegments lets an output format keep a Segment with no
	// Sections instead of having it suppressed.
	AllowEmptySegments bool
}

// NewManager returns a Manager with the framework defaults (empty segments
// suppressed).
func NewManager() *Manager { return &Manager{} }

// cursor tracks a single segment's in-progress layout state while clauses
// are applied. A fresh cursor starts where the previous segment ended, so
// `here` carries across segment declarations; `at` rebases it.
type cursor struct {
	pos      int64 // write cursor, relative to the segment base
	base     int64 // what `here` is measured from; `base`/`at` clauses set it
	baseAddr uint64
}

func newCursor(running int64) *cursor {
	return &cursor{base: running, baseAddr: uint64(running)}
}

func (c *cursor) Here() int64 { return c.base + c.pos }

type paramContext struct {
	params map[string]int64
	cur    *cursor
}

func (p paramContext) Param(name string) (int64, bool) { v, ok := p.params[name]; return v, ok }
func (p paramContext) Here() int64                      { return p.cur.Here() }

// Apply groups module's sections into segments per list, calling onNew
// for each non-empty segment in script order. params supplies the
// `?name?` substitutions the chosen output format publishes through
// GetLinkerScriptParameterNames/ScriptParameters.
func (m *Manager) Apply(list *script.List, module *model.Module, params map[string]int64, onNew OnNewSegment) error {
	placed := make(map[*model.Section]bool)
	var lastSeg *model.Segment
	var lastCursor *cursor
	var running int64

	for _, stmt := range list.Statements {
		switch s := stmt.(type) {
		case script.SegmentDecl:
			seg, c, err := m.buildSegment(s.Name, s.Clauses, module, params, placed, running)
			if err != nil {
				return err
			}
			running = int64(c.baseAddr) + c.pos
			if seg == nil {
				continue
			}
			lastSeg, lastCursor = seg, c
			if err := onNew(seg); err != nil {
				return err
			}
		case script.ForClause:
			for _, sec := range module.Sections {
				if placed[sec] || !script.Matches(s.Pattern, sec) {
					continue
				}
				c := newCursor(running)
				seg := model.NewSegment(sec.Name, c.baseAddr)
				if err := m.appendSection(seg, sec, c); err != nil {
					return err
				}
				placed[sec] = true
				if err := m.runClauses(seg, s.Clauses, module, params, placed, c); err != nil {
					return err
				}
				seg.BaseAddress = c.baseAddr
				running = int64(c.baseAddr) + c.pos
				lastSeg, lastCursor = seg, c
				if err := onNew(seg); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("segment: unknown statement type %T", stmt)
		}
	}

	m.placeTrailing(module, placed, lastSeg, lastCursor)

	for _, sec := range module.Sections {
		if !placed[sec] {
			diag.Warningf(diag.CategoryLinking, "section %q matched no script clause and was not placed", sec.Name)
		}
	}
	return nil
}

func (m *Manager) buildSegment(name string, clauses []script.Clause, module *model.Module, params map[string]int64, placed map[*model.Section]bool, running int64) (*model.Segment, *cursor, error) {
	c := newCursor(running)
	seg := model.NewSegment(name, c.baseAddr)
	if err := m.runClauses(seg, clauses, module, params, placed, c); err != nil {
		return nil, c, err
	}
	seg.BaseAddress = c.baseAddr
	if len(seg.Sections) == 0 && !m.AllowEmptySegments {
		return nil, c, nil
	}
	return seg, c, nil
}

func (m *Manager) runClauses(seg *model.Segment, clauses []script.Clause, module *model.Module, params map[string]int64, placed map[*model.Section]bool, c *cursor) error {
	ctx := paramContext{params: params, cur: c}
	for _, clause := range clauses {
		switch cl := clause.(type) {
		case script.AtClause:
			v, err := script.Eval(cl.Expr, ctx)
			if err != nil {
				return err
			}
			c.baseAddr = uint64(v)
			c.base = v
			seg.BaseAddress = c.baseAddr
		case script.BaseClause:
			v, err := script.Eval(cl.Expr, ctx)
			if err != nil {
				return err
			}
			c.base = v
		case script.AlignClause:
			v, err := script.Eval(cl.Expr, ctx)
			if err != nil {
				return err
			}
			if v > 0 {
				c.pos = alignUp(c.pos, v)
			}
		case script.AllClause:
			for _, mod := range cl.Modifiers {
				if err := m.runClauses(seg, []script.Clause{mod}, module, params, placed, c); err != nil {
					return err
				}
			}
			for _, sec := range module.Sections {
				if placed[sec] || !script.Matches(cl.Pattern, sec) {
					continue
				}
				if err := m.appendSection(seg, sec, c); err != nil {
					return err
				}
				placed[sec] = true
			}
		default:
			return fmt.Errorf("segment: unknown clause type %T", clause)
		}
	}
	return nil
}

// appendSection places one section at the cursor, honoring its alignment
// (always at least as strict as any preceding `align` clause) and the
// Fixed-base override.
func (m *Manager) appendSection(seg *model.Segment, sec *model.Section, c *cursor) error {
	if sec.Flags.Has(model.Fixed) {
		requiredBias := int64(sec.FixedBase) - int64(c.baseAddr)
		if requiredBias < c.pos {
			return fmt.Errorf("segment: fixed section %q at 0x%x conflicts with prior layout at cursor 0x%x", sec.Name, sec.FixedBase, c.pos)
		}
		c.pos = requiredBias
	} else if sec.Alignment > 1 {
		c.pos = alignUp(c.pos, sec.Alignment)
	}
	seg.Append(sec, c.pos)
	c.pos += sec.Footprint()
	return nil
}

// placeTrailing appends any not-yet-placed Stack/Heap section to the last
// segment built, unless an explicit pattern already placed it earlier.
// If no segment exists yet to attach to, the section is left unplaced
// and reported as a warning by the caller.
func (m *Manager) placeTrailing(module *model.Module, placed map[*model.Section]bool, lastSeg *model.Segment, lastCursor *cursor) {
	if lastSeg == nil {
		return
	}
	for _, sec := range module.Sections {
		if placed[sec] {
			continue
		}
		if !sec.Flags.Has(model.Stack) && !sec.Flags.Has(model.Heap) {
			continue
		}
		if err := m.appendSection(lastSeg, sec, lastCursor); err != nil {
			diag.Warningf(diag.CategoryLinking, "could not place trailing section %q: %v", sec.Name, err)
			continue
		}
		placed[sec] = true
	}
}

func alignUp(v, boundary int64) int64 {
	if boundary <= 0 {
		return v
	}
	return (v + boundary - 1) &^ (boundary - 1)
}
