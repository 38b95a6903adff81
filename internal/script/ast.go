package script

// List is the parsed form of a whole script.
type List struct {
	Statements []Stmt
}

// Stmt is either a SegmentDecl or a ForClause.
type Stmt interface{ stmt() }

// SegmentDecl declares a named segment.
type SegmentDecl struct {
	Name    string
	Clauses []Clause
}

func (SegmentDecl) stmt() {}

// ForClause is a template that materializes a fresh segment per section
// matching Pattern.
type ForClause struct {
	Pattern Pattern
	Clauses []Clause
}

func (ForClause) stmt() {}

// Clause is one statement inside a segment/for body.
type Clause interface{ clause() }

// AtClause sets the segment's absolute base address.
type AtClause struct{ Expr Expr }

func (AtClause) clause() {}

// BaseClause sets the bias base used by `here`.
type BaseClause struct{ Expr Expr }

func (BaseClause) clause() {}

// AlignClause advances the write cursor to the next multiple of Expr.
type AlignClause struct{ Expr Expr }

func (AlignClause) clause() {}

// AllClause appends every not-yet-placed section matching Pattern, in
// Module order, honoring the nested modifiers.
type AllClause struct {
	Pattern   Pattern
	Modifiers []Clause // Align/Base/At clauses scoped to this `all`
}

func (AllClause) clause() {}

// Pattern matches sections by name or attribute.
type Pattern interface{ pattern() }

type NamePattern struct{ Name string }

func (NamePattern) pattern() {}

type AnyPattern struct{}

func (AnyPattern) pattern() {}

type AttrPattern struct{ Attr string } // "exec" | "write" | "zero"

func (AttrPattern) pattern() {}

type NotPattern struct{ Inner Pattern }

func (NotPattern) pattern() {}

type OrPattern struct{ Left, Right Pattern }

func (OrPattern) pattern() {}

type AndPattern struct{ Left, Right Pattern }

func (AndPattern) pattern() {}

// Expr evaluates to an integer.
type Expr interface{ expr() }

type IntLiteral struct{ Value int64 }

func (IntLiteral) expr() {}

// ParamRef is a `?name?` substitution for a plugin-provided parameter.
type ParamRef struct{ Name string }

func (ParamRef) expr() {}

// HereExpr is the current write cursor in the current segment.
type HereExpr struct{}

func (HereExpr) expr() {}

type AlignExpr struct{ Value, Boundary Expr }

func (AlignExpr) expr() {}

type AddExpr struct{ Left, Right Expr }

func (AddExpr) expr() {}
