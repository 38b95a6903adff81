package script

import (
	"testing"

	"github.com/xyproto/retrolink/internal/model"
)

func TestLexerTokenizesBasics(t *testing.T) {
	lex := NewLexer(`"text" { at 0x1000; align 16; all exec; }`)
	var got []TokenType
	for {
		tok, err := lex.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, tok.Type)
		if tok.Type == TokEOF {
			break
		}
	}
	want := []TokenType{
		TokString, TokLBrace,
		TokIdent, TokInteger, TokSemicolon,
		TokIdent, TokInteger, TokSemicolon,
		TokIdent, TokIdent, TokSemicolon,
		TokRBrace, TokEOF,
	}
	if len(got) != len(want) {
		t.Fatalf("token count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLexerHexInteger(t *testing.T) {
	lex := NewLexer("0x2000")
	tok, err := lex.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tok.Type != TokInteger || tok.Int != 0x2000 {
		t.Fatalf("Next() = %v %#x, want TokInteger 0x2000", tok.Type, tok.Int)
	}
}

func TestLexerParamToken(t *testing.T) {
	lex := NewLexer("?base_address?")
	tok, err := lex.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tok.Type != TokQuestion || tok.Text != "base_address" {
		t.Fatalf("Next() = %v %q, want TokQuestion %q", tok.Type, tok.Text, "base_address")
	}
}

func TestLexerUnterminatedStringErrors(t *testing.T) {
	lex := NewLexer(`"unterminated`)
	if _, err := lex.Next(); err == nil {
		t.Fatalf("Next() on an unterminated string literal succeeded, want error")
	}
}

func TestParseSimpleSegment(t *testing.T) {
	list, err := Parse(`"_text" { at 0x10000; align 16; all exec; }`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(list.Statements) != 1 {
		t.Fatalf("len(Statements) = %d, want 1", len(list.Statements))
	}
	decl, ok := list.Statements[0].(SegmentDecl)
	if !ok {
		t.Fatalf("Statements[0] = %T, want SegmentDecl", list.Statements[0])
	}
	if decl.Name != "_text" {
		t.Fatalf("Name = %q, want %q", decl.Name, "_text")
	}
	if len(decl.Clauses) != 3 {
		t.Fatalf("len(Clauses) = %d, want 3", len(decl.Clauses))
	}
	if _, ok := decl.Clauses[0].(AtClause); !ok {
		t.Fatalf("Clauses[0] = %T, want AtClause", decl.Clauses[0])
	}
	all, ok := decl.Clauses[2].(AllClause)
	if !ok {
		t.Fatalf("Clauses[2] = %T, want AllClause", decl.Clauses[2])
	}
	if _, ok := all.Pattern.(AttrPattern); !ok {
		t.Fatalf("AllClause.Pattern = %T, want AttrPattern", all.Pattern)
	}
}

func TestParseForClauseAndPatternPrecedence(t *testing.T) {
	list, err := Parse(`for exec and not write { align 4; }`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fc, ok := list.Statements[0].(ForClause)
	if !ok {
		t.Fatalf("Statements[0] = %T, want ForClause", list.Statements[0])
	}
	and, ok := fc.Pattern.(AndPattern)
	if !ok {
		t.Fatalf("Pattern = %T, want AndPattern", fc.Pattern)
	}
	if _, ok := and.Right.(NotPattern); !ok {
		t.Fatalf("AndPattern.Right = %T, want NotPattern", and.Right)
	}
}

func TestParseOrBindsLooserThanAnd(t *testing.T) {
	// "exec or write and zero" must parse as exec or (write and zero).
	list, err := Parse(`for exec or write and zero { align 4; }`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fc := list.Statements[0].(ForClause)
	or, ok := fc.Pattern.(OrPattern)
	if !ok {
		t.Fatalf("Pattern = %T, want OrPattern", fc.Pattern)
	}
	if _, ok := or.Left.(AttrPattern); !ok {
		t.Fatalf("OrPattern.Left = %T, want AttrPattern", or.Left)
	}
	if _, ok := or.Right.(AndPattern); !ok {
		t.Fatalf("OrPattern.Right = %T, want AndPattern (and must bind tighter than or)", or.Right)
	}
}

func TestParseAlignExprAndAddExpr(t *testing.T) {
	list, err := Parse(`"_seg" { at align(here, 16) + 4; }`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	decl := list.Statements[0].(SegmentDecl)
	at := decl.Clauses[0].(AtClause)
	add, ok := at.Expr.(AddExpr)
	if !ok {
		t.Fatalf("AtClause.Expr = %T, want AddExpr", at.Expr)
	}
	if _, ok := add.Left.(AlignExpr); !ok {
		t.Fatalf("AddExpr.Left = %T, want AlignExpr", add.Left)
	}
}

func TestParseUnknownClauseErrors(t *testing.T) {
	if _, err := Parse(`"_seg" { bogus 1; }`); err == nil {
		t.Fatalf("Parse with unknown clause keyword succeeded, want error")
	}
}

func TestMatchesPatternVariants(t *testing.T) {
	sec := model.NewSection(".text", model.Readable|model.Executable, 1)

	if !Matches(AnyPattern{}, sec) {
		t.Fatalf("AnyPattern did not match")
	}
	if !Matches(NamePattern{Name: ".text"}, sec) {
		t.Fatalf("NamePattern(.text) did not match a section named .text")
	}
	if Matches(NamePattern{Name: ".data"}, sec) {
		t.Fatalf("NamePattern(.data) matched a section named .text")
	}
	if !Matches(AttrPattern{Attr: "exec"}, sec) {
		t.Fatalf("AttrPattern(exec) did not match an executable section")
	}
	if Matches(AttrPattern{Attr: "write"}, sec) {
		t.Fatalf("AttrPattern(write) matched a non-writable section")
	}
	if !Matches(NotPattern{Inner: AttrPattern{Attr: "write"}}, sec) {
		t.Fatalf("NotPattern(write) did not match a non-writable section")
	}
	if !Matches(OrPattern{Left: AttrPattern{Attr: "write"}, Right: AttrPattern{Attr: "exec"}}, sec) {
		t.Fatalf("OrPattern(write, exec) did not match an executable section")
	}
	if Matches(AndPattern{Left: AttrPattern{Attr: "write"}, Right: AttrPattern{Attr: "exec"}}, sec) {
		t.Fatalf("AndPattern(write, exec) matched a non-writable section")
	}
}

type fakeCtx struct {
	params map[string]int64
	here   int64
}

func (c fakeCtx) Param(name string) (int64, bool) { v, ok := c.params[name]; return v, ok }
func (c fakeCtx) Here() int64                     { return c.here }

func TestEvalExpressions(t *testing.T) {
	ctx := fakeCtx{params: map[string]int64{"base": 0x8000}, here: 0x13}

	if v, err := Eval(IntLiteral{Value: 42}, ctx); err != nil || v != 42 {
		t.Fatalf("Eval(IntLiteral) = %d, %v; want 42, nil", v, err)
	}
	if v, err := Eval(ParamRef{Name: "base"}, ctx); err != nil || v != 0x8000 {
		t.Fatalf("Eval(ParamRef) = %#x, %v; want 0x8000, nil", v, err)
	}
	if _, err := Eval(ParamRef{Name: "missing"}, ctx); err == nil {
		t.Fatalf("Eval(ParamRef missing) succeeded, want error")
	}
	if v, err := Eval(HereExpr{}, ctx); err != nil || v != 0x13 {
		t.Fatalf("Eval(HereExpr) = %d, %v; want 0x13, nil", v, err)
	}
	if v, err := Eval(AlignExpr{Value: IntLiteral{Value: 0x13}, Boundary: IntLiteral{Value: 16}}, ctx); err != nil || v != 0x20 {
		t.Fatalf("Eval(AlignExpr) = %#x, %v; want 0x20, nil", v, err)
	}
	if _, err := Eval(AlignExpr{Value: IntLiteral{Value: 1}, Boundary: IntLiteral{Value: 3}}, ctx); err == nil {
		t.Fatalf("Eval(AlignExpr) with non-power-of-two boundary succeeded, want error")
	}
	if v, err := Eval(AddExpr{Left: IntLiteral{Value: 2}, Right: IntLiteral{Value: 3}}, ctx); err != nil || v != 5 {
		t.Fatalf("Eval(AddExpr) = %d, %v; want 5, nil", v, err)
	}
}
