package script

import "fmt"

// Parser builds a List from a token stream produced by a Lexer.
type Parser struct {
	lex  *Lexer
	cur  Token
	peek Token
}

// Parse lexes and parses a complete script.
func Parse(source string) (*List, error) {
	p := &Parser{lex: NewLexer(source)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p.parseList()
}

func (p *Parser) advance() error {
	p.cur = p.peek
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.peek = tok
	return nil
}

func (p *Parser) expect(t TokenType, what string) (Token, error) {
	if p.cur.Type != t {
		return Token{}, fmt.Errorf("script: expected %s at offset %d, got token type %d", what, p.cur.Pos, p.cur.Type)
	}
	tok := p.cur
	if err := p.advance(); err != nil {
		return Token{}, err
	}
	return tok, nil
}

func (p *Parser) parseList() (*List, error) {
	list := &List{}
	for p.cur.Type != TokEOF {
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		list.Statements = append(list.Statements, stmt)
		if p.cur.Type == TokSemicolon {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	return list, nil
}

func (p *Parser) parseStmt() (Stmt, error) {
	if p.cur.Type == TokIdent && p.cur.Text == "for" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		pat, err := p.parsePattern()
		if err != nil {
			return nil, err
		}
		clauses, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		return ForClause{Pattern: pat, Clauses: clauses}, nil
	}
	if p.cur.Type == TokString {
		name := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		clauses, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		return SegmentDecl{Name: name, Clauses: clauses}, nil
	}
	return nil, fmt.Errorf("script: expected segment declaration or for-clause at offset %d", p.cur.Pos)
}

func (p *Parser) parseBlock() ([]Clause, error) {
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	var clauses []Clause
	for p.cur.Type != TokRBrace {
		clause, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
		if p.cur.Type == TokSemicolon {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return clauses, nil
}

func (p *Parser) parseClause() (Clause, error) {
	if p.cur.Type != TokIdent {
		return nil, fmt.Errorf("script: expected clause keyword at offset %d", p.cur.Pos)
	}
	switch p.cur.Text {
	case "at":
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return AtClause{Expr: e}, nil
	case "base":
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return BaseClause{Expr: e}, nil
	case "align":
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return AlignClause{Expr: e}, nil
	case "all":
		if err := p.advance(); err != nil {
			return nil, err
		}
		pat, err := p.parsePattern()
		if err != nil {
			return nil, err
		}
		var modifiers []Clause
		if p.cur.Type == TokLBrace {
			modifiers, err = p.parseBlock()
			if err != nil {
				return nil, err
			}
		}
		return AllClause{Pattern: pat, Modifiers: modifiers}, nil
	default:
		return nil, fmt.Errorf("script: unknown clause %q at offset %d", p.cur.Text, p.cur.Pos)
	}
}

// parsePattern parses the `or`/`and`/`not` pattern grammar, `or` binding
// loosest and `and` next, matching the informal grammar's top-down
// precedence list.
func (p *Parser) parsePattern() (Pattern, error) {
	return p.parseOrPattern()
}

func (p *Parser) parseOrPattern() (Pattern, error) {
	left, err := p.parseAndPattern()
	if err != nil {
		return nil, err
	}
	for p.cur.Type == TokIdent && p.cur.Text == "or" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAndPattern()
		if err != nil {
			return nil, err
		}
		left = OrPattern{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAndPattern() (Pattern, error) {
	left, err := p.parsePrimaryPattern()
	if err != nil {
		return nil, err
	}
	for p.cur.Type == TokIdent && p.cur.Text == "and" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimaryPattern()
		if err != nil {
			return nil, err
		}
		left = AndPattern{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parsePrimaryPattern() (Pattern, error) {
	switch p.cur.Type {
	case TokString:
		name := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return NamePattern{Name: name}, nil
	case TokIdent:
		switch p.cur.Text {
		case "any":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return AnyPattern{}, nil
		case "exec", "write", "zero":
			attr := p.cur.Text
			if err := p.advance(); err != nil {
				return nil, err
			}
			return AttrPattern{Attr: attr}, nil
		case "not":
			if err := p.advance(); err != nil {
				return nil, err
			}
			inner, err := p.parsePrimaryPattern()
			if err != nil {
				return nil, err
			}
			return NotPattern{Inner: inner}, nil
		default:
			// Bare identifier used as a section name (quoting is
			// optional for simple names in practice).
			name := p.cur.Text
			if err := p.advance(); err != nil {
				return nil, err
			}
			return NamePattern{Name: name}, nil
		}
	default:
		return nil, fmt.Errorf("script: expected pattern at offset %d", p.cur.Pos)
	}
}

func (p *Parser) parseExpr() (Expr, error) {
	left, err := p.parsePrimaryExpr()
	if err != nil {
		return nil, err
	}
	for p.cur.Type == TokPlus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimaryExpr()
		if err != nil {
			return nil, err
		}
		left = AddExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parsePrimaryExpr() (Expr, error) {
	switch p.cur.Type {
	case TokInteger:
		v := p.cur.Int
		if err := p.advance(); err != nil {
			return nil, err
		}
		return IntLiteral{Value: v}, nil
	case TokQuestion:
		name := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ParamRef{Name: name}, nil
	case TokIdent:
		switch p.cur.Text {
		case "here":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return HereExpr{}, nil
		case "align":
			if err := p.advance(); err != nil {
				return nil, err
			}
			if _, err := p.expect(TokLParen, "'('"); err != nil {
				return nil, err
			}
			value, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokComma, "','"); err != nil {
				return nil, err
			}
			boundary, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			return AlignExpr{Value: value, Boundary: boundary}, nil
		}
	}
	return nil, fmt.Errorf("script: expected expression at offset %d", p.cur.Pos)
}
