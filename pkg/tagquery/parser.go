package tagquery

// Parse parses a tag expression string into an AST.
//
// Grammar (left-associative, precedence tight→loose NOT, AND, OR):
//
//	expr    := orExpr
//	orExpr  := andExpr ( OR andExpr )*
//	andExpr := notExpr ( AND notExpr )*
//	notExpr := NOT notExpr | primary
//	primary := TAG | '(' expr ')'
func Parse(input string) (Expr, error) {
	tokens, lerr := lex(input)
	if lerr != nil {
		return nil, lerr
	}
	if tokens[0].typ == tokEOF {
		return nil, parseErr(KindEmptyExpression, 0, "expression is empty")
	}

	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	// The whole input must be consumed. A trailing ')' is an unbalanced
	// paren; anything else is an unexpected token.
	if tok := p.peek(); tok.typ != tokEOF {
		if tok.typ == tokRParen {
			return nil, parseErr(KindUnbalancedParens, tok.offset, "unmatched ')'")
		}
		return nil, parseErr(KindUnexpectedCharacter, tok.offset, "unexpected token %q", tok.text)
	}
	return expr, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.typ != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.peek().typ == tokNot {
		p.next()
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.next()
	switch tok.typ {
	case tokTag:
		return &TagExpr{Name: Normalize(tok.text)}, nil

	case tokLParen:
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing := p.next()
		if closing.typ != tokRParen {
			return nil, parseErr(KindUnbalancedParens, closing.offset, "missing ')'")
		}
		return expr, nil

	case tokEOF:
		return nil, parseErr(KindDanglingOperator, tok.offset, "expression ends where a tag is expected")

	case tokAnd, tokOr:
		return nil, parseErr(KindDanglingOperator, tok.offset, "operator %q has no left operand", tok.text)

	default:
		return nil, parseErr(KindUnexpectedCharacter, tok.offset, "unexpected token %q", tok.text)
	}
}
