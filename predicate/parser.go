package predicate

import (
	"fmt"
	"strings"

	"github.com/lucasgelfond/puffgres/common"
)

// ParseError reports a parse failure with the byte offset and the token
// kinds that would have been accepted there.
type ParseError struct {
	Offset   int
	Expected []string
	Got      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: expected %s, got %s",
		e.Offset, strings.Join(e.Expected, " or "), e.Got)
}

func parseErr(tok token, expected ...string) error {
	got := tok.typ.String()
	if tok.typ == tokIdent || tok.typ == tokInvalid {
		got = fmt.Sprintf("%s %q", got, tok.text)
	}
	return &ParseError{Offset: tok.offset, Expected: expected, Got: got}
}

// Parse parses a membership expression.
//
// Grammar (LL(1)):
//
//	expr := or
//	or   := and ('OR' and)*
//	and  := not ('AND' not)*
//	not  := 'NOT'? cmp
//	cmp  := atom op atom | atom 'IS' 'NOT'? 'NULL' | '(' expr ')' | TRUE | FALSE
//	atom := column | literal
//	op   := '=' | '!='
func Parse(input string) (Predicate, error) {
	p := &parser{lexer: newLexer(input)}
	p.advance()
	pred, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.current.typ != tokEOF {
		return nil, parseErr(p.current, "AND", "OR", "end of input")
	}
	return pred, nil
}

type parser struct {
	lexer   *lexer
	current token
}

func (p *parser) advance() {
	p.current = p.lexer.next()
}

func (p *parser) parseExpression() (Predicate, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current.typ == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orPred{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.current.typ == tokAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andPred{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Predicate, error) {
	if p.current.typ == tokNot {
		p.advance()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notPred{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Predicate, error) {
	switch p.current.typ {
	case tokLParen:
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if p.current.typ != tokRParen {
			return nil, parseErr(p.current, "')'")
		}
		p.advance()
		return expr, nil
	case tokTrue:
		p.advance()
		return True(), nil
	case tokFalse:
		p.advance()
		return False(), nil
	case tokIdent, tokString, tokInt, tokFloat, tokNull:
		left, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return p.parseComparison(left)
	default:
		return nil, parseErr(p.current, "identifier", "literal", "'('", "NOT")
	}
}

func (p *parser) parseOperand() (Operand, error) {
	tok := p.current
	switch tok.typ {
	case tokIdent:
		p.advance()
		return columnOperand(tok.text), nil
	case tokString:
		p.advance()
		return literalOperand(common.String(tok.text)), nil
	case tokInt:
		p.advance()
		return literalOperand(common.Int(tok.intVal)), nil
	case tokFloat:
		p.advance()
		return literalOperand(common.Float(tok.fltVal)), nil
	case tokTrue:
		p.advance()
		return literalOperand(common.Bool(true)), nil
	case tokFalse:
		p.advance()
		return literalOperand(common.Bool(false)), nil
	case tokNull:
		p.advance()
		return literalOperand(common.Null()), nil
	default:
		return Operand{}, parseErr(tok, "identifier", "literal")
	}
}

func (p *parser) parseComparison(left Operand) (Predicate, error) {
	switch p.current.typ {
	case tokEq:
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return eqPred{left: left, right: right}, nil
	case tokNotEq:
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return eqPred{left: left, right: right, negate: true}, nil
	case tokIs:
		p.advance()
		negate := false
		if p.current.typ == tokNot {
			negate = true
			p.advance()
		}
		if p.current.typ != tokNull {
			return nil, parseErr(p.current, "NULL")
		}
		p.advance()
		return isNullPred{operand: left, negate: negate}, nil
	default:
		return nil, parseErr(p.current, "'='", "'!='", "IS")
	}
}
