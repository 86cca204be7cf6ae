package filter

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokKeyword
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true, "IN": true,
	"LIKE": true, "ESCAPE": true, "BETWEEN": true, "TRUE": true, "FALSE": true,
}

func lex(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case r == '=':
			tokens = append(tokens, token{tokOp, "=", i})
			i++
		case r == '<' || r == '>':
			start := i
			i++
			if i < len(runes) && (runes[i] == '=' || (r == '<' && runes[i] == '>')) {
				i++
			}
			tokens = append(tokens, token{tokOp, string(runes[start:i]), start})
		case r == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						sb.WriteRune('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			tokens = append(tokens, token{tokString, sb.String(), start})
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E') {
				i++
			}
			tokens = append(tokens, token{tokNumber, string(runes[start:i]), start})
		case unicode.IsLetter(r) || r == '_' || r == '$':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '$' || runes[i] == '.' || runes[i] == '-') {
				i++
			}
			word := string(runes[start:i])
			if keywords[strings.ToUpper(word)] {
				tokens = append(tokens, token{tokKeyword, strings.ToUpper(word), start})
			} else {
				tokens = append(tokens, token{tokIdent, word, start})
			}
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(runes)})
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) at(kind tokenKind) bool {
	return p.peek().kind == kind
}

func (p *parser) atKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == word
}

func (p *parser) expectKeyword(word string) error {
	if !p.atKeyword(word) {
		return fmt.Errorf("expected %s at offset %d", word, p.peek().pos)
	}
	p.next()
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.atKeyword("NOT") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	if p.at(tokOp) {
		op := p.next().text
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, left: left, right: right}, nil
	}

	if p.atKeyword("IS") {
		p.next()
		negate := false
		if p.atKeyword("NOT") {
			p.next()
			negate = true
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return isNullNode{operand: left, negate: negate}, nil
	}

	negate := false
	if p.atKeyword("NOT") {
		p.next()
		negate = true
	}

	switch {
	case p.atKeyword("IN"):
		p.next()
		values, err := p.parseInList()
		if err != nil {
			return nil, err
		}
		return inNode{operand: left, values: values, negate: negate}, nil
	case p.atKeyword("LIKE"):
		p.next()
		pattern := p.next()
		if pattern.kind != tokString {
			return nil, fmt.Errorf("LIKE needs a string pattern at offset %d", pattern.pos)
		}
		var escape rune
		if p.atKeyword("ESCAPE") {
			p.next()
			esc := p.next()
			if esc.kind != tokString || len([]rune(esc.text)) != 1 {
				return nil, fmt.Errorf("ESCAPE needs a single character at offset %d", esc.pos)
			}
			escape = []rune(esc.text)[0]
		}
		re, err := likeToRegexp(pattern.text, escape)
		if err != nil {
			return nil, err
		}
		return likeNode{operand: left, pattern: re, negate: negate}, nil
	case p.atKeyword("BETWEEN"):
		p.next()
		low, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		high, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return betweenNode{operand: left, low: low, high: high, negate: negate}, nil
	}

	if negate {
		return nil, fmt.Errorf("expected IN, LIKE or BETWEEN after NOT at offset %d", p.peek().pos)
	}
	return left, nil
}

func (p *parser) parseInList() ([]interface{}, error) {
	if !p.at(tokLParen) {
		return nil, fmt.Errorf("expected ( at offset %d", p.peek().pos)
	}
	p.next()
	var values []interface{}
	for {
		t := p.next()
		v, err := literalValue(t)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if p.at(tokComma) {
			p.next()
			continue
		}
		if p.at(tokRParen) {
			p.next()
			return values, nil
		}
		return nil, fmt.Errorf("expected , or ) at offset %d", p.peek().pos)
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.at(tokRParen) {
			return nil, fmt.Errorf("expected ) at offset %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokIdent:
		p.next()
		return identifier{name: t.text}, nil
	case tokString, tokNumber:
		p.next()
		v, err := literalValue(t)
		if err != nil {
			return nil, err
		}
		return literal{v}, nil
	case tokKeyword:
		if t.text == "TRUE" || t.text == "FALSE" || t.text == "NULL" {
			p.next()
			v, _ := literalValue(t)
			return literal{v}, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

func literalValue(t token) (interface{}, error) {
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return f, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			return true, nil
		case "FALSE":
			return false, nil
		case "NULL":
			return nil, nil
		}
	}
	return nil, fmt.Errorf("expected a literal at offset %d", t.pos)
}
