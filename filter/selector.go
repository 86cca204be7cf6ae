// Package filter evaluates message selectors: SQL-92 style boolean
// expressions over message headers, as carried in the
// x-filter-jms-selector argument of bindings and consumers.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// SelectorArgument is the binding/consume argument that carries a selector
const SelectorArgument = "x-filter-jms-selector"

// HeaderView exposes message headers by name
type HeaderView interface {
	Header(name string) (interface{}, bool)
}

// Selector decides whether a message passes a filter. Evaluation is a pure
// function of the header values.
type Selector interface {
	Matches(headers HeaderView) bool
	String() string
}

type selector struct {
	expr string
	root node
}

func (s *selector) Matches(headers HeaderView) bool {
	v := s.root.eval(headers)
	b, ok := v.(bool)
	return ok && b
}

func (s *selector) String() string {
	return s.expr
}

// Parse compiles a selector expression
func Parse(expr string) (Selector, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty selector")
	}
	tokens, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.at(tokEOF) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return &selector{expr: expr, root: root}, nil
}

// Evaluation uses three-valued logic: nil is "unknown".

type node interface {
	eval(h HeaderView) interface{}
}

type literal struct{ v interface{} }

func (l literal) eval(HeaderView) interface{} { return l.v }

type identifier struct{ name string }

func (id identifier) eval(h HeaderView) interface{} {
	v, ok := h.Header(id.name)
	if !ok {
		return nil
	}
	return normalize(v)
}

type notNode struct{ operand node }

func (n notNode) eval(h HeaderView) interface{} {
	b, ok := n.operand.eval(h).(bool)
	if !ok {
		return nil
	}
	return !b
}

type andNode struct{ left, right node }

func (n andNode) eval(h HeaderView) interface{} {
	l := n.left.eval(h)
	if b, ok := l.(bool); ok && !b {
		return false
	}
	r := n.right.eval(h)
	if b, ok := r.(bool); ok && !b {
		return false
	}
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if lok && rok {
		return lb && rb
	}
	return nil
}

type orNode struct{ left, right node }

func (n orNode) eval(h HeaderView) interface{} {
	l := n.left.eval(h)
	if b, ok := l.(bool); ok && b {
		return true
	}
	r := n.right.eval(h)
	if b, ok := r.(bool); ok && b {
		return true
	}
	_, lok := l.(bool)
	_, rok := r.(bool)
	if lok && rok {
		return false
	}
	return nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(h HeaderView) interface{} {
	l, r := n.left.eval(h), n.right.eval(h)
	if l == nil || r == nil {
		return nil
	}
	c, ok := compare(l, r)
	if !ok {
		if n.op == "<>" {
			return true
		}
		if n.op == "=" {
			return false
		}
		return nil
	}
	switch n.op {
	case "=":
		return c == 0
	case "<>":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return nil
}

type isNullNode struct {
	operand node
	negate  bool
}

func (n isNullNode) eval(h HeaderView) interface{} {
	isNull := n.operand.eval(h) == nil
	return isNull != n.negate
}

type inNode struct {
	operand node
	values  []interface{}
	negate  bool
}

func (n inNode) eval(h HeaderView) interface{} {
	v := n.operand.eval(h)
	if v == nil {
		return nil
	}
	found := false
	for _, candidate := range n.values {
		if c, ok := compare(v, candidate); ok && c == 0 {
			found = true
			break
		}
	}
	return found != n.negate
}

type betweenNode struct {
	operand, low, high node
	negate             bool
}

func (n betweenNode) eval(h HeaderView) interface{} {
	v, lo, hi := n.operand.eval(h), n.low.eval(h), n.high.eval(h)
	if v == nil || lo == nil || hi == nil {
		return nil
	}
	c1, ok1 := compare(v, lo)
	c2, ok2 := compare(v, hi)
	if !ok1 || !ok2 {
		return nil
	}
	in := c1 >= 0 && c2 <= 0
	return in != n.negate
}

type likeNode struct {
	operand node
	pattern *regexp.Regexp
	negate  bool
}

func (n likeNode) eval(h HeaderView) interface{} {
	s, ok := n.operand.eval(h).(string)
	if !ok {
		return nil
	}
	return n.pattern.MatchString(s) != n.negate
}

func likeToRegexp(pattern string, escape rune) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case escape != 0 && r == escape:
			escaped = true
		case r == '%':
			sb.WriteString("(?s:.*)")
		case r == '_':
			sb.WriteString("(?s:.)")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, fmt.Errorf("LIKE pattern %q ends with escape character", pattern)
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// normalize maps header values onto the three comparable kinds: float64,
// string and bool. Anything else becomes unknown.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case string:
		return val
	case []byte:
		return string(val)
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case float64:
		return val
	default:
		return nil
	}
}

func compare(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok || av != bv {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}

var errNotString = fmt.Errorf("%s must be a string", SelectorArgument)
