package broker

import (
	"fmt"
	"strings"
	"sync"

	amqperrors "github.com/maxpert/amqp-engine/errors"
	"github.com/maxpert/amqp-engine/filter"
	"github.com/maxpert/amqp-engine/protocol"
)

// ExchangeType is the closed set of routing algorithms
type ExchangeType uint8

const (
	Direct ExchangeType = iota
	Fanout
	Topic
	Headers
)

// ParseExchangeType maps a declared type name
func ParseExchangeType(s string) (ExchangeType, error) {
	switch s {
	case "direct":
		return Direct, nil
	case "fanout":
		return Fanout, nil
	case "topic":
		return Topic, nil
	case "headers":
		return Headers, nil
	}
	return Direct, fmt.Errorf("unknown exchange type %q", s)
}

func (t ExchangeType) String() string {
	switch t {
	case Direct:
		return "direct"
	case Fanout:
		return "fanout"
	case Topic:
		return "topic"
	case Headers:
		return "headers"
	default:
		return "unknown"
	}
}

// Headers binding arguments
const (
	ArgMatch           = "x-match"
	matchAll           = "all"
	matchAny           = "any"
	topicWordSeparator = "."
)

// Destination is a binding target: a *Queue or an *Exchange
type Destination interface {
	Name() string
	destinationName() string
}

// RouteOutcome distinguishes why a message did or did not find queues
type RouteOutcome uint8

const (
	// Routed means at least one queue was found
	Routed RouteOutcome = iota
	// NoRoute means no binding matched the message structurally
	NoRoute
	// Filtered means some binding matched but every selector refused the message
	Filtered
)

func (o RouteOutcome) String() string {
	switch o {
	case Routed:
		return "routed"
	case NoRoute:
		return "no-route"
	case Filtered:
		return "filtered"
	default:
		return "unknown"
	}
}

// RouteResult is the deduplicated destination set, in first-match order
type RouteResult struct {
	Queues  []*Queue
	Outcome RouteOutcome
}

// Binding routes messages from an exchange to a destination. Identity is
// (Key, destination); arguments and selector may be replaced.
type Binding struct {
	Key         string
	Destination Destination
	Arguments   protocol.Table

	selector filter.Selector
	words    []string
	matchAny bool
	required protocol.Table
}

type bindingID struct {
	key        string
	dest       string
	toExchange bool
}

func idOf(key string, dest Destination) bindingID {
	_, toExchange := dest.(*Exchange)
	return bindingID{key: key, dest: dest.destinationName(), toExchange: toExchange}
}

// ExchangeSettings are the declared attributes of an exchange
type ExchangeSettings struct {
	Name       string
	Type       ExchangeType
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  protocol.Table
}

// Exchange holds bindings and computes destinations for messages. Bindings
// are read concurrently by every publishing connection.
type Exchange struct {
	name       string
	typ        ExchangeType
	durable    bool
	autoDelete bool
	internal   bool
	arguments  protocol.Table
	alternate  string
	system     bool

	selectors *filter.Cache
	// implicit resolves the default exchange's per-queue bindings
	implicit func(routingKey string) *Queue

	mu       sync.RWMutex
	bindings []*Binding
	index    map[bindingID]*Binding
}

// NewExchange creates an exchange. selectors may be nil, in which case
// binding selectors are parsed on every bind.
func NewExchange(settings ExchangeSettings, selectors *filter.Cache) *Exchange {
	e := &Exchange{
		name:       settings.Name,
		typ:        settings.Type,
		durable:    settings.Durable,
		autoDelete: settings.AutoDelete,
		internal:   settings.Internal,
		arguments:  settings.Arguments,
		selectors:  selectors,
		index:      make(map[bindingID]*Binding),
	}
	if v, ok := stringArg(settings.Arguments, ArgAlternateExchange); ok {
		e.alternate = v
	}
	return e
}

func (e *Exchange) Name() string            { return e.name }
func (e *Exchange) destinationName() string { return e.name }
func (e *Exchange) Type() ExchangeType      { return e.typ }
func (e *Exchange) IsDurable() bool         { return e.durable }
func (e *Exchange) IsAutoDelete() bool      { return e.autoDelete }
func (e *Exchange) IsInternal() bool        { return e.internal }
func (e *Exchange) Arguments() protocol.Table {
	return e.arguments
}

// AlternateExchange returns where unroutable messages go, or ""
func (e *Exchange) AlternateExchange() string { return e.alternate }

// IsSystem reports whether the exchange is one of the standard exchanges
func (e *Exchange) IsSystem() bool { return e.system }

// AddBinding binds dest under key. It reports false when an existing
// binding for the same key and destination had its arguments replaced.
func (e *Exchange) AddBinding(key string, dest Destination, args protocol.Table) (bool, error) {
	b, err := e.newBinding(key, dest, args)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := idOf(key, dest)
	if existing, ok := e.index[id]; ok {
		for i, cur := range e.bindings {
			if cur == existing {
				e.bindings[i] = b
				break
			}
		}
		e.index[id] = b
		return false, nil
	}
	e.bindings = append(e.bindings, b)
	e.index[id] = b
	return true, nil
}

func (e *Exchange) newBinding(key string, dest Destination, args protocol.Table) (*Binding, error) {
	if err := protocol.ValidateTable(args); err != nil {
		return nil, amqperrors.NewInvalidArgument(e.name, err.Error(), "bind")
	}
	b := &Binding{Key: key, Destination: dest, Arguments: args}

	if raw, ok := args[filter.SelectorArgument]; ok {
		expr, isString := raw.(string)
		if !isString {
			return nil, amqperrors.NewInvalidArgument(e.name, filter.SelectorArgument+" must be a string", "bind")
		}
		var sel filter.Selector
		var err error
		if e.selectors != nil {
			sel, err = e.selectors.Get(expr)
		} else {
			sel, err = filter.Parse(expr)
		}
		if err != nil {
			return nil, amqperrors.NewInvalidArgument(e.name, fmt.Sprintf("invalid selector %q: %v", expr, err), "bind")
		}
		b.selector = sel
	}

	switch e.typ {
	case Topic:
		b.words = strings.Split(key, topicWordSeparator)
	case Headers:
		b.required = make(protocol.Table, len(args))
		mode := matchAll
		for k, v := range args {
			switch k {
			case ArgMatch:
				s, _ := v.(string)
				mode = strings.ToLower(s)
			case filter.SelectorArgument:
			default:
				b.required[k] = v
			}
		}
		switch mode {
		case matchAll:
		case matchAny:
			b.matchAny = true
		default:
			return nil, amqperrors.NewInvalidArgument(e.name, fmt.Sprintf("%s must be %q or %q", ArgMatch, matchAll, matchAny), "bind")
		}
	}
	return b, nil
}

// RemoveBinding deletes the binding for key and dest
func (e *Exchange) RemoveBinding(key string, dest Destination) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := idOf(key, dest)
	b, ok := e.index[id]
	if !ok {
		return amqperrors.NewBindingNotFound(e.name, key, dest.Name(), "unbind")
	}
	delete(e.index, id)
	for i, cur := range e.bindings {
		if cur == b {
			e.bindings = append(e.bindings[:i], e.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveDestination drops every binding to dest and returns how many there were
func (e *Exchange) RemoveDestination(dest Destination) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.bindings[:0]
	removed := 0
	for _, b := range e.bindings {
		if b.Destination == dest {
			delete(e.index, idOf(b.Key, b.Destination))
			removed++
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(e.bindings); i++ {
		e.bindings[i] = nil
	}
	e.bindings = kept
	return removed
}

// Bindings returns a snapshot of the current bindings
func (e *Exchange) Bindings() []*Binding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Binding, len(e.bindings))
	copy(out, e.bindings)
	return out
}

// HasBindings reports whether any binding exists
func (e *Exchange) HasBindings() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.bindings) > 0
}

// IsBound reports whether a binding for key and dest exists
func (e *Exchange) IsBound(key string, dest Destination) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.index[idOf(key, dest)]
	return ok
}

// Route computes the destination queues for msg published with routingKey.
// Exchange-to-exchange bindings are followed once per exchange.
func (e *Exchange) Route(msg *protocol.Message, routingKey string) RouteResult {
	r := router{
		msg:     msg,
		view:    filter.MessageView{Msg: msg},
		visited: make(map[*Exchange]struct{}),
		seen:    make(map[*Queue]struct{}),
	}
	r.route(e, routingKey)

	switch {
	case len(r.queues) > 0:
		return RouteResult{Queues: r.queues, Outcome: Routed}
	case r.filtered:
		return RouteResult{Outcome: Filtered}
	default:
		return RouteResult{Outcome: NoRoute}
	}
}

type router struct {
	msg      *protocol.Message
	view     filter.MessageView
	visited  map[*Exchange]struct{}
	seen     map[*Queue]struct{}
	queues   []*Queue
	filtered bool
}

func (r *router) route(e *Exchange, routingKey string) {
	if _, ok := r.visited[e]; ok {
		return
	}
	r.visited[e] = struct{}{}

	if e.implicit != nil {
		if q := e.implicit(routingKey); q != nil {
			r.add(q)
		}
	}

	e.mu.RLock()
	bindings := make([]*Binding, len(e.bindings))
	copy(bindings, e.bindings)
	e.mu.RUnlock()

	for _, b := range bindings {
		if !e.matches(b, r.msg, routingKey) {
			continue
		}
		if b.selector != nil && !b.selector.Matches(r.view) {
			r.filtered = true
			continue
		}
		switch dest := b.Destination.(type) {
		case *Queue:
			r.add(dest)
		case *Exchange:
			r.route(dest, routingKey)
		}
	}
}

func (r *router) add(q *Queue) {
	if _, ok := r.seen[q]; ok {
		return
	}
	r.seen[q] = struct{}{}
	r.queues = append(r.queues, q)
}

func (e *Exchange) matches(b *Binding, msg *protocol.Message, routingKey string) bool {
	switch e.typ {
	case Direct:
		return matchDirect(b, routingKey)
	case Fanout:
		return matchFanout(b)
	case Topic:
		return matchTopic(b.words, strings.Split(routingKey, topicWordSeparator))
	case Headers:
		return matchHeaders(b, msg.Headers())
	default:
		return false
	}
}

func matchDirect(b *Binding, routingKey string) bool {
	return b.Key == routingKey
}

func matchFanout(*Binding) bool {
	return true
}

// matchTopic matches dot-separated words against a pattern where * is
// exactly one word and # is zero or more. A # is retried over a longer run
// of words whenever a later literal fails to align.
func matchTopic(pattern, key []string) bool {
	p, k := 0, 0
	hashP, hashK := -1, 0
	for k < len(key) {
		switch {
		case p < len(pattern) && pattern[p] == "#":
			hashP, hashK = p, k
			p++
		case p < len(pattern) && (pattern[p] == "*" || pattern[p] == key[k]):
			p++
			k++
		case hashP >= 0:
			hashK++
			p, k = hashP+1, hashK
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == "#" {
		p++
	}
	return p == len(pattern)
}

func matchHeaders(b *Binding, headers protocol.Table) bool {
	if len(b.required) == 0 {
		return !b.matchAny
	}
	for name, want := range b.required {
		got, present := headers[name]
		ok := present && (want == nil || headerValuesEqual(want, got))
		if b.matchAny && ok {
			return true
		}
		if !b.matchAny && !ok {
			return false
		}
	}
	return !b.matchAny
}

func headerValuesEqual(a, b interface{}) bool {
	if na, ok := toFloat(a); ok {
		nb, ok := toFloat(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv
		case []byte:
			return av == string(bv)
		}
		return false
	case []byte:
		return headerValuesEqual(string(av), b)
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
