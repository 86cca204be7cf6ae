package auth

import (
	"fmt"
	"regexp"

	amqperrors "github.com/maxpert/amqp-engine/errors"
)

// Operation is the kind of access a command needs on a resource
type Operation int

const (
	// OpConfigure covers declaring and deleting exchanges and queues
	OpConfigure Operation = iota
	// OpWrite covers publishing to exchanges and binding into queues
	OpWrite
	// OpRead covers consuming, getting, purging and binding from exchanges
	OpRead
)

func (o Operation) String() string {
	switch o {
	case OpConfigure:
		return "configure"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// SecurityToken answers capability checks for one authenticated identity
type SecurityToken interface {
	// AuthorisePublish checks that a message may be published to exchange
	AuthorisePublish(exchange, routingKey string, immediate bool) error

	// Authorise checks op against a named exchange or queue
	Authorise(op Operation, resource string) error
}

// AllowAll is a token that permits everything. It is used when
// authentication is disabled.
var AllowAll SecurityToken = allowAll{}

type allowAll struct{}

func (allowAll) AuthorisePublish(string, string, bool) error { return nil }
func (allowAll) Authorise(Operation, string) error           { return nil }

// Principal is an authenticated user with compiled permissions
type Principal struct {
	Username string
	Groups   []string

	configure *regexp.Regexp
	write     *regexp.Regexp
	read      *regexp.Regexp
}

// NewPrincipal compiles the configure/write/read patterns. An empty pattern
// grants nothing. Patterns must match the whole resource name.
func NewPrincipal(username string, groups []string, perms Permissions) (*Principal, error) {
	p := &Principal{Username: username, Groups: groups}
	var err error
	if p.configure, err = compilePattern(perms.Configure); err != nil {
		return nil, fmt.Errorf("configure permission for %s: %w", username, err)
	}
	if p.write, err = compilePattern(perms.Write); err != nil {
		return nil, fmt.Errorf("write permission for %s: %w", username, err)
	}
	if p.read, err = compilePattern(perms.Read); err != nil {
		return nil, fmt.Errorf("read permission for %s: %w", username, err)
	}
	return p, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + pattern + ")$")
}

// AuthorisePublish requires write access to the exchange. The default
// exchange is checked under its AMQP name "amq.default".
func (p *Principal) AuthorisePublish(exchange, routingKey string, immediate bool) error {
	name := exchange
	if name == "" {
		name = "amq.default"
	}
	if !allowed(p.write, name) {
		return amqperrors.NewAuthorizationFailed(p.Username, name, "publish")
	}
	return nil
}

// Authorise checks op against resource
func (p *Principal) Authorise(op Operation, resource string) error {
	var re *regexp.Regexp
	switch op {
	case OpConfigure:
		re = p.configure
	case OpWrite:
		re = p.write
	case OpRead:
		re = p.read
	}
	if !allowed(re, resource) {
		return amqperrors.NewAuthorizationFailed(p.Username, resource, op.String())
	}
	return nil
}

func allowed(re *regexp.Regexp, resource string) bool {
	return re != nil && re.MatchString(resource)
}
