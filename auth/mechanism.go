package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnsupportedMechanism is returned for a mechanism the registry does not offer
var ErrUnsupportedMechanism = errors.New("unsupported authentication mechanism")

// Mechanism represents a SASL authentication mechanism
type Mechanism interface {
	// Name returns the mechanism name (e.g., "PLAIN", "ANONYMOUS")
	Name() string

	// Authenticate turns a SASL response into a security token
	Authenticate(response []byte, authenticator Authenticator) (SecurityToken, error)
}

// Registry holds the mechanisms offered to connecting clients. It is
// shared by every connection of a server.
type Registry struct {
	mu         sync.RWMutex
	mechanisms map[string]Mechanism
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{mechanisms: make(map[string]Mechanism)}
}

// Register offers mechanism, replacing one registered under the same name
func (r *Registry) Register(mechanism Mechanism) {
	r.mu.Lock()
	r.mechanisms[mechanism.Name()] = mechanism
	r.mu.Unlock()
}

// Unregister withdraws a mechanism
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.mechanisms, name)
	r.mu.Unlock()
}

// Get looks a mechanism up by its SASL name
func (r *Registry) Get(name string) (Mechanism, error) {
	r.mu.RLock()
	mechanism, exists := r.mechanisms[name]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, name)
	}
	return mechanism, nil
}

// List returns the registered names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.mechanisms))
	for name := range r.mechanisms {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// String returns the space-separated list sent in connection.start
func (r *Registry) String() string {
	return strings.Join(r.List(), " ")
}

// DefaultRegistry offers PLAIN, plus ANONYMOUS when allowAnonymous is set.
// ANONYMOUS grants full access and must stay off while passwords are checked.
func DefaultRegistry(allowAnonymous bool) *Registry {
	registry := NewRegistry()
	registry.Register(&PlainMechanism{})
	if allowAnonymous {
		registry.Register(&AnonymousMechanism{})
	}
	return registry
}
