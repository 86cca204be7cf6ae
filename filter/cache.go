package filter

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache memoizes parsed selectors by expression text. Many bindings and
// consumers on one virtual host tend to reuse the same few expressions.
type Cache struct {
	cache *ttlcache.Cache[string, Selector]
}

// NewCache creates a cache holding at most capacity selectors, each for ttl
// after its last use.
func NewCache(ttl time.Duration, capacity uint64) *Cache {
	return &Cache{
		cache: ttlcache.New[string, Selector](
			ttlcache.WithTTL[string, Selector](ttl),
			ttlcache.WithCapacity[string, Selector](capacity),
		),
	}
}

// Get returns the compiled selector for expr, parsing it on a miss
func (c *Cache) Get(expr string) (Selector, error) {
	if item := c.cache.Get(expr); item != nil {
		return item.Value(), nil
	}
	sel, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	c.cache.Set(expr, sel, ttlcache.DefaultTTL)
	return sel, nil
}

// Len returns the number of cached selectors
func (c *Cache) Len() int {
	return c.cache.Len()
}

// Sweep drops expired entries
func (c *Cache) Sweep() {
	c.cache.DeleteExpired()
}

// FromArguments compiles the selector carried in args, if any. A nil
// Selector with a nil error means the arguments carry no selector.
func (c *Cache) FromArguments(args map[string]interface{}) (Selector, error) {
	raw, ok := args[SelectorArgument]
	if !ok || raw == nil {
		return nil, nil
	}
	expr, ok := raw.(string)
	if !ok {
		return nil, errNotString
	}
	if expr == "" {
		return nil, nil
	}
	return c.Get(expr)
}
