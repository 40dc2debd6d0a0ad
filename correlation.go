package yuri

import (
	"context"
	"sync"
	"time"
)

// Pending is an exchange awaiting its response.
type Pending struct {
	ID         string
	Method     string
	URL        string
	CapturedAt time.Time

	// RequestBytes is the buffered request body size.
	RequestBytes int
}

// Correlator tracks exchanges awaiting a response. Responses are matched by
// the exchange id carried on the request context (Claim); Pop serves
// transports that cannot carry it and pairs responses with the oldest
// outstanding request.
type Correlator struct {
	mu      sync.Mutex
	order   []string
	pending map[string]Pending
}

// NewCorrelator creates an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]Pending)}
}

// Push registers p as awaiting a response.
func (c *Correlator) Push(p Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = append(c.order, p.ID)
	c.pending[p.ID] = p
}

// Claim removes and returns the pending entry for id.
func (c *Correlator) Claim(id string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return Pending{}, false
	}
	delete(c.pending, id)
	c.compact()
	return p, true
}

// Pop removes and returns the oldest pending entry.
func (c *Correlator) Pop() (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.order) > 0 {
		id := c.order[0]
		c.order[0] = ""
		c.order = c.order[1:]
		if p, ok := c.pending[id]; ok {
			delete(c.pending, id)
			return p, true
		}
	}
	return Pending{}, false
}

// Len returns the number of exchanges awaiting a response.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// compact drops claimed ids from the order queue once they dominate it.
// Callers hold c.mu.
func (c *Correlator) compact() {
	if len(c.order) < 64 || len(c.order) < 2*len(c.pending) {
		return
	}
	order := make([]string, 0, len(c.pending))
	for _, id := range c.order {
		if _, ok := c.pending[id]; ok {
			order = append(order, id)
		}
	}
	c.order = order
}

type exchangeIDKey struct{}

// WithExchangeID returns a context carrying the exchange id.
func WithExchangeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, exchangeIDKey{}, id)
}

// ExchangeIDFromContext returns the exchange id stored by WithExchangeID.
func ExchangeIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(exchangeIDKey{}).(string)
	return id, ok && id != ""
}
