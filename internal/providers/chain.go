package providers

// Chain is an ordered list of backends: the first entry is the primary
// service, the rest are failover targets. The pipeline walks the chain,
// skipping services whose breaker is open.
type Chain struct {
	completers []Completer
}

func NewChain(completers ...Completer) *Chain {
	return &Chain{completers: completers}
}

// All returns the backends in failover order.
func (c *Chain) All() []Completer { return c.completers }

// Names returns the service names in failover order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.completers))
	for i, p := range c.completers {
		names[i] = p.Name()
	}
	return names
}

// Len returns the number of configured backends.
func (c *Chain) Len() int { return len(c.completers) }
