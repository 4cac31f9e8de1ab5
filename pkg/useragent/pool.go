package useragent

import (
	"math/rand"
	"sync/atomic"
)

// DefaultAgents is a realistic set of current desktop browser User-Agents.
var DefaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// Pool is a rotation of User-Agent strings, safe for concurrent use.
type Pool struct {
	agents  []string
	counter atomic.Uint64
}

// NewPool creates a pool, falling back to DefaultAgents when the provided
// slice is empty.
func NewPool(agents []string) *Pool {
	if len(agents) == 0 {
		agents = DefaultAgents
	}
	copied := make([]string, len(agents))
	copy(copied, agents)
	return &Pool{agents: copied}
}

// Next returns the next agent round-robin.
func (p *Pool) Next() string {
	idx := p.counter.Add(1) - 1
	return p.agents[idx%uint64(len(p.agents))]
}

// Random returns a uniformly random agent.
func (p *Pool) Random() string {
	return p.agents[rand.Intn(len(p.agents))]
}

// Len returns the pool size.
func (p *Pool) Len() int { return len(p.agents) }
