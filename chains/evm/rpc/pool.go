// Package rpc manages the pool of JSON-RPC endpoints a blockchain client
// talks to. Endpoints are rotated round-robin, disabled after repeated
// failures and re-enabled once their cooldown period has passed.
package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// endpointCooldownDuration is how long to wait before re-enabling a
	// disabled endpoint.
	endpointCooldownDuration = 5 * time.Minute
)

// Endpoint holds the connection to a single JSON-RPC node.
type Endpoint struct {
	URI        string
	client     *ethclient.Client
	disabledAt time.Time // zero if never disabled
}

// Pool is a set of Endpoint that hands out the next available endpoint in a
// round-robin fashion. Failing endpoints can be disabled; they move back
// into rotation after a cooldown, or immediately when no endpoint is left.
type Pool struct {
	nextIndex int
	available []*Endpoint
	disabled  []*Endpoint
	mtx       sync.Mutex
}

// NewPool creates a pool with one endpoint per given URI.
func NewPool(uris ...string) (*Pool, error) {
	if len(uris) == 0 {
		return nil, fmt.Errorf("no endpoint URIs provided")
	}
	endpoints := make([]*Endpoint, 0, len(uris))
	for _, uri := range uris {
		client, err := ethclient.Dial(uri)
		if err != nil {
			return nil, fmt.Errorf("failed to dial endpoint %s: %w", uri, err)
		}
		endpoints = append(endpoints, &Endpoint{URI: uri, client: client})
	}
	return &Pool{
		available: endpoints,
		disabled:  make([]*Endpoint, 0),
	}, nil
}

// Available returns the number of available endpoints.
func (p *Pool) Available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.available)
}

// Disabled returns the number of disabled endpoints.
func (p *Pool) Disabled() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.disabled)
}

// Size returns the total number of endpoints in the pool.
func (p *Pool) Size() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.available) + len(p.disabled)
}

// Next returns the next available endpoint in a round-robin fashion. It
// also re-enables disabled endpoints whose cooldown period has passed.
func (p *Pool) Next() (*Endpoint, error) {
	if p == nil {
		return nil, fmt.Errorf("nil endpoint pool")
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.checkCooldowns()

	l := len(p.available)
	if l == 0 {
		return nil, fmt.Errorf("no available endpoints")
	}
	// the next index is always valid here: it is adjusted whenever an
	// endpoint is disabled and wraps around below
	endpoint := p.available[p.nextIndex]
	if p.nextIndex++; p.nextIndex >= l {
		p.nextIndex = 0
	}
	return endpoint, nil
}

// checkCooldowns re-enables disabled endpoints whose cooldown period has
// passed. Must be called with the mutex locked.
func (p *Pool) checkCooldowns() {
	if len(p.disabled) == 0 {
		return
	}
	now := time.Now()
	var stillDisabled []*Endpoint
	for _, ep := range p.disabled {
		if now.Sub(ep.disabledAt) >= endpointCooldownDuration {
			ep.disabledAt = time.Time{}
			p.available = append(p.available, ep)
		} else {
			stillDisabled = append(stillDisabled, ep)
		}
	}
	p.disabled = stillDisabled
}

// Disable moves the endpoint with the given URI from the available list to
// the disabled list and records the time for cooldown tracking. If that
// leaves the pool without available endpoints, all disabled endpoints are
// put back into rotation immediately.
func (p *Pool) Disable(uri string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	index := -1
	for i, e := range p.available {
		if e.URI == uri {
			index = i
			break
		}
	}
	// already disabled or never existed
	if index == -1 {
		return
	}

	endpoint := p.available[index]
	endpoint.disabledAt = time.Now()
	p.available = append(p.available[:index], p.available[index+1:]...)
	p.disabled = append(p.disabled, endpoint)

	// keep the next index pointing at the element that followed the
	// disabled one
	if p.nextIndex == index {
		p.nextIndex++
	} else if p.nextIndex > index {
		p.nextIndex--
	}

	if len(p.available) == 0 {
		// nothing left, reset all disabled endpoints to available
		p.nextIndex = 0
		p.available = append(p.available, p.disabled...)
		p.disabled = make([]*Endpoint, 0)
		for _, ep := range p.available {
			ep.disabledAt = time.Time{}
		}
	} else if p.nextIndex >= len(p.available) {
		p.nextIndex = 0
	}
}

// Close closes the connections of all endpoints in the pool.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, ep := range p.available {
		if ep.client != nil {
			ep.client.Close()
		}
	}
	for _, ep := range p.disabled {
		if ep.client != nil {
			ep.client.Close()
		}
	}
}
