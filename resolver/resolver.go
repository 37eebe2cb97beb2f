// Package resolver implements the parent-proxy / origin address front
// (spec component C9): given a (host, port, policy) tuple it returns an
// address via a HOST_LOOKUP-style completion, consulting configured
// parent proxies in rendezvous-hash order and failing over across them
// with a per-parent circuit breaker (spec §4.9, §4.6 "Parent-proxy
// failover").
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"
	"github.com/sony/gobreaker/v2"
	"github.com/zeebo/xxh3"

	"github.com/pior/trafficcore/proxyerr"
)

// Target is a resolved next-hop address.
type Target struct {
	Host string
	Port int
}

func (t Target) String() string { return net.JoinHostPort(t.Host, fmt.Sprint(t.Port)) }

// Policy selects how a request's next hop is determined.
type Policy int

const (
	// PolicyDirect resolves host/port via DNS with no parent involved.
	PolicyDirect Policy = iota
	// PolicyParent consults the configured parent set.
	PolicyParent
)

// Parent is one configured parent-proxy candidate.
type Parent struct {
	Host string
	Port int
}

func (p Parent) key() string { return net.JoinHostPort(p.Host, fmt.Sprint(p.Port)) }

// Resolver holds the configured parent set plus a per-parent circuit
// breaker, and performs DNS resolution for the direct-connect path.
type Resolver struct {
	mu       sync.RWMutex
	parents  []Parent
	rnd      *rendezvous.Rendezvous
	breakers map[string]*gobreaker.CircuitBreaker[Target]

	// resolveFn performs the direct-connect DNS lookup; SetResolveFn
	// replaces it.
	resolveFn func(ctx context.Context, host string, port int) (Target, error)
}

func xxh3Hash(s string) uint64 { return xxh3.HashString(s) }

// New builds a Resolver over the given parent set. An empty parents list
// means direct-connect only.
func New(parents []Parent) *Resolver {
	keys := make([]string, len(parents))
	for i, p := range parents {
		keys[i] = p.key()
	}
	r := &Resolver{
		parents:  parents,
		rnd:      rendezvous.New(keys, xxh3Hash),
		breakers: make(map[string]*gobreaker.CircuitBreaker[Target]),
		resolveFn: defaultDNSResolve,
	}
	for _, p := range parents {
		r.breakers[p.key()] = newParentBreaker(p.key())
	}
	return r
}

func newParentBreaker(name string) *gobreaker.CircuitBreaker[Target] {
	return gobreaker.NewCircuitBreaker[Target](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
}

func defaultDNSResolve(ctx context.Context, host string, port int) (Target, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		if err == nil {
			err = errors.New("no addresses returned")
		}
		return Target{}, proxyerr.New(proxyerr.KindUpstreamUnreachable, "resolver.dns", err)
	}
	return Target{Host: ips[0].IP.String(), Port: port}, nil
}

// candidateOrder returns the parent keys in rendezvous-hash order for
// key, so repeated lookups for the same key prefer the same parent
// (sticky routing) while still defining a full failover order.
func (r *Resolver) candidateOrder(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.parents) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.parents))
	remaining := make(map[string]Parent, len(r.parents))
	for _, p := range r.parents {
		remaining[p.key()] = p
	}
	for len(remaining) > 0 {
		best := r.rnd.Lookup(key)
		if _, ok := remaining[best]; !ok {
			// rendezvous picked a parent already exhausted from this
			// order; fall back to a stable scan of what's left.
			for _, p := range r.parents {
				if _, left := remaining[p.key()]; left {
					best = p.key()
					break
				}
			}
		}
		out = append(out, best)
		delete(remaining, best)
		key = best // perturb so the next Lookup call prefers a different survivor
	}
	return out
}

// Resolve dials the policy's target, trying parents in rendezvous order
// with per-parent circuit breaking when policy is PolicyParent, or plain
// DNS when PolicyDirect. A resolution failure yields a 502
// (UpstreamUnreachable) immediately without an origin connection attempt
// (spec §4.9).
func (r *Resolver) Resolve(ctx context.Context, policy Policy, host string, port int, fingerprint string) (Target, error) {
	if policy == PolicyDirect || len(r.parents) == 0 {
		return r.resolveFn(ctx, host, port)
	}

	order := r.candidateOrder(fingerprint)
	var lastErr error
	for _, key := range order {
		r.mu.RLock()
		cb := r.breakers[key]
		r.mu.RUnlock()
		if cb == nil {
			continue
		}
		target, err := cb.Execute(func() (Target, error) {
			return r.dialParent(ctx, key)
		})
		if err == nil {
			return target, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no parents configured")
	}
	return Target{}, proxyerr.New(proxyerr.KindUpstreamUnreachable, "resolver.parent", lastErr)
}

func (r *Resolver) dialParent(ctx context.Context, key string) (Target, error) {
	host, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return Target{}, err
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	conn, err := (&net.Dialer{Timeout: 2 * time.Second}).DialContext(ctx, "tcp", key)
	if err != nil {
		return Target{}, err
	}
	conn.Close()
	return Target{Host: host, Port: port}, nil
}

// SetResolveFn replaces the DNS resolution used on the direct-connect
// path (and for PolicyParent when no parents are configured).
func (r *Resolver) SetResolveFn(fn func(ctx context.Context, host string, port int) (Target, error)) {
	r.mu.Lock()
	r.resolveFn = fn
	r.mu.Unlock()
}

// AddParent registers a new parent candidate at runtime.
func (r *Resolver) AddParent(p Parent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parents = append(r.parents, p)
	r.rnd.Add(p.key())
	r.breakers[p.key()] = newParentBreaker(p.key())
}

// RemoveParent drops a parent candidate (operator-driven reconfiguration
// — the scenario rendezvous hashing tolerates better than a crc32 ring,
// per SPEC_FULL.md's domain-stack rationale).
func (r *Resolver) RemoveParent(p Parent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.key()
	for i, existing := range r.parents {
		if existing.key() == key {
			r.parents = append(r.parents[:i], r.parents[i+1:]...)
			break
		}
	}
	r.rnd.Remove(key)
	delete(r.breakers, key)
}
