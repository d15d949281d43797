// Package dnsresolve resolves domains to IPv4 addresses using the system's
// configured recursive resolver, reporting the minimum TTL across a
// domain's A records (spec.md §4.3). The standard library's net.Resolver
// does not expose record TTLs, so resolution goes directly over
// github.com/miekg/dns instead.
package dnsresolve

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const (
	minTTL = 1 * time.Second
	maxTTL = 1 * time.Hour

	// queryTimeout bounds a single upstream exchange; well under the
	// 5s ceiling spec.md §5 recommends.
	queryTimeout = 3 * time.Second
)

// Result is what a successful resolution of one domain yields: its
// addresses and the clamped TTL to cache them for.
type Result struct {
	Domain string
	IPv4   []net.IP
	TTL    time.Duration
}

// FailureError reports that resolution of a domain failed after retries
// were exhausted. It implements error.
type FailureError struct {
	Domain string
	Err    error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("dns: resolve %q: %v", e.Domain, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Resolver resolves domains against the nameservers discovered from the
// host's resolver configuration (normally /etc/resolv.conf).
type Resolver struct {
	servers []string
	client  *dns.Client
}

// NewResolver builds a Resolver from the OS resolver configuration at
// path (pass "" for the default /etc/resolv.conf).
func NewResolver(path string) (*Resolver, error) {
	if path == "" {
		path = "/etc/resolv.conf"
	}
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("dnsresolve: read resolver config %q: %w", path, err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("dnsresolve: no nameservers configured in %q", path)
	}

	servers := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		servers[i] = net.JoinHostPort(s, cfg.Port)
	}

	return &Resolver{
		servers: servers,
		client:  &dns.Client{Timeout: queryTimeout},
	}, nil
}

// NameserverAddrs returns the IPv4 addresses of the nameservers this
// Resolver queries, so the caller can admit the resolver's own traffic
// into the network allow-set (spec.md §4.3).
func (r *Resolver) NameserverAddrs() []net.IP {
	var addrs []net.IP
	for _, s := range r.servers {
		host, _, err := net.SplitHostPort(s)
		if err != nil {
			continue
		}
		if ip := net.ParseIP(host).To4(); ip != nil {
			addrs = append(addrs, ip)
		}
	}
	return addrs
}

// Resolve looks up the A records for each domain in order, stopping early
// if ctx is cancelled (the shutdown signal firing mid-resolution, per
// spec.md §4.3's Cancelled contract). A per-domain failure does not abort
// the batch; it is appended to the returned error slice as a *FailureError
// naming its Domain. The two returned slices are not index-aligned with
// domains.
func (r *Resolver) Resolve(ctx context.Context, domains []string) ([]Result, []error) {
	results := make([]Result, 0, len(domains))
	errs := make([]error, 0)

	for _, domain := range domains {
		select {
		case <-ctx.Done():
			errs = append(errs, &FailureError{Domain: domain, Err: ctx.Err()})
			continue
		default:
		}

		res, err := r.resolveOne(ctx, domain)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}

	return results, errs
}

func (r *Resolver) resolveOne(ctx context.Context, domain string) (Result, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("rcode %s from %s", dns.RcodeToString[resp.Rcode], server)
			continue
		}

		addrs, ttl, ok := collectA(resp)
		if !ok {
			lastErr = fmt.Errorf("no A records from %s", server)
			continue
		}
		return Result{Domain: domain, IPv4: addrs, TTL: clampTTL(ttl)}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return Result{}, &FailureError{Domain: domain, Err: lastErr}
}

// collectA extracts every A record's address from resp, along with the
// minimum TTL across them.
func collectA(resp *dns.Msg) (addrs []net.IP, ttlSeconds uint32, ok bool) {
	for _, rr := range resp.Answer {
		a, isA := rr.(*dns.A)
		if !isA {
			continue
		}
		addrs = append(addrs, a.A.To4())
		if !ok || a.Header().Ttl < ttlSeconds {
			ttlSeconds = a.Header().Ttl
		}
		ok = true
	}
	return addrs, ttlSeconds, ok
}

func clampTTL(seconds uint32) time.Duration {
	ttl := time.Duration(seconds) * time.Second
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}
