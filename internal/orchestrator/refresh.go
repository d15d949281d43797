package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/mori-sandbox/mori/internal/dnscache"
	"github.com/mori-sandbox/mori/internal/dnsresolve"
	"github.com/mori-sandbox/mori/internal/shutdown"
	"github.com/mori-sandbox/mori/internal/telemetry"
)

// Resolver is the subset of dnsresolve.Resolver the refresh task needs,
// narrowed so tests can substitute a scripted fake.
type Resolver interface {
	Resolve(ctx context.Context, domains []string) ([]dnsresolve.Result, []error)
}

// minBackoff is how long a domain that failed to re-resolve waits before
// the refresh task tries it again (spec.md §4.9 step 3's "clamped
// retry").
const minBackoff = 10 * time.Second

// maxWakeup bounds the refresh loop's wait even with an empty cache, to
// tolerate clock anomalies (spec.md §5's Timeouts paragraph).
const maxWakeup = time.Hour

// refreshTask keeps the allow-set consistent with the DNS cache's TTLs
// for as long as the shutdown signal has not fired (spec.md §4.9).
type refreshTask struct {
	domains   []string
	cache     *dnscache.Cache
	resolver  Resolver
	allow     *allowSet
	shutdown  *shutdown.Signal
	telemetry *telemetry.Provider
}

// run executes the refresh loop until shutdown fires. A panic inside one
// iteration is caught and logged at the task boundary; the task then
// exits and network policy becomes static for the remainder of the
// invocation (spec.md §4.9's failure policy), rather than taking down the
// whole process.
func (t *refreshTask) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("refresh task: recovered from panic: %v", r)
		}
	}()

	for {
		now := time.Now()
		wait, ok := t.cache.NextRefreshIn(now)
		if !ok || wait > maxWakeup {
			wait = maxWakeup
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-t.shutdown.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.refreshDue(time.Now())
	}
}

func (t *refreshTask) refreshDue(now time.Time) {
	due := t.cache.Due(now)
	if len(due) == 0 {
		return
	}
	t.telemetry.IncDNSRefreshCycles(context.Background())

	ctx, cancel := t.shutdown.Context(context.Background())
	defer cancel()

	results, errs := t.resolver.Resolve(ctx, due)

	resolved := make(map[string]dnsresolve.Result, len(results))
	for _, r := range results {
		resolved[r.Domain] = r
	}

	for _, domain := range due {
		res, ok := resolved[domain]
		if !ok {
			// Failed (or cancelled): log and retry after a clamped
			// backoff, leaving the existing allow-set entries in place.
			log.Printf("dns refresh: %s: %v", domain, firstErrorFor(domain, errs))
			t.cache.Set(domain, currentAddrs(t.cache, domain), minBackoff, now)
			continue
		}

		added, removed := t.cache.Set(domain, res.IPv4, res.TTL, now)
		t.telemetry.IncAllowedAddresses(context.Background(), int64(len(added)))
		for _, ip := range added {
			if err := t.allow.Insert(ip); err != nil {
				log.Printf("dns refresh: %s: insert %s: %v", domain, ip, err)
			}
		}
		for _, ip := range removed {
			if err := t.allow.Remove(ip); err != nil {
				log.Printf("dns refresh: %s: remove %s: %v", domain, ip, err)
			}
		}
	}
}

func currentAddrs(cache *dnscache.Cache, domain string) []net.IP {
	if e, ok := cache.Get(domain); ok {
		return e.IPv4
	}
	return nil
}

func firstErrorFor(domain string, errs []error) error {
	for _, err := range errs {
		var fe *dnsresolve.FailureError
		if asFailureError(err, &fe) && fe.Domain == domain {
			return err
		}
	}
	return fmt.Errorf("no result for %s", domain)
}

func asFailureError(err error, target **dnsresolve.FailureError) bool {
	fe, ok := err.(*dnsresolve.FailureError)
	if !ok {
		return false
	}
	*target = fe
	return true
}
