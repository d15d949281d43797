// Package orchestrator runs the single controlling sequence spec.md §4.8
// describes: build the policy, stand up the cgroup scope and kernel
// filters, seed them from the policy, spawn and enroll the child, run the
// DNS refresh task for as long as the child lives, then tear everything
// down in reverse order and propagate the child's exit status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mori-sandbox/mori/internal/cgroupscope"
	"github.com/mori-sandbox/mori/internal/dnscache"
	"github.com/mori-sandbox/mori/internal/dnsresolve"
	"github.com/mori-sandbox/mori/internal/entrygate"
	"github.com/mori-sandbox/mori/internal/filefilter"
	"github.com/mori-sandbox/mori/internal/morierrors"
	"github.com/mori-sandbox/mori/internal/netfilter"
	"github.com/mori-sandbox/mori/internal/policy"
	"github.com/mori-sandbox/mori/internal/shutdown"
	"github.com/mori-sandbox/mori/internal/telemetry"
)

// CgroupScope is the subset of cgroupscope.Scope the orchestrator needs.
type CgroupScope interface {
	ID() uint64
	Fd() int
	Enroll(pid int) error
	Destroy() error
}

// FileFilter is the subset of filefilter.Handle the orchestrator needs.
type FileFilter interface {
	Deny(rule policy.FileRule) error
	Close() error
}

// Orchestrator holds the (overridable) constructors for the kernel-facing
// collaborators, so tests can substitute fakes for S1–S6-style scenarios
// without a real cgroup v2 hierarchy or kernel BPF support.
type Orchestrator struct {
	Mountpoint         string
	ResolverConfigPath string
	Telemetry          *telemetry.Provider

	createScope   func(mountpoint string, pid int) (CgroupScope, error)
	attachNetwork func(cgroupFd int, cgroupID uint64) (NetworkFilter, error)
	attachFile    func(cgroupID uint64) (FileFilter, error)
	newResolver   func(path string) (Resolver, error)
	spawnChild    func(ctx context.Context, command []string, gateRead *os.File) (*exec.Cmd, error)
}

// New returns an Orchestrator wired to the real cgroup/kernel-filter/DNS
// collaborators.
func New() *Orchestrator {
	return &Orchestrator{
		createScope: func(mountpoint string, pid int) (CgroupScope, error) {
			return cgroupscope.Create(mountpoint, pid)
		},
		attachNetwork: func(cgroupFd int, cgroupID uint64) (NetworkFilter, error) {
			return netfilter.Attach(cgroupFd, cgroupID)
		},
		attachFile: func(cgroupID uint64) (FileFilter, error) {
			return filefilter.Attach(cgroupID)
		},
		newResolver: func(path string) (Resolver, error) {
			return dnsresolve.NewResolver(path)
		},
		spawnChild: spawnChildViaGate,
	}
}

// spawnChildViaGate re-execs the running mori binary in gate mode
// (internal/entrygate) instead of exec'ing the target command directly,
// so the real command only ever starts running once the parent has
// released the gate after cgroup enrollment (spec.md §9's pre-exec
// synchronization decision).
func spawnChildViaGate(ctx context.Context, command []string, gateRead *os.File) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve mori's own executable path: %w", err)
	}
	encoded, err := entrygate.EncodeCommand(command)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, exe, entrygate.Sentinel)
	cmd.ExtraFiles = []*os.File{gateRead}
	cmd.Env = append(os.Environ(), entrygate.EnvCommand+"="+encoded)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd, cmd.Start()
}

// Run executes the full orchestration sequence and returns the process
// exit code spec.md §6 defines: the child's exit code on normal
// termination, 128+signal on signal-termination, or 1 if mori itself
// fails before the child is spawned.
func (o *Orchestrator) Run(ctx context.Context, p policy.Policy, command []string) (int, error) {
	tel := o.Telemetry

	step := func(name string) (context.Context, func()) { return tel.Step(ctx, name) }

	// Step 2: create the cgroup scope.
	_, end := step("create-cgroup")
	scope, err := o.createScope(o.Mountpoint, os.Getpid())
	end()
	if err != nil {
		return 1, &morierrors.FilterLoad{Which: "cgroup scope", Err: err}
	}
	teardown := newTeardown()
	teardown.push(func() error { return scope.Destroy() })
	defer teardown.runAndLog()

	// Step 3: load and attach the network filter. AllowAll means the
	// child's network access is unrestricted, so no filter is attached
	// at all — there is no ALLOW_V4 entry that could express "allow
	// everything" short of enumerating every address.
	var netFilter NetworkFilter
	if p.Network.Kind != policy.NetworkAllowAll {
		_, end = step("attach-network-filter")
		netFilter, err = o.attachNetwork(scope.Fd(), scope.ID())
		end()
		if err != nil {
			return 1, &morierrors.FilterLoad{Which: "network filter", Err: err}
		}
		teardown.push(netFilter.Close)
	}

	// Step 4: load and attach the file filter; seed the deny-set.
	_, end = step("attach-file-filter")
	fileFilter, err := o.attachFile(scope.ID())
	end()
	if err != nil {
		return 1, &morierrors.FilterLoad{Which: "file filter", Err: err}
	}
	teardown.push(fileFilter.Close)

	for _, rule := range p.File.Rules {
		if err := fileFilter.Deny(rule); err != nil {
			return 1, &morierrors.MapUpdate{Which: "DENY_PATHS", Key: rule.Path, Err: err}
		}
	}
	tel.IncDeniedFileRules(ctx, int64(len(p.File.Rules)))

	var allow *allowSet
	var cache *dnscache.Cache
	if netFilter != nil {
		allow = newAllowSet(netFilter)
		cache = dnscache.New()

		// Step 5: seed direct IPv4 and expanded CIDR addresses.
		_, end = step("seed-network-allow-set")
		var seeded int64
		for _, ip := range p.Network.IPv4 {
			if err := allow.Insert(ip); err != nil {
				end()
				return 1, &morierrors.MapUpdate{Which: "ALLOW_V4", Key: ip.String(), Err: err}
			}
			seeded++
		}
		for _, c := range p.Network.CIDRs {
			for _, ip := range c.Addrs() {
				if err := allow.Insert(ip); err != nil {
					end()
					return 1, &morierrors.MapUpdate{Which: "ALLOW_V4", Key: ip.String(), Err: err}
				}
				seeded++
			}
		}
		tel.IncAllowedAddresses(ctx, seeded)
		end()
	}

	// Step 6: resolve domains synchronously before spawning the child.
	var resolver Resolver
	if netFilter != nil && p.Network.Kind == policy.NetworkAllowList && len(p.Network.Domains) > 0 {
		_, end = step("resolve-domains")
		resolver, err = o.newResolver(o.ResolverConfigPath)
		if err != nil {
			end()
			return 1, &morierrors.IOError{Context: "dns resolver setup", Err: err}
		}
		if err := o.seedDomains(ctx, resolver, p.Network.Domains, allow, cache, tel); err != nil {
			end()
			return 1, err
		}
		end()
	}

	// Step 7: spawn the child behind the pre-exec gate, inheriting stdio.
	// It blocks before running any of the target command's code until the
	// gate below is released.
	_, end = step("spawn-child")
	gateRead, gateWrite, pipeErr := os.Pipe()
	if pipeErr != nil {
		end()
		return 1, &morierrors.IOError{Context: "create entry gate pipe", Err: pipeErr}
	}
	cmd, startErr := o.spawnChild(ctx, command, gateRead)
	gateRead.Close()
	end()
	if startErr != nil {
		gateWrite.Close()
		return 1, &morierrors.ChildSpawn{Err: startErr}
	}

	// Step 8: enroll the child in the cgroup, then release the gate so it
	// proceeds straight to exec'ing the target command (spec.md §9).
	_, end = step("enroll-child")
	enrollErr := scope.Enroll(cmd.Process.Pid)
	if enrollErr == nil {
		_, enrollErr = gateWrite.Write([]byte{1})
	}
	gateWrite.Close()
	end()
	if enrollErr != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return 1, &morierrors.IOError{Context: "enroll child in cgroup", Err: enrollErr}
	}

	// Step 9: spawn the refresh task if there are domains to watch.
	sig := shutdown.New()
	var wg sync.WaitGroup
	if resolver != nil && len(p.Network.Domains) > 0 {
		task := &refreshTask{
			domains:   p.Network.Domains,
			cache:     cache,
			resolver:  resolver,
			allow:     allow,
			shutdown:  sig,
			telemetry: tel,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			task.run()
		}()
	}

	// Step 10: await the child.
	waitErr := cmd.Wait()

	// Step 11: fire shutdown, await the refresh task.
	_, end = step("await-refresh-shutdown")
	sig.Fire()
	wg.Wait()
	end()

	// Steps 12–13 happen via the deferred teardown and the exit-code
	// computation below; teardown errors are logged, not propagated,
	// per spec.md §7.
	return childExitCode(cmd, waitErr), nil
}

// seedDomains resolves domains synchronously, inserting every resolved
// address and every nameserver address into allow, and populating cache
// (spec.md §4.8 step 6).
func (o *Orchestrator) seedDomains(ctx context.Context, resolver Resolver, domains []string, allow *allowSet, cache *dnscache.Cache, tel *telemetry.Provider) error {
	results, errs := resolver.Resolve(ctx, domains)
	if len(results) == 0 && len(errs) > 0 {
		var fe *dnsresolve.FailureError
		if errors.As(errs[0], &fe) {
			return fe
		}
		return errs[0]
	}
	for _, err := range errs {
		log.Printf("dns resolve: %v", err)
	}

	var seeded int64
	if r, ok := resolver.(interface{ NameserverAddrs() []net.IP }); ok {
		for _, ip := range r.NameserverAddrs() {
			if err := allow.Insert(ip); err != nil {
				return &morierrors.MapUpdate{Which: "ALLOW_V4", Key: ip.String(), Err: err}
			}
			seeded++
		}
	}

	for _, res := range results {
		added, _ := cache.Set(res.Domain, res.IPv4, res.TTL, time.Now())
		for _, ip := range added {
			if err := allow.Insert(ip); err != nil {
				return &morierrors.MapUpdate{Which: "ALLOW_V4", Key: ip.String(), Err: err}
			}
			seeded++
		}
	}
	tel.IncAllowedAddresses(ctx, seeded)
	return nil
}

// childExitCode computes the process exit status spec.md §6 defines from
// cmd.Wait()'s result.
func childExitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// teardown runs a stack of release funcs in reverse registration order
// (spec.md §4.8 step 12's "drop in reverse"), logging rather than
// propagating failures (spec.md §7).
type teardown struct {
	funcs []func() error
}

func newTeardown() *teardown { return &teardown{} }

func (t *teardown) push(f func() error) { t.funcs = append(t.funcs, f) }

func (t *teardown) runAndLog() {
	for i := len(t.funcs) - 1; i >= 0; i-- {
		if err := t.funcs[i](); err != nil {
			log.Printf("teardown: %v", err)
		}
	}
}
