package orchestrator

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"

	"github.com/mori-sandbox/mori/internal/dnsresolve"
	"github.com/mori-sandbox/mori/internal/morierrors"
	"github.com/mori-sandbox/mori/internal/policy"
)

// fakeScope is a CgroupScope that records Enroll/Destroy calls instead of
// touching a real cgroupfs.
type fakeScope struct {
	mu         sync.Mutex
	enrolled   []int
	destroyed  bool
	destroyErr error
}

func (f *fakeScope) ID() uint64 { return 42 }
func (f *fakeScope) Fd() int    { return 3 }
func (f *fakeScope) Enroll(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrolled = append(f.enrolled, pid)
	return nil
}
func (f *fakeScope) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return f.destroyErr
}

// fakeNetFilter is a NetworkFilter recording Allow/Remove/Close calls.
type fakeNetFilter struct {
	mu      sync.Mutex
	allowed map[string]int
	closed  bool
}

func newFakeNetFilter() *fakeNetFilter {
	return &fakeNetFilter{allowed: make(map[string]int)}
}

func (f *fakeNetFilter) Allow(ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed[ip.String()]++
	return nil
}
func (f *fakeNetFilter) Remove(ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed[ip.String()]--
	return nil
}
func (f *fakeNetFilter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeFileFilter is a FileFilter recording Deny calls.
type fakeFileFilter struct {
	mu     sync.Mutex
	denied []policy.FileRule
	closed bool
}

func (f *fakeFileFilter) Deny(rule policy.FileRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = append(f.denied, rule)
	return nil
}
func (f *fakeFileFilter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeResolver is a Resolver returning scripted results, recording the
// domains it was asked to resolve.
type fakeResolver struct {
	mu      sync.Mutex
	results []dnsresolve.Result
	errs    []error
	calls   int
}

func (f *fakeResolver) Resolve(ctx context.Context, domains []string) ([]dnsresolve.Result, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.results, f.errs
}

func (f *fakeResolver) NameserverAddrs() []net.IP {
	return []net.IP{net.ParseIP("10.0.0.53").To4()}
}

func testOrchestrator(scope *fakeScope, net_ *fakeNetFilter, file *fakeFileFilter, resolver *fakeResolver) *Orchestrator {
	return &Orchestrator{
		createScope: func(mountpoint string, pid int) (CgroupScope, error) {
			return scope, nil
		},
		attachNetwork: func(cgroupFd int, cgroupID uint64) (NetworkFilter, error) {
			return net_, nil
		},
		attachFile: func(cgroupID uint64) (FileFilter, error) {
			return file, nil
		},
		newResolver: func(path string) (Resolver, error) {
			return resolver, nil
		},
		spawnChild: fakeSpawnChild,
	}
}

// fakeSpawnChild bypasses the real entry-gate re-exec (there is no mori
// binary to re-exec under `go test`): it runs the command directly and
// drains the gate pipe in the background so the orchestrator's later
// write when releasing the gate doesn't block or fail. It dups the gate
// fd first, since the orchestrator closes its own copy of gateRead right
// after spawnChild returns (mirroring the real case, where the spawned
// child holds an independent dup via ExtraFiles).
func fakeSpawnChild(ctx context.Context, command []string, gateRead *os.File) (*exec.Cmd, error) {
	dupFd, err := syscall.Dup(int(gateRead.Fd()))
	if err != nil {
		return nil, err
	}
	dup := os.NewFile(uintptr(dupFd), "gate-dup")
	go func() {
		buf := make([]byte, 1)
		_, _ = dup.Read(buf)
		dup.Close()
	}()

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	startErr := cmd.Start()
	return cmd, startErr
}

func TestRunAllowListSeedsAndTearsDownEveryCollaborator(t *testing.T) {
	scope := &fakeScope{}
	netFilter := newFakeNetFilter()
	fileFilter := &fakeFileFilter{}
	resolver := &fakeResolver{
		results: []dnsresolve.Result{
			{Domain: "example.com", IPv4: []net.IP{net.ParseIP("93.184.216.34").To4()}, TTL: minBackoff},
		},
	}

	o := testOrchestrator(scope, netFilter, fileFilter, resolver)
	p := policy.Policy{
		Network: policy.NetworkPolicy{
			Kind:    policy.NetworkAllowList,
			IPv4:    []net.IP{net.ParseIP("8.8.8.8").To4()},
			Domains: []string{"example.com"},
		},
		File: policy.FilePolicy{
			Rules: []policy.FileRule{{Path: "/etc/shadow", Mode: policy.ModeReadWrite}},
		},
	}

	code, err := o.Run(context.Background(), p, []string{"true"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if len(fileFilter.denied) != 1 || fileFilter.denied[0].Path != "/etc/shadow" {
		t.Fatalf("file filter did not receive the deny rule: %+v", fileFilter.denied)
	}
	if netFilter.allowed["8.8.8.8"] == 0 {
		t.Fatal("direct IPv4 entry was never inserted into the allow set")
	}
	if netFilter.allowed["93.184.216.34"] == 0 {
		t.Fatal("resolved domain address was never inserted into the allow set")
	}
	if netFilter.allowed["10.0.0.53"] == 0 {
		t.Fatal("nameserver address was never inserted into the allow set")
	}
	if !fileFilter.closed || !netFilter.closed || !scope.destroyed {
		t.Fatal("teardown did not close every collaborator")
	}
	if len(scope.enrolled) != 1 {
		t.Fatalf("expected exactly one enrolled pid, got %v", scope.enrolled)
	}
}

func TestRunAllowAllSkipsNetworkFilterEntirely(t *testing.T) {
	scope := &fakeScope{}
	fileFilter := &fakeFileFilter{}
	resolver := &fakeResolver{}

	attachCalled := false
	o := testOrchestrator(scope, newFakeNetFilter(), fileFilter, resolver)
	o.attachNetwork = func(cgroupFd int, cgroupID uint64) (NetworkFilter, error) {
		attachCalled = true
		return newFakeNetFilter(), nil
	}

	p := policy.Policy{Network: policy.NetworkPolicy{Kind: policy.NetworkAllowAll}}

	code, err := o.Run(context.Background(), p, []string{"true"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if attachCalled {
		t.Fatal("attachNetwork should never be called for an AllowAll policy")
	}
	if resolver.calls != 0 {
		t.Fatal("resolver should not be invoked when there is no network filter")
	}
}

func TestRunFileFilterFailureTearsDownCgroupScope(t *testing.T) {
	scope := &fakeScope{}
	o := testOrchestrator(scope, newFakeNetFilter(), &fakeFileFilter{}, &fakeResolver{})
	o.attachFile = func(cgroupID uint64) (FileFilter, error) {
		return nil, errors.New("lsm attach refused")
	}

	p := policy.Policy{Network: policy.NetworkPolicy{Kind: policy.NetworkAllowAll}}

	code, err := o.Run(context.Background(), p, []string{"true"})
	if err == nil {
		t.Fatal("expected an error when the file filter fails to attach")
	}
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !scope.destroyed {
		t.Fatal("cgroup scope should still be torn down after a later step fails")
	}
}

func TestRunDenyRuleFailurePropagatesMapUpdateError(t *testing.T) {
	scope := &fakeScope{}
	fileFilter := &fakeFileFilter{}
	o := testOrchestrator(scope, newFakeNetFilter(), fileFilter, &fakeResolver{})
	o.attachFile = func(cgroupID uint64) (FileFilter, error) {
		return &failingDenyFilter{}, nil
	}

	p := policy.Policy{
		Network: policy.NetworkPolicy{Kind: policy.NetworkAllowAll},
		File:    policy.FilePolicy{Rules: []policy.FileRule{{Path: "/etc/passwd", Mode: policy.ModeRead}}},
	}

	code, err := o.Run(context.Background(), p, []string{"true"})
	if err == nil {
		t.Fatal("expected a MapUpdate error")
	}
	var mapErr *morierrors.MapUpdate
	if !errors.As(err, &mapErr) {
		t.Fatalf("err = %T (%v), want *morierrors.MapUpdate", err, err)
	}
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

type failingDenyFilter struct{}

func (f *failingDenyFilter) Deny(rule policy.FileRule) error { return errors.New("ENOSPC") }
func (f *failingDenyFilter) Close() error                    { return nil }

func TestChildExitCodeNormalExit(t *testing.T) {
	cmd := exec.Command("false")
	err := cmd.Run()
	if code := childExitCode(cmd, err); code != 1 {
		t.Fatalf("childExitCode = %d, want 1", code)
	}
}

func TestChildExitCodeSuccess(t *testing.T) {
	cmd := exec.Command("true")
	err := cmd.Run()
	if code := childExitCode(cmd, err); code != 0 {
		t.Fatalf("childExitCode = %d, want 0", code)
	}
}

func TestChildExitCodeSignalled(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$")
	err := cmd.Run()
	if code := childExitCode(cmd, err); code != 128+15 {
		t.Fatalf("childExitCode = %d, want %d", code, 128+15)
	}
}
