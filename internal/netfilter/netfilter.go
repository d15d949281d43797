//go:generate bash -c "if [ \"$(uname -s)\" = 'Linux' ]; then command -v bpf2go 1>/dev/null 2>&1 || go install github.com/cilium/ebpf/cmd/bpf2go && bpf2go -cc clang -tags linux connect4 bpf/connect4.bpf.c -- -I./bpf; else echo 'Skipping bpf2go in non-Linux build environment'; fi"

// Package netfilter loads and attaches the connect4 kernel program that
// enforces the network allow-set (spec.md §4.6): a cgroup_sock_addr program
// attached at connect4 which consults a live ALLOW_V4 hash map and a
// single-entry TARGET_CGROUP marker.
package netfilter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// Handle is the live attachment: the loaded collection, the cgroup link,
// and the maps userspace writes into as the policy's allow-set changes.
type Handle struct {
	coll       *ebpf.Collection
	cgroupLink link.Link

	allowV4      *ebpf.Map
	targetCgroup *ebpf.Map
	presentValue uint8
	targetKey    uint32
}

// loader is satisfied by the bpf2go-generated loadConnect4 function on
// Linux builds, and by the stub in stubs.go elsewhere.
type loader func() (*ebpf.CollectionSpec, error)

var loadSpec loader = loadConnect4

// Attach loads the connect4 program, writes cgroupID into TARGET_CGROUP,
// and attaches it to the cgroup directory backing cgroupDirFd (spec.md
// §4.6). The returned Handle owns the collection and the attachment; Close
// detaches before releasing the map, per the drop-ordering spec.md §4.5
// requires (filters detach before the cgroup directory is removed).
func Attach(cgroupDirFd int, cgroupID uint64) (*Handle, error) {
	spec, err := loadSpec()
	if err != nil {
		return nil, fmt.Errorf("netfilter: load spec: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("netfilter: create collection: %w", err)
	}

	h := &Handle{
		coll:         coll,
		allowV4:      coll.Maps["ALLOW_V4"],
		targetCgroup: coll.Maps["TARGET_CGROUP"],
		presentValue: 1,
	}

	if err := h.targetCgroup.Put(&h.targetKey, &cgroupID); err != nil {
		coll.Close()
		return nil, fmt.Errorf("netfilter: set target cgroup: %w", err)
	}

	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    fmt.Sprintf("/proc/self/fd/%d", cgroupDirFd),
		Attach:  ebpf.AttachCGroupInet4Connect,
		Program: coll.Programs["connect4"],
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("netfilter: attach cgroup program: %w", err)
	}

	h.cgroupLink = l
	return h, nil
}

// Allow adds ip to the live allow-set.
func (h *Handle) Allow(ip net.IP) error {
	key, err := ipv4Key(ip)
	if err != nil {
		return err
	}
	if err := h.allowV4.Put(&key, &h.presentValue); err != nil {
		return fmt.Errorf("netfilter: allow %s: %w", ip, err)
	}
	return nil
}

// Remove drops ip from the live allow-set. Removing an address that isn't
// present is not an error (idempotent, matching the refresh task's
// best-effort teardown of stale addresses).
func (h *Handle) Remove(ip net.IP) error {
	key, err := ipv4Key(ip)
	if err != nil {
		return err
	}
	if err := h.allowV4.Delete(&key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("netfilter: remove %s: %w", ip, err)
	}
	return nil
}

// Close detaches the cgroup program and releases the collection. Callers
// must call this before destroying the owning cgroupscope.Scope.
func (h *Handle) Close() error {
	var err error
	if h.cgroupLink != nil {
		if e := h.cgroupLink.Close(); e != nil {
			err = fmt.Errorf("netfilter: detach: %w", e)
		}
	}
	h.coll.Close()
	return err
}

func ipv4Key(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("netfilter: %s is not an IPv4 address", ip)
	}
	// Read the octets in native order so the key's in-memory bytes stay in
	// network order, matching ctx->user_ip4 in the kernel program.
	return binary.NativeEndian.Uint32(v4), nil
}
