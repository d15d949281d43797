//go:generate bash -c "if [ \"$(uname -s)\" = 'Linux' ]; then command -v bpf2go 1>/dev/null 2>&1 || go install github.com/cilium/ebpf/cmd/bpf2go && bpf2go -cc clang -tags linux fileOpen bpf/file_open.bpf.c -- -I./bpf; else echo 'Skipping bpf2go in non-Linux build environment'; fi"

// Package filefilter loads and attaches the sleepable lsm/file_open
// program that enforces the filesystem deny-set (spec.md §4.7): path
// prefixes matched at a path-component boundary, each carrying an
// access-mode mask the opening flags must not intersect.
package filefilter

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/mori-sandbox/mori/internal/policy"
)

const denyPathMaxBytes = 256

// Handle is the live attachment: the loaded collection and LSM link, plus
// the DENY_PATHS map userspace writes into as rules are added.
type Handle struct {
	coll   *ebpf.Collection
	lsm    link.Link
	deny   *ebpf.Map
	target *ebpf.Map
}

type loader func() (*ebpf.CollectionSpec, error)

var loadSpec loader = loadFileOpen

// Attach loads the file_open program and attaches it system-wide (LSM
// hooks are not cgroup-scoped at attach time; scoping happens inside the
// program via TARGET_CGROUP, per spec.md §4.7).
func Attach(cgroupID uint64) (*Handle, error) {
	spec, err := loadSpec()
	if err != nil {
		return nil, fmt.Errorf("filefilter: load spec: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("filefilter: create collection: %w", err)
	}

	h := &Handle{
		coll:   coll,
		deny:   coll.Maps["DENY_PATHS"],
		target: coll.Maps["TARGET_CGROUP"],
	}

	zero := uint32(0)
	if err := h.target.Put(&zero, &cgroupID); err != nil {
		coll.Close()
		return nil, fmt.Errorf("filefilter: set target cgroup: %w", err)
	}

	l, err := link.AttachLSM(link.LSMOptions{Program: coll.Programs["file_open"]})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("filefilter: attach lsm program: %w", err)
	}
	h.lsm = l
	return h, nil
}

// Deny writes rule into the kernel deny-set. The path must already be
// canonicalized (internal/policy does this at load time); it is encoded
// as a fixed-width, NUL-padded key matching the kernel program's
// DENY_PATHS layout.
func (h *Handle) Deny(rule policy.FileRule) error {
	key, err := encodeDenyPath(rule.Path)
	if err != nil {
		return err
	}
	mask := uint8(rule.Mode)
	if err := h.deny.Put(&key, &mask); err != nil {
		return fmt.Errorf("filefilter: deny %q: %w", rule.Path, err)
	}
	return nil
}

// Close detaches the LSM program and releases the collection. Callers
// must call this before destroying the owning cgroupscope.Scope.
func (h *Handle) Close() error {
	var err error
	if h.lsm != nil {
		if e := h.lsm.Close(); e != nil {
			err = fmt.Errorf("filefilter: detach: %w", e)
		}
	}
	h.coll.Close()
	return err
}

func encodeDenyPath(path string) ([denyPathMaxBytes]byte, error) {
	var key [denyPathMaxBytes]byte
	if len(path) >= denyPathMaxBytes {
		return key, fmt.Errorf("filefilter: path %q exceeds %d bytes", path, denyPathMaxBytes)
	}
	copy(key[:], path)
	return key, nil
}

// MatchesBoundary reports whether candidate is denied by rulePath under the
// prefix-at-path-component-boundary rule spec.md §4.7 step 3 describes:
// rulePath must equal candidate, or be a prefix of candidate followed by '/'.
// This mirrors the in-kernel walk in userspace so it is unit-testable
// without a kernel attachment.
func MatchesBoundary(rulePath, candidate string) bool {
	if rulePath == candidate {
		return true
	}
	if len(candidate) <= len(rulePath) {
		return false
	}
	return candidate[:len(rulePath)] == rulePath && candidate[len(rulePath)] == '/'
}

// DeriveMode maps open flags (the low two bits plus O_APPEND/O_TRUNC) to
// an AccessMode, per spec.md §4.7's mode-derivation rule.
func DeriveMode(flags int) policy.AccessMode {
	const (
		oWRONLY = 0x1
		oRDWR   = 0x2
		oAPPEND = 0x400
		oTRUNC  = 0x200
	)

	mode := policy.ModeRead
	switch flags & 0x3 {
	case oWRONLY:
		mode = policy.ModeWrite
	case oRDWR:
		mode = policy.ModeReadWrite
	}
	if flags&oAPPEND != 0 || flags&oTRUNC != 0 {
		mode = mode.Merge(policy.ModeWrite)
	}
	return mode
}
