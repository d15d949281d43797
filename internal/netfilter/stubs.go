//go:build !linux

package netfilter

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// Stub loader for non-Linux environments to satisfy tooling. On Linux
// builds, the bpf2go-generated loadConnect4 is used instead.
func loadConnect4() (*ebpf.CollectionSpec, error) {
	return nil, fmt.Errorf("bpf2go generated loader not available on non-linux")
}
