//go:build !linux

package filefilter

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// Stub loader for non-Linux environments to satisfy tooling. On Linux
// builds, the bpf2go-generated loadFileOpen is used instead.
func loadFileOpen() (*ebpf.CollectionSpec, error) {
	return nil, fmt.Errorf("bpf2go generated loader not available on non-linux")
}
