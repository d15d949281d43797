// Package cgroupscope manages the lifecycle of the cgroup v2 directory that
// delimits enforcement for one mori invocation (spec.md §4.5): a fresh
// `mori-<pid>` directory under the unified hierarchy, an O_DIRECTORY
// descriptor on it for attaching kernel filter programs, and the
// cgroup.procs enrollment of the supervised child.
package cgroupscope

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultMountpoint is where the unified cgroup v2 hierarchy is normally
// mounted on a modern Linux system.
const DefaultMountpoint = "/sys/fs/cgroup"

// ErrConflict indicates the scope directory already existed (name
// collision on `mori-<pid>`). ErrBusy indicates a create or destroy
// syscall failed for reasons other than a name collision (spec.md §7
// names both CgroupConflict and CgroupBusy).
var (
	ErrConflict = errors.New("cgroup scope already exists")
	ErrBusy     = errors.New("cgroup scope busy")
)

// Scope is the opaque handle to a created cgroup directory: its id (the
// inode number, per spec.md's CgroupScope definition) and an open
// directory descriptor kernel filter programs attach against.
type Scope struct {
	path string
	dir  *os.File
	id   uint64

	mu       sync.Mutex
	enrolled map[int]struct{}
}

// Create makes the directory mori-<pid> under mountpoint, opens an
// O_DIRECTORY descriptor on it, and returns its handle. pid is normally
// the mori process's own pid, which makes the name unique per invocation
// short of a pid reuse race — a name collision is reported as ErrConflict.
func Create(mountpoint string, pid int) (*Scope, error) {
	if mountpoint == "" {
		mountpoint = DefaultMountpoint
	}
	path := filepath.Join(mountpoint, fmt.Sprintf("mori-%d", pid))

	if err := unix.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, path)
		}
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrBusy, path, err)
	}

	dir, err := os.OpenFile(path, os.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		_ = unix.Rmdir(path)
		return nil, fmt.Errorf("%w: open %s: %v", ErrBusy, path, err)
	}

	id, err := cgroupID(path)
	if err != nil {
		dir.Close()
		_ = unix.Rmdir(path)
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	return &Scope{
		path:     path,
		dir:      dir,
		id:       id,
		enrolled: make(map[int]struct{}),
	}, nil
}

// ID returns the cgroup id (its directory's inode number), the value
// written into the kernel filter programs' TARGET_CGROUP marker.
func (s *Scope) ID() uint64 { return s.id }

// Path returns the cgroup directory's path.
func (s *Scope) Path() string { return s.path }

// Fd returns the open directory file descriptor, suitable for
// link.AttachCgroup.
func (s *Scope) Fd() int { return int(s.dir.Fd()) }

// Enroll writes pid into cgroup.procs. Re-enrolling an already-enrolled
// pid is a no-op (spec.md §4.5).
func (s *Scope) Enroll(pid int) error {
	s.mu.Lock()
	if _, ok := s.enrolled[pid]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	procsPath := filepath.Join(s.path, "cgroup.procs")
	f, err := os.OpenFile(procsPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cgroupscope: open %s: %w", procsPath, err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		return fmt.Errorf("cgroupscope: enroll pid %d: %w", pid, err)
	}

	s.mu.Lock()
	s.enrolled[pid] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Destroy closes the directory descriptor and removes the cgroup
// directory. Callers must detach every kernel filter attached to this
// scope first (spec.md §4.5's drop-ordering invariant); Destroy does not
// enforce that itself since filter lifetimes live in other packages.
func (s *Scope) Destroy() error {
	if err := s.dir.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrBusy, s.path, err)
	}
	if err := unix.Rmdir(s.path); err != nil {
		return fmt.Errorf("%w: rmdir %s: %v", ErrBusy, s.path, err)
	}
	return nil
}

// cgroupID returns the cgroup id of path: the directory's inode number,
// matching what the kernel reports for BPF_CGROUP_ITER and what the
// LSM hook's bpf_get_current_cgroup_id() returns for processes enrolled
// under it.
func cgroupID(path string) (uint64, error) {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return stat.Ino, nil
}
