// Package entrygate implements the pre-exec synchronization spec.md §9
// decides on: the child process re-execs mori itself in gate mode first,
// blocks on a read from an inherited pipe, and only then syscall.Execs
// into the real target command. The orchestrator closes the pipe's write
// end once the child has been enrolled in the cgroup (spec.md §4.8 steps
// 7–8), so the target command never runs a single instruction outside the
// cgroup the kernel filters are scoped to.
package entrygate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Sentinel is the argv[1] mori's own main() recognizes to enter gate mode
// instead of its ordinary CLI path.
const Sentinel = "__mori_entry__"

// EnvCommand carries the target command, base64(JSON([]string)) encoded,
// the same idiom the teacher's cmd/leash-entry uses for
// LEASH_ENTRY_COMMAND_B64.
const EnvCommand = "MORI_ENTRY_COMMAND_B64"

// GateFD is the file descriptor the gate pipe's read end is inherited on:
// fd 3, the first entry of exec.Cmd.ExtraFiles.
const GateFD = 3

// EncodeCommand serializes a target command for EnvCommand.
func EncodeCommand(command []string) (string, error) {
	data, err := json.Marshal(command)
	if err != nil {
		return "", fmt.Errorf("entrygate: marshal command: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeCommand reverses EncodeCommand.
func DecodeCommand(encoded string) ([]string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("entrygate: decode command: %w", err)
	}
	var command []string
	if err := json.Unmarshal(data, &command); err != nil {
		return nil, fmt.Errorf("entrygate: unmarshal command: %w", err)
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("entrygate: empty command")
	}
	return command, nil
}

// WaitAndExec blocks reading a single byte from the gate fd, then execs
// into command, replacing the current process image. It only returns on
// error: a successful exec never returns.
func WaitAndExec(command []string) error {
	gate := os.NewFile(uintptr(GateFD), "mori-entry-gate")
	if gate == nil {
		return fmt.Errorf("entrygate: fd %d not inherited", GateFD)
	}
	buf := make([]byte, 1)
	if _, err := gate.Read(buf); err != nil {
		return fmt.Errorf("entrygate: wait for gate release: %w", err)
	}
	gate.Close()

	execPath, err := exec.LookPath(command[0])
	if err != nil {
		return fmt.Errorf("entrygate: resolve %s: %w", command[0], err)
	}

	return syscall.Exec(execPath, command, os.Environ())
}
