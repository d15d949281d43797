// Command mori runs a single process under a per-invocation sandbox:
// network egress restricted to an allow-list and filesystem writes (or
// reads) denied under configured paths, both enforced in-kernel via
// cgroup v2 and eBPF (spec.md §1).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mori-sandbox/mori/internal/entrygate"
	"github.com/mori-sandbox/mori/internal/morierrors"
	"github.com/mori-sandbox/mori/internal/orchestrator"
	"github.com/mori-sandbox/mori/internal/policy"
	"github.com/mori-sandbox/mori/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args
	if len(args) > 1 && args[1] == entrygate.Sentinel {
		runEntryGate()
		return
	}
	if len(args) > 1 && args[1] == "--version" {
		printVersion()
		return
	}

	os.Exit(run(args))
}

// runEntryGate is mori re-exec'd by its own orchestrator (internal/entrygate):
// it blocks until the parent releases the gate, then execs the real
// target command in its place. It never returns on success.
func runEntryGate() {
	encoded := os.Getenv(entrygate.EnvCommand)
	command, err := entrygate.DecodeCommand(encoded)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mori: entry gate: %v\n", err)
		os.Exit(1)
	}
	if err := entrygate.WaitAndExec(command); err != nil {
		fmt.Fprintf(os.Stderr, "mori: entry gate: %v\n", err)
		os.Exit(1)
	}
}

// run parses CLI flags, loads and validates the policy, and runs the
// orchestrator, returning the process exit code (spec.md §6).
func run(args []string) int {
	in, mountpoint, resolverConf, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "mori:", err)
		return 1
	}

	p, command, err := policy.Load(in)
	if err != nil {
		var invalidErr *policy.InvalidError
		if errors.As(err, &invalidErr) {
			fmt.Fprintln(os.Stderr, "mori:", invalidErr)
			return morierrors.PolicyInvalidExitCode
		}
		fmt.Fprintln(os.Stderr, "mori:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mori: telemetry setup:", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	o := orchestrator.New()
	o.Mountpoint = mountpoint
	o.ResolverConfigPath = resolverConf
	o.Telemetry = tel

	code, err := o.Run(ctx, p, command)
	if err != nil {
		var coder morierrors.ExitCoder
		if errors.As(err, &coder) {
			fmt.Fprintln(os.Stderr, "mori:", coder)
			return coder.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "mori:", err)
		return 1
	}
	return code
}

// repeatedFlag collects every occurrence of a flag into a slice, the
// idiom the teacher's internal/leashd/runtime.go uses (there, stringFlag)
// for its single-value --listen/-l alias; here generalized to accumulate
// rather than overwrite, since --allow-network and --deny-file* may each
// be passed more than once (spec.md §6's CLI surface).
type repeatedFlag struct {
	values []string
}

func (r *repeatedFlag) String() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.values, ",")
}

// Set splits value on ',' before appending, since spec.md §6 documents
// --allow-network and --deny-file* as "comma-separated; may be repeated" —
// both "a.com,b.com" and repeating the flag twice must yield two entries.
func (r *repeatedFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v == "" {
			continue
		}
		r.values = append(r.values, v)
	}
	return nil
}

const defaultMountpoint = "/sys/fs/cgroup"

func parseFlags(args []string) (policy.Inputs, string, string, error) {
	name := commandName(args)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	allowNetworkAll := fs.Bool("allow-network-all", false, "Allow unrestricted outbound network access")
	var allowNetwork repeatedFlag
	fs.Var(&allowNetwork, "allow-network", "Allow outbound connections to an IPv4 address, CIDR (/24 or narrower), or domain (repeatable)")
	var denyFile repeatedFlag
	fs.Var(&denyFile, "deny-file", "Deny both read and write access under a path (repeatable)")
	var denyFileRead repeatedFlag
	fs.Var(&denyFileRead, "deny-file-read", "Deny read access under a path (repeatable)")
	var denyFileWrite repeatedFlag
	fs.Var(&denyFileWrite, "deny-file-write", "Deny write access under a path (repeatable)")
	configPath := fs.String("config", strings.TrimSpace(os.Getenv("MORI_CONFIG")), "Path to a TOML policy config file")
	mountpoint := fs.String("cgroup-mountpoint", defaultMountpoint, "cgroup v2 unified hierarchy mountpoint")
	resolverConf := fs.String("resolv-conf", "", "Path to a resolv.conf-style nameserver config (default: system resolver)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] -- command [args...]\n\n", name)
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
	}

	var flagArgs, command []string
	if len(args) > 1 {
		if sep := indexOf(args[1:], "--"); sep >= 0 {
			flagArgs = args[1 : 1+sep]
			command = args[2+sep:]
		} else {
			flagArgs = args[1:]
		}
	}
	if err := fs.Parse(flagArgs); err != nil {
		return policy.Inputs{}, "", "", err
	}
	if len(command) == 0 {
		command = fs.Args()
	}

	in := policy.Inputs{
		AllowNetworkAll: *allowNetworkAll,
		AllowNetwork:    allowNetwork.values,
		DenyFile:        denyFile.values,
		DenyFileRead:    denyFileRead.values,
		DenyFileWrite:   denyFileWrite.values,
		ConfigPath:      *configPath,
		Command:         command,
	}
	return in, *mountpoint, *resolverConf, nil
}

func indexOf(args []string, target string) int {
	for i, a := range args {
		if a == target {
			return i
		}
	}
	return -1
}

func commandName(args []string) string {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "mori"
	}
	return args[0]
}

func printVersion() {
	shortHash := commit
	if len(shortHash) > 7 {
		shortHash = shortHash[:7]
	}
	fmt.Printf("version: %s\n", version)
	fmt.Printf("git hash: %s\n", shortHash)
	fmt.Printf("build date: %s\n", buildDate)
}
