//go:build linux

package bridge

import (
	"log"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr ties the bridge child's lifetime to the runner process so an
// abrupt runner death cannot leak orphaned bridges.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Setpgid:   true,
	}
}

// applyLimits applies rlimits to a freshly started bridge process.
// Best-effort: a sandbox that cannot be limited still runs, it is just
// unconfined, and the failure is logged once.
func applyLimits(pid int, limits Limits) {
	set := func(resource int, value uint64, name string) {
		if value == 0 {
			return
		}
		rl := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
			log.Printf("launcher: failed to set %s for pid %d: %v", name, pid, err)
		}
	}

	set(unix.RLIMIT_AS, uint64(limits.MemoryMB)<<20, "RLIMIT_AS")
	set(unix.RLIMIT_CPU, uint64(limits.CPUSec), "RLIMIT_CPU")
	set(unix.RLIMIT_NPROC, uint64(limits.MaxPids), "RLIMIT_NPROC")
	set(unix.RLIMIT_FSIZE, uint64(limits.MaxFileMB)<<20, "RLIMIT_FSIZE")
}
