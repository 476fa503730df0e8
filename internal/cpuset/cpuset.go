// Package cpuset enumerates physical CPU cores and pins the calling OS
// thread to one of them (spec §4.B). Enumeration is portable via gopsutil;
// pinning uses the Linux scheduler affinity syscall directly and degrades to
// ErrAffinityUnsupported elsewhere rather than failing construction.
package cpuset

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ErrAffinityUnsupported is returned by PinCurrent on platforms without a
// scheduler-affinity syscall (anything but Linux, in this module).
var ErrAffinityUnsupported = errors.New("cpuset: affinity pinning unsupported on this platform")

// CachePolicy toggles platform-specific cache/prefetch behavior.
type CachePolicy int

const (
	Default CachePolicy = iota
	Aggressive
)

// ListPhysicalCores returns the ordered sequence of physical core IDs on
// this host. On hosts with SMT enabled, one ID is returned per physical
// core — sibling logical CPUs are collapsed, since workers each need a
// dedicated physical core (spec §2 row B).
func ListPhysicalCores() ([]int, error) {
	infos, err := cpu.Info()
	if err != nil {
		return nil, fmt.Errorf("cpuset: enumerate cores: %w", err)
	}
	// PhysicalID and CoreID are strings in gopsutil v3 (e.g. "0", "1"), and
	// CoreID can be empty on platforms that don't expose topology through
	// /proc/cpuinfo. A physical core is the (socket, core) pair; SMT
	// siblings share both fields and collapse into one entry.
	seen := map[string]bool{}
	var ids []int
	for _, in := range infos {
		coreID, err := strconv.Atoi(in.CoreID)
		if err != nil {
			continue
		}
		key := in.PhysicalID + ":" + in.CoreID
		if seen[key] {
			continue
		}
		seen[key] = true
		ids = append(ids, coreID)
	}
	if len(ids) == 0 {
		// gopsutil couldn't derive physical topology (common in
		// containers/VMs); fall back to one "core" per logical CPU.
		n := runtime.NumCPU()
		ids = make([]int, n)
		for i := range ids {
			ids[i] = i
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// RandomXFlagHints reports whether the host CPU supports AES-NI, i.e.
// whether the HARD_AES RandomX flag is worth requesting; no other flag is
// detected. The facade degrades silently for any flag requested but not
// actually honored by the platform.
func RandomXFlagHints() (hardAES bool) {
	return cpuid.CPU.Supports(cpuid.AES)
}

// ApplyCachePolicy configures platform cache/prefetch controls. Aggressive
// is a best-effort hook for platform-specific tuning (e.g. an MSR-writing
// collaborator invoked through msrKnob); Default is a no-op. Neither ever
// returns an error — a policy that cannot be honored is simply skipped.
func ApplyCachePolicy(policy CachePolicy) {
	if policy != Aggressive {
		return
	}
	msrKnob(policy)
}

// msrKnob is the seam spec.md §4.B describes as "MSR writes on x86 when the
// MSR collaborator is present". That collaborator is out of scope for this
// module (spec.md §1); this is a deliberate no-op hook so Aggressive mode
// has somewhere to plug in without touching prover code.
func msrKnob(CachePolicy) {}
