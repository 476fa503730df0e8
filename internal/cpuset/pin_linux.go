//go:build linux

package cpuset

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PinCurrent binds the calling OS thread's scheduler affinity to coreID.
// The caller must have already called runtime.LockOSThread — affinity binds
// an OS thread, not a goroutine, and Go may otherwise migrate the goroutine
// to a different thread. The binding persists for the life of the thread;
// there is no scoped release (spec §4.B).
func PinCurrent(coreID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("cpuset: pin to core %d: %w", coreID, err)
	}
	return nil
}
