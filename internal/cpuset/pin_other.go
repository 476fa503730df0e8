//go:build !linux

package cpuset

// PinCurrent is unimplemented on non-Linux platforms and always returns
// ErrAffinityUnsupported. Proving workers treat a pin failure as fatal, so
// they do not hash on these platforms; the utility thread logs the failure
// and builds datasets unpinned.
func PinCurrent(coreID int) error {
	return ErrAffinityUnsupported
}
