//go:build linux

// Package rlimits applies kernel resource caps to the sandbox process at
// startup. The limits bound the damage a hostile tool can do even if it
// escapes the interpreter-level restrictions.
package rlimits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Limits holds the resource caps applied to the whole process.
type Limits struct {
	// AddressSpaceBytes caps virtual memory (RLIMIT_AS).
	AddressSpaceBytes uint64
	// CPUSeconds caps cumulative CPU time (RLIMIT_CPU).
	CPUSeconds uint64
	// OpenFiles caps file descriptors (RLIMIT_NOFILE).
	OpenFiles uint64
}

// Defaults returns the standard sandbox caps.
func Defaults() Limits {
	return Limits{
		AddressSpaceBytes: 256 << 20,
		CPUSeconds:        3600,
		OpenFiles:         256,
	}
}

// Apply installs the limits. Partial failure leaves any limits already set
// in place and reports the first error.
func Apply(l Limits) error {
	set := func(resource int, name string, value uint64) error {
		if value == 0 {
			return nil
		}
		rl := &unix.Rlimit{Cur: value, Max: value}
		if err := unix.Setrlimit(resource, rl); err != nil {
			return fmt.Errorf("setrlimit %s: %w", name, err)
		}
		return nil
	}

	if err := set(unix.RLIMIT_AS, "RLIMIT_AS", l.AddressSpaceBytes); err != nil {
		return err
	}
	if err := set(unix.RLIMIT_CPU, "RLIMIT_CPU", l.CPUSeconds); err != nil {
		return err
	}
	return set(unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", l.OpenFiles)
}
