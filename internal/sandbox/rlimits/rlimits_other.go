//go:build !linux

package rlimits

import "errors"

// Limits holds the resource caps applied to the whole process.
type Limits struct {
	AddressSpaceBytes uint64
	CPUSeconds        uint64
	OpenFiles         uint64
}

// Defaults returns the standard sandbox caps.
func Defaults() Limits {
	return Limits{
		AddressSpaceBytes: 256 << 20,
		CPUSeconds:        3600,
		OpenFiles:         256,
	}
}

// ErrUnsupported is returned on platforms without setrlimit support.
var ErrUnsupported = errors.New("resource limits are only supported on linux")

// Apply is a no-op stub; callers decide whether that is fatal.
func Apply(Limits) error { return ErrUnsupported }
