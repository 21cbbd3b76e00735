// Package state holds the device-wide status flags shared by the register,
// command and DMA paths.
package state

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var (
	// ErrDeviceRemoved is returned by every path once the device is gone
	ErrDeviceRemoved = errors.New("device removed")

	// ErrNotRunning is returned when an operation needs a flag that is clear
	ErrNotRunning = errors.New("device not running")
)

// Flag is one bit of device state
type Flag uint8

const (
	// Initialized is set once bring-up completes. Sticky.
	Initialized Flag = iota
	// Removed is set when the device disappears or teardown begins. Sticky.
	Removed
	RadioRunning
	MCURunning
	Scanning
	ReadingStats
	MoreStats
	numFlags
)

var flagNames = [numFlags]string{
	Initialized:  "initialized",
	Removed:      "removed",
	RadioRunning: "radio-running",
	MCURunning:   "mcu-running",
	Scanning:     "scanning",
	ReadingStats: "reading-stats",
	MoreStats:    "more-stats",
}

func (f Flag) String() string {
	if f < numFlags {
		return flagNames[f]
	}
	return "unknown"
}

// Sticky reports whether the flag can never be cleared once set
func (f Flag) Sticky() bool {
	return f == Initialized || f == Removed
}

func (f Flag) mask() uint32 {
	return 1 << f
}

// Flags is a lock-free set of Flag bits. The zero value has no flags set.
type Flags struct {
	bits atomic.Uint32
}

// Has reports whether f is set
func (s *Flags) Has(f Flag) bool {
	return s.bits.Load()&f.mask() != 0
}

// Set sets f and reports whether it was already set
func (s *Flags) Set(f Flag) bool {
	m := f.mask()
	for {
		old := s.bits.Load()
		if old&m != 0 {
			return true
		}
		if s.bits.CompareAndSwap(old, old|m) {
			return false
		}
	}
}

// Clear clears f and reports whether it was set. Sticky flags are left
// untouched and Clear reports false for them.
func (s *Flags) Clear(f Flag) bool {
	if f.Sticky() {
		return false
	}
	m := f.mask()
	for {
		old := s.bits.Load()
		if old&m == 0 {
			return false
		}
		if s.bits.CompareAndSwap(old, old&^m) {
			return true
		}
	}
}

// Removed reports whether the device is gone
func (s *Flags) Removed() bool {
	return s.Has(Removed)
}

// MarkRemoved sets Removed and reports whether this call was the one that
// set it
func (s *Flags) MarkRemoved() bool {
	return !s.Set(Removed)
}

// Check returns ErrDeviceRemoved once the device is gone
func (s *Flags) Check() error {
	if s.Removed() {
		return ErrDeviceRemoved
	}
	return nil
}

// Require returns ErrDeviceRemoved after removal and ErrNotRunning if any
// of want is clear
func (s *Flags) Require(want ...Flag) error {
	if err := s.Check(); err != nil {
		return err
	}
	for _, f := range want {
		if !s.Has(f) {
			return fmt.Errorf("%w: %s not set", ErrNotRunning, f)
		}
	}
	return nil
}

// List returns the set flags in bit order
func (s *Flags) List() []Flag {
	bits := s.bits.Load()
	var out []Flag
	for f := Flag(0); f < numFlags; f++ {
		if bits&f.mask() != 0 {
			out = append(out, f)
		}
	}
	return out
}

func (s *Flags) String() string {
	list := s.List()
	if len(list) == 0 {
		return "none"
	}
	names := make([]string, len(list))
	for i, f := range list {
		names[i] = f.String()
	}
	return strings.Join(names, "|")
}
