package regs

import "errors"

var (
	// ErrUnresponsive is returned when a vendor request keeps failing after
	// every retry
	ErrUnresponsive = errors.New("device not responding to vendor requests")

	// ErrPollTimeout is returned when a register never reaches the awaited value
	ErrPollTimeout = errors.New("register poll timed out")

	// ErrUnaligned is returned for bulk register copies that are not whole
	// 32-bit words
	ErrUnaligned = errors.New("register copy not 32-bit aligned")
)
