package dma

import "errors"

var (
	// ErrAllocation is returned when ring buffers or transfer handles cannot
	// be obtained
	ErrAllocation = errors.New("dma ring allocation failed")

	// ErrQueueFull is returned when every slot of a TX ring is in flight.
	// The caller may retry once completions free a slot.
	ErrQueueFull = errors.New("tx queue full")

	// ErrFrameTooLarge is returned when a frame does not fit a ring slot
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrBadSegment is returned for malformed received segments
	ErrBadSegment = errors.New("malformed rx segment")

	// ErrClosed is returned for operations on a torn down ring
	ErrClosed = errors.New("dma ring closed")

	// ErrTeardownTimeout is returned when in-flight transfers did not
	// complete before the teardown deadline. The ring is not freed.
	ErrTeardownTimeout = errors.New("dma teardown timed out")

	// ErrRingDegraded is returned by an RX ring that lost a slot to a failed
	// resubmission and needs Restart
	ErrRingDegraded = errors.New("rx ring degraded")
)
