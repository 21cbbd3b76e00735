package transport

import "errors"

var (
	// ErrNoDevice is returned once the device has been unplugged
	ErrNoDevice = errors.New("usb device not present")

	// ErrNotFound is returned when no matching adapter is connected
	ErrNotFound = errors.New("no matching usb adapter found")

	ErrCancelled = errors.New("usb transfer cancelled")
	ErrStall     = errors.New("usb endpoint stalled")
	ErrTimeout   = errors.New("usb transfer timed out")
	ErrOverflow  = errors.New("usb transfer overflow")
	ErrIO        = errors.New("usb i/o error")

	// ErrBusy is returned when a transfer is submitted while still in flight
	ErrBusy = errors.New("usb transfer already in flight")

	// ErrClosed is returned for operations on a closed bus
	ErrClosed = errors.New("usb bus closed")

	// ErrEndpoints is returned when the interface lacks the expected endpoints
	ErrEndpoints = errors.New("unexpected usb endpoint layout")
)
