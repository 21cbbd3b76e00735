// Package transport is the host side of the USB link to the radio.
//
// A Bus carries two kinds of traffic: synchronous vendor control requests on
// the default pipe, and asynchronous bulk transfers on the data endpoints.
// Bulk transfers are reusable handles; each submission produces exactly one
// completion callback.
package transport

import (
	"context"
	"fmt"
)

// Direction is the bmRequestType used for a vendor control request
type Direction uint8

const (
	DirOut Direction = 0x40 // vendor, host to device
	DirIn  Direction = 0xC0 // vendor, device to host
)

func (d Direction) String() string {
	switch d {
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	}
	return fmt.Sprintf("dir(%#02x)", uint8(d))
}

// Vendor request codes understood by the control pipe
const (
	VendorDevMode    uint8 = 0x01
	VendorWrite      uint8 = 0x02
	VendorMultiWrite uint8 = 0x06
	VendorMultiRead  uint8 = 0x07
	VendorWriteFCE   uint8 = 0x42
)

// VendorDevModeReset is the VendorDevMode value that resets the chip
const VendorDevModeReset uint16 = 0x01

// Completion is called once per submitted transfer with its final status
// and the number of bytes moved. It runs in the completion context and must
// not block.
type Completion func(status Status, n int)

// Transfer is a reusable bulk transfer bound to one endpoint.
//
// Submit never calls done synchronously; the completion always arrives from
// the completion context after Submit has returned. A transfer may only be
// in flight once; submitting it again before its completion returns ErrBusy.
type Transfer interface {
	Submit(buf []byte, done Completion) error
	// Cancel requests early completion. The completion still fires, with
	// StatusCancelled unless the transfer had already finished, and never
	// from inside Cancel.
	Cancel()
	// Free releases the handle. It must not be in flight.
	Free()
}

// Endpoint describes one bulk endpoint
type Endpoint struct {
	Address   uint8
	MaxPacket int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("ep%#02x", e.Address)
}

// Endpoints is the bulk endpoint map discovered at probe time, in
// interface descriptor order
type Endpoints struct {
	In  []Endpoint
	Out []Endpoint
}

// IN endpoint roles
const (
	EPInPacket = iota
	EPInCmdResp
	NumInEndpoints
)

// OUT endpoint roles
const (
	EPOutInbandCmd = iota
	EPOutACBE
	EPOutACBK
	EPOutACVI
	EPOutACVO
	EPOutHCCA
	NumOutEndpoints
)

// Validate checks that the map holds every endpoint role the driver uses
func (e Endpoints) Validate() error {
	if len(e.In) < NumInEndpoints || len(e.Out) < NumOutEndpoints {
		return fmt.Errorf("%w: have %d in / %d out, need %d / %d",
			ErrEndpoints, len(e.In), len(e.Out), NumInEndpoints, NumOutEndpoints)
	}
	return nil
}

// Bus is an open device
type Bus interface {
	// Control issues one vendor control request. The context deadline
	// bounds the request.
	Control(ctx context.Context, request uint8, dir Direction, value, index uint16, buf []byte) (int, error)
	// NewTransfer allocates a reusable bulk transfer for ep.
	NewTransfer(ep Endpoint) (Transfer, error)
	Endpoints() Endpoints
	Close() error
}

// Status is the final state of a bulk transfer
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusStall
	StatusTimeout
	StatusCancelled
	StatusNoDevice
	StatusOverflow
)

var statusNames = [...]string{
	StatusOK:        "ok",
	StatusError:     "error",
	StatusStall:     "stall",
	StatusTimeout:   "timeout",
	StatusCancelled: "cancelled",
	StatusNoDevice:  "no-device",
	StatusOverflow:  "overflow",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Err maps a status to its sentinel error, or nil for StatusOK
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusStall:
		return ErrStall
	case StatusTimeout:
		return ErrTimeout
	case StatusCancelled:
		return ErrCancelled
	case StatusNoDevice:
		return ErrNoDevice
	case StatusOverflow:
		return ErrOverflow
	}
	return ErrIO
}
