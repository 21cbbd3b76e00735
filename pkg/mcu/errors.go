package mcu

import "errors"

var (
	// ErrTimeout is returned when no matching response arrived in time
	ErrTimeout = errors.New("mcu response timeout")

	// ErrSequenceMismatch is returned alongside ErrTimeout when responses
	// arrived during the wait but none carried the command's sequence
	ErrSequenceMismatch = errors.New("mcu response sequence mismatch")

	// ErrCommandFailed is returned when the firmware rejected the command
	ErrCommandFailed = errors.New("mcu command failed")

	// ErrClosed is returned when the channel is not running
	ErrClosed = errors.New("mcu channel closed")

	// ErrPayloadTooLarge is returned for payloads over InbandMaxLen
	ErrPayloadTooLarge = errors.New("mcu payload too large")

	// ErrBadResponse is returned when a response transfer cannot be parsed
	ErrBadResponse = errors.New("malformed mcu response")
)
