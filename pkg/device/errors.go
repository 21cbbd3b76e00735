package device

import "errors"

var (
	// ErrBringUp wraps any failure during Init
	ErrBringUp = errors.New("device bring-up failed")

	// ErrInvalidChannel is returned for channel numbers the band lacks
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrShortFrame is returned by Tx for frames without a full descriptor
	ErrShortFrame = errors.New("frame shorter than tx descriptor")
)
