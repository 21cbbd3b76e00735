package wcid

import "errors"

var (
	// ErrFull is returned when every peer index is bound
	ErrFull = errors.New("wcid table full")

	// ErrInvalidIndex is returned for indices outside the table or not bound
	ErrInvalidIndex = errors.New("invalid wcid index")

	// ErrInUse is returned when binding an index that is already bound
	ErrInUse = errors.New("wcid index in use")
)
