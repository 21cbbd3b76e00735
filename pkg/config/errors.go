package config

import "errors"

var (
	// ErrConfigVersion is returned for files written by another format version
	ErrConfigVersion = errors.New("unsupported config version")

	// ErrInvalidValue is returned when a field is out of range
	ErrInvalidValue = errors.New("invalid config value")
)
