package config

import "errors"

var (
	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid configuration value")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidOverride indicates a submission override failed validation
	ErrInvalidOverride = errors.New("invalid configuration override")
)
