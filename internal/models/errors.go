package models

import "errors"

// Conditions reported by the evaluation pipeline. Callers match them with errors.Is;
// the returned errors wrap these with the market and reason.
var (
	// ErrInsufficientData means the market has fewer than the minimum number of samples.
	// It is a steady state for new markets, not a failure.
	ErrInsufficientData = errors.New("insufficient data")

	ErrInvalidSnapshot    = errors.New("invalid snapshot")
	ErrOutOfOrderSnapshot = errors.New("out of order snapshot")
	ErrCapacityExceeded   = errors.New("tracked market capacity exceeded")

	// ErrConfig marks configuration errors; they are fatal at startup.
	ErrConfig = errors.New("invalid configuration")
)
