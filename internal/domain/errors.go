package domain

import "errors"

var (
	// ErrInvalidTaskDefinition is returned to callers recording a definition
	// with a missing or non-string target, or an unusable schedule.
	ErrInvalidTaskDefinition = errors.New("invalid task definition")
	// ErrStorageUnavailable means the backing file, blob store or database
	// could not be opened within the retry budget.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
