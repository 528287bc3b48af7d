package task

import "errors"

var (
	ErrNotFound           = errors.New("task not found")
	ErrDuplicateID        = errors.New("task id already exists")
	ErrInvalidTask        = errors.New("invalid task")
	ErrCancelled          = errors.New("task cancelled")
	ErrContention         = errors.New("task claim lost to a concurrent tick")
	ErrPreferenceNotFound = errors.New("preference not found")
	ErrMalformedSchedule  = errors.New("malformed schedule")
)
