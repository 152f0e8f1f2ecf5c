package task

import "errors"

var (
	ErrNotFound          = errors.New("task: not found")
	ErrDuplicateRequest  = errors.New("task: duplicate request")
	ErrConflict          = errors.New("task: status changed concurrently")
	ErrInvalidTransition = errors.New("task: invalid transition")
	ErrEmptySource       = errors.New("task: source is required")
)
