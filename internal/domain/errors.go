package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrDuplicateJob        = errors.New("duplicate job")
	ErrNoOp                = errors.New("job already taken by another dispatcher")
	ErrWorkerFailure       = errors.New("generation failed")
	ErrNotReady            = errors.New("job not ready")
	ErrDispatch            = errors.New("dispatch failed")
	ErrLedger              = errors.New("credit ledger failure")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationReleased = errors.New("reservation released")
	ErrAlreadyCommitted    = errors.New("reservation already committed")
	ErrProviderFailure     = errors.New("provider failure")
)

// NotReadyError is returned when a result is confirmed before the job
// completed. Clients should poll again unless Status is terminal.
type NotReadyError struct {
	JobID  string
	Status JobStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job %s is %s", e.JobID, e.Status)
}

func (e *NotReadyError) Unwrap() error { return ErrNotReady }
