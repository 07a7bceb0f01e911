package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConfiguration is returned when a manager is built with an invalid
	// policy set or assignment, or when a batch names an unmanaged policy.
	ErrConfiguration = errors.New("configuration error")
	// ErrProtocolViolation is returned when a trainer receives or sends a
	// message outside the control protocol.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrPeerUnavailable is returned when a trainer cannot be reached or
	// went away before replying.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrTimeout is returned when a trainer does not reply in time.
	// It also matches ErrPeerUnavailable.
	ErrTimeout = &timeoutError{}
	// ErrClosed is returned when a manager is used after Exit.
	ErrClosed = errors.New("manager closed")
)

type timeoutError struct{}

func (*timeoutError) Error() string { return "trainer reply timeout" }

func (*timeoutError) Is(target error) bool {
	return target == ErrPeerUnavailable
}

// TrainerError ties a failure to the trainer that caused it.
type TrainerError struct {
	TrainerID string
	Err       error
}

func (e *TrainerError) Error() string {
	return fmt.Sprintf("trainer %s: %s", e.TrainerID, e.Err)
}

func (e *TrainerError) Unwrap() error {
	return e.Err
}

// PartialFailureError is returned by OnExperiences when some trainers
// failed. Replies of the remaining trainers were merged.
type PartialFailureError struct {
	Failures []*TrainerError
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%d trainer(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// FailedTrainers returns the sorted ids of the trainers that failed.
func (e *PartialFailureError) FailedTrainers() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.TrainerID
	}
	sort.Strings(out)
	return out
}

// Unwrap exposes every trainer failure to errors.Is and errors.As.
func (e *PartialFailureError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}

// NewPartialFailure returns nil when there are no failures.
func NewPartialFailure(failures []*TrainerError) error {
	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].TrainerID < failures[j].TrainerID
	})
	return &PartialFailureError{Failures: failures}
}
