package core

import "context"

// PolicyManager collects experience batches, routes them to trainers and
// merges the updated policy states back into the canonical store.
type PolicyManager interface {
	// OnExperiences blocks until every trainer addressed by the batch
	// replied, failed or the context was cancelled. The version grows
	// by one when at least one policy changed during the call.
	OnExperiences(context.Context, Batch) error
	// GetState returns the states of the policies updated since the
	// last ResetUpdateStatus.
	GetState() (map[string]PolicyState, error)
	ResetUpdateStatus()
	Version() int
	// Exit releases the trainers. It does not wait for them to stop.
	Exit(context.Context) error
}
