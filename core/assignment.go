package core

import (
	"fmt"
	"sort"
)

// TrainerPrefix is used by RoundRobinAssignment to name trainers.
const TrainerPrefix = "TRAINER"

// Assignment maps every managed policy to exactly one trainer.
// It is immutable after construction.
type Assignment struct {
	policyToTrainer   map[string]string
	trainerToPolicies map[string][]string
	trainers          []string
}

// NewAssignment builds the table from an explicit policy to trainer map.
// Policies of a trainer are kept sorted by id.
func NewAssignment(policyToTrainer map[string]string) (*Assignment, error) {
	a := &Assignment{
		policyToTrainer:   make(map[string]string, len(policyToTrainer)),
		trainerToPolicies: make(map[string][]string),
	}
	ids := make([]string, 0, len(policyToTrainer))
	for id := range policyToTrainer {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		trainer := policyToTrainer[id]
		if id == "" || trainer == "" {
			return nil, fmt.Errorf("%w: empty policy or trainer id in assignment", ErrConfiguration)
		}
		a.policyToTrainer[id] = trainer
		a.trainerToPolicies[trainer] = append(a.trainerToPolicies[trainer], id)
	}
	for trainer := range a.trainerToPolicies {
		a.trainers = append(a.trainers, trainer)
	}
	sort.Strings(a.trainers)
	return a, nil
}

// RoundRobinAssignment assigns policy i (in the given order) to
// trainer TRAINER.<i % numTrainers>.
func RoundRobinAssignment(policyIDs []string, numTrainers int) (*Assignment, error) {
	if numTrainers <= 0 {
		return nil, fmt.Errorf("%w: number of trainers must be positive", ErrConfiguration)
	}
	m := make(map[string]string, len(policyIDs))
	for i, id := range policyIDs {
		if _, ok := m[id]; ok {
			return nil, fmt.Errorf("%w: duplicate policy %q", ErrConfiguration, id)
		}
		m[id] = TrainerID(i % numTrainers)
	}
	return NewAssignment(m)
}

// TrainerID returns the canonical name of the i-th trainer.
func TrainerID(i int) string {
	return fmt.Sprintf("%s.%d", TrainerPrefix, i)
}

// IdentityAssignment maps each policy to a trainer of the same name.
// The local topology uses it.
func IdentityAssignment(policyIDs []string) (*Assignment, error) {
	m := make(map[string]string, len(policyIDs))
	for _, id := range policyIDs {
		m[id] = id
	}
	return NewAssignment(m)
}

// TrainerOf returns the trainer that owns the policy.
func (a *Assignment) TrainerOf(policyID string) (string, bool) {
	t, ok := a.policyToTrainer[policyID]
	return t, ok
}

// PoliciesOf returns a copy of the policies owned by the trainer.
func (a *Assignment) PoliciesOf(trainerID string) []string {
	return append([]string(nil), a.trainerToPolicies[trainerID]...)
}

// Trainers returns the sorted trainer ids.
func (a *Assignment) Trainers() []string {
	return append([]string(nil), a.trainers...)
}

// Policies returns every assigned policy id, sorted.
func (a *Assignment) Policies() []string {
	out := make([]string, 0, len(a.policyToTrainer))
	for id := range a.policyToTrainer {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Check verifies that the table covers exactly the managed policies.
func (a *Assignment) Check(managed []string) error {
	set := make(map[string]bool, len(managed))
	for _, id := range managed {
		set[id] = true
		if _, ok := a.policyToTrainer[id]; !ok {
			return fmt.Errorf("%w: policy %q has no trainer", ErrConfiguration, id)
		}
	}
	for id := range a.policyToTrainer {
		if !set[id] {
			return fmt.Errorf("%w: assignment references unmanaged policy %q", ErrConfiguration, id)
		}
	}
	return nil
}

// Partition splits a batch by trainer. Trainers with no entries are
// omitted and each sub-batch keeps the input order.
func (a *Assignment) Partition(b Batch) (map[string]Batch, error) {
	out := make(map[string]Batch)
	for _, e := range b {
		trainer, ok := a.policyToTrainer[e.PolicyID]
		if !ok {
			return nil, fmt.Errorf("%w: unmanaged policy %q in batch", ErrConfiguration, e.PolicyID)
		}
		out[trainer] = append(out[trainer], e)
	}
	return out, nil
}
