package core

import (
	"fmt"
	"sort"
)

// PolicyExperience is one entry of a batch.
type PolicyExperience struct {
	PolicyID    string        `json:"policy_id"`
	Experiences ExperienceSet `json:"experiences"`
}

// Batch holds experiences keyed by policy id. Entries are applied
// in the order they appear.
type Batch []PolicyExperience

// BatchFromMap builds a batch ordered by policy id.
func BatchFromMap(m map[string]ExperienceSet) Batch {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make(Batch, len(ids))
	for i, id := range ids {
		out[i] = PolicyExperience{PolicyID: id, Experiences: m[id]}
	}
	return out
}

// Add appends an entry and returns the batch.
func (b Batch) Add(policyID string, exp ExperienceSet) Batch {
	return append(b, PolicyExperience{PolicyID: policyID, Experiences: exp})
}

// PolicyIDs returns the ids in batch order.
func (b Batch) PolicyIDs() []string {
	out := make([]string, len(b))
	for i, e := range b {
		out[i] = e.PolicyID
	}
	return out
}

// Copy deep copies every experience set.
func (b Batch) Copy() Batch {
	out := make(Batch, len(b))
	for i, e := range b {
		out[i] = PolicyExperience{PolicyID: e.PolicyID, Experiences: e.Experiences.Copy()}
	}
	return out
}

// Validate checks that every id is managed and appears once.
func (b Batch) Validate(managed func(string) bool) error {
	seen := make(map[string]bool, len(b))
	for _, e := range b {
		if !managed(e.PolicyID) {
			return fmt.Errorf("%w: unmanaged policy %q in batch", ErrConfiguration, e.PolicyID)
		}
		if seen[e.PolicyID] {
			return fmt.Errorf("%w: policy %q appears more than once in batch", ErrConfiguration, e.PolicyID)
		}
		seen[e.PolicyID] = true
	}
	return nil
}
