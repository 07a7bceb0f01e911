package core

import (
	"fmt"
	"sort"
	"sync"
)

// PolicyStore owns the canonical policies, the set of policies updated
// since the last reset and the update version. Only the coordinator
// mutates it, after a trainer reply has been validated.
type PolicyStore struct {
	mtx      *sync.Mutex
	names    []string
	policies map[string]TrainablePolicy
	updated  map[string]bool
	version  int
}

// NewPolicyStore checks that every policy is trainable and uniquely named.
func NewPolicyStore(policies []Policy) (*PolicyStore, error) {
	s := &PolicyStore{
		mtx:      new(sync.Mutex),
		names:    make([]string, 0, len(policies)),
		policies: make(map[string]TrainablePolicy, len(policies)),
		updated:  make(map[string]bool),
	}
	for _, p := range policies {
		if p == nil {
			return nil, fmt.Errorf("%w: nil policy", ErrConfiguration)
		}
		tp, ok := p.(TrainablePolicy)
		if !ok {
			return nil, fmt.Errorf("%w: policy %q is not trainable, only trainable policies can be managed", ErrConfiguration, p.Name())
		}
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: policy with empty name", ErrConfiguration)
		}
		if _, ok := s.policies[name]; ok {
			return nil, fmt.Errorf("%w: duplicate policy %q", ErrConfiguration, name)
		}
		s.names = append(s.names, name)
		s.policies[name] = tp
	}
	return s, nil
}

// Has reports whether the policy is managed.
func (s *PolicyStore) Has(name string) bool {
	_, ok := s.policies[name]
	return ok
}

// Names returns the managed policy names in construction order.
func (s *PolicyStore) Names() []string {
	return append([]string(nil), s.names...)
}

// Policy returns the canonical policy instance.
func (s *PolicyStore) Policy(name string) (TrainablePolicy, bool) {
	p, ok := s.policies[name]
	return p, ok
}

// Apply runs the experiences through the canonical policy and marks it
// updated when it reports a change.
func (s *PolicyStore) Apply(name string, exp ExperienceSet) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	p, ok := s.policies[name]
	if !ok {
		return false, fmt.Errorf("%w: unmanaged policy %q", ErrConfiguration, name)
	}
	changed, err := p.OnExperiences(exp)
	if err != nil {
		return false, fmt.Errorf("policy %s: %w", name, err)
	}
	if changed {
		s.updated[name] = true
	}
	return changed, nil
}

// CheckReply verifies that a reply only names policies in owned.
func (s *PolicyStore) CheckReply(states map[string]PolicyState, owned []string) error {
	allowed := make(map[string]bool, len(owned))
	for _, id := range owned {
		allowed[id] = true
	}
	for name := range states {
		if !allowed[name] {
			return fmt.Errorf("%w: reply carries state for policy %q not owned by the trainer", ErrProtocolViolation, name)
		}
		if _, ok := s.policies[name]; !ok {
			return fmt.Errorf("%w: reply carries state for unmanaged policy %q", ErrProtocolViolation, name)
		}
	}
	return nil
}

// Merge loads the states into the canonical policies and marks them
// updated. It returns the merged names, sorted.
func (s *PolicyStore) Merge(states map[string]PolicyState) ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	merged := make([]string, 0, len(names))
	for _, name := range names {
		p, ok := s.policies[name]
		if !ok {
			return merged, fmt.Errorf("%w: unmanaged policy %q", ErrProtocolViolation, name)
		}
		if err := p.SetState(states[name].Copy()); err != nil {
			return merged, fmt.Errorf("set state of %s: %w", name, err)
		}
		s.updated[name] = true
		merged = append(merged, name)
	}
	return merged, nil
}

// BumpVersion increments the version and returns the new value.
func (s *PolicyStore) BumpVersion() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.version++
	return s.version
}

func (s *PolicyStore) Version() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.version
}

// SetVersion restores a version, for example from a checkpoint.
// It never moves the version backwards.
func (s *PolicyStore) SetVersion(v int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if v > s.version {
		s.version = v
	}
}

// Updated returns the sorted names updated since the last reset.
func (s *PolicyStore) Updated() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]string, 0, len(s.updated))
	for name := range s.updated {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UpdatedStates returns the states of the updated policies.
func (s *PolicyStore) UpdatedStates() (map[string]PolicyState, error) {
	return s.States(s.Updated())
}

// ResetUpdated clears the updated set. The version is untouched.
func (s *PolicyStore) ResetUpdated() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.updated = make(map[string]bool)
}

// Snapshot returns the states of every managed policy.
func (s *PolicyStore) Snapshot() (map[string]PolicyState, error) {
	return s.States(s.names)
}

// States returns the states of the named policies.
func (s *PolicyStore) States(names []string) (map[string]PolicyState, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make(map[string]PolicyState, len(names))
	for _, name := range names {
		p, ok := s.policies[name]
		if !ok {
			return nil, fmt.Errorf("%w: unmanaged policy %q", ErrConfiguration, name)
		}
		state, err := p.GetState()
		if err != nil {
			return nil, fmt.Errorf("get state of %s: %w", name, err)
		}
		out[name] = state.Copy()
	}
	return out, nil
}
