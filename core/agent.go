package core

// Policy is anything that can be handed to a policy manager.
type Policy interface {
	Name() string
}

// TrainablePolicy can update itself from experiences and
// exchange its state as an opaque blob.
type TrainablePolicy interface {
	Policy
	GetState() (PolicyState, error)
	SetState(PolicyState) error
	// OnExperiences applies the batch and reports whether the
	// internal state changed.
	OnExperiences(ExperienceSet) (bool, error)
}

// PolicyConstructor creates a fresh policy with the given name.
// Worker processes and remote trainers use it to rebuild the
// policies they own before the initial state is loaded.
type PolicyConstructor interface {
	NewPolicy(name string) TrainablePolicy
}

// PolicyConstructorFunc adapts a function to PolicyConstructor.
type PolicyConstructorFunc func(name string) TrainablePolicy

func (f PolicyConstructorFunc) NewPolicy(name string) TrainablePolicy {
	return f(name)
}

// PolicyState is the serialized state of a trainable policy.
type PolicyState []byte

// Copy returns an independent copy of the state.
func (s PolicyState) Copy() PolicyState {
	if s == nil {
		return nil
	}
	out := make(PolicyState, len(s))
	copy(out, s)
	return out
}

// ExperienceSet is an opaque, policy scoped batch of transitions.
// The coordination layer only moves it around.
type ExperienceSet []byte

func (e ExperienceSet) Copy() ExperienceSet {
	if e == nil {
		return nil
	}
	out := make(ExperienceSet, len(e))
	copy(out, e)
	return out
}

// CopyStates returns a deep copy of a state map.
func CopyStates(in map[string]PolicyState) map[string]PolicyState {
	out := make(map[string]PolicyState, len(in))
	for k, v := range in {
		out[k] = v.Copy()
	}
	return out
}
