// Package experience provides the transition sets produced by rollout
// workers and a seeded generator used to drive demos and tests.
package experience

import (
	"encoding/json"
	"fmt"

	"github.com/zeu5/dist-rl-training/core"
)

// Set is a column oriented batch of transitions for one policy.
type Set struct {
	States     []string  `json:"states"`
	Actions    []string  `json:"actions"`
	Rewards    []float64 `json:"rewards"`
	NextStates []string  `json:"next_states"`
}

type Transition struct {
	State     string
	Action    string
	Reward    float64
	NextState string
}

func NewSet() *Set {
	return &Set{
		States:     make([]string, 0),
		Actions:    make([]string, 0),
		Rewards:    make([]float64, 0),
		NextStates: make([]string, 0),
	}
}

func (s *Set) Add(t Transition) {
	s.States = append(s.States, t.State)
	s.Actions = append(s.Actions, t.Action)
	s.Rewards = append(s.Rewards, t.Reward)
	s.NextStates = append(s.NextStates, t.NextState)
}

func (s *Set) Len() int {
	return len(s.States)
}

// Transition returns the i-th transition.
func (s *Set) Transition(i int) Transition {
	return Transition{
		State:     s.States[i],
		Action:    s.Actions[i],
		Reward:    s.Rewards[i],
		NextState: s.NextStates[i],
	}
}

func (s *Set) validate() error {
	n := len(s.States)
	if len(s.Actions) != n || len(s.Rewards) != n || len(s.NextStates) != n {
		return fmt.Errorf("column length mismatch: states=%d actions=%d rewards=%d next_states=%d",
			n, len(s.Actions), len(s.Rewards), len(s.NextStates))
	}
	return nil
}

// Encode serializes the set into an opaque experience set.
func (s *Set) Encode() (core.ExperienceSet, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	bs, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return core.ExperienceSet(bs), nil
}

// Decode parses an experience set produced by Encode.
func Decode(exp core.ExperienceSet) (*Set, error) {
	s := NewSet()
	if err := json.Unmarshal(exp, s); err != nil {
		return nil, fmt.Errorf("error decoding experiences: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}
