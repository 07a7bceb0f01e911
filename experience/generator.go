package experience

import (
	"fmt"

	"github.com/zeu5/dist-rl-training/core"
	erand "golang.org/x/exp/rand"
)

// Generator produces random transitions over a small discrete state and
// action space. It stands in for the rollout side in demos.
type Generator struct {
	NumStates  int
	NumActions int

	rand *erand.Rand
}

func NewGenerator(numStates, numActions int, seed uint64) *Generator {
	return &Generator{
		NumStates:  numStates,
		NumActions: numActions,
		rand:       erand.New(erand.NewSource(seed)),
	}
}

func StateName(i int) string {
	return fmt.Sprintf("s%d", i)
}

func ActionName(i int) string {
	return fmt.Sprintf("a%d", i)
}

// Actions returns every action name.
func (g *Generator) Actions() []string {
	out := make([]string, g.NumActions)
	for i := range out {
		out[i] = ActionName(i)
	}
	return out
}

// Set returns n random transitions. Reaching the last state pays 1,
// every other step costs 0.1.
func (g *Generator) Set(n int) *Set {
	s := NewSet()
	state := g.rand.Intn(g.NumStates)
	for i := 0; i < n; i++ {
		action := g.rand.Intn(g.NumActions)
		next := (state + action + 1) % g.NumStates
		reward := -0.1
		if next == g.NumStates-1 {
			reward = 1
		}
		s.Add(Transition{
			State:     StateName(state),
			Action:    ActionName(action),
			Reward:    reward,
			NextState: StateName(next),
		})
		state = next
	}
	return s
}

// Batch returns a batch with n transitions for each policy, in the given
// policy order.
func (g *Generator) Batch(policyIDs []string, n int) (core.Batch, error) {
	batch := make(core.Batch, 0, len(policyIDs))
	for _, id := range policyIDs {
		exp, err := g.Set(n).Encode()
		if err != nil {
			return nil, err
		}
		batch = batch.Add(id, exp)
	}
	return batch, nil
}
