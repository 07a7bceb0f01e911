package policies

import (
	"math/rand"
	"time"

	"github.com/zeu5/dist-rl-training/core"
)

// RandomPolicy picks actions uniformly. It cannot learn, so managers
// refuse it.
type RandomPolicy struct {
	name string
	rand *rand.Rand
}

var _ core.Policy = &RandomPolicy{}

func NewRandomPolicy(name string) *RandomPolicy {
	return &RandomPolicy{
		name: name,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *RandomPolicy) Name() string {
	return r.name
}

func (r *RandomPolicy) ChooseAction(_ string, actions []string) string {
	if len(actions) == 0 {
		return ""
	}
	return actions[r.rand.Intn(len(actions))]
}
