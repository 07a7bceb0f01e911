package policies

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/experience"
	erand "golang.org/x/exp/rand"
)

const KindBonusMax = "bonusmax"

type BonusConfig struct {
	Alpha    float64 `json:"alpha"`
	Discount float64 `json:"discount"`
	Epsilon  float64 `json:"epsilon"`
}

func DefaultBonusConfig() BonusConfig {
	return BonusConfig{
		Alpha:    0.1,
		Discount: 0.99,
		Epsilon:  0.05,
	}
}

// BonusPolicy ignores rewards and learns towards rarely tried actions: the
// target of an update is the larger of 1/visits and the discounted value
// of the next state. Values start optimistic at 1.
type BonusPolicy struct {
	name   string
	config BonusConfig
	qTable *QTable
	visits *QTable

	rand *erand.Rand
}

var _ core.TrainablePolicy = &BonusPolicy{}

func NewBonusPolicy(name string, config BonusConfig) *BonusPolicy {
	return &BonusPolicy{
		name:   name,
		config: config,
		qTable: NewQTable(),
		visits: NewQTable(),
		rand:   erand.New(erand.NewSource(uint64(time.Now().UnixNano()))),
	}
}

func (b *BonusPolicy) Name() string {
	return b.name
}

func (b *BonusPolicy) Table() *QTable {
	return b.qTable
}

// OnExperiences updates the table for every transition. Any non empty set
// changes the state.
func (b *BonusPolicy) OnExperiences(exp core.ExperienceSet) (bool, error) {
	set, err := experience.Decode(exp)
	if err != nil {
		return false, err
	}
	for i := 0; i < set.Len(); i++ {
		b.update(set.Transition(i))
	}
	return set.Len() > 0, nil
}

func (b *BonusPolicy) update(t experience.Transition) {
	visits := b.visits.Get(t.State, t.Action, 0) + 1
	b.visits.Set(t.State, t.Action, visits)

	nextVal := b.qTable.Max(t.NextState, 1)
	curVal := b.qTable.Get(t.State, t.Action, 1)
	newVal := (1-b.config.Alpha)*curVal + b.config.Alpha*max(1/visits, b.config.Discount*nextVal)
	b.qTable.Set(t.State, t.Action, newVal)
}

// ChooseAction is epsilon greedy over the table.
func (b *BonusPolicy) ChooseAction(state string, actions []string) (string, error) {
	if len(actions) == 0 {
		return "", errors.New("no actions to choose from")
	}
	if b.rand.Float64() < b.config.Epsilon {
		return actions[b.rand.Intn(len(actions))], nil
	}
	vals := b.qTable.Values(state, actions, 1)
	best := 0
	for i, v := range vals {
		if v > vals[best] {
			best = i
		}
	}
	return actions[best], nil
}

type bonusState struct {
	Config BonusConfig `json:"config"`
	Table  *QTable     `json:"table"`
	Visits *QTable     `json:"visits"`
}

func (b *BonusPolicy) GetState() (core.PolicyState, error) {
	bs, err := json.Marshal(bonusState{Config: b.config, Table: b.qTable, Visits: b.visits})
	if err != nil {
		return nil, err
	}
	return core.PolicyState(bs), nil
}

func (b *BonusPolicy) SetState(state core.PolicyState) error {
	s := bonusState{Table: NewQTable(), Visits: NewQTable()}
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("error decoding state of %s: %w", b.name, err)
	}
	b.config = s.Config
	b.qTable = s.Table
	b.visits = s.Visits
	return nil
}
