package policies

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/experience"
	erand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// QConfig holds the learning parameters of a QPolicy.
type QConfig struct {
	Alpha       float64 `json:"alpha"`
	Gamma       float64 `json:"gamma"`
	Temperature float64 `json:"temperature"`
	// BatchSize is the number of buffered transitions that triggers a
	// learning step.
	BatchSize int `json:"batch_size"`
}

func DefaultQConfig() QConfig {
	return QConfig{
		Alpha:       0.1,
		Gamma:       0.95,
		Temperature: 1,
		BatchSize:   32,
	}
}

// QPolicy is a tabular Q-learning policy. Experiences are buffered and
// learned from once BatchSize transitions are available. The next action
// is chosen according to the softmax of the values with a temperature.
type QPolicy struct {
	name    string
	config  QConfig
	table   *QTable
	buffer  []experience.Transition
	updates int

	rand erand.Source
}

var _ core.TrainablePolicy = &QPolicy{}

func NewQPolicy(name string, config QConfig) *QPolicy {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	return &QPolicy{
		name:   name,
		config: config,
		table:  NewQTable(),
		buffer: make([]experience.Transition, 0, config.BatchSize),
		rand:   erand.NewSource(uint64(time.Now().UnixNano())),
	}
}

func (q *QPolicy) Name() string {
	return q.name
}

// Updates returns the number of learning steps taken.
func (q *QPolicy) Updates() int {
	return q.updates
}

func (q *QPolicy) Table() *QTable {
	return q.table
}

// OnExperiences buffers the transitions and learns when the buffer is full.
func (q *QPolicy) OnExperiences(exp core.ExperienceSet) (bool, error) {
	set, err := experience.Decode(exp)
	if err != nil {
		return false, err
	}
	for i := 0; i < set.Len(); i++ {
		q.buffer = append(q.buffer, set.Transition(i))
	}
	if len(q.buffer) < q.config.BatchSize {
		return false, nil
	}
	q.learn()
	return true, nil
}

func (q *QPolicy) learn() {
	for _, t := range q.buffer {
		curVal := q.table.Get(t.State, t.Action, 0)
		max := q.table.Max(t.NextState, 0)
		nextVal := (1-q.config.Alpha)*curVal + q.config.Alpha*(t.Reward+q.config.Gamma*max)
		q.table.Set(t.State, t.Action, nextVal)
	}
	q.buffer = q.buffer[:0]
	q.updates++
}

// ChooseAction samples one of the actions with softmax weights.
func (q *QPolicy) ChooseAction(state string, actions []string) (string, error) {
	if len(actions) == 0 {
		return "", errors.New("no actions to choose from")
	}
	vals := q.table.Values(state, actions, 0)
	largest := vals[0]
	for _, v := range vals {
		if v > largest {
			largest = v
		}
	}
	temp := q.config.Temperature
	if temp <= 0 {
		temp = 1
	}
	sum := float64(0)
	for i := range vals {
		vals[i] = math.Exp((vals[i] - largest) / temp)
		sum += vals[i]
	}
	weights := make([]float64, len(vals))
	for i, v := range vals {
		weights[i] = v / sum
	}
	i, ok := sampleuv.NewWeighted(weights, q.rand).Take()
	if !ok {
		return "", errors.New("could not sample an action")
	}
	return actions[i], nil
}

type qState struct {
	Config  QConfig `json:"config"`
	Table   *QTable `json:"table"`
	Updates int     `json:"updates"`
}

// GetState serializes the configuration, the table and the update count.
// Buffered transitions stay with the replica that received them.
func (q *QPolicy) GetState() (core.PolicyState, error) {
	bs, err := json.Marshal(qState{Config: q.config, Table: q.table, Updates: q.updates})
	if err != nil {
		return nil, err
	}
	return core.PolicyState(bs), nil
}

func (q *QPolicy) SetState(state core.PolicyState) error {
	s := qState{Table: NewQTable()}
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("error decoding state of %s: %w", q.name, err)
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 1
	}
	q.config = s.Config
	q.table = s.Table
	q.updates = s.Updates
	return nil
}
