package policies

import (
	"encoding/json"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// QTable maps state -> action -> value.
type QTable struct {
	table map[string]map[string]float64
}

func NewQTable() *QTable {
	return &QTable{
		table: make(map[string]map[string]float64),
	}
}

func (q *QTable) GetAll(state string) (map[string]float64, bool) {
	values, ok := q.table[state]
	return values, ok
}

func (q *QTable) Get(state, action string, def float64) float64 {
	if _, ok := q.table[state]; !ok {
		q.table[state] = make(map[string]float64)
	}
	if _, ok := q.table[state][action]; !ok {
		q.table[state][action] = def
	}
	return q.table[state][action]
}

func (q *QTable) Set(state, action string, val float64) {
	if _, ok := q.table[state]; !ok {
		q.table[state] = make(map[string]float64)
	}
	q.table[state][action] = val
}

func (q *QTable) HasState(state string) bool {
	_, ok := q.table[state]
	return ok
}

// Max returns the largest value recorded for the state, or def when the
// state has no entries.
func (q *QTable) Max(state string, def float64) float64 {
	entries, ok := q.table[state]
	if !ok || len(entries) == 0 {
		return def
	}
	vals := make([]float64, 0, len(entries))
	for _, v := range entries {
		vals = append(vals, v)
	}
	return floats.Max(vals)
}

// Values returns the values of the given actions, defaulting missing
// entries to def without recording them.
func (q *QTable) Values(state string, actions []string, def float64) []float64 {
	out := make([]float64, len(actions))
	for i, a := range actions {
		out[i] = def
		if v, ok := q.table[state][a]; ok {
			out[i] = v
		}
	}
	return out
}

func (q *QTable) Size() int {
	return len(q.table)
}

// States returns the recorded states, sorted.
func (q *QTable) States() []string {
	out := make([]string, 0, len(q.table))
	for s := range q.table {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (q *QTable) Copy() *QTable {
	out := NewQTable()
	for s, entries := range q.table {
		out.table[s] = make(map[string]float64, len(entries))
		for a, v := range entries {
			out.table[s][a] = v
		}
	}
	return out
}

func (q *QTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.table)
}

func (q *QTable) UnmarshalJSON(bs []byte) error {
	table := make(map[string]map[string]float64)
	if err := json.Unmarshal(bs, &table); err != nil {
		return err
	}
	q.table = table
	return nil
}
