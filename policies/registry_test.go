package policies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/dist-rl-training/core"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{KindBonusMax, KindQTable, KindQTableEager}, r.Kinds())

	p, err := r.New("agent0", KindQTableEager)
	require.NoError(t, err)
	assert.Equal(t, "agent0", p.Name())

	_, err = r.New("agent0", "ppo")
	assert.ErrorIs(t, err, core.ErrConfiguration)

	cs, err := r.Constructors(map[string]string{"agent0": KindQTable, "agent1": KindQTableEager})
	require.NoError(t, err)
	assert.Len(t, cs, 2)
	assert.Equal(t, "agent1", cs["agent1"].NewPolicy("agent1").Name())

	_, err = r.Constructors(map[string]string{"agent0": "ppo"})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestParseBindings(t *testing.T) {
	b, err := ParseBindings([]string{"agent1=qtable", "agent0=qtable-eager"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"agent0": "qtable-eager", "agent1": "qtable"}, b)
	assert.Equal(t, []string{"agent0=qtable-eager", "agent1=qtable"}, FormatBindings(b))

	for _, bad := range [][]string{{"agent0"}, {"=qtable"}, {"agent0="}, {"a=qtable", "a=qtable"}} {
		_, err := ParseBindings(bad)
		assert.ErrorIs(t, err, core.ErrConfiguration, "%v", bad)
	}
}

func TestRandomPolicyIsNotTrainable(t *testing.T) {
	var p core.Policy = NewRandomPolicy("agent0")
	_, ok := p.(core.TrainablePolicy)
	assert.False(t, ok)
	assert.Contains(t, []string{"a0", "a1"}, NewRandomPolicy("x").ChooseAction("s0", []string{"a0", "a1"}))
	assert.Empty(t, NewRandomPolicy("x").ChooseAction("s0", nil))
}
