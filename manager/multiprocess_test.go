package manager

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/transport"
)

func TestMultiProcessValidatesBeforeSpawning(t *testing.T) {
	spawned := new(atomic.Int32)

	a, err := core.NewAssignment(map[string]string{"A": "T1", "B": "T1"})
	require.NoError(t, err)
	_, err = NewMultiProcessManager([]core.Policy{&counter{name: "A"}, named("B")}, a, testSpawn(spawned))
	assert.ErrorIs(t, err, core.ErrConfiguration)

	a, err = core.NewAssignment(map[string]string{"A": "T1"})
	require.NoError(t, err)
	_, err = NewMultiProcessManager(policies("A", "B"), a, testSpawn(spawned))
	assert.ErrorIs(t, err, core.ErrConfiguration, "B has no trainer")

	_, err = NewMultiProcessManager(policies("A"), a, nil)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	assert.Zero(t, spawned.Load())
}

func TestMultiProcessSpawnsOneProcessPerTrainer(t *testing.T) {
	spawned := new(atomic.Int32)
	a, err := core.RoundRobinAssignment([]string{"A", "B", "C"}, 2)
	require.NoError(t, err)
	m := newProcessManager(t, []string{"A", "B", "C"}, a, testSpawn(spawned))

	assert.Equal(t, int32(2), spawned.Load())
	processes := m.Processes()
	require.Len(t, processes, 2)
	assert.NotEqual(t, processes[core.TrainerID(0)].Pid(), processes[core.TrainerID(1)].Pid())
}

func TestMultiProcessReplicasStartFromCanonicalState(t *testing.T) {
	ps := policies("A", "B")
	ps[0].(*counter).count = 41
	a, err := core.RoundRobinAssignment([]string{"A", "B"}, 2)
	require.NoError(t, err)
	m, err := NewMultiProcessManager(ps, a, testSpawn(nil))
	require.NoError(t, err)
	defer m.kill()

	require.NoError(t, m.OnExperiences(context.Background(), core.Batch{}.Add("A", core.ExperienceSet("go"))))
	assert.Equal(t, map[string]string{"A": "42"}, state(t, m))
	assert.Equal(t, 42, ps[0].(*counter).count, "the canonical policy holds the merged state")
}

func TestMultiProcessExit(t *testing.T) {
	a, err := core.RoundRobinAssignment([]string{"A", "B"}, 2)
	require.NoError(t, err)
	m := newProcessManager(t, []string{"A", "B"}, a, testSpawn(nil))

	require.NoError(t, m.Exit(context.Background()))
	require.NoError(t, m.Exit(context.Background()), "a second exit is a no-op")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
	for id, p := range m.Processes() {
		assert.False(t, p.Alive(), "trainer %s still running", id)
		assert.NoError(t, p.ExitErr(), "trainer %s", id)
	}
}

func TestMultiProcessTimeout(t *testing.T) {
	hung := core.TrainerID(1)
	a, err := core.RoundRobinAssignment([]string{"A", "B"}, 2)
	require.NoError(t, err)
	m := newProcessManager(t, []string{"A", "B"}, a, testSpawn(nil, hung), WithReplyTimeout(300*time.Millisecond))

	start := time.Now()
	err = m.OnExperiences(context.Background(), core.Batch{}.
		Add("A", core.ExperienceSet("go")).
		Add("B", core.ExperienceSet("go")))
	assert.Less(t, time.Since(start), 5*time.Second)

	var partial *core.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{hung}, partial.FailedTrainers())
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.ErrorIs(t, err, core.ErrPeerUnavailable)

	assert.Equal(t, map[string]string{"A": "1"}, state(t, m))
	assert.Equal(t, 1, m.Version())

	// The hung trainer still honours QUIT.
	require.NoError(t, m.Exit(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, m.Wait(ctx))
}

func TestMultiProcessCallerCancel(t *testing.T) {
	a, err := core.RoundRobinAssignment([]string{"A"}, 1)
	require.NoError(t, err)
	m := newProcessManager(t, []string{"A"}, a, testSpawn(nil, core.TrainerID(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = m.OnExperiences(ctx, core.Batch{}.Add("A", core.ExperienceSet("go")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, 0, m.Version())
}

func TestMultiProcessDeadTrainer(t *testing.T) {
	a, err := core.RoundRobinAssignment([]string{"A", "B"}, 2)
	require.NoError(t, err)
	m := newProcessManager(t, []string{"A", "B"}, a, testSpawn(nil))

	dead := m.Processes()[core.TrainerID(1)]
	dead.Kill()
	select {
	case <-dead.Exited():
	case <-time.After(10 * time.Second):
		t.Fatal("trainer did not exit")
	}

	err = m.OnExperiences(context.Background(), core.Batch{}.
		Add("A", core.ExperienceSet("go")).
		Add("B", core.ExperienceSet("go")))
	var partial *core.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{core.TrainerID(1)}, partial.FailedTrainers())
	assert.ErrorIs(t, err, core.ErrPeerUnavailable)
	assert.Equal(t, map[string]string{"A": "1"}, state(t, m))
}

func TestMultiProcessRoutesOnlyOwnedExperiences(t *testing.T) {
	dir := t.TempDir()
	a, err := core.NewAssignment(map[string]string{"A": "T1", "B": "T1", "C": "T2"})
	require.NoError(t, err)
	m := newProcessManager(t, []string{"A", "B", "C"}, a, recordingSpawn(dir))

	// A changes, C does not.
	require.NoError(t, m.OnExperiences(context.Background(), core.Batch{}.
		Add("A", core.ExperienceSet("go")).
		Add("C", core.ExperienceSet("noop"))))
	assert.Equal(t, 1, m.Version())
	assert.Equal(t, []string{"A"}, m.Updated())
	assert.Equal(t, map[string]string{"A": "1"}, state(t, m))

	t1 := recorded(t, filepath.Join(dir, "T1.jsonl")).trained()
	require.Len(t, t1, 1)
	assert.Equal(t, []string{"A"}, t1[0].PolicyIDs(), "B has no data")
	t2 := recorded(t, filepath.Join(dir, "T2.jsonl")).trained()
	require.Len(t, t2, 1)
	assert.Equal(t, []string{"C"}, t2[0].PolicyIDs())
	assert.Equal(t, core.ExperienceSet("noop"), t2[0][0].Experiences)
}

// corrupt hands out a canonical state that no replica accepts.
type corrupt struct {
	counter
}

func (c *corrupt) GetState() (core.PolicyState, error) {
	return core.PolicyState("not-a-number"), nil
}

func TestMultiProcessRejectedInitialState(t *testing.T) {
	bad := &corrupt{counter: counter{name: "A"}}
	a, err := core.RoundRobinAssignment([]string{"A", "B"}, 2)
	require.NoError(t, err)
	m, err := NewMultiProcessManager([]core.Policy{bad, &counter{name: "B"}}, a, testSpawn(nil), WithReplyTimeout(10*time.Second))
	require.NoError(t, err)
	t.Cleanup(m.kill)

	for i := 0; i < 2; i++ {
		err = m.OnExperiences(context.Background(), core.Batch{}.
			Add("A", core.ExperienceSet("go")).
			Add("B", core.ExperienceSet("go")))
		var partial *core.PartialFailureError
		require.ErrorAs(t, err, &partial)
		assert.Equal(t, []string{core.TrainerID(0)}, partial.FailedTrainers())
		assert.ErrorIs(t, err, transport.ErrInitRejected)
	}
	assert.Zero(t, bad.count, "the canonical state is never replaced")
	assert.Equal(t, map[string]string{"B": "2"}, state(t, m))
	assert.Equal(t, 2, m.Version())
}
