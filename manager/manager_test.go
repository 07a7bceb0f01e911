package manager

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
	"github.com/zeu5/dist-rl-training/trainer"
	"github.com/zeu5/dist-rl-training/transport"
)

const (
	trainerEnv  = "MANAGER_TEST_TRAINER"
	policiesEnv = "MANAGER_TEST_POLICIES"
	hangEnv     = "MANAGER_TEST_HANG"
	recordEnv   = "MANAGER_TEST_RECORD"
)

// TestMain doubles as a trainer process for the multi-process tests.
func TestMain(m *testing.M) {
	if id := os.Getenv(trainerEnv); id != "" {
		os.Exit(runTrainer(id))
	}
	os.Exit(m.Run())
}

func runTrainer(id string) int {
	if os.Getenv(hangEnv) != "" {
		// Read everything, never answer.
		dec := protocol.NewDecoder(os.Stdin)
		for {
			m, err := dec.Decode()
			if err != nil || m.Tag.Terminal() {
				return 0
			}
		}
	}
	var in io.Reader = os.Stdin
	if p := os.Getenv(recordEnv); p != "" {
		f, err := os.Create(p)
		if err != nil {
			return 1
		}
		defer f.Close()
		in = io.TeeReader(os.Stdin, f)
	}
	owned := strings.Split(os.Getenv(policiesEnv), ",")
	worker := trainer.NewWorker(id, counters(owned...), nil)
	if err := trainer.Serve(context.Background(), worker, in, os.Stdout); err != nil {
		return 1
	}
	return 0
}

// counter increments on "go", stays put on "noop" and fails on "fail".
// Applied entries are appended to log when set.
type counter struct {
	name  string
	count int
	log   *[]string
}

func (c *counter) Name() string { return c.name }

func (c *counter) GetState() (core.PolicyState, error) {
	return core.PolicyState(strconv.Itoa(c.count)), nil
}

func (c *counter) SetState(s core.PolicyState) error {
	n, err := strconv.Atoi(string(s))
	if err != nil {
		return err
	}
	c.count = n
	return nil
}

func (c *counter) OnExperiences(exp core.ExperienceSet) (bool, error) {
	if c.log != nil {
		*c.log = append(*c.log, c.name)
	}
	switch string(exp) {
	case "noop":
		return false, nil
	case "fail":
		return false, errors.New("cannot learn")
	}
	c.count++
	return true, nil
}

func counters(names ...string) map[string]core.PolicyConstructor {
	out := make(map[string]core.PolicyConstructor, len(names))
	for _, name := range names {
		out[name] = core.PolicyConstructorFunc(func(n string) core.TrainablePolicy {
			return &counter{name: n}
		})
	}
	return out
}

func policies(names ...string) []core.Policy {
	out := make([]core.Policy, len(names))
	for i, name := range names {
		out[i] = &counter{name: name}
	}
	return out
}

// named can be handed to a manager but cannot be trained.
type named string

func (n named) Name() string { return string(n) }

func state(t *testing.T, m core.PolicyManager) map[string]string {
	states, err := m.GetState()
	require.NoError(t, err)
	out := make(map[string]string, len(states))
	for k, v := range states {
		out[k] = string(v)
	}
	return out
}

// testSpawn re-executes the test binary as a trainer process. Trainers in
// hang read their messages but never reply.
func testSpawn(spawned *atomic.Int32, hang ...string) SpawnFunc {
	return func(trainerID string, owned []string) transport.ProcessSpec {
		if spawned != nil {
			spawned.Add(1)
		}
		env := []string{
			trainerEnv + "=" + trainerID,
			policiesEnv + "=" + strings.Join(owned, ","),
		}
		if slices.Contains(hang, trainerID) {
			env = append(env, hangEnv+"=1")
		}
		return transport.ProcessSpec{
			Path: os.Args[0],
			Args: []string{"-test.run=^$"},
			Env:  env,
		}
	}
}

// recordingSpawn is testSpawn with every trainer copying the messages it
// reads to <dir>/<trainer>.jsonl.
func recordingSpawn(dir string) SpawnFunc {
	spawn := testSpawn(nil)
	return func(trainerID string, owned []string) transport.ProcessSpec {
		spec := spawn(trainerID, owned)
		spec.Env = append(spec.Env, recordEnv+"="+filepath.Join(dir, trainerID+".jsonl"))
		return spec
	}
}

// recorded reads back the messages a trainer process copied to path.
func recorded(t *testing.T, path string) *recorder {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rec := &recorder{}
	dec := protocol.NewDecoder(f)
	for {
		m, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return rec
		}
		require.NoError(t, err)
		rec.add(m)
	}
}

// recorder keeps every control message a peer received.
type recorder struct {
	mu       sync.Mutex
	messages []*protocol.Message
}

func (r *recorder) add(m *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) trained() []core.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Batch
	for _, m := range r.messages {
		if m.Tag == protocol.TagTrain {
			out = append(out, m.Experiences)
		}
	}
	return out
}

// startNodes runs one trainer peer per trainer of the assignment and
// returns the peer table. Trainers in hang block on TRAIN until the
// request is abandoned.
func startNodes(t *testing.T, a *core.Assignment, rec map[string]*recorder, hang ...string) map[string]string {
	peers := make(map[string]string)
	for _, trainerID := range a.Trainers() {
		server := trainer.NewPeerServer(trainer.NewWorker(trainerID, counters(a.PoliciesOf(trainerID)...), nil), "trainers", "", nil)
		handler := recording(server.Handler(), rec[trainerID], slices.Contains(hang, trainerID))
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		peers[trainerID] = srv.URL
	}
	return peers
}

func newNodeManager(t *testing.T, names []string, a *core.Assignment, peers map[string]string, opts ...Option) *MultiNodeManager {
	m, err := NewMultiNodeManager(context.Background(), policies(names...), a, NodeConfig{
		Group: "trainers",
		Peers: peers,
	}, opts...)
	require.NoError(t, err)
	return m
}

func newProcessManager(t *testing.T, names []string, a *core.Assignment, spawn SpawnFunc, opts ...Option) *MultiProcessManager {
	m, err := NewMultiProcessManager(policies(names...), a, spawn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Exit(context.Background())
		m.kill()
	})
	return m
}

type builder func(t *testing.T, opts ...Option) core.PolicyManager

// topologies builds each kind of manager over the same policies. The
// distributed ones use two trainers.
func topologies(names ...string) map[string]builder {
	return map[string]builder{
		ModeLocal: func(t *testing.T, opts ...Option) core.PolicyManager {
			m, err := NewLocalManager(policies(names...), opts...)
			require.NoError(t, err)
			return m
		},
		ModeMultiProcess: func(t *testing.T, opts ...Option) core.PolicyManager {
			a, err := core.RoundRobinAssignment(names, 2)
			require.NoError(t, err)
			return newProcessManager(t, names, a, testSpawn(nil), opts...)
		},
		ModeMultiNode: func(t *testing.T, opts ...Option) core.PolicyManager {
			a, err := core.RoundRobinAssignment(names, 2)
			require.NoError(t, err)
			return newNodeManager(t, names, a, startNodes(t, a, nil), opts...)
		},
	}
}

type savedCheckpoint struct {
	version int
	states  map[string]string
}

type fakeCheckpointer struct {
	mu    sync.Mutex
	saved []savedCheckpoint
	err   error
}

func (c *fakeCheckpointer) Save(_ context.Context, version int, states map[string]core.PolicyState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	s := make(map[string]string, len(states))
	for k, v := range states {
		s[k] = string(v)
	}
	c.saved = append(c.saved, savedCheckpoint{version: version, states: s})
	return nil
}

func TestManagerContract(t *testing.T) {
	for mode, build := range topologies("A", "B", "C") {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			m := build(t)
			assert.Equal(t, 0, m.Version())
			assert.Empty(t, state(t, m), "nothing is updated at start")

			require.NoError(t, m.OnExperiences(ctx, core.Batch{}))
			assert.Equal(t, 0, m.Version(), "an empty batch changes nothing")

			require.NoError(t, m.OnExperiences(ctx, core.Batch{}.Add("A", core.ExperienceSet("noop"))))
			assert.Equal(t, 0, m.Version(), "no change, no version bump")
			assert.Empty(t, state(t, m))

			require.NoError(t, m.OnExperiences(ctx, core.Batch{}.
				Add("A", core.ExperienceSet("go")).
				Add("B", core.ExperienceSet("go"))))
			assert.Equal(t, 1, m.Version(), "one bump per call")
			assert.Equal(t, map[string]string{"A": "1", "B": "1"}, state(t, m))

			require.NoError(t, m.OnExperiences(ctx, core.Batch{}.Add("A", core.ExperienceSet("go"))))
			assert.Equal(t, 2, m.Version())
			assert.Equal(t, map[string]string{"A": "2", "B": "1"}, state(t, m))

			m.ResetUpdateStatus()
			assert.Empty(t, state(t, m))
			assert.Equal(t, 2, m.Version(), "reset keeps the version")

			err := m.OnExperiences(ctx, core.Batch{}.Add("Z", core.ExperienceSet("go")))
			assert.ErrorIs(t, err, core.ErrConfiguration)
			err = m.OnExperiences(ctx, core.Batch{}.Add("A", nil).Add("A", nil))
			assert.ErrorIs(t, err, core.ErrConfiguration)
			assert.Equal(t, 2, m.Version())

			require.NoError(t, m.Exit(ctx))
			err = m.OnExperiences(ctx, core.Batch{}.Add("A", core.ExperienceSet("go")))
			assert.ErrorIs(t, err, core.ErrClosed)
		})
	}
}

func TestManagerPolicyFailure(t *testing.T) {
	for mode, build := range topologies("A", "B", "C") {
		t.Run(mode, func(t *testing.T) {
			m := build(t)
			defer m.Exit(context.Background())

			// A and C share a trainer, B has its own. The failing entry
			// comes first; everything after it is still applied.
			err := m.OnExperiences(context.Background(), core.Batch{}.
				Add("A", core.ExperienceSet("fail")).
				Add("B", core.ExperienceSet("go")).
				Add("C", core.ExperienceSet("go")))
			var partial *core.PartialFailureError
			require.ErrorAs(t, err, &partial)
			assert.Len(t, partial.Failures, 1)
			assert.NotContains(t, partial.FailedTrainers(), "B")
			assert.NotContains(t, partial.FailedTrainers(), core.TrainerID(1))
			assert.Equal(t, map[string]string{"B": "1", "C": "1"}, state(t, m), "changed policies are merged")
			assert.Equal(t, 1, m.Version())
		})
	}
}

func TestManagerCheckpointsEveryVersion(t *testing.T) {
	for mode, build := range topologies("A", "B") {
		t.Run(mode, func(t *testing.T) {
			cp := &fakeCheckpointer{}
			m := build(t, WithCheckpointer(cp), WithInitialVersion(4))
			defer m.Exit(context.Background())
			assert.Equal(t, 4, m.Version())

			ctx := context.Background()
			require.NoError(t, m.OnExperiences(ctx, core.Batch{}.Add("A", core.ExperienceSet("noop"))))
			require.NoError(t, m.OnExperiences(ctx, core.Batch{}.Add("B", core.ExperienceSet("go"))))

			cp.mu.Lock()
			defer cp.mu.Unlock()
			require.Len(t, cp.saved, 1)
			assert.Equal(t, 5, cp.saved[0].version)
			assert.Equal(t, map[string]string{"B": "1"}, cp.saved[0].states, "only changed policies are saved")
		})
	}
}

func TestCheckpointFailureDoesNotFailCall(t *testing.T) {
	m, err := NewLocalManager(policies("A"), WithCheckpointer(&fakeCheckpointer{err: io.ErrShortWrite}))
	require.NoError(t, err)
	require.NoError(t, m.OnExperiences(context.Background(), core.Batch{}.Add("A", core.ExperienceSet("go"))))
	assert.Equal(t, 1, m.Version())
}
