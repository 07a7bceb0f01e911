package manager

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
)

// recording wraps a peer handler. It records decoded control messages in
// rec when set, and with hang it holds TRAIN requests until the caller
// gives up.
func recording(next http.Handler, rec *recorder, hang bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.MessagePath {
			next.ServeHTTP(w, r)
			return
		}
		bs, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(bs))
		m, err := protocol.Decode(bs)
		if err == nil {
			if rec != nil {
				rec.add(m)
			}
			if hang && m.Tag == protocol.TagTrain {
				<-r.Context().Done()
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func TestMultiNodeValidatesPeers(t *testing.T) {
	a, err := core.NewAssignment(map[string]string{"A": "T1", "B": "T2"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = NewMultiNodeManager(ctx, policies("A", "B"), a, NodeConfig{
		Group: "trainers",
		Peers: map[string]string{"T1": "http://127.0.0.1:1"},
	})
	assert.ErrorIs(t, err, core.ErrConfiguration, "T2 has no peer")

	_, err = NewMultiNodeManager(ctx, policies("A", "B"), a, NodeConfig{
		Group: "trainers",
		Peers: map[string]string{"T1": "http://127.0.0.1:1", "T2": "http://127.0.0.1:2", "T3": "http://127.0.0.1:3"},
	})
	assert.ErrorIs(t, err, core.ErrConfiguration, "more peers than trainers")

	_, err = NewMultiNodeManager(ctx, []core.Policy{&counter{name: "A"}, named("B")}, a, NodeConfig{
		Group: "trainers",
		Peers: map[string]string{"T1": "http://127.0.0.1:1", "T2": "http://127.0.0.1:2"},
	})
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestMultiNodeUnreachablePeers(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	a, err := core.NewAssignment(map[string]string{"A": "T1"})
	require.NoError(t, err)
	start := time.Now()
	_, err = NewMultiNodeManager(context.Background(), policies("A"), a, NodeConfig{
		Group:        "trainers",
		Peers:        map[string]string{"T1": addr},
		PollInterval: 20 * time.Millisecond,
	}, WithStartupTimeout(200*time.Millisecond))
	assert.ErrorIs(t, err, core.ErrPeerUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMultiNodeRoutesOnlyOwnedExperiences(t *testing.T) {
	a, err := core.NewAssignment(map[string]string{"A": "T1", "B": "T1", "C": "T2"})
	require.NoError(t, err)
	rec := map[string]*recorder{"T1": {}, "T2": {}}
	peers := startNodes(t, a, rec)
	m := newNodeManager(t, []string{"A", "B", "C"}, a, peers)
	ctx := context.Background()

	// A changes, C does not.
	require.NoError(t, m.OnExperiences(ctx, core.Batch{}.
		Add("A", core.ExperienceSet("go")).
		Add("C", core.ExperienceSet("noop"))))
	assert.Equal(t, 1, m.Version())
	assert.Equal(t, []string{"A"}, m.Updated())
	assert.Equal(t, map[string]string{"A": "1"}, state(t, m))

	require.Len(t, rec["T1"].trained(), 1)
	assert.Equal(t, []string{"A"}, rec["T1"].trained()[0].PolicyIDs(), "B has no data")
	require.Len(t, rec["T2"].trained(), 1)
	assert.Equal(t, []string{"C"}, rec["T2"].trained()[0].PolicyIDs())
	assert.Equal(t, core.ExperienceSet("noop"), rec["T2"].trained()[0][0].Experiences)

	// Only T1 is addressed.
	require.NoError(t, m.OnExperiences(ctx, core.Batch{}.Add("B", core.ExperienceSet("go"))))
	assert.Len(t, rec["T1"].trained(), 2)
	assert.Len(t, rec["T2"].trained(), 1)
	assert.Equal(t, 2, m.Version())
	assert.Equal(t, map[string]string{"A": "1", "B": "1"}, state(t, m))

	require.NoError(t, m.Exit(ctx))
	for id, r := range rec {
		r.mu.Lock()
		last := r.messages[len(r.messages)-1]
		first := r.messages[0]
		r.mu.Unlock()
		assert.Equal(t, protocol.TagInitPolicyState, first.Tag, "trainer %s", id)
		assert.Equal(t, protocol.TagExit, last.Tag, "trainer %s", id)
	}
}

func TestMultiNodeInitCarriesOwnedStates(t *testing.T) {
	a, err := core.NewAssignment(map[string]string{"A": "T1", "B": "T2"})
	require.NoError(t, err)
	rec := map[string]*recorder{"T1": {}, "T2": {}}
	peers := startNodes(t, a, rec)

	ps := policies("A", "B")
	ps[1].(*counter).count = 7
	m, err := NewMultiNodeManager(context.Background(), ps, a, NodeConfig{Group: "trainers", Peers: peers})
	require.NoError(t, err)
	defer m.Exit(context.Background())

	require.Len(t, rec["T2"].messages, 1)
	initMsg := rec["T2"].messages[0]
	assert.Equal(t, map[string]core.PolicyState{"B": core.PolicyState("7")}, initMsg.States)

	require.NoError(t, m.OnExperiences(context.Background(), core.Batch{}.Add("B", core.ExperienceSet("go"))))
	assert.Equal(t, map[string]string{"B": "8"}, state(t, m))
}

func TestMultiNodeHungPeer(t *testing.T) {
	a, err := core.NewAssignment(map[string]string{"A": "T1", "B": "T2"})
	require.NoError(t, err)
	peers := startNodes(t, a, nil, "T2")
	m := newNodeManager(t, []string{"A", "B"}, a, peers, WithReplyTimeout(300*time.Millisecond))
	defer m.Exit(context.Background())

	start := time.Now()
	err = m.OnExperiences(context.Background(), core.Batch{}.
		Add("A", core.ExperienceSet("go")).
		Add("B", core.ExperienceSet("go")))
	assert.Less(t, time.Since(start), 5*time.Second)

	var partial *core.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"T2"}, partial.FailedTrainers())
	assert.ErrorIs(t, err, core.ErrTimeout)

	assert.Equal(t, map[string]string{"A": "1"}, state(t, m), "the responder is merged")
	assert.Equal(t, 1, m.Version())
}

func TestMultiNodeExitClosesProxy(t *testing.T) {
	a, err := core.NewAssignment(map[string]string{"A": "T1"})
	require.NoError(t, err)
	m := newNodeManager(t, []string{"A"}, a, startNodes(t, a, nil))

	require.NoError(t, m.Exit(context.Background()))
	assert.NoError(t, m.Exit(context.Background()))
	err = m.OnExperiences(context.Background(), core.Batch{}.Add("A", core.ExperienceSet("go")))
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestMultiNodeRejectedInitialState(t *testing.T) {
	a, err := core.NewAssignment(map[string]string{"A": "T1"})
	require.NoError(t, err)
	peers := startNodes(t, a, nil)
	_, err = NewMultiNodeManager(context.Background(), []core.Policy{&corrupt{counter: counter{name: "A"}}}, a, NodeConfig{
		Group: "trainers",
		Peers: peers,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "T1")
}
