package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/dist-rl-training/core"
)

func TestReason(t *testing.T) {
	assert.Equal(t, "timeout", Reason(fmt.Errorf("%w: slow", core.ErrTimeout)))
	assert.Equal(t, "unavailable", Reason(core.ErrPeerUnavailable))
	assert.Equal(t, "protocol", Reason(fmt.Errorf("x: %w", core.ErrProtocolViolation)))
	assert.Equal(t, "error", Reason(errors.New("boom")))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCall("local", time.Second)
		m.SetVersion("local", 1)
		m.PolicyUpdated("A")
		m.TrainerFailed("T1", core.ErrTimeout)
		m.CheckpointFailed()
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetVersion("multi-node", 3)
	m.PolicyUpdated("A")
	m.PolicyUpdated("A")
	m.TrainerFailed("T1", core.ErrTimeout)
	m.CheckpointFailed()
	m.ObserveCall("multi-node", 20*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.version.WithLabelValues("multi-node")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.updates.WithLabelValues("A")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trainerFailures.WithLabelValues("T1", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointFails))

	count, err := testutil.GatherAndCount(reg, "policy_manager_on_experiences_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
