// Package metrics holds the Prometheus collectors of the policy managers.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeu5/dist-rl-training/core"
)

// Metrics is safe to use as a nil pointer, in which case nothing is
// recorded.
type Metrics struct {
	version         *prometheus.GaugeVec
	updates         *prometheus.CounterVec
	trainerFailures *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	checkpointFails prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		version: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_manager_version",
			Help: "Current policy version by manager mode",
		}, []string{"mode"}),
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_manager_updates_total",
			Help: "Total policy state updates merged by policy",
		}, []string{"policy"}),
		trainerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_manager_trainer_failures_total",
			Help: "Total trainer failures by trainer and reason",
		}, []string{"trainer", "reason"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policy_manager_on_experiences_duration_seconds",
			Help:    "Duration of OnExperiences calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"mode"}),
		checkpointFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "policy_manager_checkpoint_failures_total",
			Help: "Total failed checkpoint writes",
		}),
	}
}

func (m *Metrics) ObserveCall(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) SetVersion(mode string, v int) {
	if m == nil {
		return
	}
	m.version.WithLabelValues(mode).Set(float64(v))
}

func (m *Metrics) PolicyUpdated(policy string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(policy).Inc()
}

func (m *Metrics) TrainerFailed(trainer string, err error) {
	if m == nil {
		return
	}
	m.trainerFailures.WithLabelValues(trainer, Reason(err)).Inc()
}

func (m *Metrics) CheckpointFailed() {
	if m == nil {
		return
	}
	m.checkpointFails.Inc()
}

// Reason classifies an error for the failure counter.
func Reason(err error) string {
	switch {
	case errors.Is(err, core.ErrTimeout):
		return "timeout"
	case errors.Is(err, core.ErrPeerUnavailable):
		return "unavailable"
	case errors.Is(err, core.ErrProtocolViolation):
		return "protocol"
	default:
		return "error"
	}
}
