package manager

import (
	"context"
	"time"

	"github.com/zeu5/dist-rl-training/core"
)

// LocalManager owns the policies and trains them in the calling goroutine,
// in batch order.
type LocalManager struct {
	*base
}

var _ core.PolicyManager = &LocalManager{}

func NewLocalManager(policies []core.Policy, opts ...Option) (*LocalManager, error) {
	b, err := newBase(ModeLocal, policies, core.IdentityAssignment, opts)
	if err != nil {
		return nil, err
	}
	return &LocalManager{base: b}, nil
}

// OnExperiences applies each entry to its policy in batch order. A failing
// policy is reported and the remaining entries are still applied. It stops
// when ctx is done; changes made before that still count.
func (m *LocalManager) OnExperiences(ctx context.Context, batch core.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	ctx, span, err := m.begin(ctx, batch)
	if err != nil {
		return err
	}

	changed := make([]string, 0)
	var failures []*core.TrainerError
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			m.finish(ctx, span, start, changed, failures)
			return err
		}
		ok, err := m.store.Apply(e.PolicyID, e.Experiences)
		if err != nil {
			failures = append(failures, &core.TrainerError{TrainerID: e.PolicyID, Err: err})
			continue
		}
		if ok {
			changed = append(changed, e.PolicyID)
		}
	}
	return m.finish(ctx, span, start, changed, failures)
}

// Exit marks the manager closed; later calls fail with ErrClosed. There
// are no trainers to stop.
func (m *LocalManager) Exit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
