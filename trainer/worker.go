// Package trainer implements the trainer side of the control protocol: a
// worker that owns a replica of some policies, the loop that drives it over
// a process pipe, and the HTTP server that exposes it to remote managers.
package trainer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
)

// Worker owns replicas of a subset of policies. It is not safe for
// concurrent use; callers serialize messages.
type Worker struct {
	ID string

	constructors map[string]core.PolicyConstructor
	policies     map[string]core.TrainablePolicy
	logger       *slog.Logger

	terminated bool
	failed     error
}

// NewWorker creates a worker owning the policies named in constructors.
func NewWorker(id string, constructors map[string]core.PolicyConstructor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		ID:           id,
		constructors: constructors,
		policies:     make(map[string]core.TrainablePolicy),
		logger:       logger.With("trainer", id),
	}
}

// Owned returns the sorted ids of the owned policies.
func (w *Worker) Owned() []string {
	out := make([]string, 0, len(w.constructors))
	for id := range w.constructors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Terminated reports whether a QUIT or EXIT was received.
func (w *Worker) Terminated() bool {
	return w.terminated
}

// Failed returns the protocol violation that ended the session, if any.
func (w *Worker) Failed() error {
	return w.failed
}

// Handle applies one message. The reply is nil when the message does not
// expect one. done is true once the session is over: after QUIT/EXIT, or
// after a protocol violation or a rejected INIT, in which case err is set
// and reply is an ERROR message. A TRAIN whose policies partly failed is
// answered with an ERROR that still carries the states that changed.
func (w *Worker) Handle(m *protocol.Message) (reply *protocol.Message, done bool, err error) {
	if w.terminated {
		return nil, true, nil
	}
	if w.failed != nil {
		return protocol.NewError(m.ID, w.ID, w.failed), true, w.failed
	}
	if err := w.check(m); err != nil {
		return w.fail(m, err)
	}

	switch m.Tag {
	case protocol.TagInitPolicyState:
		// A rejected initial state ends the session.
		if err := w.init(m.States); err != nil {
			return w.fail(m, err)
		}
		return nil, false, nil
	case protocol.TagTrain:
		states, err := w.train(m.Experiences)
		if err != nil {
			if errors.Is(err, core.ErrProtocolViolation) {
				return w.fail(m, err)
			}
			w.logger.Error("training failed", "error", err)
			reply := protocol.NewError(m.ID, w.ID, err)
			reply.States = states
			return reply, false, err
		}
		return protocol.NewTrainReply(m, states), false, nil
	case protocol.TagQuit, protocol.TagExit:
		w.terminated = true
		w.logger.Info("trainer exiting", "tag", m.Tag)
		return nil, true, nil
	}
	return w.fail(m, fmt.Errorf("%w: trainer cannot handle %s", core.ErrProtocolViolation, m.Tag))
}

func (w *Worker) check(m *protocol.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Trainer != "" && m.Trainer != w.ID {
		return fmt.Errorf("%w: message addressed to %s", core.ErrProtocolViolation, m.Trainer)
	}
	return nil
}

func (w *Worker) fail(m *protocol.Message, err error) (*protocol.Message, bool, error) {
	w.failed = err
	w.logger.Error("trainer session failed", "error", err)
	return protocol.NewError(m.ID, w.ID, err), true, err
}

func (w *Worker) policy(id string) (core.TrainablePolicy, error) {
	if p, ok := w.policies[id]; ok {
		return p, nil
	}
	c, ok := w.constructors[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %q is not owned by trainer %s", core.ErrProtocolViolation, id, w.ID)
	}
	p := c.NewPolicy(id)
	if p == nil {
		return nil, fmt.Errorf("constructor for policy %q returned nil", id)
	}
	w.policies[id] = p
	return p, nil
}

func (w *Worker) init(states map[string]core.PolicyState) error {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p, err := w.policy(id)
		if err != nil {
			return err
		}
		if err := p.SetState(states[id].Copy()); err != nil {
			return fmt.Errorf("set state of %s: %w", id, err)
		}
	}
	w.logger.Debug("initialized policy states", "policies", ids)
	return nil
}

// train applies every entry, including those after a failing policy. The
// states of the policies that changed are returned alongside the joined
// errors.
func (w *Worker) train(batch core.Batch) (map[string]core.PolicyState, error) {
	start := time.Now()
	out := make(map[string]core.PolicyState)
	for _, e := range batch {
		if _, ok := w.constructors[e.PolicyID]; !ok {
			return nil, fmt.Errorf("%w: policy %q is not owned by trainer %s", core.ErrProtocolViolation, e.PolicyID, w.ID)
		}
	}
	var errs []error
	for _, e := range batch {
		p, err := w.policy(e.PolicyID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changed, err := p.OnExperiences(e.Experiences)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", e.PolicyID, err))
			continue
		}
		if !changed {
			continue
		}
		state, err := p.GetState()
		if err != nil {
			errs = append(errs, fmt.Errorf("get state of %s: %w", e.PolicyID, err))
			continue
		}
		out[e.PolicyID] = state.Copy()
	}
	w.logger.Debug("training done", "policies", len(batch), "updated", len(out), "elapsed", time.Since(start))
	return out, errors.Join(errs...)
}
