package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
	"github.com/zeu5/dist-rl-training/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// SpawnFunc tells the manager how to start the process of a trainer that
// owns the given policies. The process must speak the control protocol on
// its standard streams.
type SpawnFunc func(trainerID string, owned []string) transport.ProcessSpec

// MultiProcessManager runs every trainer of the assignment in its own OS
// process and exchanges serialized state with it over the process pipes.
type MultiProcessManager struct {
	*base

	processes map[string]*transport.WorkerProcess
}

var _ core.PolicyManager = &MultiProcessManager{}

// NewMultiProcessManager validates the policies and the assignment, then
// starts one process per trainer and sends it the initial state of the
// policies it owns. If any step fails the processes already started are
// killed.
func NewMultiProcessManager(policies []core.Policy, assignment *core.Assignment, spawn SpawnFunc, opts ...Option) (*MultiProcessManager, error) {
	b, err := newBase(ModeMultiProcess, policies, fixedAssignment(assignment), opts)
	if err != nil {
		return nil, err
	}
	if spawn == nil {
		return nil, fmt.Errorf("%w: no spawn function for trainer processes", core.ErrConfiguration)
	}
	initial, err := b.store.Snapshot()
	if err != nil {
		return nil, err
	}

	m := &MultiProcessManager{
		base:      b,
		processes: make(map[string]*transport.WorkerProcess),
	}
	for _, trainerID := range b.assignment.Trainers() {
		owned := b.assignment.PoliciesOf(trainerID)
		p, err := transport.StartProcess(trainerID, spawn(trainerID, owned), b.opts.logger)
		if err != nil {
			m.kill()
			return nil, err
		}
		m.processes[trainerID] = p

		states := make(map[string]core.PolicyState, len(owned))
		for _, id := range owned {
			states[id] = initial[id]
		}
		if err := p.Init(protocol.NewInit(trainerID, states)); err != nil {
			m.kill()
			return nil, fmt.Errorf("error initializing trainer %s: %w", trainerID, err)
		}
		b.opts.logger.Debug("trainer started", "trainer", trainerID, "pid", p.Pid(), "policies", owned)
	}
	return m, nil
}

func (m *MultiProcessManager) kill() {
	for _, p := range m.processes {
		p.Kill()
	}
}

type processResult struct {
	trainer string
	reply   *protocol.Message
	err     error
}

// OnExperiences sends a TRAIN message to every trainer that owns at least
// one policy of the batch and waits for all of them. Replies are merged in
// trainer order once every trainer answered or the reply timeout expired.
func (m *MultiProcessManager) OnExperiences(ctx context.Context, batch core.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	ctx, span, err := m.begin(ctx, batch)
	if err != nil {
		return err
	}
	parts, err := m.assignment.Partition(batch)
	if err != nil {
		return m.abort(span, err)
	}

	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	trainers := make([]string, 0, len(parts))
	for _, trainerID := range m.assignment.Trainers() {
		if _, ok := parts[trainerID]; ok {
			trainers = append(trainers, trainerID)
		}
	}
	results := make([]processResult, len(trainers))
	g := new(errgroup.Group)
	for i, trainerID := range trainers {
		g.Go(func() error {
			reply, err := m.dispatch(callCtx, ctx, trainerID, parts[trainerID])
			results[i] = processResult{trainer: trainerID, reply: reply, err: err}
			return nil
		})
	}
	_ = g.Wait()

	changed := make([]string, 0)
	var failures []*core.TrainerError
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, &core.TrainerError{TrainerID: r.trainer, Err: r.err})
			continue
		}
		merged, err := m.merge(r.trainer, r.reply)
		changed = append(changed, merged...)
		if err != nil {
			failures = append(failures, &core.TrainerError{TrainerID: r.trainer, Err: err})
		}
	}
	err = m.finish(ctx, span, start, changed, failures)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (m *MultiProcessManager) dispatch(callCtx, parent context.Context, trainerID string, part core.Batch) (*protocol.Message, error) {
	_, span := m.opts.tracer.Start(parent, "trainer.Train",
		trainerAttributes(trainerID, len(part)),
	)
	defer span.End()

	p := m.processes[trainerID]
	req := protocol.NewTrain(trainerID, part)
	if err := p.Send(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	reply, err := p.Receive(callCtx, req.ID)
	if err != nil {
		err = waitError(parent, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("states", len(reply.States)))
	return reply, nil
}

// Exit sends QUIT to every trainer and closes their input. It does not wait
// for the processes to terminate; use Wait for that.
func (m *MultiProcessManager) Exit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for trainerID, p := range m.processes {
		if err := p.Send(protocol.NewQuit()); err != nil {
			m.opts.logger.Debug("error sending quit", "trainer", trainerID, "error", err)
		}
		p.CloseInput()
	}
	m.opts.logger.Info("Exiting...")
	return nil
}

// Processes returns the trainer processes by trainer id.
func (m *MultiProcessManager) Processes() map[string]*transport.WorkerProcess {
	out := make(map[string]*transport.WorkerProcess, len(m.processes))
	for id, p := range m.processes {
		out[id] = p
	}
	return out
}

// Wait blocks until every trainer process has exited. When ctx ends first
// the remaining processes are killed.
func (m *MultiProcessManager) Wait(ctx context.Context) error {
	for trainerID, p := range m.processes {
		select {
		case <-p.Exited():
		case <-ctx.Done():
			m.kill()
			return fmt.Errorf("trainer %s still running: %w", trainerID, ctx.Err())
		}
	}
	return nil
}
