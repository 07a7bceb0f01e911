package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ModeLocal        = "local"
	ModeMultiProcess = "multi-process"
	ModeMultiNode    = "multi-node"
)

// base holds what every topology shares: the canonical store, the
// assignment and the ambient dependencies. Calls are serialized by mu so
// that only one OnExperiences mutates the store at a time.
type base struct {
	mode       string
	store      *core.PolicyStore
	assignment *core.Assignment
	opts       *options

	mu     *sync.Mutex
	closed bool
}

func newBase(mode string, policies []core.Policy, assignment func(ids []string) (*core.Assignment, error), opts []Option) (*base, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	store, err := core.NewPolicyStore(policies)
	if err != nil {
		return nil, err
	}
	a, err := assignment(store.Names())
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: no assignment", core.ErrConfiguration)
	}
	if err := a.Check(store.Names()); err != nil {
		return nil, err
	}
	b := &base{
		mode:       mode,
		store:      store,
		assignment: a,
		opts:       o,
		mu:         new(sync.Mutex),
	}
	store.SetVersion(o.initialVersion)
	o.metrics.SetVersion(mode, store.Version())
	b.opts.logger = b.opts.logger.With("mode", mode)
	return b, nil
}

func fixedAssignment(a *core.Assignment) func([]string) (*core.Assignment, error) {
	return func([]string) (*core.Assignment, error) {
		return a, nil
	}
}

// GetState returns the states of the policies updated since the last reset.
func (b *base) GetState() (map[string]core.PolicyState, error) {
	return b.store.UpdatedStates()
}

// Snapshot returns the states of every managed policy.
func (b *base) Snapshot() (map[string]core.PolicyState, error) {
	return b.store.Snapshot()
}

func (b *base) ResetUpdateStatus() {
	b.store.ResetUpdated()
}

func (b *base) Version() int {
	return b.store.Version()
}

// Updated returns the names of the policies updated since the last reset.
func (b *base) Updated() []string {
	return b.store.Updated()
}

func (b *base) Assignment() *core.Assignment {
	return b.assignment
}

// begin validates the batch and opens the call span. The caller holds mu.
func (b *base) begin(ctx context.Context, batch core.Batch) (context.Context, trace.Span, error) {
	if b.closed {
		return ctx, nil, core.ErrClosed
	}
	if err := batch.Validate(b.store.Has); err != nil {
		return ctx, nil, err
	}
	ctx, span := b.opts.tracer.Start(ctx, "PolicyManager.OnExperiences",
		trace.WithAttributes(
			attribute.String("mode", b.mode),
			attribute.Int("batch.size", len(batch)),
		),
	)
	return ctx, span, nil
}

// merge validates a trainer reply against what the trainer owns and loads
// it into the store. Nothing is merged when validation fails. An ERROR
// reply to TRAIN still carries the policies that changed before or after
// the failing one; those are merged and the trainer error is returned.
func (b *base) merge(trainerID string, reply *protocol.Message) ([]string, error) {
	if reply == nil {
		return nil, fmt.Errorf("%w: no reply", core.ErrProtocolViolation)
	}
	var failed error
	switch reply.Tag {
	case protocol.TagError:
		failed = fmt.Errorf("trainer error: %s", reply.Error)
	case protocol.TagTrainReply:
	default:
		return nil, fmt.Errorf("%w: unexpected %s reply", core.ErrProtocolViolation, reply.Tag)
	}
	if err := b.store.CheckReply(reply.States, b.assignment.PoliciesOf(trainerID)); err != nil {
		return nil, errors.Join(failed, err)
	}
	merged, err := b.store.Merge(reply.States)
	return merged, errors.Join(failed, err)
}

// finish bumps the version when anything changed, writes the checkpoint
// and closes the span. The caller holds mu.
func (b *base) finish(ctx context.Context, span trace.Span, start time.Time, changed []string, failures []*core.TrainerError) error {
	sort.Strings(changed)
	version := b.store.Version()
	if len(changed) > 0 {
		version = b.store.BumpVersion()
		for _, name := range changed {
			b.opts.metrics.PolicyUpdated(name)
		}
		b.opts.metrics.SetVersion(b.mode, version)
		b.opts.logger.Info("updated policies", "updated", changed, "version", version)
		b.checkpoint(ctx, version, changed)
	}
	for _, f := range failures {
		b.opts.metrics.TrainerFailed(f.TrainerID, f.Err)
		b.opts.logger.Warn("trainer failed", "trainer", f.TrainerID, "error", f.Err)
	}
	elapsed := time.Since(start)
	b.opts.metrics.ObserveCall(b.mode, elapsed)
	b.opts.logger.Debug("policy update time", "elapsed", elapsed)

	err := core.NewPartialFailure(failures)
	if span != nil {
		span.SetAttributes(
			attribute.Int("version", version),
			attribute.Int("updated", len(changed)),
			attribute.Int("failed", len(failures)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

// checkpoint saves the changed states of a version that is already bumped,
// so a caller cancelling after the merge must not skip it.
func (b *base) checkpoint(ctx context.Context, version int, changed []string) {
	if b.opts.checkpointer == nil {
		return
	}
	states, err := b.store.States(changed)
	if err == nil {
		err = b.opts.checkpointer.Save(context.WithoutCancel(ctx), version, states)
	}
	if err != nil {
		b.opts.metrics.CheckpointFailed()
		b.opts.logger.Error("checkpoint failed", "version", version, "error", err)
	}
}

// abort ends the call span when the call fails before any dispatch.
func (b *base) abort(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
	return err
}

func trainerAttributes(trainerID string, entries int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("trainer", trainerID),
		attribute.Int("batch.size", entries),
	)
}

// callContext applies the reply timeout to a single call.
func (b *base) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.replyTimeout > 0 {
		return context.WithTimeout(ctx, b.opts.replyTimeout)
	}
	return context.WithCancel(ctx)
}

// waitError turns a context error from a trainer wait into a timeout when
// the reply deadline, not the caller, ended the wait.
func waitError(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %s", core.ErrTimeout, err)
	}
	return err
}
