package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
	"github.com/zeu5/dist-rl-training/transport"
	"go.opentelemetry.io/otel/attribute"
)

// NodeConfig locates the remote trainers.
type NodeConfig struct {
	// Group names the trainer peer group that EXIT is broadcast to.
	Group string
	// Peers maps every trainer id of the assignment to its address.
	Peers map[string]string
	// MaxParallel bounds the number of in flight requests. Zero means one
	// per trainer.
	MaxParallel int
	// PollInterval is the delay between health checks at startup.
	PollInterval time.Duration
	Client       *http.Client
}

// MultiNodeManager drives trainers running as remote peers. Training
// messages are scattered to the peers that own policies of the batch.
type MultiNodeManager struct {
	*base

	group string
	proxy *transport.Proxy
}

var _ core.PolicyManager = &MultiNodeManager{}

// NewMultiNodeManager validates the policies, the assignment and the peer
// table before opening any connection. It then waits for the peers to be
// healthy and pushes every trainer the initial state of its policies.
func NewMultiNodeManager(ctx context.Context, policies []core.Policy, assignment *core.Assignment, config NodeConfig, opts ...Option) (*MultiNodeManager, error) {
	b, err := newBase(ModeMultiNode, policies, fixedAssignment(assignment), opts)
	if err != nil {
		return nil, err
	}
	trainers := b.assignment.Trainers()
	for _, trainerID := range trainers {
		if _, ok := config.Peers[trainerID]; !ok {
			return nil, fmt.Errorf("%w: no peer address for trainer %s", core.ErrConfiguration, trainerID)
		}
	}
	if len(config.Peers) != len(trainers) {
		return nil, fmt.Errorf("%w: %d peers configured for %d trainers", core.ErrConfiguration, len(config.Peers), len(trainers))
	}
	initial, err := b.store.Snapshot()
	if err != nil {
		return nil, err
	}

	proxy, err := transport.NewProxy(transport.ProxyConfig{
		Name:           "policy_manager",
		Group:          config.Group,
		Peers:          config.Peers,
		RequestTimeout: b.opts.replyTimeout,
		MaxParallel:    config.MaxParallel,
		Client:         config.Client,
	}, b.opts.logger)
	if err != nil {
		return nil, err
	}
	m := &MultiNodeManager{
		base:  b,
		group: config.Group,
		proxy: proxy,
	}

	if b.opts.startupTimeout > 0 {
		interval := config.PollInterval
		if interval <= 0 {
			interval = 200 * time.Millisecond
		}
		waitCtx, cancel := context.WithTimeout(ctx, b.opts.startupTimeout)
		err := proxy.WaitForPeers(waitCtx, interval)
		cancel()
		if err != nil {
			proxy.Close()
			return nil, err
		}
	}

	for _, trainerID := range trainers {
		owned := b.assignment.PoliciesOf(trainerID)
		states := make(map[string]core.PolicyState, len(owned))
		for _, id := range owned {
			states[id] = initial[id]
		}
		reply, err := proxy.Send(ctx, trainerID, protocol.NewInit(trainerID, states))
		if err == nil && reply != nil {
			err = fmt.Errorf("%w: unexpected %s reply to %s", core.ErrProtocolViolation, reply.Tag, protocol.TagInitPolicyState)
		}
		if err != nil {
			proxy.Close()
			return nil, fmt.Errorf("error initializing trainer %s: %w", trainerID, err)
		}
		b.opts.logger.Debug("trainer initialized", "trainer", trainerID, "policies", owned)
	}
	return m, nil
}

// OnExperiences scatters one TRAIN message per addressed trainer and
// merges the replies of the trainers that answered in time.
func (m *MultiNodeManager) OnExperiences(ctx context.Context, batch core.Batch) error {
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

	payloads := make([]transport.Payload, 0, len(parts))
	for _, trainerID := range m.assignment.Trainers() {
		part, ok := parts[trainerID]
		if !ok {
			continue
		}
		payloads = append(payloads, transport.Payload{
			Peer:    trainerID,
			Message: protocol.NewTrain(trainerID, part),
		})
	}

	changed := make([]string, 0)
	var failures []*core.TrainerError
	if len(payloads) > 0 {
		scatterCtx, scatterSpan := m.opts.tracer.Start(ctx, "Proxy.Scatter")
		scatterSpan.SetAttributes(attribute.Int("peers", len(payloads)))
		replies, err := m.proxy.Scatter(scatterCtx, protocol.TagTrain, payloads)
		scatterSpan.End()
		if err != nil {
			return m.abort(span, err)
		}
		for _, r := range replies {
			if r.Err != nil {
				err := waitError(ctx, r.Err)
				if r.Message != nil && r.Message.Tag == protocol.TagError && len(r.Message.States) > 0 {
					merged, mergeErr := m.merge(r.Peer, r.Message)
					changed = append(changed, merged...)
					if errors.Is(mergeErr, core.ErrProtocolViolation) {
						err = mergeErr
					}
				}
				failures = append(failures, &core.TrainerError{TrainerID: r.Peer, Err: err})
				continue
			}
			merged, err := m.merge(r.Peer, r.Message)
			changed = append(changed, merged...)
			if err != nil {
				failures = append(failures, &core.TrainerError{TrainerID: r.Peer, Err: err})
			}
		}
	}
	err = m.finish(ctx, span, start, changed, failures)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Exit broadcasts EXIT to the trainer group and releases the proxy.
func (m *MultiNodeManager) Exit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.opts.logger.Info("Exiting...")
	err := m.proxy.Broadcast(ctx, m.group, protocol.NewExit())
	m.proxy.Close()
	if err != nil {
		m.opts.logger.Warn("error broadcasting exit", "error", err)
	}
	return err
}
