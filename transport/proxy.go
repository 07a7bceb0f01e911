package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
	"golang.org/x/sync/errgroup"
)

// ProxyConfig configures the request/reply client used to reach remote
// trainers.
type ProxyConfig struct {
	// Name identifies this side of the conversation in logs.
	Name string
	// Group is the name of the trainer peer group.
	Group string
	// Peers maps trainer ids to host:port or http(s) URLs.
	Peers map[string]string
	// RequestTimeout bounds every request. Zero means no bound other than
	// the caller's context.
	RequestTimeout time.Duration
	// MaxParallel bounds concurrent requests in Scatter and Broadcast.
	// Zero means one request per peer.
	MaxParallel int
	// Client overrides the HTTP client.
	Client *http.Client
}

// Payload is one message of a scatter, addressed to a single peer.
type Payload struct {
	Peer    string
	Message *protocol.Message
}

// Reply is the outcome of one scatter payload. Exactly one of Message and
// Err is set.
type Reply struct {
	Peer    string
	Message *protocol.Message
	Err     error
}

// Proxy sends control messages to remote trainers over HTTP.
type Proxy struct {
	config ProxyConfig
	client *http.Client
	logger *slog.Logger

	lock   *sync.Mutex
	closed bool
}

func NewProxy(config ProxyConfig, logger *slog.Logger) (*Proxy, error) {
	if config.Group == "" {
		return nil, fmt.Errorf("%w: empty peer group", core.ErrConfiguration)
	}
	if len(config.Peers) == 0 {
		return nil, fmt.Errorf("%w: no peers in group %s", core.ErrConfiguration, config.Group)
	}
	for id, addr := range config.Peers {
		if addr == "" {
			return nil, fmt.Errorf("%w: no address for peer %s", core.ErrConfiguration, id)
		}
	}
	if config.Name == "" {
		config.Name = "policy_manager"
	}
	client := config.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 0,
				ExpectContinueTimeout: 1 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		}
	}
	return &Proxy{
		config: config,
		client: client,
		logger: logger.With("proxy", config.Name, "group", config.Group),
		lock:   new(sync.Mutex),
	}, nil
}

// Peers returns the sorted peer ids.
func (p *Proxy) Peers() []string {
	out := make([]string, 0, len(p.config.Peers))
	for id := range p.config.Peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Proxy) url(peer, path string) (string, error) {
	addr, ok := p.config.Peers[peer]
	if !ok {
		return "", fmt.Errorf("%w: unknown peer %s", core.ErrConfiguration, peer)
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + path, nil
}

func (p *Proxy) isClosed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.closed
}

// Send delivers a message to one peer and returns its reply, or nil when
// the message has none.
func (p *Proxy) Send(ctx context.Context, peer string, m *protocol.Message) (*protocol.Message, error) {
	if p.isClosed() {
		return nil, core.ErrClosed
	}
	if p.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RequestTimeout)
		defer cancel()
	}
	return p.send(ctx, peer, m)
}

func (p *Proxy) send(ctx context.Context, peer string, m *protocol.Message) (*protocol.Message, error) {
	url, err := p.url(peer, protocol.MessagePath)
	if err != nil {
		return nil, err
	}
	bs, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error marshalling message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(bs))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, requestError(ctx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, requestError(ctx, err)
	}

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK, http.StatusBadRequest, http.StatusInternalServerError:
		reply, err := protocol.Decode(body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusBadRequest {
			return reply, fmt.Errorf("%w: %s", core.ErrProtocolViolation, reply.Error)
		}
		if resp.StatusCode == http.StatusInternalServerError {
			return reply, fmt.Errorf("trainer error: %s", reply.Error)
		}
		return reply, nil
	default:
		return nil, fmt.Errorf("%w: unexpected status %d from %s", core.ErrPeerUnavailable, resp.StatusCode, peer)
	}
}

func requestError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", core.ErrTimeout, err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s", core.ErrPeerUnavailable, err)
}

// Scatter sends every payload to its peer and waits for all replies. The
// replies are in payload order whatever the order of arrival. Per peer
// failures are reported in Reply.Err; the returned error is only set when
// the proxy cannot scatter at all.
func (p *Proxy) Scatter(ctx context.Context, tag protocol.Tag, payloads []Payload) ([]Reply, error) {
	if p.isClosed() {
		return nil, core.ErrClosed
	}
	seen := make(map[string]bool, len(payloads))
	for _, pl := range payloads {
		if pl.Message == nil || pl.Message.Tag != tag {
			return nil, fmt.Errorf("%w: scatter payload for %s is not a %s message", core.ErrProtocolViolation, pl.Peer, tag)
		}
		if seen[pl.Peer] {
			return nil, fmt.Errorf("%w: peer %s addressed twice in one scatter", core.ErrConfiguration, pl.Peer)
		}
		seen[pl.Peer] = true
	}

	replies := make([]Reply, len(payloads))
	g := new(errgroup.Group)
	if p.config.MaxParallel > 0 {
		g.SetLimit(p.config.MaxParallel)
	}
	for i, pl := range payloads {
		g.Go(func() error {
			reply, err := p.Send(ctx, pl.Peer, pl.Message)
			if err == nil {
				err = checkReply(pl.Message, reply)
			}
			replies[i] = Reply{Peer: pl.Peer, Message: reply, Err: err}
			if err != nil {
				p.logger.Warn("scatter request failed", "peer", pl.Peer, "tag", tag, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return replies, nil
}

func checkReply(req, reply *protocol.Message) error {
	if req.Tag != protocol.TagTrain {
		return nil
	}
	if reply == nil {
		return fmt.Errorf("%w: no reply to %s", core.ErrProtocolViolation, req.Tag)
	}
	if reply.Tag == protocol.TagError {
		return fmt.Errorf("trainer error: %s", reply.Error)
	}
	if reply.Tag != protocol.TagTrainReply || reply.ID != req.ID {
		return fmt.Errorf("%w: expected %s for %s, got %s for %s", core.ErrProtocolViolation, protocol.TagTrainReply, req.ID, reply.Tag, reply.ID)
	}
	return nil
}

// Broadcast sends the message to every peer of the group without
// expecting replies. Delivery failures are joined into the returned error.
func (p *Proxy) Broadcast(ctx context.Context, group string, m *protocol.Message) error {
	if p.isClosed() {
		return core.ErrClosed
	}
	if group != p.config.Group {
		return fmt.Errorf("%w: unknown peer group %s", core.ErrConfiguration, group)
	}
	peers := p.Peers()
	errs := make([]error, len(peers))
	g := new(errgroup.Group)
	if p.config.MaxParallel > 0 {
		g.SetLimit(p.config.MaxParallel)
	}
	for i, peer := range peers {
		g.Go(func() error {
			if _, err := p.Send(ctx, peer, m); err != nil {
				errs[i] = fmt.Errorf("peer %s: %w", peer, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// WaitForPeers polls every peer's health endpoint until all answer or ctx
// is done.
func (p *Proxy) WaitForPeers(ctx context.Context, interval time.Duration) error {
	pending := make(map[string]bool)
	for _, peer := range p.Peers() {
		pending[peer] = true
	}
	for {
		for peer := range pending {
			if p.healthy(ctx, peer) {
				delete(pending, peer)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			missing := make([]string, 0, len(pending))
			for peer := range pending {
				missing = append(missing, peer)
			}
			sort.Strings(missing)
			return fmt.Errorf("%w: peers not reachable: %s", core.ErrPeerUnavailable, strings.Join(missing, ", "))
		case <-time.After(interval):
		}
	}
}

func (p *Proxy) healthy(ctx context.Context, peer string) bool {
	url, err := p.url(peer, protocol.HealthPath)
	if err != nil {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections. Further calls fail with core.ErrClosed.
func (p *Proxy) Close() {
	p.lock.Lock()
	p.closed = true
	p.lock.Unlock()
	p.client.CloseIdleConnections()
}
