// Package transport carries control messages between a policy manager and
// its trainers: over the standard streams of child processes, or over HTTP
// to remote trainer peers.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
)

// ErrInitRejected is reported by Receive once the trainer refused its
// initial states. The trainer session is over at that point.
var ErrInitRejected = errors.New("trainer rejected its initial state")

const exitGrace = time.Second

// ProcessSpec describes how to start a trainer process.
type ProcessSpec struct {
	Path string
	Args []string
	// Env is appended to the environment of the current process.
	Env []string
	Dir string
}

type received struct {
	msg *protocol.Message
	err error
}

// WorkerProcess is a trainer running as a child process. Messages go to
// its stdin, replies come from its stdout, and its stderr is forwarded to
// the logger.
type WorkerProcess struct {
	TrainerID string

	process *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	enc     *protocol.Encoder
	logger  *slog.Logger

	replies chan received
	readErr error

	// INIT is only answered when the trainer rejects it.
	mu      *sync.Mutex
	initID  string
	initErr error

	exited  chan struct{}
	exitErr error

	closeOnce *sync.Once
}

// StartProcess starts the trainer process. The process lives until it
// exits on its own or Kill is called; it is not tied to a caller context.
func StartProcess(trainerID string, spec ProcessSpec, logger *slog.Logger) (*WorkerProcess, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("%w: empty process path for trainer %s", core.ErrConfiguration, trainerID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	p := &WorkerProcess{
		TrainerID: trainerID,
		process:   cmd,
		cancel:    cancel,
		stdin:     stdin,
		enc:       protocol.NewEncoder(stdin),
		logger:    logger.With("trainer", trainerID),
		replies:   make(chan received, 16),
		mu:        new(sync.Mutex),
		exited:    make(chan struct{}),
		closeOnce: new(sync.Once),
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("error starting trainer %s: %w", trainerID, err)
	}
	p.logger.Debug("trainer process started", "pid", cmd.Process.Pid)

	wg := new(sync.WaitGroup)
	wg.Add(2)
	go p.readReplies(stdout, wg)
	go p.forwardLogs(stderr, wg)
	go func() {
		// Wait must only run once both pipes are drained.
		wg.Wait()
		p.exitErr = cmd.Wait()
		p.cancel()
		p.logger.Debug("trainer process exited", "error", p.exitErr)
		close(p.exited)
	}()
	return p, nil
}

func (p *WorkerProcess) readReplies(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	dec := protocol.NewDecoder(r)
	for {
		m, err := dec.Decode()
		if err != nil {
			if errors.Is(err, core.ErrProtocolViolation) {
				p.replies <- received{err: err}
				continue
			}
			if !errors.Is(err, io.EOF) {
				p.readErr = err
			}
			close(p.replies)
			return
		}
		if p.rejectsInit(m) {
			continue
		}
		p.replies <- received{msg: m}
	}
}

// rejectsInit records an ERROR answering the INIT message.
func (p *WorkerProcess) rejectsInit(m *protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.Tag != protocol.TagError || p.initID == "" || m.ID != p.initID {
		return false
	}
	p.initErr = fmt.Errorf("%w: %s", ErrInitRejected, m.Error)
	p.logger.Error("trainer rejected its initial state", "error", m.Error)
	return true
}

func (p *WorkerProcess) rejected() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initErr
}

func (p *WorkerProcess) forwardLogs(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			p.logger.Info(line, "source", "trainer-stderr")
		}
	}
}

// Pid returns the OS process id.
func (p *WorkerProcess) Pid() int {
	return p.process.Process.Pid
}

// Send writes a message to the trainer.
func (p *WorkerProcess) Send(m *protocol.Message) error {
	if err := p.rejected(); err != nil {
		return err
	}
	select {
	case <-p.exited:
		return fmt.Errorf("%w: trainer %s exited", core.ErrPeerUnavailable, p.TrainerID)
	default:
	}
	if err := p.enc.Encode(m); err != nil {
		if errors.Is(err, core.ErrProtocolViolation) {
			return err
		}
		// A closed pipe means the trainer is going away; once it is reaped
		// its last words are known.
		select {
		case <-p.exited:
		case <-time.After(exitGrace):
		}
		if rejected := p.rejected(); rejected != nil {
			return rejected
		}
		return fmt.Errorf("%w: %s", core.ErrPeerUnavailable, err)
	}
	return nil
}

// Init sends the initial policy states. A rejection arrives later as an
// ERROR; from then on Send and Receive fail with ErrInitRejected.
func (p *WorkerProcess) Init(m *protocol.Message) error {
	if m.Tag != protocol.TagInitPolicyState {
		return fmt.Errorf("%w: %s is not an init message", core.ErrProtocolViolation, m.Tag)
	}
	p.mu.Lock()
	p.initID = m.ID
	p.mu.Unlock()
	return p.Send(m)
}

// Receive waits for the reply to the message with the given id. Replies
// to earlier messages, left over after a timeout, are dropped. An ERROR
// reply is returned as a message; the caller decides what it means.
func (p *WorkerProcess) Receive(ctx context.Context, id string) (*protocol.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r, more := <-p.replies:
			if !more {
				if err := p.rejected(); err != nil {
					return nil, err
				}
				if p.readErr != nil {
					return nil, fmt.Errorf("%w: %s", core.ErrPeerUnavailable, p.readErr)
				}
				return nil, fmt.Errorf("%w: trainer %s closed its channel", core.ErrPeerUnavailable, p.TrainerID)
			}
			if r.err != nil {
				return nil, r.err
			}
			// An ERROR without id refers to whatever the trainer was handling.
			if r.msg.ID != id && !(r.msg.Tag == protocol.TagError && r.msg.ID == "") {
				p.logger.Warn("dropping stale reply", "id", r.msg.ID, "tag", r.msg.Tag)
				continue
			}
			return r.msg, nil
		}
	}
}

// CloseInput closes the trainer's stdin.
func (p *WorkerProcess) CloseInput() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.stdin.Close()
	})
	return err
}

// Exited is closed once the process has exited and been reaped.
func (p *WorkerProcess) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr returns the result of waiting for the process. Only valid after
// Exited is closed.
func (p *WorkerProcess) ExitErr() error {
	return p.exitErr
}

// Alive reports whether the process is still running.
func (p *WorkerProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Kill terminates the process without waiting for it.
func (p *WorkerProcess) Kill() {
	p.CloseInput()
	p.cancel()
}
