package trainer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
)

// PeerServer exposes a worker to a remote policy manager. Every message is
// a POST to /message; TRAIN is answered with the TRAIN_REPLY in the body,
// messages without a reply get 204.
type PeerServer struct {
	Group string

	worker *Worker
	lock   *sync.Mutex
	server *http.Server
	logger *slog.Logger

	doneCh   chan struct{}
	doneOnce *sync.Once
}

func NewPeerServer(worker *Worker, group, addr string, logger *slog.Logger) *PeerServer {
	if logger == nil {
		logger = worker.logger
	}
	s := &PeerServer{
		Group:    group,
		worker:   worker,
		lock:     new(sync.Mutex),
		logger:   logger.With("trainer", worker.ID, "group", group),
		doneCh:   make(chan struct{}),
		doneOnce: new(sync.Once),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET(protocol.HealthPath, s.handleHealth)
	r.POST(protocol.MessagePath, s.handleMessage)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, mostly for tests.
func (s *PeerServer) Handler() http.Handler {
	return s.server.Handler
}

// Done is closed once the trainer received EXIT.
func (s *PeerServer) Done() <-chan struct{} {
	return s.doneCh
}

func (s *PeerServer) handleHealth(c *gin.Context) {
	s.lock.Lock()
	failed := s.worker.Failed()
	terminated := s.worker.Terminated()
	s.lock.Unlock()

	switch {
	case failed != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"trainer": s.worker.ID, "group": s.Group, "status": "failed", "error": failed.Error()})
	case terminated:
		c.JSON(http.StatusServiceUnavailable, gin.H{"trainer": s.worker.ID, "group": s.Group, "status": "exited"})
	default:
		c.JSON(http.StatusOK, gin.H{"trainer": s.worker.ID, "group": s.Group, "status": "ok"})
	}
}

func (s *PeerServer) handleMessage(c *gin.Context) {
	bs, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewError("", s.worker.ID, err))
		return
	}

	s.lock.Lock()
	var (
		reply *protocol.Message
		done  bool
	)
	m, err := protocol.Decode(bs)
	if err != nil {
		// An undecodable command ends the session just like an unknown tag.
		reply, done, err = s.worker.fail(&protocol.Message{}, err)
	} else {
		reply, done, err = s.worker.Handle(m)
	}
	terminated := s.worker.Terminated()
	s.lock.Unlock()

	switch {
	case errors.Is(err, core.ErrProtocolViolation):
		c.JSON(http.StatusBadRequest, reply)
	case err != nil:
		c.JSON(http.StatusInternalServerError, reply)
	case reply != nil:
		c.JSON(http.StatusOK, reply)
	default:
		c.Status(http.StatusNoContent)
	}

	if done && terminated {
		s.doneOnce.Do(func() { close(s.doneCh) })
	}
}

// Serve listens on l until EXIT is received or ctx is done, then shuts
// the HTTP server down.
func (s *PeerServer) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(l)
	}()
	s.logger.Info("trainer listening", "addr", l.Addr().String())

	select {
	case <-ctx.Done():
	case <-s.doneCh:
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *PeerServer) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
