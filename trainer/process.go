package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/protocol"
)

// Serve drives the worker with messages read from r and writes replies to
// w until QUIT/EXIT, end of input, a failed session or ctx is done.
// A clean QUIT or a closed input returns nil.
func Serve(ctx context.Context, worker *Worker, r io.Reader, w io.Writer) error {
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)

	msgCh := make(chan *protocol.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			m, err := dec.Decode()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				worker.logger.Info("manager closed the channel")
				return nil
			}
			if errors.Is(err, core.ErrProtocolViolation) {
				worker.failed = err
				worker.logger.Error("trainer session failed", "error", err)
				if encErr := enc.Encode(protocol.NewError("", worker.ID, err)); encErr != nil {
					return fmt.Errorf("%w (reporting failed: %s)", err, encErr)
				}
			}
			return err
		case m := <-msgCh:
			reply, done, err := worker.Handle(m)
			if reply != nil {
				if encErr := enc.Encode(reply); encErr != nil {
					return fmt.Errorf("error sending reply: %w", encErr)
				}
			}
			if done {
				return err
			}
		}
	}
}
