package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func RootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dist-rl-training",
		Short:         "Coordinate policy training across threads, processes and nodes",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := UpdateFlags(cmd.Flags()); err != nil {
				return err
			}
			logger = newLogger(os.Stderr, flags.LogLevel)
			return nil
		},
	}
	AddFlags(cmd)

	cmd.AddCommand(
		RunCommand(),
		TrainerCommand(),
	)

	return cmd
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// interruptContext is cancelled on SIGINT/SIGTERM or when done is called.
func interruptContext() (context.Context, func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	doneCh := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case s := <-sigCh:
			logger.Info("received signal, stopping", "signal", s.String())
		case <-doneCh:
		}
		signal.Stop(sigCh)
		cancel()
	}()
	return ctx, func() { close(doneCh) }
}
