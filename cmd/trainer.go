package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zeu5/dist-rl-training/manager"
	"github.com/zeu5/dist-rl-training/policies"
	"github.com/zeu5/dist-rl-training/trainer"
	"github.com/zeu5/dist-rl-training/transport"
)

var (
	trainerID       string
	trainerPolicies []string
	trainerAddr     string
)

func TrainerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trainer",
		Short: "Run a trainer that owns a subset of the policies",
	}
	cmd.PersistentFlags().StringVar(&trainerID, "id", "", "Trainer id")
	cmd.PersistentFlags().StringArrayVar(&trainerPolicies, "policy", nil, "Owned policy as name=kind, repeatable")

	cmd.AddCommand(
		trainerProcessCommand(),
		trainerNodeCommand(),
	)
	return cmd
}

func newWorker() (*trainer.Worker, error) {
	if trainerID == "" {
		return nil, fmt.Errorf("trainer id is required")
	}
	bindings, err := policies.ParseBindings(trainerPolicies)
	if err != nil {
		return nil, err
	}
	constructors, err := policies.DefaultRegistry().Constructors(bindings)
	if err != nil {
		return nil, err
	}
	logger.Debug("trainer policies", "trainer", trainerID, "policies", policies.FormatBindings(bindings))
	return trainer.NewWorker(trainerID, constructors, logger), nil
}

// trainerProcessCommand is what the multi-process manager starts. It talks
// the protocol on stdin/stdout and logs to stderr.
func trainerProcessCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "process",
		Short:  "Serve the trainer protocol on the standard streams",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := newWorker()
			if err != nil {
				return err
			}
			ctx, done := interruptContext()
			defer done()
			return trainer.Serve(ctx, worker, os.Stdin, os.Stdout)
		},
	}
}

func trainerNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Serve the trainer protocol over HTTP for a multi-node manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, err := newWorker()
			if err != nil {
				return err
			}
			ctx, done := interruptContext()
			defer done()
			server := trainer.NewPeerServer(worker, flags.Group, trainerAddr, logger)
			return server.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&trainerAddr, "addr", ":7070", "Listen address")
	return cmd
}

// SelfSpawn starts trainer processes by re-executing the current binary.
func SelfSpawn(bindings map[string]string, level string) (manager.SpawnFunc, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate own executable: %w", err)
	}
	return func(id string, owned []string) transport.ProcessSpec {
		args := []string{"trainer", "process", "--id", id, "--log-level", level}
		for _, name := range owned {
			args = append(args, "--policy", name+"="+bindings[name])
		}
		return transport.ProcessSpec{Path: exe, Args: args}
	}, nil
}
