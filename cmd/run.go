package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zeu5/dist-rl-training/checkpoint"
	"github.com/zeu5/dist-rl-training/common"
	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/experience"
	"github.com/zeu5/dist-rl-training/manager"
	"github.com/zeu5/dist-rl-training/metrics"
	"github.com/zeu5/dist-rl-training/policies"
	"github.com/zeu5/dist-rl-training/util"
)

func RunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Train the configured policies on generated experiences",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(); err != nil {
				return err
			}
			if err := flags.Record(); err != nil {
				logger.Warn("could not record config", "error", err)
			}
			ctx, done := interruptContext()
			defer done()
			return run(ctx, flags)
		},
	}
}

// Summary is written to the save path at the end of a run.
type Summary struct {
	Mode       string            `json:"mode"`
	Config     string            `json:"config"`
	Iterations int               `json:"iterations"`
	Version    int               `json:"version"`
	Failures   int               `json:"failures"`
	Digests    map[string]string `json:"digests"`
	Elapsed    string            `json:"elapsed"`
}

func run(ctx context.Context, f *common.Flags) error {
	start := time.Now()
	names, bindings, err := policyNames(f.Policies)
	if err != nil {
		return err
	}
	registry := policies.DefaultRegistry()
	pols := make([]core.Policy, 0, len(names))
	for _, name := range names {
		p, err := registry.New(name, bindings[name])
		if err != nil {
			return err
		}
		pols = append(pols, p)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	if f.MetricsAddr != "" {
		stop := serveMetrics(f.MetricsAddr, reg)
		defer stop()
	}

	opts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithMetrics(m),
		manager.WithReplyTimeout(f.ReplyTimeout),
		manager.WithStartupTimeout(f.StartupTimeout),
	}
	if f.CheckpointPath != "" {
		store, err := checkpoint.Open(checkpoint.Config{
			Path:       f.CheckpointPath,
			SyncWrites: true,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		version, err := resume(store, pols)
		if err != nil {
			return err
		}
		opts = append(opts, manager.WithCheckpointer(store), manager.WithInitialVersion(version))
	}

	mgr, err := newManager(ctx, f, pols, bindings, opts)
	if err != nil {
		return err
	}
	defer func() {
		exitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Exit(exitCtx); err != nil {
			logger.Warn("error stopping trainers", "error", err)
		}
		if mp, ok := mgr.(*manager.MultiProcessManager); ok {
			if err := mp.Wait(exitCtx); err != nil {
				logger.Warn("trainers did not stop", "error", err)
			}
		}
	}()

	printer := util.NewTerminalPrinter(os.Stdout, 200*time.Millisecond)
	progress := printer.NewOutput("progress")
	status := printer.NewOutput("updated")
	printer.Start(ctx)
	defer printer.Stop()

	gen := experience.NewGenerator(f.NumStates, f.NumActions, f.Seed)
	summary := &Summary{Mode: f.Mode, Config: util.JsonHash(f), Digests: make(map[string]string)}
	for i := 0; i < f.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		batch, err := gen.Batch(names, f.Transitions)
		if err != nil {
			return err
		}
		err = mgr.OnExperiences(ctx, batch)
		var partial *core.PartialFailureError
		switch {
		case errors.As(err, &partial):
			summary.Failures++
			logger.Warn("trainers failed", "iteration", i, "trainers", partial.FailedTrainers())
		case errors.Is(err, context.Canceled):
		case err != nil:
			return err
		}
		summary.Iterations = i + 1
		// Skipping a frame is fine while the printer holds the line.
		progress.TrySet(fmt.Sprintf("%d/%d batches, version %d", i+1, f.Iterations, mgr.Version()))

		if f.ResetEvery > 0 && (i+1)%f.ResetEvery == 0 {
			if err := collect(mgr, summary, status); err != nil {
				return err
			}
		}
	}
	if err := collect(mgr, summary, status); err != nil {
		return err
	}

	summary.Version = mgr.Version()
	summary.Elapsed = time.Since(start).String()
	logger.Info("run finished", "version", summary.Version, "iterations", summary.Iterations, "failures", summary.Failures, "elapsed", summary.Elapsed)
	return util.SaveJson(path.Join(f.SavePath, "summary.json"), summary)
}

// collect fetches the states updated since the last collection and resets
// the updated set.
func collect(mgr core.PolicyManager, summary *Summary, out *util.ParallelOutput) error {
	states, err := mgr.GetState()
	if err != nil {
		return err
	}
	updated := make([]string, 0, len(states))
	for name, state := range states {
		summary.Digests[name] = util.Digest(state)
		updated = append(updated, name+"@"+summary.Digests[name])
	}
	mgr.ResetUpdateStatus()
	if len(updated) > 0 {
		sort.Strings(updated)
		out.Setf("%d at version %d: %s", len(updated), mgr.Version(), strings.Join(updated, " "))
		logger.Debug("collected policy states", "policies", updated, "version", mgr.Version())
	}
	return nil
}

func newManager(ctx context.Context, f *common.Flags, pols []core.Policy, bindings map[string]string, opts []manager.Option) (core.PolicyManager, error) {
	names := make([]string, 0, len(pols))
	for _, p := range pols {
		names = append(names, p.Name())
	}
	switch f.Mode {
	case common.ModeLocal:
		return manager.NewLocalManager(pols, opts...)
	case common.ModeMultiProcess:
		assignment, err := core.RoundRobinAssignment(names, f.NumTrainers)
		if err != nil {
			return nil, err
		}
		spawn, err := SelfSpawn(bindings, f.LogLevel)
		if err != nil {
			return nil, err
		}
		return manager.NewMultiProcessManager(pols, assignment, spawn, opts...)
	case common.ModeMultiNode:
		assignment, err := core.RoundRobinAssignment(names, len(f.Peers))
		if err != nil {
			return nil, err
		}
		return manager.NewMultiNodeManager(ctx, pols, assignment, manager.NodeConfig{
			Group:       f.Group,
			Peers:       f.Peers,
			MaxParallel: f.MaxParallel,
		}, opts...)
	}
	return nil, fmt.Errorf("%w: unknown mode %q", core.ErrConfiguration, f.Mode)
}

// resume loads the latest checkpoint into the policies and returns its
// version, or 0 when there is none.
func resume(store *checkpoint.Store, pols []core.Policy) (int, error) {
	version, states, err := store.Latest()
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, p := range pols {
		state, ok := states[p.Name()]
		if !ok {
			continue
		}
		tp, ok := p.(core.TrainablePolicy)
		if !ok {
			continue
		}
		if err := tp.SetState(state); err != nil {
			return 0, fmt.Errorf("resume %s: %w", p.Name(), err)
		}
	}
	logger.Info("resumed from checkpoint", "version", version, "policies", len(states))
	return version, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

// policyNames keeps the order of the bindings on the command line.
func policyNames(pairs []string) ([]string, map[string]string, error) {
	bindings, err := policies.ParseBindings(pairs)
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		name, _, _ := strings.Cut(pair, "=")
		names = append(names, name)
	}
	return names, bindings, nil
}
