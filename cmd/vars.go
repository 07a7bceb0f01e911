package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zeu5/dist-rl-training/common"
)

var (
	flags      *common.Flags = common.DefaultFlags()
	configFile string

	mode           string
	numTrainers    int
	group          string
	peers          map[string]string
	replyTimeout   time.Duration
	startupTimeout time.Duration
	maxParallel    int

	policyBindings []string
	numStates      int
	numActions     int

	iterations  int
	transitions int
	seed        uint64
	resetEvery  int

	savePath       string
	checkpointPath string
	metricsAddr    string
	logLevel       string
)

func AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file, explicit flags take precedence")

	cmd.PersistentFlags().StringVar(&mode, "mode", flags.Mode, "Manager topology: local, multi-process or multi-node")
	cmd.PersistentFlags().IntVar(&numTrainers, "num-trainers", flags.NumTrainers, "Number of trainer processes")
	cmd.PersistentFlags().StringVar(&group, "group", flags.Group, "Name of the trainer peer group")
	cmd.PersistentFlags().StringToStringVar(&peers, "peers", flags.Peers, "Trainer addresses, TRAINER.<i>=host:port")
	cmd.PersistentFlags().DurationVar(&replyTimeout, "reply-timeout", flags.ReplyTimeout, "Timeout for trainer replies, 0 waits as long as the run")
	cmd.PersistentFlags().DurationVar(&startupTimeout, "startup-timeout", flags.StartupTimeout, "Timeout for remote trainers to come up")
	cmd.PersistentFlags().IntVar(&maxParallel, "max-parallel", flags.MaxParallel, "Maximum concurrent requests to remote trainers, 0 for no limit")

	cmd.PersistentFlags().StringArrayVar(&policyBindings, "policies", flags.Policies, "Managed policies as name=kind")
	cmd.PersistentFlags().IntVar(&numStates, "num-states", flags.NumStates, "Number of states of the generated experiences")
	cmd.PersistentFlags().IntVar(&numActions, "num-actions", flags.NumActions, "Number of actions of the generated experiences")

	cmd.PersistentFlags().IntVar(&iterations, "iterations", flags.Iterations, "Number of experience batches")
	cmd.PersistentFlags().IntVar(&transitions, "transitions", flags.Transitions, "Transitions per policy per batch")
	cmd.PersistentFlags().Uint64Var(&seed, "seed", flags.Seed, "Experience generator seed")
	cmd.PersistentFlags().IntVar(&resetEvery, "reset-every", flags.ResetEvery, "Collect and reset updated policies every so many batches")

	cmd.PersistentFlags().StringVar(&savePath, "save-path", flags.SavePath, "Path to save results")
	cmd.PersistentFlags().StringVar(&checkpointPath, "checkpoint-path", flags.CheckpointPath, "Checkpoint database directory, empty disables checkpoints")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", flags.MetricsAddr, "Address to serve Prometheus metrics on")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", flags.LogLevel, "Log level: debug, info, warn or error")
}

// UpdateFlags copies the command line into flags. When a config file is
// given it is applied first and only the flags set explicitly override it.
func UpdateFlags(fs *pflag.FlagSet) error {
	setters := map[string]func(){
		"mode":            func() { flags.Mode = mode },
		"num-trainers":    func() { flags.NumTrainers = numTrainers },
		"group":           func() { flags.Group = group },
		"peers":           func() { flags.Peers = peers },
		"reply-timeout":   func() { flags.ReplyTimeout = replyTimeout },
		"startup-timeout": func() { flags.StartupTimeout = startupTimeout },
		"max-parallel":    func() { flags.MaxParallel = maxParallel },
		"policies":        func() { flags.Policies = policyBindings },
		"num-states":      func() { flags.NumStates = numStates },
		"num-actions":     func() { flags.NumActions = numActions },
		"iterations":      func() { flags.Iterations = iterations },
		"transitions":     func() { flags.Transitions = transitions },
		"seed":            func() { flags.Seed = seed },
		"reset-every":     func() { flags.ResetEvery = resetEvery },
		"save-path":       func() { flags.SavePath = savePath },
		"checkpoint-path": func() { flags.CheckpointPath = checkpointPath },
		"metrics-addr":    func() { flags.MetricsAddr = metricsAddr },
		"log-level":       func() { flags.LogLevel = logLevel },
	}
	if configFile == "" {
		for _, set := range setters {
			set()
		}
		return nil
	}
	if err := flags.LoadFile(configFile); err != nil {
		return err
	}
	fs.Visit(func(f *pflag.Flag) {
		if set, ok := setters[f.Name]; ok {
			set()
		}
	})
	return nil
}
