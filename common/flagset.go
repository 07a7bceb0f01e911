package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zeu5/dist-rl-training/core"
	"github.com/zeu5/dist-rl-training/util"
	"gopkg.in/yaml.v3"
)

const (
	ModeLocal        = "local"
	ModeMultiProcess = "multi-process"
	ModeMultiNode    = "multi-node"
)

type Flags struct {
	ManagerFlags `yaml:",inline"`
	PolicyFlags  `yaml:",inline"`
	RunFlags     `yaml:",inline"`

	SavePath       string `yaml:"save_path" json:"save_path" validate:"required"`
	CheckpointPath string `yaml:"checkpoint_path" json:"checkpoint_path"`
	MetricsAddr    string `yaml:"metrics_addr" json:"metrics_addr"`
	LogLevel       string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
}

type ManagerFlags struct {
	Mode        string `yaml:"mode" json:"mode" validate:"oneof=local multi-process multi-node"`
	NumTrainers int    `yaml:"num_trainers" json:"num_trainers" validate:"gte=1"`
	Group       string `yaml:"group" json:"group" validate:"required"`
	// Peers maps trainer ids to addresses in multi-node mode.
	Peers          map[string]string `yaml:"peers" json:"peers"`
	ReplyTimeout   time.Duration     `yaml:"reply_timeout" json:"reply_timeout" validate:"gte=0"`
	StartupTimeout time.Duration     `yaml:"startup_timeout" json:"startup_timeout" validate:"gte=0"`
	MaxParallel    int               `yaml:"max_parallel" json:"max_parallel" validate:"gte=0"`
}

type PolicyFlags struct {
	// Policies are name=kind bindings.
	Policies   []string `yaml:"policies" json:"policies" validate:"min=1,dive,required"`
	NumStates  int      `yaml:"num_states" json:"num_states" validate:"gte=1"`
	NumActions int      `yaml:"num_actions" json:"num_actions" validate:"gte=1"`
}

type RunFlags struct {
	Iterations  int    `yaml:"iterations" json:"iterations" validate:"gte=1"`
	Transitions int    `yaml:"transitions" json:"transitions" validate:"gte=1"`
	Seed        uint64 `yaml:"seed" json:"seed"`
	// ResetEvery clears the updated set every so many iterations. Zero
	// never resets.
	ResetEvery int `yaml:"reset_every" json:"reset_every" validate:"gte=0"`
}

func DefaultFlags() *Flags {
	return &Flags{
		ManagerFlags: ManagerFlags{
			Mode:           ModeLocal,
			NumTrainers:    2,
			Group:          "trainers",
			Peers:          map[string]string{},
			ReplyTimeout:   30 * time.Second,
			StartupTimeout: 30 * time.Second,
			MaxParallel:    0,
		},
		PolicyFlags: PolicyFlags{
			Policies:   []string{"agent0=qtable", "agent1=qtable", "agent2=qtable-eager"},
			NumStates:  10,
			NumActions: 4,
		},
		RunFlags: RunFlags{
			Iterations:  100,
			Transitions: 32,
			Seed:        42,
			ResetEvery:  10,
		},
		SavePath: "results",
		LogLevel: "info",
	}
}

var validate = validator.New()

// Validate checks the field constraints and the ones that span fields.
func (f *Flags) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			v := verrs[0]
			return fmt.Errorf("%w: %s fails %q", core.ErrConfiguration, v.Namespace(), v.Tag())
		}
		return fmt.Errorf("%w: %s", core.ErrConfiguration, err)
	}
	if f.Mode == ModeMultiNode && len(f.Peers) == 0 {
		return fmt.Errorf("%w: multi-node mode needs peer addresses", core.ErrConfiguration)
	}
	return nil
}

// LoadFile overlays the values of a YAML (or JSON) file on the flags.
// Keys absent from the file keep their current value.
func (f *Flags) LoadFile(p string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		if jsonErr := json.Unmarshal(data, f); jsonErr != nil {
			return fmt.Errorf("parse config %s (tried YAML and JSON): YAML error: %v, JSON error: %w", p, err, jsonErr)
		}
	}
	return nil
}

func (f *Flags) Record() error {
	return util.SaveJson(path.Join(f.SavePath, "config.json"), f)
}
