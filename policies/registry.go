package policies

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeu5/dist-rl-training/core"
)

const (
	KindQTable      = "qtable"
	KindQTableEager = "qtable-eager"
)

// Registry maps policy kinds to constructors. Trainer processes and
// remote trainers rebuild their policies from it.
type Registry struct {
	mu           *sync.Mutex
	constructors map[string]core.PolicyConstructor
}

func NewRegistry() *Registry {
	return &Registry{
		mu:           new(sync.Mutex),
		constructors: make(map[string]core.PolicyConstructor),
	}
}

// DefaultRegistry knows the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindQTable, core.PolicyConstructorFunc(func(name string) core.TrainablePolicy {
		return NewQPolicy(name, DefaultQConfig())
	}))
	r.Register(KindQTableEager, core.PolicyConstructorFunc(func(name string) core.TrainablePolicy {
		config := DefaultQConfig()
		config.BatchSize = 1
		return NewQPolicy(name, config)
	}))
	r.Register(KindBonusMax, core.PolicyConstructorFunc(func(name string) core.TrainablePolicy {
		return NewBonusPolicy(name, DefaultBonusConfig())
	}))
	return r
}

func (r *Registry) Register(kind string, c core.PolicyConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[kind] = c
}

func (r *Registry) Lookup(kind string) (core.PolicyConstructor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.constructors[kind]
	return c, ok
}

func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Constructors resolves a policy name -> kind binding.
func (r *Registry) Constructors(bindings map[string]string) (map[string]core.PolicyConstructor, error) {
	out := make(map[string]core.PolicyConstructor, len(bindings))
	for name, kind := range bindings {
		c, ok := r.Lookup(kind)
		if !ok {
			return nil, fmt.Errorf("%w: unknown policy kind %q for %s", core.ErrConfiguration, kind, name)
		}
		out[name] = c
	}
	return out, nil
}

// New builds a policy of the given kind.
func (r *Registry) New(name, kind string) (core.TrainablePolicy, error) {
	c, ok := r.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown policy kind %q for %s", core.ErrConfiguration, kind, name)
	}
	return c.NewPolicy(name), nil
}

// ParseBindings parses "name=kind" pairs.
func ParseBindings(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, kind, ok := strings.Cut(pair, "=")
		if !ok || name == "" || kind == "" {
			return nil, fmt.Errorf("%w: invalid policy binding %q, expected name=kind", core.ErrConfiguration, pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%w: policy %q bound twice", core.ErrConfiguration, name)
		}
		out[name] = kind
	}
	return out, nil
}

// FormatBindings is the inverse of ParseBindings, sorted by name.
func FormatBindings(bindings map[string]string) []string {
	out := make([]string, 0, len(bindings))
	for name, kind := range bindings {
		out = append(out, name+"="+kind)
	}
	sort.Strings(out)
	return out
}
