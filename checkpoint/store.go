// Package checkpoint persists the canonical policy states of a manager in an
// embedded badger database, so a run can resume from its last version.
//
// Only the policies that changed are written at each version. Loading a
// version rebuilds the full state by taking, for every policy, the newest
// state saved at or before that version.
package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeu5/dist-rl-training/core"
)

// ErrNoCheckpoint is returned by Latest when nothing was saved yet.
var ErrNoCheckpoint = errors.New("no checkpoint")

var (
	latestKey   = []byte("latest")
	statePrefix = []byte("state/")
	metaPrefix  = []byte("meta/")
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's own logs. Nil silences them.
	Logger *slog.Logger
}

func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Meta describes one saved version.
type Meta struct {
	Version  int       `json:"version"`
	Policies []string  `json:"policies"`
	SavedAt  time.Time `json:"saved_at"`
}

type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func versionBytes(v int) []byte {
	bs := make([]byte, 8)
	binary.BigEndian.PutUint64(bs, uint64(v))
	return bs
}

// state keys are state/<policy>/<version>, so one prefix scan per policy
// yields its versions in ascending order.
func stateKey(policy string, version int) []byte {
	key := make([]byte, 0, len(statePrefix)+len(policy)+9)
	key = append(key, statePrefix...)
	key = append(key, policy...)
	key = append(key, '/')
	return append(key, versionBytes(version)...)
}

func metaKey(version int) []byte {
	return append(append([]byte(nil), metaPrefix...), versionBytes(version)...)
}

// Save writes the states of one version in a single transaction.
func (s *Store) Save(ctx context.Context, version int, states map[string]core.PolicyState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if version <= 0 {
		return fmt.Errorf("invalid checkpoint version %d", version)
	}
	meta := Meta{Version: version, SavedAt: time.Now().UTC()}
	for name := range states {
		if strings.Contains(name, "/") {
			return fmt.Errorf("policy name %q cannot be checkpointed", name)
		}
		meta.Policies = append(meta.Policies, name)
	}
	sort.Strings(meta.Policies)
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for name, state := range states {
			if err := txn.Set(stateKey(name, version), state.Copy()); err != nil {
				return err
			}
		}
		if err := txn.Set(metaKey(version), metaBytes); err != nil {
			return err
		}
		return txn.Set(latestKey, versionBytes(version))
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %d: %w", version, err)
	}
	s.logger.Debug("checkpoint saved", "version", version, "policies", meta.Policies)
	return nil
}

// Latest returns the last saved version and the full state at that version.
func (s *Store) Latest() (int, map[string]core.PolicyState, error) {
	version := 0
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			version = int(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil, ErrNoCheckpoint
	}
	if err != nil {
		return 0, nil, err
	}
	states, err := s.Load(version)
	if err != nil {
		return 0, nil, err
	}
	return version, states, nil
}

// Load rebuilds the state of every policy as of the given version.
// Policies first saved after it are left out.
func (s *Store) Load(version int) (map[string]core.PolicyState, error) {
	out := make(map[string]core.PolicyState)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = statePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			rest := key[len(statePrefix):]
			if len(rest) < 9 {
				continue
			}
			policy := string(rest[:len(rest)-9])
			v := int(binary.BigEndian.Uint64(rest[len(rest)-8:]))
			if v > version {
				continue
			}
			// Ascending order: a later key of the same policy overwrites.
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[policy] = core.PolicyState(val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %d: %w", version, err)
	}
	return out, nil
}

// History returns the metadata of every saved version, oldest first.
func (s *Store) History() ([]Meta, error) {
	var out []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = metaPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var meta Meta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return err
			}
			out = append(out, meta)
		}
		return nil
	})
	return out, err
}
