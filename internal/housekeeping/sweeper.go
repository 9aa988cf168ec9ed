package housekeeping

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/cipherkey"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/localstore"
	"go.uber.org/zap"
)

var (
	// ErrInvalidKeep rejects a dedup that would keep no copy of a command.
	ErrInvalidKeep = errors.New("housekeeping: at least one duplicate must be kept")

	errMissingStore = errors.New("housekeeping: local store is required")
	errMissingKeys  = errors.New("housekeeping: key source is required")
)

// Store is the part of the local store a sweep uses.
type Store interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
	Records(ctx context.Context) ([]localstore.Record, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) error
}

// KeySource rereads the account key from its file.
type KeySource interface {
	Load() (cipherkey.Key, error)
}

// Config describes the dependencies of a Sweeper.
type Config struct {
	Store  Store
	Keys   KeySource
	Clock  func() time.Time
	Logger *zap.Logger
}

// Sweeper tombstones local entries chosen by prune or dedup.
type Sweeper struct {
	store  Store
	keys   KeySource
	clock  func() time.Time
	logger *zap.Logger
}

// NewSweeper validates the configuration.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Keys == nil {
		return nil, errMissingKeys
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: cfg.Store, keys: cfg.Keys, clock: clock, logger: logger}, nil
}

// Prune selects every live entry the filter excludes. Unless dryRun is set the matches are
// tombstoned. Matches are returned oldest first.
func (s *Sweeper) Prune(ctx context.Context, filter Filter, dryRun bool) ([]history.Command, error) {
	return s.sweep(ctx, "prune", dryRun, func(commands []history.Command) []history.Command {
		matches := []history.Command{}
		for _, command := range commands {
			if filter.Excludes(command) {
				matches = append(matches, command)
			}
		}
		return matches
	})
}

// Dedup selects entries repeating the command, working directory and hostname of a newer
// entry. The keep newest copies of each survive, and only entries recorded before before are
// candidates. Unless dryRun is set the matches are tombstoned.
func (s *Sweeper) Dedup(ctx context.Context, before time.Time, keep int, dryRun bool) ([]history.Command, error) {
	if keep <= 0 {
		return nil, ErrInvalidKeep
	}
	return s.sweep(ctx, "dedup", dryRun, func(commands []history.Command) []history.Command {
		return duplicates(commands, before, keep)
	})
}

type duplicateKey struct {
	command  string
	cwd      string
	hostname string
}

func duplicates(commands []history.Command, before time.Time, keep int) []history.Command {
	groups := make(map[duplicateKey][]history.Command)
	for _, command := range commands {
		key := duplicateKey{command: command.Command, cwd: command.Cwd, hostname: command.Hostname}
		groups[key] = append(groups[key], command)
	}

	matches := []history.Command{}
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].Timestamp.Equal(group[j].Timestamp) {
				return group[i].Timestamp.After(group[j].Timestamp)
			}
			return group[i].ID > group[j].ID
		})
		for rank, command := range group {
			if rank >= keep && command.Timestamp.Before(before) {
				matches = append(matches, command)
			}
		}
	}
	return matches
}

func (s *Sweeper) sweep(ctx context.Context, operation string, dryRun bool, choose func([]history.Command) []history.Command) ([]history.Command, error) {
	var matches []history.Command
	err := s.store.Exclusive(ctx, func(ctx context.Context) error {
		key, err := s.keys.Load()
		if err != nil {
			return err
		}
		records, err := s.store.Records(ctx)
		if err != nil {
			return err
		}
		live := make([]history.Command, 0, len(records))
		for _, record := range records {
			if record.Deleted() {
				continue
			}
			command, err := cipherkey.DecryptHistory(key, record.Sealed)
			if err != nil {
				return err
			}
			command.ID = record.ID
			live = append(live, command)
		}

		matches = choose(live)
		sortOldestFirst(matches)
		if dryRun {
			return nil
		}
		now := s.clock()
		for _, command := range matches {
			if err := s.store.MarkDeleted(ctx, command.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("history sweep failed", zap.String("operation", operation), zap.Error(err))
		return nil, err
	}
	s.logger.Info("history sweep complete",
		zap.String("operation", operation),
		zap.Int("matches", len(matches)),
		zap.Bool("dry_run", dryRun))
	return matches, nil
}

func sortOldestFirst(commands []history.Command) {
	sort.Slice(commands, func(i, j int) bool {
		if !commands[i].Timestamp.Equal(commands[j].Timestamp) {
			return commands[i].Timestamp.Before(commands[j].Timestamp)
		}
		return commands[i].ID < commands[j].ID
	})
}
