// Package syncclient converges the local encrypted store with the sync server: it uploads
// pending entries and tombstones, downloads everything new with the dual cursor and applies
// remote tombstones.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/cipherkey"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/localstore"
	"go.uber.org/zap"
)

const (
	defaultUploadBatch = 100
	maxDownloadPages   = 1 << 20
)

var (
	errMissingClient = errors.New("syncclient: api client is required")
	errMissingStore  = errors.New("syncclient: local store is required")
	errMissingKeys   = errors.New("syncclient: key source is required")
)

// LocalStore is the subset of the local store a sync needs.
type LocalStore interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
	Append(ctx context.Context, record localstore.Record) error
	Pending(ctx context.Context, limit int) ([]localstore.Record, error)
	MarkUploaded(ctx context.Context, ids []string) error
	Deleted(ctx context.Context) ([]string, error)
	UnsentDeletions(ctx context.Context) ([]string, error)
	MarkDeletionsSent(ctx context.Context, ids []string) error
	MarkDeleted(ctx context.Context, id string, at time.Time) error
	SaveRemote(ctx context.Context, records []localstore.Record) (int, error)
	LoadCursor(ctx context.Context) (history.Cursor, error)
	SaveCursor(ctx context.Context, cursor history.Cursor) error
}

// KeySource rereads the account key from its file. Another process may have rotated it.
type KeySource interface {
	Load() (cipherkey.Key, error)
}

// Config describes the dependencies of a Syncer.
type Config struct {
	Client       api.Client
	Store        LocalStore
	Keys         KeySource
	Hostname     string
	LastSyncPath string
	UploadBatch  int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Result summarizes one sync.
type Result struct {
	Uploaded        int
	TombstonesSent  int
	Downloaded      int
	TombstonesTaken int
}

// Syncer runs syncs for one device.
type Syncer struct {
	client       api.Client
	store        LocalStore
	keys         KeySource
	hostname     string
	lastSyncPath string
	uploadBatch  int
	clock        func() time.Time
	logger       *zap.Logger
}

// NewSyncer validates the configuration.
func NewSyncer(cfg Config) (*Syncer, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Keys == nil {
		return nil, errMissingKeys
	}
	batch := cfg.UploadBatch
	if batch <= 0 {
		batch = defaultUploadBatch
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		client:       cfg.Client,
		store:        cfg.Store,
		keys:         cfg.Keys,
		hostname:     cfg.Hostname,
		lastSyncPath: cfg.LastSyncPath,
		uploadBatch:  batch,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Record seals a command under the account key and stores it for the next upload. The key
// is reread under the store's exclusive section so a record never lands under a key another
// process has already rotated away.
func (s *Syncer) Record(ctx context.Context, command history.Command) error {
	return s.store.Exclusive(ctx, func(ctx context.Context) error {
		key, err := s.keys.Load()
		if err != nil {
			return err
		}
		sealed, err := cipherkey.EncryptHistory(key, command)
		if err != nil {
			return err
		}
		return s.store.Append(ctx, localstore.Record{
			ID:        command.ID,
			Timestamp: command.Timestamp,
			Hostname:  command.Hostname,
			KeyID:     key.ID(),
			Sealed:    sealed,
		})
	})
}

// Sync runs one full sync under the store's exclusive section. With force the download
// restarts from the epoch.
func (s *Syncer) Sync(ctx context.Context, force bool) (Result, error) {
	var result Result
	err := s.store.Exclusive(ctx, func(ctx context.Context) error {
		key, err := s.keys.Load()
		if err != nil {
			return err
		}
		if result.Uploaded, err = s.upload(ctx, key); err != nil {
			return err
		}
		status, err := s.client.Status(ctx)
		if err != nil {
			return fmt.Errorf("syncclient: status: %w", err)
		}
		if result.TombstonesSent, err = s.pushTombstones(ctx, status.Deleted); err != nil {
			return err
		}
		if result.Downloaded, err = s.download(ctx, key, force, status.PageSize); err != nil {
			return err
		}
		if result.TombstonesTaken, err = s.applyTombstones(ctx, status.Deleted); err != nil {
			return err
		}
		if s.lastSyncPath != "" {
			return WriteLastSync(s.lastSyncPath, s.clock())
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("sync failed", zap.Error(err))
		return result, err
	}
	s.logger.Info("sync complete",
		zap.Int("uploaded", result.Uploaded),
		zap.Int("downloaded", result.Downloaded),
		zap.Int("tombstones_sent", result.TombstonesSent),
		zap.Int("tombstones_taken", result.TombstonesTaken))
	return result, nil
}

// upload sends pending records in batches. A record sealed under anything but key is
// refused: uploading it would leave ciphertext no other device can open.
func (s *Syncer) upload(ctx context.Context, key cipherkey.Key) (int, error) {
	uploaded := 0
	for {
		pending, err := s.store.Pending(ctx, s.uploadBatch)
		if err != nil {
			return uploaded, err
		}
		if len(pending) == 0 {
			return uploaded, nil
		}

		batch := make([]api.AddHistoryRequest, 0, len(pending))
		ids := make([]string, 0, len(pending))
		for _, record := range pending {
			if record.KeyID != "" && record.KeyID != key.ID() {
				return uploaded, fmt.Errorf("%w: pending record %s has key %s", cipherkey.ErrKeyMismatch, record.ID, record.KeyID)
			}
			data, err := cipherkey.EncodeEncrypted(record.Sealed)
			if err != nil {
				return uploaded, err
			}
			batch = append(batch, api.AddHistoryRequest{
				ID:        record.ID,
				Timestamp: record.Timestamp,
				Data:      data,
				Hostname:  record.Hostname,
			})
			ids = append(ids, record.ID)
		}
		if err := s.client.AddHistory(ctx, batch); err != nil {
			return uploaded, fmt.Errorf("syncclient: upload: %w", err)
		}
		if err := s.store.MarkUploaded(ctx, ids); err != nil {
			return uploaded, err
		}
		uploaded += len(ids)
	}
}

// pushTombstones sends each local tombstone once. Tombstones the server already lists are
// settled without a request. A sent tombstone is not retried, even when the server never
// stored the id.
func (s *Syncer) pushTombstones(ctx context.Context, remoteDeleted []string) (int, error) {
	unsent, err := s.store.UnsentDeletions(ctx)
	if err != nil {
		return 0, err
	}
	if len(unsent) == 0 {
		return 0, nil
	}
	known := make(map[string]struct{}, len(remoteDeleted))
	for _, id := range remoteDeleted {
		known[id] = struct{}{}
	}

	settled := make([]string, 0, len(unsent))
	sent := 0
	var sendErr error
	for _, id := range unsent {
		if _, ok := known[id]; !ok {
			if err := s.client.DeleteHistory(ctx, id); err != nil {
				sendErr = fmt.Errorf("syncclient: delete %s: %w", id, err)
				break
			}
			sent++
		}
		settled = append(settled, id)
	}
	if err := s.store.MarkDeletionsSent(ctx, settled); err != nil {
		return sent, err
	}
	return sent, sendErr
}

// download pages until the server returns an empty or short page. The cursor is persisted
// after every page so an interrupted catch-up resumes where it stopped.
func (s *Syncer) download(ctx context.Context, key cipherkey.Key, force bool, pageSize int) (int, error) {
	cursor := history.StartCursor()
	if !force {
		stored, err := s.store.LoadCursor(ctx)
		if err != nil {
			return 0, err
		}
		cursor = stored
	}

	downloaded := 0
	for page := 0; page < maxDownloadPages; page++ {
		response, err := s.client.History(ctx, cursor, s.hostname)
		if err != nil {
			return downloaded, fmt.Errorf("syncclient: download: %w", err)
		}
		if len(response.History) == 0 {
			return downloaded, nil
		}

		records := make([]localstore.Record, 0, len(response.History))
		for _, data := range response.History {
			record, err := openRemote(key, data)
			if err != nil {
				return downloaded, err
			}
			records = append(records, record)
		}
		inserted, err := s.store.SaveRemote(ctx, records)
		if err != nil {
			return downloaded, err
		}
		downloaded += inserted

		next, err := history.NewCursor(response.Cursor.SyncTS, response.Cursor.HistoryTS)
		if err != nil {
			return downloaded, err
		}
		if err := s.store.SaveCursor(ctx, next); err != nil {
			return downloaded, err
		}
		if pageSize > 0 && len(response.History) < pageSize {
			return downloaded, nil
		}
		if next == cursor {
			s.logger.Warn("download cursor did not advance", zap.Time("sync_ts", next.SyncTS))
			return downloaded, nil
		}
		cursor = next
	}
	return downloaded, nil
}

func (s *Syncer) applyTombstones(ctx context.Context, remoteDeleted []string) (int, error) {
	local, err := s.store.Deleted(ctx)
	if err != nil {
		return 0, err
	}
	already := make(map[string]struct{}, len(local))
	for _, id := range local {
		already[id] = struct{}{}
	}
	now := s.clock()
	applied := 0
	for _, id := range remoteDeleted {
		if _, ok := already[id]; ok {
			continue
		}
		err := s.store.MarkDeleted(ctx, id, now)
		if errors.Is(err, localstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func openRemote(key cipherkey.Key, data string) (localstore.Record, error) {
	sealed, err := cipherkey.DecodeEncrypted(data)
	if err != nil {
		return localstore.Record{}, err
	}
	command, err := cipherkey.DecryptHistory(key, sealed)
	if err != nil {
		return localstore.Record{}, err
	}
	record := localstore.Record{
		ID:        command.ID,
		Timestamp: command.Timestamp,
		Hostname:  command.Hostname,
		KeyID:     key.ID(),
		Sealed:    sealed,
	}
	if command.DeletedAt != nil {
		deleted := command.DeletedAt.UTC()
		record.DeletedAt = &deleted
	}
	return record, nil
}

// AfterCommand is the post-command hook: it syncs when the policy allows and runs the sync
// to completion. Errors are returned for the caller to report.
func AfterCommand(ctx context.Context, policy Policy, syncer *Syncer, now time.Time) error {
	should, err := policy.ShouldSync(now)
	if err != nil {
		return err
	}
	if !should {
		return nil
	}
	_, err = syncer.Sync(ctx, false)
	return err
}
