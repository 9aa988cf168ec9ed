package cipherkey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	keyFileMode   = 0o600
	backupSuffix  = ".bak"
	operationLoad = "cipherkey.load"
	operationSave = "cipherkey.save"
	operationRot  = "cipherkey.rotate"
)

var (
	// ErrKeyMismatch indicates a local record sealed under a key that is neither the
	// current nor the new key. Rotation refuses to touch such a store.
	ErrKeyMismatch = errors.New("cipherkey: record is sealed under an unknown key")

	errMissingKeyPath = errors.New("cipherkey: key path is required")
	errMissingStore   = errors.New("cipherkey: store is required")
)

// SealedRecord is a locally stored entry as seen by rotation.
type SealedRecord struct {
	ID     string
	KeyID  string
	Sealed EncryptedHistory
}

// Reencrypter is the local store surface rotation needs.
//
// Reencrypt runs transform over every record inside one transaction, writing back records
// for which transform reports a change, then calls persist before committing. Any error
// rolls the transaction back.
type Reencrypter interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
	Reencrypt(ctx context.Context, transform func(SealedRecord) (SealedRecord, bool, error), persist func() error) error
}

// Config describes the dependencies of a Manager.
type Config struct {
	KeyPath string
	Random  io.Reader
	Logger  *zap.Logger
}

// Manager holds the current account key and owns the key file.
type Manager struct {
	keyPath string
	random  io.Reader
	logger  *zap.Logger

	mu      sync.RWMutex
	current Key
	loaded  bool
}

// NewManager validates the configuration. The key is not read until Load.
func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.KeyPath) == "" {
		return nil, errMissingKeyPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{keyPath: cfg.KeyPath, random: cfg.Random, logger: logger}, nil
}

// KeyPath returns the location of the key file.
func (m *Manager) KeyPath() string {
	return m.keyPath
}

// Load reads the key file.
func (m *Manager) Load() (Key, error) {
	key, err := readKeyFile(m.keyPath)
	if err != nil {
		return Key{}, err
	}
	m.setCurrent(key)
	return key, nil
}

// LoadOrCreate reads the key file, generating and persisting a key on first use.
func (m *Manager) LoadOrCreate() (Key, error) {
	key, err := m.Load()
	if !errors.Is(err, ErrKeyNotFound) {
		return key, err
	}
	key, err = GenerateKey(m.random)
	if err != nil {
		return Key{}, err
	}
	if err := writeKeyFile(m.keyPath, key); err != nil {
		m.logError(operationSave, "write_failed", err)
		return Key{}, err
	}
	m.logger.Info("generated new encryption key", zap.String("key_id", key.ID()))
	m.setCurrent(key)
	return key, nil
}

// Current returns the loaded key.
func (m *Manager) Current() (Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return Key{}, ErrKeyNotFound
	}
	return m.current, nil
}

// Rotate re-encrypts every local record under newKey and makes it the current key. It reports
// false without touching anything when newKey is already current.
//
// The old key is reread from the key file once the store is held, so a rotation by another
// process since Load is honoured. Records already tagged with the new key are skipped, so an
// interrupted rotation can be rerun. A failure anywhere restores both the records and the
// previous key file.
func (m *Manager) Rotate(ctx context.Context, store Reencrypter, newKey Key) (bool, error) {
	if store == nil {
		return false, errMissingStore
	}
	if _, err := m.Current(); err != nil {
		return false, err
	}

	var oldKey Key
	reencrypted := 0
	err := store.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		if oldKey, err = m.Load(); err != nil {
			return err
		}
		if oldKey == newKey {
			return nil
		}
		oldID, newID := oldKey.ID(), newKey.ID()
		transform := func(record SealedRecord) (SealedRecord, bool, error) {
			switch record.KeyID {
			case newID:
				return record, false, nil
			case oldID, "":
			default:
				return record, false, fmt.Errorf("%w: record %s has key %s", ErrKeyMismatch, record.ID, record.KeyID)
			}
			plaintext, err := Open(oldKey, record.Sealed)
			if err != nil {
				return record, false, fmt.Errorf("record %s: %w", record.ID, err)
			}
			sealed, err := m.seal(newKey, plaintext)
			if err != nil {
				return record, false, err
			}
			reencrypted++
			return SealedRecord{ID: record.ID, KeyID: newID, Sealed: sealed}, true, nil
		}

		persisted := false
		persist := func() error {
			if err := backupKeyFile(m.keyPath); err != nil {
				return err
			}
			if err := writeKeyFile(m.keyPath, newKey); err != nil {
				return err
			}
			persisted = true
			return nil
		}
		if err := store.Reencrypt(ctx, transform, persist); err != nil {
			if persisted {
				if restoreErr := restoreKeyFile(m.keyPath); restoreErr != nil {
					m.logError(operationRot, "restore_failed", restoreErr)
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		m.logError(operationRot, "reencrypt_failed", err)
		return false, err
	}
	if oldKey == newKey {
		return false, nil
	}

	if err := os.Remove(m.keyPath + backupSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to remove key backup", zap.String("path", m.keyPath+backupSuffix), zap.Error(err))
	}
	m.setCurrent(newKey)
	m.logger.Info("rotated encryption key",
		zap.String("old_key_id", oldKey.ID()),
		zap.String("new_key_id", newKey.ID()),
		zap.Int("records", reencrypted))
	return true, nil
}

func (m *Manager) seal(key Key, plaintext []byte) (EncryptedHistory, error) {
	if m.random != nil {
		return sealWith(m.random, key, plaintext)
	}
	return Seal(key, plaintext)
}

func (m *Manager) setCurrent(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = key
	m.loaded = true
}

func (m *Manager) logError(operation, reason string, err error) {
	m.logger.Error("key operation failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("path", m.keyPath),
		zap.Error(err))
}

func readKeyFile(path string) (Key, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Key{}, ErrKeyNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("%s: %w", operationLoad, err)
	}
	key, err := decodeBase64(strings.TrimSpace(string(raw)))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}
	return key, nil
}

// writeKeyFile replaces the key file atomically.
func writeKeyFile(path string, key Key) error {
	return writeFileAtomic(path, []byte(Encode(key)+"\n"))
}

func backupKeyFile(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: read for backup: %w", operationSave, err)
	}
	return writeFileAtomic(path+backupSuffix, raw)
}

func restoreKeyFile(path string) error {
	if err := os.Rename(path+backupSuffix, path); err != nil {
		return fmt.Errorf("%s: restore backup: %w", operationSave, err)
	}
	return nil
}

func writeFileAtomic(path string, contents []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%s: create dir: %w", operationSave, err)
	}
	temp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%s: create temp: %w", operationSave, err)
	}
	tempPath := temp.Name()
	defer func() {
		_ = os.Remove(tempPath)
	}()

	if err := temp.Chmod(keyFileMode); err != nil {
		_ = temp.Close()
		return fmt.Errorf("%s: chmod: %w", operationSave, err)
	}
	if _, err := temp.Write(contents); err != nil {
		_ = temp.Close()
		return fmt.Errorf("%s: write: %w", operationSave, err)
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		return fmt.Errorf("%s: sync: %w", operationSave, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("%s: close: %w", operationSave, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%s: rename: %w", operationSave, err)
	}
	return nil
}
