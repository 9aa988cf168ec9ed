package cipherkey

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	records   []SealedRecord
	commitErr error
}

func (s *memoryStore) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *memoryStore) Reencrypt(_ context.Context, transform func(SealedRecord) (SealedRecord, bool, error), persist func() error) error {
	staged := make([]SealedRecord, len(s.records))
	for index, record := range s.records {
		next, changed, err := transform(record)
		if err != nil {
			return err
		}
		if !changed {
			next = record
		}
		staged[index] = next
	}
	if err := persist(); err != nil {
		return err
	}
	if s.commitErr != nil {
		return s.commitErr
	}
	s.records = staged
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(Config{KeyPath: filepath.Join(t.TempDir(), "keys", "key")})
	require.NoError(t, err)
	return manager
}

func sealCommand(t *testing.T, key Key, text string) SealedRecord {
	t.Helper()
	sealed, err := EncryptHistory(key, history.Command{ID: text, Command: text, Timestamp: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)
	return SealedRecord{ID: text, KeyID: key.ID(), Sealed: sealed}
}

func TestLoadReportsMissingAndMalformedKeys(t *testing.T) {
	manager := newTestManager(t)

	_, err := manager.Load()
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, os.MkdirAll(filepath.Dir(manager.KeyPath()), 0o700))
	require.NoError(t, os.WriteFile(manager.KeyPath(), []byte("definitely not a key"), 0o600))
	_, err = manager.Load()
	require.ErrorIs(t, err, ErrKeyMalformed)
}

func TestLoadOrCreatePersistsKey(t *testing.T) {
	manager := newTestManager(t)

	created, err := manager.LoadOrCreate()
	require.NoError(t, err)

	info, err := os.Stat(manager.KeyPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := manager.LoadOrCreate()
	require.NoError(t, err)
	require.Equal(t, created, reloaded)

	current, err := manager.Current()
	require.NoError(t, err)
	require.Equal(t, created, current)
}

func TestDecodeAcceptsMnemonicAndBase64(t *testing.T) {
	key, err := GenerateKey(bytes.NewReader(bytes.Repeat([]byte{7}, KeySize)))
	require.NoError(t, err)

	phrase, err := Mnemonic(key)
	require.NoError(t, err)
	require.Len(t, strings.Fields(phrase), 24)

	fromPhrase, err := Decode("  " + strings.ToUpper(phrase) + "\n")
	require.NoError(t, err)
	require.Equal(t, key, fromPhrase)

	fromBase64, err := Decode(Encode(key))
	require.NoError(t, err)
	require.Equal(t, key, fromBase64)

	normalized, err := Normalize(phrase)
	require.NoError(t, err)
	require.Equal(t, Encode(key), normalized)
}

func TestDecodeClassifiesErrors(t *testing.T) {
	zeroChecksumBroken := strings.TrimSpace(strings.Repeat("abandon ", 24))

	testCases := []struct {
		name  string
		input string
		want  error
	}{
		{name: "empty", input: "   ", want: ErrInvalidKeyEncoding},
		{name: "not-base64", input: "%%%", want: ErrInvalidKeyEncoding},
		{name: "short-base64", input: "c2hvcnQ=", want: ErrInvalidKeyLength},
		{name: "unknown-words", input: "alpha beta gamma delta", want: ErrInvalidMnemonic},
		{name: "bad-checksum", input: zeroChecksumBroken, want: ErrMnemonicChecksum},
		{name: "twelve-words", input: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", want: ErrInvalidKeyLength},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := Decode(testCase.input)
			require.ErrorIs(t, err, testCase.want)
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey(nil)
	require.NoError(t, err)
	other, err := GenerateKey(nil)
	require.NoError(t, err)

	command := history.Command{ID: "c1", Command: "git status", Cwd: "/src", Timestamp: time.Unix(1700000000, 0).UTC()}
	sealed, err := EncryptHistory(key, command)
	require.NoError(t, err)

	data, err := EncodeEncrypted(sealed)
	require.NoError(t, err)
	require.NotContains(t, data, "git status")

	decoded, err := DecodeEncrypted(data)
	require.NoError(t, err)
	opened, err := DecryptHistory(key, decoded)
	require.NoError(t, err)
	require.Equal(t, command, opened)

	_, err = DecryptHistory(other, decoded)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = DecodeEncrypted("not json")
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestRotateReencryptsEveryRecord(t *testing.T) {
	manager := newTestManager(t)
	oldKey, err := manager.LoadOrCreate()
	require.NoError(t, err)
	newKey, err := GenerateKey(nil)
	require.NoError(t, err)

	store := &memoryStore{records: []SealedRecord{
		sealCommand(t, oldKey, "ls"),
		sealCommand(t, oldKey, "pwd"),
		sealCommand(t, newKey, "already-rotated"),
	}}

	rotated, err := manager.Rotate(context.Background(), store, newKey)
	require.NoError(t, err)
	require.True(t, rotated)

	for _, record := range store.records {
		require.Equal(t, newKey.ID(), record.KeyID)
		command, err := DecryptHistory(newKey, record.Sealed)
		require.NoError(t, err)
		require.Equal(t, record.ID, command.Command)

		_, err = DecryptHistory(oldKey, record.Sealed)
		require.ErrorIs(t, err, ErrDecrypt)
	}

	onDisk, err := readKeyFile(manager.KeyPath())
	require.NoError(t, err)
	require.Equal(t, newKey, onDisk)
	_, err = os.Stat(manager.KeyPath() + backupSuffix)
	require.True(t, errors.Is(err, os.ErrNotExist))

	current, err := manager.Current()
	require.NoError(t, err)
	require.Equal(t, newKey, current)
}

func TestRotateToCurrentKeyIsNoOp(t *testing.T) {
	manager := newTestManager(t)
	key, err := manager.LoadOrCreate()
	require.NoError(t, err)

	store := &memoryStore{records: []SealedRecord{sealCommand(t, key, "ls")}}
	before := store.records[0]

	rotated, err := manager.Rotate(context.Background(), store, key)
	require.NoError(t, err)
	require.False(t, rotated)
	require.Equal(t, before, store.records[0])
}

func TestRotateRefusesUnknownKeyRecords(t *testing.T) {
	manager := newTestManager(t)
	oldKey, err := manager.LoadOrCreate()
	require.NoError(t, err)
	newKey, err := GenerateKey(nil)
	require.NoError(t, err)
	stranger, err := GenerateKey(nil)
	require.NoError(t, err)

	store := &memoryStore{records: []SealedRecord{
		sealCommand(t, oldKey, "ls"),
		sealCommand(t, stranger, "foreign"),
	}}
	before := append([]SealedRecord(nil), store.records...)

	rotated, err := manager.Rotate(context.Background(), store, newKey)
	require.ErrorIs(t, err, ErrKeyMismatch)
	require.False(t, rotated)
	require.Equal(t, before, store.records)

	onDisk, err := readKeyFile(manager.KeyPath())
	require.NoError(t, err)
	require.Equal(t, oldKey, onDisk)
}

func TestRotateRestoresKeyFileWhenCommitFails(t *testing.T) {
	manager := newTestManager(t)
	oldKey, err := manager.LoadOrCreate()
	require.NoError(t, err)
	newKey, err := GenerateKey(nil)
	require.NoError(t, err)

	store := &memoryStore{
		records:   []SealedRecord{sealCommand(t, oldKey, "ls")},
		commitErr: errors.New("disk full"),
	}

	_, err = manager.Rotate(context.Background(), store, newKey)
	require.Error(t, err)

	onDisk, err := readKeyFile(manager.KeyPath())
	require.NoError(t, err)
	require.Equal(t, oldKey, onDisk)
	current, err := manager.Current()
	require.NoError(t, err)
	require.Equal(t, oldKey, current)
	require.Equal(t, oldKey.ID(), store.records[0].KeyID)
}

func TestRotateRereadsKeyRotatedElsewhere(t *testing.T) {
	first := newTestManager(t)
	initial, err := first.LoadOrCreate()
	require.NoError(t, err)
	second, err := NewManager(Config{KeyPath: first.KeyPath()})
	require.NoError(t, err)
	_, err = second.Load()
	require.NoError(t, err)

	accountKey, err := GenerateKey(nil)
	require.NoError(t, err)
	store := &memoryStore{records: []SealedRecord{sealCommand(t, initial, "ls")}}
	rotated, err := first.Rotate(context.Background(), store, accountKey)
	require.NoError(t, err)
	require.True(t, rotated)

	rotated, err = second.Rotate(context.Background(), store, accountKey)
	require.NoError(t, err)
	require.False(t, rotated)
	current, err := second.Current()
	require.NoError(t, err)
	require.Equal(t, accountKey, current)

	next, err := GenerateKey(nil)
	require.NoError(t, err)
	rotated, err = second.Rotate(context.Background(), store, next)
	require.NoError(t, err)
	require.True(t, rotated)
	command, err := DecryptHistory(next, store.records[0].Sealed)
	require.NoError(t, err)
	require.Equal(t, "ls", command.Command)
}

func TestKeyIDIsStableAndShort(t *testing.T) {
	key, err := GenerateKey(bytes.NewReader(bytes.Repeat([]byte{1}, KeySize)))
	require.NoError(t, err)
	require.Len(t, key.ID(), 16)
	require.Equal(t, key.ID(), key.ID())
}
