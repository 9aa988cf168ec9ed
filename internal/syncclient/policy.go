package syncclient

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
)

// Policy decides whether the post-command hook should sync. It only reads local files.
type Policy struct {
	AutoSync     bool
	Frequency    time.Duration
	SessionPath  string
	LastSyncPath string
}

// ShouldSync reports whether the last sync is at least Frequency ago. It is false when
// auto sync is off or the device is not logged in.
func (p Policy) ShouldSync(now time.Time) (bool, error) {
	if !p.AutoSync {
		return false, nil
	}
	if _, err := os.Stat(p.SessionPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("syncclient: session file: %w", err)
	}
	last, err := LastSync(p.LastSyncPath)
	if err != nil {
		return false, err
	}
	return now.Sub(last) >= p.Frequency, nil
}

// LastSync reads the marker file. A missing marker means the device never synced.
func LastSync(path string) (time.Time, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return history.Epoch, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("syncclient: read last sync: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
	if err != nil {
		return time.Time{}, fmt.Errorf("syncclient: malformed last sync marker %q: %w", path, err)
	}
	return parsed.UTC(), nil
}

// WriteLastSync records a completed sync.
func WriteLastSync(path string, at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("syncclient: create marker dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(at.UTC().Format(time.RFC3339)), 0o600); err != nil {
		return fmt.Errorf("syncclient: write last sync: %w", err)
	}
	return nil
}
