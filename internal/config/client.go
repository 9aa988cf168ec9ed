package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	clientEnvPrefix       = "SHELLSYNC"
	defaultSyncAddress    = "http://localhost:8888"
	defaultSyncFrequency  = 10 * time.Minute
	defaultClientLogLevel = "warn"
	sessionFileMode       = 0o600
)

// ErrNotLoggedIn indicates that the device has no session file.
var ErrNotLoggedIn = errors.New("config: not logged in, run `shellsync login` first")

// ClientSettings captures the configuration of the client CLI.
type ClientSettings struct {
	DataDir       string
	DBPath        string
	KeyPath       string
	SessionPath   string
	LastSyncPath  string
	SyncAddress   string
	HubAddress    string
	SyncFrequency time.Duration
	AutoSync      bool
	LogLevel      string
	SessionToken  string
	// HistoryFilter and CwdFilter are regular expressions; matching commands are not recorded
	// and are removed by `history prune`.
	HistoryFilter []string
	CwdFilter     []string
}

// NewClientViper returns a viper instance with client defaults and env bindings configured.
func NewClientViper() *viper.Viper {
	configViper := viper.New()
	ApplyClientDefaults(configViper)
	return configViper
}

// ApplyClientDefaults configures client defaults and env bindings on the provided viper instance.
func ApplyClientDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(clientEnvPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("data_dir", defaultDataDir())
	configViper.SetDefault("sync_address", defaultSyncAddress)
	configViper.SetDefault("sync_frequency", defaultSyncFrequency)
	configViper.SetDefault("auto_sync", true)
	configViper.SetDefault("log.level", defaultClientLogLevel)
}

// LoadClientSettings parses client configuration and reads the session file when present.
func LoadClientSettings(configViper *viper.Viper) (ClientSettings, error) {
	dataDir := expandHome(configViper.GetString("data_dir"))
	if strings.TrimSpace(dataDir) == "" {
		return ClientSettings{}, fmt.Errorf("data_dir is required")
	}

	pathOr := func(key, fallback string) string {
		if value := strings.TrimSpace(configViper.GetString(key)); value != "" {
			return expandHome(value)
		}
		return filepath.Join(dataDir, fallback)
	}

	settings := ClientSettings{
		DataDir:       dataDir,
		DBPath:        pathOr("db_path", "history.db"),
		KeyPath:       pathOr("key_path", "key"),
		SessionPath:   pathOr("session_path", "session"),
		LastSyncPath:  pathOr("last_sync_path", "last_sync_time"),
		SyncAddress:   strings.TrimSpace(configViper.GetString("sync_address")),
		HubAddress:    strings.TrimSpace(configViper.GetString("hub_address")),
		SyncFrequency: configViper.GetDuration("sync_frequency"),
		AutoSync:      configViper.GetBool("auto_sync"),
		LogLevel:      configViper.GetString("log.level"),
		HistoryFilter: configViper.GetStringSlice("history_filter"),
		CwdFilter:     configViper.GetStringSlice("cwd_filter"),
	}
	if settings.SyncAddress == "" {
		return ClientSettings{}, fmt.Errorf("sync_address is required")
	}
	if settings.HubAddress == "" {
		settings.HubAddress = settings.SyncAddress
	}
	if settings.SyncFrequency < 0 {
		return ClientSettings{}, fmt.Errorf("sync_frequency must not be negative")
	}

	token, err := ReadSessionToken(settings.SessionPath)
	switch {
	case err == nil:
		settings.SessionToken = token
	case errors.Is(err, ErrNotLoggedIn):
	default:
		return ClientSettings{}, err
	}
	return settings, nil
}

// RequireSession returns the session token or ErrNotLoggedIn.
func (s ClientSettings) RequireSession() (string, error) {
	if s.SessionToken == "" {
		return "", ErrNotLoggedIn
	}
	return s.SessionToken, nil
}

// ReadSessionToken reads a trimmed session token.
func ReadSessionToken(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", fmt.Errorf("config: read session: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", ErrNotLoggedIn
	}
	return token, nil
}

// WriteSessionToken persists a session token readable only by the owner.
func WriteSessionToken(path, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("config: refusing to write an empty session")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create session dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), sessionFileMode); err != nil {
		return fmt.Errorf("config: write session: %w", err)
	}
	return os.Chmod(path, sessionFileMode)
}

// RemoveSessionToken deletes the session file. A missing file is not an error.
func RemoveSessionToken(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config: remove session: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "shellsync")
	}
	return filepath.Join("~", ".local", "share", "shellsync")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
