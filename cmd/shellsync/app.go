package main

import (
	"os"

	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/cipherkey"
	"github.com/MarcoPoloResearchLab/shellsync/internal/config"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/housekeeping"
	"github.com/MarcoPoloResearchLab/shellsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/shellsync/internal/logging"
	"github.com/MarcoPoloResearchLab/shellsync/internal/syncclient"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app holds the per-invocation client wiring.
type app struct {
	settings config.ClientSettings
	logger   *zap.Logger
	keys     *cipherkey.Manager
	store    *localstore.Store
}

func openApp() (*app, error) {
	settings, err := config.LoadClientSettings(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(settings.LogLevel)
	if err != nil {
		return nil, err
	}
	keys, err := cipherkey.NewManager(cipherkey.Config{KeyPath: settings.KeyPath, Logger: logger})
	if err != nil {
		return nil, err
	}
	if _, err := keys.LoadOrCreate(); err != nil {
		return nil, err
	}
	store, err := localstore.Open(localstore.Config{Path: settings.DBPath, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &app{settings: settings, logger: logger, keys: keys, store: store}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close local store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// syncClient returns a client for the sync server authenticated with the stored session.
func (a *app) syncClient() (*api.HTTPClient, error) {
	token, err := a.settings.RequireSession()
	if err != nil {
		return nil, err
	}
	return api.NewHTTPClient(api.ClientConfig{BaseURL: a.settings.SyncAddress, Token: token, Version: version})
}

func (a *app) anonymousClient(address string) (*api.HTTPClient, error) {
	return api.NewHTTPClient(api.ClientConfig{BaseURL: address, Version: version})
}

func (a *app) syncer() (*syncclient.Syncer, error) {
	client, err := a.syncClient()
	if err != nil {
		return nil, err
	}
	return a.syncerWith(client)
}

func (a *app) syncerWith(client api.Client) (*syncclient.Syncer, error) {
	return syncclient.NewSyncer(syncclient.Config{
		Client:       client,
		Store:        a.store,
		Keys:         a.keys,
		Hostname:     hostname(),
		LastSyncPath: a.settings.LastSyncPath,
		Logger:       a.logger,
	})
}

func (a *app) filter() (housekeeping.Filter, error) {
	return housekeeping.NewFilter(a.settings.HistoryFilter, a.settings.CwdFilter)
}

func (a *app) sweeper() (*housekeeping.Sweeper, error) {
	return housekeeping.NewSweeper(housekeeping.Config{Store: a.store, Keys: a.keys, Logger: a.logger})
}

func (a *app) policy() syncclient.Policy {
	return syncclient.Policy{
		AutoSync:     a.settings.AutoSync,
		Frequency:    a.settings.SyncFrequency,
		SessionPath:  a.settings.SessionPath,
		LastSyncPath: a.settings.LastSyncPath,
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	normalized, err := history.NewHostname(name)
	if err != nil {
		return "unknown"
	}
	return normalized
}
