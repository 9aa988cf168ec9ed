package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/shellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/shellsync/internal/config"
	"github.com/MarcoPoloResearchLab/shellsync/internal/logging"
	"github.com/MarcoPoloResearchLab/shellsync/internal/server"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage/postgres"
	"github.com/MarcoPoloResearchLab/shellsync/internal/storage/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "v0.3.0"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shellsync-server",
		Short: "Encrypted shell history sync server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().Int("database-max-open-conns", defaults.GetInt("database.max_open_conns"), "PostgreSQL connection pool size")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("sync.page_size"), "History page size for current clients")
	cmd.PersistentFlags().String("host-filter", defaults.GetString("sync.host_filter"), "Host filter policy (none, exclude)")
	cmd.PersistentFlags().Bool("open-registration", defaults.GetBool("registration.open"), "Allow new accounts to register")
	cmd.PersistentFlags().String("public-url", defaults.GetString("hub.public_url"), "Public URL used in device approval links")
	cmd.PersistentFlags().String("signing-secret", "", "Approval token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.max_open_conns", "database-max-open-conns")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.page_size", "page-size")
	bindFlag(cmd, "sync.host_filter", "host-filter")
	bindFlag(cmd, "registration.open", "open-registration")
	bindFlag(cmd, "hub.public_url", "public-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openBackend(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) (storage.Backend, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		return sqlite.Open(sqlite.Config{Path: cfg.DatabasePath, Logger: logger})
	case config.DriverPostgres:
		return postgres.Open(ctx, postgres.Config{DSN: cfg.DatabaseDSN, MaxOpenConns: cfg.MaxOpenConns, Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	backend, err := openBackend(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	database, err := storage.New(storage.Config{Backend: backend, Logger: logger})
	if err != nil {
		return err
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database: backend,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	approvals, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "shellsync-hub",
		Audience:      "shellsync-cli",
		TokenTTL:      appConfig.DeviceCodeTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Database:  database,
		Accounts:  accountService,
		Approvals: approvals,
		Settings: server.Settings{
			Version:          version,
			PageSize:         appConfig.PageSize,
			LegacyPageSize:   appConfig.LegacyPageSize,
			MinPagedVersion:  appConfig.MinPagedVersion,
			MaxHistoryLength: appConfig.MaxHistoryLength,
			HostFilter:       appConfig.HostFilter,
			RegistrationOpen: appConfig.RegistrationOpen,
			PublicURL:        appConfig.PublicURL,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("driver", appConfig.DatabaseDriver),
			zap.Duration("device_code_ttl", approvals.TTL()),
			zap.String("version", version))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
