package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/shellsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "v0.3.0"

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "shellsync",
		Short:         "End-to-end encrypted shell history sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newLoginCommand(),
		newRegisterCommand(),
		newLogoutCommand(),
		newSyncCommand(),
		newKeyCommand(),
		newRecordCommand(),
		newDeleteCommand(),
		newHistoryCommand(),
		newStatusCommand(),
		newApproveCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := config.NewClientViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data_dir"), "Directory holding the local history, key and session")
	cmd.PersistentFlags().String("sync-address", defaults.GetString("sync_address"), "Sync server address")
	cmd.PersistentFlags().String("hub-address", "", "Device authorization hub address (defaults to the sync address)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "data_dir", "data-dir")
	bindFlag(cmd, "sync_address", "sync-address")
	bindFlag(cmd, "hub_address", "hub-address")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("toml")
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(dir + "/shellsync")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
