package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/cipherkey"
	"github.com/MarcoPoloResearchLab/shellsync/internal/config"
	"github.com/MarcoPoloResearchLab/shellsync/internal/deviceauth"
	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
	"github.com/MarcoPoloResearchLab/shellsync/internal/syncclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

func newLoginCommand() *cobra.Command {
	var (
		username string
		password string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize this device, by device code or with a username and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()
			ctx := cmd.Context()

			if username != "" {
				if password == "" {
					if password, err = readSecret("Password: "); err != nil {
						return err
					}
				}
				client, err := application.anonymousClient(application.settings.SyncAddress)
				if err != nil {
					return err
				}
				token, err := client.Login(ctx, api.LoginRequest{Username: username, Password: password})
				if err != nil {
					return err
				}
				if err := config.WriteSessionToken(application.settings.SessionPath, token); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged in.")
				return application.store.ResetCursor(ctx)
			}

			hub, err := application.anonymousClient(application.settings.HubAddress)
			if err != nil {
				return err
			}
			flow, err := deviceauth.NewFlow(deviceauth.Config{
				Hub:         hub,
				SessionPath: application.settings.SessionPath,
				Keys:        application.keys,
				Store:       application.store,
				Prompter:    deviceauth.TerminalPrompter{Input: os.Stdin},
				Out:         cmd.OutOrStdout(),
				Logger:      application.logger,
			})
			if err != nil {
				return err
			}
			if _, err := flow.Run(ctx); err != nil {
				return err
			}
			return application.store.ResetCursor(ctx)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Log in with a username instead of a device code")
	cmd.Flags().StringVar(&password, "password", "", "Password for --username (prompted when empty)")
	return cmd
}

func newRegisterCommand() *cobra.Command {
	var (
		username string
		email    string
		password string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account on the sync server and log this device in",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			if password == "" {
				if password, err = readSecret("Password: "); err != nil {
					return err
				}
			}
			client, err := application.anonymousClient(application.settings.SyncAddress)
			if err != nil {
				return err
			}
			token, err := client.Register(cmd.Context(), api.RegisterRequest{Username: username, Email: email, Password: password})
			if err != nil {
				return err
			}
			if err := config.WriteSessionToken(application.settings.SessionPath, token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s. Keep your key safe: run `shellsync key` to see it.\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when empty)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke this device's session",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			client, err := application.syncClient()
			if err != nil {
				return err
			}
			if err := client.Logout(cmd.Context()); err != nil {
				application.logger.Warn("server logout failed", zap.Error(err))
			}
			return config.RemoveSessionToken(application.settings.SessionPath)
		},
	}
}

func newSyncCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload local history and download history from other devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			syncer, err := application.syncer()
			if err != nil {
				return err
			}
			result, err := syncer.Sync(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d uploaded, %d downloaded, %d deletions sent, %d deletions applied\n",
				result.Uploaded, result.Downloaded, result.TombstonesSent, result.TombstonesTaken)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Download from the beginning instead of the saved cursor")
	return cmd
}

func newKeyCommand() *cobra.Command {
	var mnemonic bool
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the encryption key to import on another device",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			key, err := application.keys.Current()
			if err != nil {
				return err
			}
			if !mnemonic {
				fmt.Fprintln(cmd.OutOrStdout(), cipherkey.Encode(key))
				return nil
			}
			phrase, err := cipherkey.Mnemonic(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), phrase)
			return nil
		},
	}
	cmd.Flags().BoolVar(&mnemonic, "mnemonic", false, "Print the key as a 24-word phrase")
	return cmd
}

func newRecordCommand() *cobra.Command {
	var (
		exit     int64
		duration time.Duration
		cwd      string
		session  string
	)
	cmd := &cobra.Command{
		Use:   "record -- <command>",
		Short: "Record a finished shell command and sync when due",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()
			ctx := cmd.Context()

			if cwd == "" {
				cwd, _ = os.Getwd()
			}
			if session == "" {
				session = os.Getenv("SHELLSYNC_SESSION")
			}
			now := time.Now()
			command, err := history.NewCommand(history.NewUUIDProvider(), history.CommandConfig{
				Timestamp: now.Add(-duration),
				Duration:  duration,
				Exit:      exit,
				Command:   strings.Join(args, " "),
				Cwd:       cwd,
				Session:   session,
				Hostname:  hostname(),
			})
			if err != nil {
				return err
			}
			filter, err := application.filter()
			if err != nil {
				return err
			}
			if filter.Excludes(command) {
				application.logger.Debug("command excluded by history filter")
				return nil
			}

			client, err := api.NewHTTPClient(api.ClientConfig{
				BaseURL: application.settings.SyncAddress,
				Token:   application.settings.SessionToken,
				Version: version,
			})
			if err != nil {
				return err
			}
			syncer, err := application.syncerWith(client)
			if err != nil {
				return err
			}
			if err := syncer.Record(ctx, command); err != nil {
				return err
			}
			// A failed sync is reported but never fails the recorded command.
			if err := syncclient.AfterCommand(ctx, application.policy(), syncer, now); err != nil {
				application.logger.Warn("background sync failed", zap.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&exit, "exit", 0, "Exit status of the command")
	cmd.Flags().DurationVar(&duration, "duration", 0, "How long the command ran")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory (defaults to the current directory)")
	cmd.Flags().StringVar(&session, "session", "", "Shell session id")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete history entries everywhere on the next sync",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			now := time.Now()
			for _, id := range args {
				if err := application.store.MarkDeleted(cmd.Context(), id, now); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries deleted locally; run `shellsync sync` to propagate.\n", len(args))
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Maintain the local history",
	}
	cmd.AddCommand(newPruneCommand(), newDedupCommand())
	return cmd
}

func newPruneCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete entries matching history_filter or cwd_filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			filter, err := application.filter()
			if err != nil {
				return err
			}
			sweeper, err := application.sweeper()
			if err != nil {
				return err
			}
			matches, err := sweeper.Prune(cmd.Context(), filter, dryRun)
			if err != nil {
				return err
			}
			reportSweep(cmd, matches, dryRun, "entry to prune", "entries to prune")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "List matching entries without deleting them")
	return cmd
}

func newDedupCommand() *cobra.Command {
	var (
		dryRun  bool
		before  string
		dupkeep int
	)
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Delete duplicate entries with the same command, cwd and hostname",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff, err := parseBefore(before, time.Local)
			if err != nil {
				return err
			}
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			sweeper, err := application.sweeper()
			if err != nil {
				return err
			}
			matches, err := sweeper.Dedup(cmd.Context(), cutoff, dupkeep, dryRun)
			if err != nil {
				return err
			}
			reportSweep(cmd, matches, dryRun, "duplicate to delete", "duplicates to delete")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "List matching entries without deleting them")
	cmd.Flags().StringVarP(&before, "before", "b", "", "Only delete entries recorded before this date (2006-01-02 or RFC 3339)")
	cmd.Flags().IntVar(&dupkeep, "dupkeep", 0, "How many recent duplicates to keep")
	_ = cmd.MarkFlagRequired("before")
	_ = cmd.MarkFlagRequired("dupkeep")
	return cmd
}

// parseBefore accepts an RFC 3339 instant or a calendar date, read as midnight in location.
func parseBefore(value string, location *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if instant, err := time.Parse(time.RFC3339, value); err == nil {
		return instant, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, value, location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --before %q: use 2006-01-02 or RFC 3339", value)
	}
	return day, nil
}

func reportSweep(cmd *cobra.Command, matches []history.Command, dryRun bool, singular, plural string) {
	out := cmd.OutOrStdout()
	switch len(matches) {
	case 0:
		fmt.Fprintf(out, "No %s.\n", plural)
		return
	case 1:
		fmt.Fprintf(out, "Found 1 %s.\n", singular)
	default:
		fmt.Fprintf(out, "Found %d %s.\n", len(matches), plural)
	}
	for _, command := range matches {
		if dryRun {
			fmt.Fprintf(out, "%s\t%s\n", command.Timestamp.Local().Format(time.DateTime), command.Command)
			continue
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "deleting %s\n", command.ID)
	}
	if !dryRun {
		fmt.Fprintln(out, "Run `shellsync sync` to delete them on every device.")
	}
}

func newStatusCommand() *cobra.Command {
	var (
		focus    string
		year     int
		month    int
		timezone string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local and server history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			key, err := application.keys.Current()
			if err != nil {
				return err
			}
			total, err := application.store.Count(ctx, true)
			if err != nil {
				return err
			}
			live, err := application.store.Count(ctx, false)
			if err != nil {
				return err
			}
			last, err := syncclient.LastSync(application.settings.LastSyncPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "key id:        %s\n", key.ID())
			fmt.Fprintf(out, "local entries: %d (%d deleted)\n", live, total-live)
			if last.Equal(history.Epoch) {
				fmt.Fprintln(out, "last sync:     never")
			} else {
				fmt.Fprintf(out, "last sync:     %s\n", last.Local().Format(time.RFC1123))
			}

			client, err := application.syncClient()
			if err != nil {
				fmt.Fprintln(out, "server:        not logged in")
				return nil
			}
			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "server:        %s (version %s)\n", application.settings.SyncAddress, status.Version)
			fmt.Fprintf(out, "account:       %s, %d entries, %d deleted\n", status.Username, status.Count, len(status.Deleted))

			if focus == "" {
				return nil
			}
			buckets, err := client.Calendar(ctx, focus, year, month, timezone)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(buckets))
			for bucket := range buckets {
				keys = append(keys, bucket)
			}
			sort.Strings(keys)
			for _, bucket := range keys {
				fmt.Fprintf(out, "%8s  %d\n", bucket, buckets[bucket].Count)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&focus, "calendar", "", "Also print a calendar breakdown (year, month, day)")
	cmd.Flags().IntVar(&year, "year", time.Now().Year(), "Calendar year")
	cmd.Flags().IntVar(&month, "month", int(time.Now().Month()), "Calendar month")
	cmd.Flags().StringVar(&timezone, "tz", "", "Calendar timezone offset, e.g. +02:00")
	return cmd
}

func newApproveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <approval>",
		Short: "Approve another device's login from this logged in device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			token, err := application.settings.RequireSession()
			if err != nil {
				return err
			}
			hub, err := api.NewHTTPClient(api.ClientConfig{BaseURL: application.settings.HubAddress, Token: token, Version: version})
			if err != nil {
				return err
			}
			if err := hub.Approve(cmd.Context(), approvalFrom(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Device approved.")
			return nil
		},
	}
}

// approvalFrom accepts either the bare approval token or the full approval URL.
func approvalFrom(input string) string {
	input = strings.TrimSpace(input)
	parsed, err := url.Parse(input)
	if err != nil {
		return input
	}
	if approval := parsed.Query().Get("approval"); approval != "" {
		return approval
	}
	return input
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
