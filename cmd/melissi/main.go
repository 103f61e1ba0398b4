package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"melissi-go/internal/app"
	"melissi-go/internal/config"
	"melissi-go/internal/dashboard"
	"melissi-go/internal/melissi"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.LoadDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults.ConfigPath, nil
}

// newApp reads the config and creates a MelissiApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "AddWatchRoot", "Run").
func newApp(operation, parameters string) (*app.MelissiApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewMelissiApp(cfg, operation, parameters)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// newClient returns a client for the running daemon's dashboard.
func newClient() (*dashboard.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return dashboard.NewClient(app.DashboardAddr(cfg), &http.Client{Timeout: 10 * time.Second}), nil
}

var rootCmd = &cobra.Command{
	Use:          "melissi",
	Short:        "File synchronization client",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and save server credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.LoadDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg := defaults.NewConfig()

		answers := setupAnswers{}
		answers.URL, _ = cmd.Flags().GetString("url")
		answers.Username, _ = cmd.Flags().GetString("username")
		answers.Owner, _ = cmd.Flags().GetString("owner")
		if err := answers.collect(os.Stdin); err != nil {
			return err
		}

		cfg.Remote.URL = answers.URL
		cfg.Owner = answers.Owner
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if err := saveCredentials(cfg, answers.Username, answers.Password); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Fprintf(out, "Server:   %s\n", cfg.Remote.URL)
		fmt.Fprintf(out, "Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration from %s:\n\n", path)
		renderConfig(out, cfg)
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(config.Schema())
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage watched directories",
}

var watchAddCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Synchronize a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cell, _ := cmd.Flags().GetInt64("cell")

		a, err := newApp("AddWatchRoot", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		root, err := a.AddWatchRoot(args[0], cell)
		if err != nil {
			return fmt.Errorf("adding watch root: %w", err)
		}

		_, path, err := loadConfig()
		if err != nil {
			return err
		}
		if err := config.Update(path, func(cfg *config.Config) error {
			cfg.AddWatchRoot(root.Path, cell)
			return nil
		}); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Watching %s\n", root.Path)
		fmt.Fprintln(cmd.OutOrStdout(), "Restart `melissi run` to pick it up.")
		return nil
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("ListWatchRoots", "")
		if err != nil {
			return err
		}
		defer a.Close()

		roots, err := a.WatchRoots()
		if err != nil {
			return err
		}
		if len(roots) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No watched directories.")
			return nil
		}
		for _, r := range roots {
			cell := "top level"
			if r.RemoteID.Valid {
				cell = "cell " + strconv.FormatInt(r.RemoteID.Int64, 10)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  (%s)\n", r.Path, cell)
		}
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Run", "")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")

		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		return renderStatus(cmd.OutOrStdout(), st, format)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Disconnect: stop dispatching sync actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, func(ctx context.Context, c *dashboard.Client) (melissi.Status, error) {
			return c.Pause(ctx)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Reconnect: resume dispatching sync actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return control(cmd, func(ctx context.Context, c *dashboard.Client) (melissi.Status, error) {
			return c.Resume(ctx)
		})
	},
}

func control(cmd *cobra.Command, fn func(context.Context, *dashboard.Client) (melissi.Status, error)) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	st, err := fn(cmd.Context(), c)
	if err != nil {
		return err
	}
	return renderStatus(cmd.OutOrStdout(), st, "text")
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Forget local sync state and rescan every watched directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Resync(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Full resync queued.")
		return nil
	},
}

var remoteDeletedCmd = &cobra.Command{
	Use:       "remote-deleted droplet|cell ID",
	Short:     "Apply a deletion made on the server to the local copy",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{melissi.KindDroplet, melissi.KindCell},
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[1], err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.RemoteDeleted(cmd.Context(), args[0], id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued local removal of %s %d\n", args[0], id)
		return nil
	},
}

// recent command
var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recently synced files",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("Recent", "")
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.Recent(limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing synced yet.")
			return nil
		}
		renderRecent(cmd.OutOrStdout(), recs)
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View the sync audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		sinceText, _ := cmd.Flags().GetString("since")

		var since time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				return err
			}
			since = t
		}

		a, err := newApp("Log", "")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Log(since, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No log entries.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-16s  %s\n",
				e.Timestamp.Local().Format("2006-01-02 15:04:05"),
				e.Action,
				e.Message,
			)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View session history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History", "")
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
			return nil
		}

		for _, s := range sessions {
			duration := ""
			if s.FinishedAt.Valid {
				d := s.FinishedAt.Time.Sub(s.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "#%d  %-15s  %s  %-10s  %s\n",
				s.ID,
				s.Operation,
				s.StartedAt.Local().Format("2006-01-02 15:04:05"),
				s.Status,
				duration,
			)
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("url", "", "Server base URL")
	configInitCmd.Flags().String("username", "", "Account name")
	configInitCmd.Flags().String("owner", "", "Name shown in notifications (defaults to the account name)")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configSchemaCmd)

	// watch subcommands
	watchCmd.AddCommand(watchAddCmd)
	watchAddCmd.Flags().Int64("cell", 0, "Server cell to sync into (0 is the top level)")
	watchCmd.AddCommand(watchListCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(remoteDeletedCmd)
	rootCmd.AddCommand(recentCmd)
	recentCmd.Flags().IntP("limit", "n", 10, "Maximum number of files to show")
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().String("since", "", `Only entries after this time, e.g. "2 hours ago" or "yesterday"`)
	logCmd.Flags().IntP("limit", "n", 30, "Maximum number of entries to show")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of sessions to show")
}
