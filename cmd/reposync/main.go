package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schaermu/reposync/internal/activation"
	"github.com/schaermu/reposync/internal/config"
	"github.com/schaermu/reposync/internal/credential"
	"github.com/schaermu/reposync/internal/git"
	"github.com/schaermu/reposync/internal/logging"
	"github.com/schaermu/reposync/internal/prompt"
	"github.com/schaermu/reposync/internal/registry"
	"github.com/schaermu/reposync/internal/remote"
	"github.com/schaermu/reposync/internal/server"
	"github.com/schaermu/reposync/internal/state"
	"github.com/schaermu/reposync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags, read through v so REPOSYNC_* variables can set them too
	v = viper.New()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reposync",
	Short: "Snapshot tracked Git repositories to a backup remote",
	Long: `reposync keeps a list of local Git repositories and, on every sync, commits
the complete working tree of each one onto a dedicated sync branch and pushes
that branch to a single backup remote.

The checked-out branch, the index of record and the working tree are never
touched beyond staging. The remote URL is asked for once and cached.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var trackCmd = &cobra.Command{
	Use:   "track [path]",
	Short: "Add a repository to the registry",
	Long: `Track registers a directory (default: the current working directory) so that
subsequent syncs include it. The path is stored in absolute form and must exist.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrack,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Snapshot and push every tracked repository",
	Long: `Sync stages the working tree of every tracked repository, commits it onto the
sync branch and pushes that branch to the backup remote. Repositories are
processed in parallel; the first failure is reported and stops further
repositories from being started.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last sync outcome of every tracked repository",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sync periodically and on authenticated HTTP requests",
	Long: `Serve performs an initial sync and then keeps running. It syncs every
serve.interval and, when serve.secret_file is set, accepts signed POST /sync
requests on serve.listen_addr or on a socket passed by systemd.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "reposync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.BoolP("init", "i", false, "ask for the remote URL even if one is cached")
	flags.String("config", "", "config file (default is $XDG_CONFIG_HOME/reposync/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("log-file", "", "also write logs to this file, rotated by size")

	v.SetEnvPrefix("REPOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	// Add commands
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	path := "."
	if len(args) == 1 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	reg, err := registry.Open(cfg.Paths.StateDir, cfg.Paths.RegistryFile, logger)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	if err := reg.Insert(abs); err != nil {
		return err
	}

	count, err := reg.Len()
	if err != nil {
		return err
	}
	logger.Info("repository tracked", "path", abs, "registry", reg.Path(), "count", count)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	remoteURL, err := resolveRemote(cfg, logger)
	if err != nil {
		return err
	}

	if err := syncAll(ctx, cfg, remoteURL, logger); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	logger.Debug("reading registry", "file", cfg.RegistryPath())
	reg, err := registry.Open(cfg.Paths.StateDir, cfg.Paths.RegistryFile, logger)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	paths, err := reg.Paths()
	if err != nil {
		return err
	}

	history, err := state.Open(cfg.Paths.HistoryDB)
	if err != nil {
		return err
	}
	defer func() { _ = history.Close() }()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATH\tLAST SYNC\tCOMMIT\tRESULT")

	tracked := make(map[string]bool, len(paths))
	for _, path := range paths {
		tracked[path] = true
		outcome, ok, err := history.Get(path)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, statusRow(path, outcome, ok))
	}

	// history of repositories that are no longer in the registry
	outcomes, err := history.List()
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if !tracked[o.Path] {
			_, _ = fmt.Fprintln(w, statusRow(o.Path, o, true)+" (untracked)")
		}
	}
	return w.Flush()
}

// statusRow formats one line of the status table.
func statusRow(path string, o state.Outcome, seen bool) string {
	if !seen {
		return path + "\tnever\t-\t-"
	}

	commit := o.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" {
		commit = "-"
	}

	result := "ok"
	if !o.OK() {
		result = o.Kind + ": " + o.Error
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", path, o.Time.Local().Format(time.DateTime), commit, result)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if cfg.Serve.SecretFile == "" && cfg.Serve.Interval == 0 {
		return errors.New("serve needs serve.interval or serve.secret_file to be set")
	}

	remoteURL, err := resolveRemote(cfg, logger)
	if err != nil {
		return err
	}

	opts := server.Options{Interval: cfg.Serve.Interval}
	var ln net.Listener
	if cfg.Serve.SecretFile != "" {
		opts.Secret, err = server.LoadSecret(cfg.Serve.SecretFile)
		if err != nil {
			return err
		}

		var activated bool
		ln, activated, err = activation.Listen(cfg.Serve.ListenAddr)
		if err != nil {
			return err
		}
		logger.Info("listener ready", "addr", ln.Addr().String(), "socket_activated", activated)
	}

	runner := server.RunnerFunc(func(ctx context.Context) error {
		return syncAll(ctx, cfg, remoteURL, logger)
	})
	return server.New(runner, opts, logger).Serve(ctx, ln)
}

// syncAll opens the registry and the history store for the duration of one
// engine run, so that track can be used between runs of a long-lived serve.
func syncAll(ctx context.Context, cfg *config.Config, remoteURL string, logger *slog.Logger) error {
	creds, err := newCredentials(cfg)
	if err != nil {
		return err
	}

	reg, err := registry.Open(cfg.Paths.StateDir, cfg.Paths.RegistryFile, logger)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	history, err := state.Open(cfg.Paths.HistoryDB)
	if err != nil {
		return err
	}
	defer func() { _ = history.Close() }()

	syncer := git.NewSyncer(git.Options{
		RemoteName:  cfg.Sync.Remote,
		Ref:         cfg.SyncRef(),
		Message:     cfg.Sync.Message,
		Credentials: creds,
	}, logger)

	engine := sync.NewEngine(reg, syncer, history, cfg.Workers(), logger)
	return engine.Run(ctx, remoteURL)
}

// newCredentials builds the SSH credential provider. A configured known_hosts
// file replaces go-git's default host key lookup.
func newCredentials(cfg *config.Config) (*credential.Provider, error) {
	creds := credential.NewProvider(cfg.Auth.SSHKeyFile)
	if cfg.Auth.KnownHostsFile == "" {
		return creds, nil
	}

	cb, err := credential.KnownHosts(cfg.Auth.KnownHostsFile)
	if err != nil {
		return nil, err
	}
	return creds.WithHostKeyCallback(cb), nil
}

// resolveRemote returns the cached remote URL, asking for it when nothing is
// cached or --init was given.
func resolveRemote(cfg *config.Config, logger *slog.Logger) (string, error) {
	store := remote.NewStore(cfg.RemotePath(), logger)
	return store.Resolve(v.GetBool("init"), func() (string, error) {
		return prompt.Ask("Remote URL", "git@example.com:you/backup.git")
	})
}

// setup loads the configuration and builds the logger from it. The closer
// releases the log file.
func setup() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	logger.Debug("configuration loaded",
		"path", path,
		"state_dir", cfg.Paths.StateDir,
		"history_db", cfg.Paths.HistoryDB,
		"ref", cfg.SyncRef().String(),
		"workers", cfg.Workers())

	return cfg, logger, closer, nil
}

func setupLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	file := v.GetString("log-file")
	if file == "" {
		file = cfg.Log.File
	}

	return logging.New(logging.Options{
		Level:      v.GetString("log-level"),
		Format:     v.GetString("log-format"),
		File:       file,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
}

// loadConfig reads --config when given. Without it the default location is
// used and may be absent.
func loadConfig() (*config.Config, string, error) {
	if path := v.GetString("config"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	path := config.DefaultPath()
	cfg, err := config.LoadOrDefault(path)
	return cfg, path, err
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
