package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"todosync/provider"
	_ "todosync/provider/todoist"

	"todosync/internal/cache"
	"todosync/internal/cli/prompt"
	"todosync/internal/config"
	"todosync/internal/daemon"
	"todosync/internal/history"
	"todosync/internal/mapper"
	"todosync/internal/notification"
	"todosync/internal/render"
	"todosync/internal/store"
	"todosync/internal/syncer"
	"todosync/internal/tui"
	"todosync/internal/utils"
	"todosync/internal/vault"
	"todosync/internal/watcher"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// ProviderName is the remote provider this binary manages.
const ProviderName = "todoist"

// Config holds CLI-level settings and test injection points.
type Config struct {
	NoPrompt bool
	Verbose  bool
	User     string // overrides the configured user

	ConfigPath  string // config file path (for testing)
	DBPath      string // database path override (for testing)
	CacheDir    string // metadata cache directory override (for testing)
	HistoryPath string // history database path override (for testing)

	Keyring vault.Keyring // vault key source, nil = OS keyring
	Input   io.Reader     // interactive input override, nil = stdin

	DaemonPIDPath    string // daemon pid file override (for testing)
	DaemonSocketPath string // daemon control socket override (for testing)
	DaemonLogPath    string // daemon log path override (for testing)
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewTodoSync(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		// Check if --json flag was passed to output error as JSON
		if containsJSONFlag(args) {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			// Emit ERROR result code in no-prompt mode
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewTodoSync creates the root command with injectable IO
func NewTodoSync(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:   "todosync",
		Short: "Sync local tasks with Todoist",
		Long: "todosync links a local task database to a Todoist account. It stores the\n" +
			"API token encrypted at rest, maps lists and labels to their remote\n" +
			"counterparts, runs sync passes in both directions, and records conflicts\n" +
			"for edits that diverged on both sides.",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add global flags
	cmd.PersistentFlags().StringP("user", "u", "", "User id (defaults to the configured user)")
	cmd.PersistentFlags().String("config", "", "Path to the config file")
	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(newConnectCmd(stdout, cfg))
	cmd.AddCommand(newDisconnectCmd(stdout, cfg))
	cmd.AddCommand(newRotateCmd(stdout, cfg))
	cmd.AddCommand(newSyncCmd(stdout, cfg))
	cmd.AddCommand(newStatusCmd(stdout, cfg))
	cmd.AddCommand(newMappingsCmd(stdout, cfg))
	cmd.AddCommand(newConflictsCmd(stdout, cfg))
	cmd.AddCommand(newHistoryCmd(stdout, cfg))
	cmd.AddCommand(newKeysCmd(stdout, cfg))
	cmd.AddCommand(newDaemonCmd(stdout, cfg))

	return cmd
}

// app bundles the resources one invocation opens: the parsed config, the
// local store, the lazily built credential manager, and the history tracker.
type app struct {
	cli     *Config
	cfg     *config.Config
	store   *store.Store
	vault   *vault.Vault
	creds   *vault.Manager
	history *history.Tracker

	userID     string
	configPath string
	dbPath     string
}

// openApp loads config and opens the store. The credential vault is built on
// first use so commands like 'keys generate' work even when the current key
// material cannot be loaded.
func openApp(cmd *cobra.Command, cli *Config) (*app, error) {
	if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); noPrompt {
		cli.NoPrompt = true
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose || cli.Verbose {
		utils.SetVerboseMode(true)
	}

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = cli.ConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyFlags(cli.NoPrompt, "")

	dbPath := cli.DBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	st, err := store.New(dbPath)
	if err != nil {
		return nil, err
	}

	a := &app{cli: cli, cfg: cfg, store: st, configPath: configPath, dbPath: dbPath}

	a.userID = cli.User
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		a.userID = u
	}
	if a.userID == "" {
		a.userID = cfg.GetUser()
	}

	historyPath := cli.HistoryPath
	if historyPath == "" {
		historyPath = filepath.Join(filepath.Dir(dbPath), "history.db")
	}
	tracker, err := history.NewTracker(historyPath, history.IsEnabledFromEnv(cfg.IsHistoryEnabled()))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.history = tracker

	return a, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	if a.history != nil {
		_ = a.history.Close()
	}
	_ = a.store.Close()
}

func (a *app) keyring() vault.Keyring {
	if a.cli.Keyring != nil {
		return a.cli.Keyring
	}
	return vault.SystemKeyring()
}

// credentials builds the credential manager on first use.
func (a *app) credentials() (*vault.Manager, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	if len(a.cfg.Vault.Keys) == 0 {
		return nil, utils.ErrNoVaultKeys()
	}

	keys, err := vault.LoadKeys(a.cfg.Vault.Keys, a.keyring())
	if err != nil {
		return nil, err
	}
	v, err := vault.New(keys, a.cfg.Vault.ActiveKey)
	if err != nil {
		return nil, err
	}

	a.vault = v
	a.creds = vault.NewManager(v, a.store)
	return a.creds, nil
}

func (a *app) openProvider(token string) (provider.Provider, error) {
	return provider.Open(ProviderName, provider.Config{
		Token:      token,
		BaseURL:    a.cfg.Providers.Todoist.BaseURL,
		MaxRetries: a.cfg.GetTodoistMaxRetries(),
		Timeout:    a.cfg.GetTodoistTimeout(),
	})
}

func (a *app) engine() (*syncer.Engine, error) {
	return a.engineStale(a.cfg.GetStaleLockTimeout())
}

// engineStale builds a sync engine with an explicit stale-lock cutoff. The
// --force path shrinks the cutoff to take over a wedged lock immediately.
func (a *app) engineStale(staleAfter time.Duration) (*syncer.Engine, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	if !a.cfg.Providers.Todoist.Enabled {
		return nil, utils.WrapWithSuggestion(
			fmt.Errorf("todoist provider is disabled"),
			"Set providers.todoist.enabled: true in the config file",
		)
	}

	return syncer.New(syncer.Config{
		Store:        a.store,
		Credentials:  creds,
		ProviderName: ProviderName,
		OpenProvider: a.openProvider,
		StaleAfter:   staleAfter,
		PageLimit:    a.cfg.GetPageLimit(),
		History:      a.history,
	}), nil
}

func (a *app) metaCache() *cache.Cache {
	dir := a.cli.CacheDir
	if dir == "" {
		dir = config.GetCacheDir()
	}
	return cache.New(dir, a.cfg.GetCacheTTLDuration())
}

// fetchMetadata returns the remote project and label catalogs, reading
// through the snapshot cache unless refresh forces a crawl.
func (a *app) fetchMetadata(ctx context.Context, refresh bool) (*cache.Metadata, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}

	return a.metaCache().GetOrFetch(a.userID, ProviderName, refresh, func() ([]provider.Project, []provider.Label, error) {
		tokens, err := creds.Tokens(ctx, a.userID, ProviderName)
		if err != nil {
			return nil, nil, err
		}
		client, err := a.openProvider(tokens.Access)
		if err != nil {
			return nil, nil, err
		}
		defer func() { _ = client.Close() }()

		projects, err := provider.Collect(ctx, a.cfg.GetPageLimit(), client.GetProjects)
		if err != nil {
			return nil, nil, err
		}
		labels, err := provider.Collect(ctx, a.cfg.GetPageLimit(), client.GetLabels)
		if err != nil {
			return nil, nil, err
		}
		return projects, labels, nil
	})
}

func (a *app) daemonPaths() (pidPath, socketPath string) {
	pidPath = a.cli.DaemonPIDPath
	if pidPath == "" {
		pidPath = daemon.GetPIDPath()
	}
	socketPath = a.cli.DaemonSocketPath
	if socketPath == "" {
		socketPath = daemon.GetSocketPath()
	}
	return pidPath, socketPath
}

// daemonConfig assembles the daemon wiring from the app config: users with a
// stored credential, the sync pass, the watcher, and notification channels.
func (a *app) daemonConfig(ctx context.Context) (*daemon.Config, error) {
	eng, err := a.engine()
	if err != nil {
		return nil, err
	}

	users, err := a.store.ConnectedUsers(ctx, ProviderName)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		utils.Warnf("no connected users; the daemon will idle until one connects")
	}

	pidPath, socketPath := a.daemonPaths()

	logPath := a.cli.DaemonLogPath
	if logPath == "" && a.cfg.IsBackgroundLoggingEnabled() {
		logPath = filepath.Join(config.GetDataDir(), "daemon.log")
	}

	dcfg := &daemon.Config{
		PIDPath:     pidPath,
		SocketPath:  socketPath,
		LogPath:     logPath,
		Users:       users,
		Interval:    time.Duration(a.cfg.GetDaemonInterval()) * time.Second,
		IdleTimeout: time.Duration(a.cfg.GetDaemonIdleTimeout()) * time.Second,
		RunPass:     eng.RunTriggered,
		ConfigPath:  a.configPath,
	}

	if a.cfg.IsFileWatcherEnabled() {
		dcfg.WatchPaths = watcher.DatabasePaths(a.dbPath)
		dcfg.Debounce = time.Duration(a.cfg.GetDaemonDebounceMs()) * time.Millisecond
		if a.cfg.IsSmartTimingEnabled() {
			dcfg.QuietPeriod = watcher.DefaultQuietPeriod
		}
	}

	dc := a.cfg.Sync.Daemon
	if dc.OSNotification || dc.LogNotification {
		notifier, err := notification.NewManager(&notification.Config{
			Enabled: true,
			OS: notification.OSConfig{
				Enabled:     dc.OSNotification,
				OnSyncError: true,
				OnConflict:  true,
			},
			Log: notification.LogConfig{
				Enabled:   dc.LogNotification,
				Path:      filepath.Join(config.GetDataDir(), "notifications.log"),
				MaxSizeMB: 5,
			},
		})
		if err != nil {
			return nil, err
		}
		dcfg.Notifier = notifier
	}

	return dcfg, nil
}

// maybeStartDaemon forks the background daemon after a successful manual
// pass when the config enables it and none is running yet.
func (a *app) maybeStartDaemon(ctx context.Context, stdout io.Writer, quiet bool) {
	if !a.cfg.IsDaemonEnabled() {
		return
	}
	pidPath, socketPath := a.daemonPaths()
	if daemon.IsRunning(pidPath, socketPath) {
		return
	}

	dcfg, err := a.daemonConfig(ctx)
	if err != nil {
		utils.Warnf("could not configure background daemon: %v", err)
		return
	}
	if err := daemon.Fork(dcfg); err != nil {
		utils.Warnf("could not start background daemon: %v", err)
		return
	}
	if !quiet {
		_, _ = fmt.Fprintln(stdout, "Background sync daemon started")
	}
}

// newConnectCmd creates the 'connect' subcommand
func newConnectCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Link a Todoist account",
		Long: "Store a Todoist API token for the user, encrypted under the active vault\n" +
			"key. The token is read from the TODOSYNC_TOKEN environment variable, or\n" +
			"prompted for when running interactively. The token is verified against\n" +
			"the API before it is stored.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doConnect(context.Background(), a, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doConnect verifies a token against the API and stores it encrypted
func doConnect(ctx context.Context, a *app, stdout io.Writer, jsonOutput bool) error {
	creds, err := a.credentials()
	if err != nil {
		return err
	}

	token, err := readToken(a.cli, stdout)
	if err != nil {
		return err
	}

	// Probe the API before storing anything so a mistyped token fails here,
	// not on the first sync pass.
	client, err := a.openProvider(token)
	if err != nil {
		return err
	}
	_, probeErr := client.GetProjects(ctx, "", 1)
	_ = client.Close()
	if probeErr != nil {
		if errors.Is(probeErr, provider.ErrUnauthorized) {
			return utils.ErrAuthenticationFailed(ProviderName)
		}
		return probeErr
	}

	if err := creds.Connect(ctx, a.userID, ProviderName, token, ""); err != nil {
		return err
	}

	if jsonOutput {
		return render.JSON(stdout, map[string]string{
			"user":     a.userID,
			"provider": ProviderName,
			"result":   ResultActionCompleted,
		})
	}

	_, _ = fmt.Fprintf(stdout, "Connected user %s to %s\n", a.userID, ProviderName)
	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

/// readToken obtains the API token: environment first, then a hidden terminal
// prompt, then a line from the configured input.
func readToken(cli *Config, stdout io.Writer) (string, error) {
	if token := strings.TrimSpace(os.Getenv("TODOSYNC_TOKEN")); token != "" {
		return token, nil
	}

	in := cli.Input
	if in == nil {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			_, _ = fmt.Fprint(stdout, "Todoist API token: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			_, _ = fmt.Fprintln(stdout)
			if err != nil {
				return "", fmt.Errorf("read token: %w", err)
			}
			if token := strings.TrimSpace(string(raw)); token != "" {
				return token, nil
			}
			return "", errNoToken()
		}
		in = os.Stdin
	}

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return "", errNoToken()
	}
	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return "", errNoToken()
	}
	return token, nil
}

func errNoToken() error {
	return utils.WrapWithSuggestion(
		fmt.Errorf("no API token provided"),
		"Set TODOSYNC_TOKEN or paste the token at the prompt; it lives under Todoist Settings > Integrations > Developer",
	)
}

// newDisconnectCmd creates the 'disconnect' subcommand
func newDisconnectCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Remove the stored Todoist credential",
		Long: "Delete the stored credential and all sync state for the user: entity\n" +
			"mappings, sync cursors, and recorded conflicts go with it. Local tasks\n" +
			"and lists are untouched.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doDisconnect(context.Background(), a, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doDisconnect removes the integration. It goes straight to the store so it
// still works when the vault keys are unavailable, which is exactly when a
// user most wants to disconnect.
func doDisconnect(ctx context.Context, a *app, stdout io.Writer, jsonOutput bool) error {
	cred, err := a.store.GetCredential(ctx, a.userID, ProviderName)
	if err != nil {
		return err
	}
	if cred == nil {
		return utils.ErrNotConnected(ProviderName, a.userID)
	}

	if err := a.store.DeleteIntegration(ctx, a.userID, ProviderName); err != nil {
		return err
	}
	_ = a.metaCache().Invalidate(a.userID, ProviderName)

	if jsonOutput {
		return render.JSON(stdout, map[string]string{
			"user":     a.userID,
			"provider": ProviderName,
			"result":   ResultActionCompleted,
		})
	}

	_, _ = fmt.Fprintf(stdout, "Disconnected user %s from %s\n", a.userID, ProviderName)
	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

// newRotateCmd creates the 'rotate' subcommand
func newRotateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt the stored credential under the active key",
		Long: "Decrypt the stored credential with whichever key sealed it and re-encrypt\n" +
			"it under the active vault key. Run this after 'keys generate' so old keys\n" +
			"can be retired from the config.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doRotate(context.Background(), a, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doRotate re-seals the credential under the active key
func doRotate(ctx context.Context, a *app, stdout io.Writer, jsonOutput bool) error {
	creds, err := a.credentials()
	if err != nil {
		return err
	}
	if err := creds.Rotate(ctx, a.userID, ProviderName); err != nil {
		return err
	}

	active := a.vault.ActiveKeyID()
	if jsonOutput {
		return render.JSON(stdout, map[string]string{
			"user":   a.userID,
			"keyId":  active,
			"result": ResultActionCompleted,
		})
	}

	_, _ = fmt.Fprintf(stdout, "Credential for user %s sealed under key %s\n", a.userID, active)
	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

// syncResponse is the JSON shape of a sync pass outcome.
type syncResponse struct {
	User          string `json:"user"`
	Provider      string `json:"provider"`
	Pushed        int    `json:"pushed"`
	Pulled        int    `json:"pulled"`
	CreatedRemote int    `json:"createdRemote"`
	CreatedLocal  int    `json:"createdLocal"`
	ListsCreated  int    `json:"listsCreated"`
	Conflicts     int    `json:"conflicts"`
	Skipped       int    `json:"skipped"`
	DurationMs    int64  `json:"durationMs"`
	Result        string `json:"result"`
}

// newSyncCmd creates the 'sync' subcommand
func newSyncCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Long: "Run a full sync pass for the user: push local changes, pull remote ones,\n" +
			"create placeholder lists for unmapped remote projects, and record a\n" +
			"conflict wherever both sides changed the same task.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			force, _ := cmd.Flags().GetBool("force")
			return doSync(context.Background(), a, force, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("force", false, "Take over a stuck sync lock immediately instead of waiting out the stale timeout")
	return cmd
}

// doSync runs one pass and reports the counters
func doSync(ctx context.Context, a *app, force bool, stdout io.Writer, jsonOutput bool) error {
	staleAfter := a.cfg.GetStaleLockTimeout()
	if force {
		staleAfter = time.Nanosecond
	}
	eng, err := a.engineStale(staleAfter)
	if err != nil {
		return err
	}

	res, err := eng.Run(ctx, a.userID)
	if err != nil {
		return err
	}

	// The remote catalogs may have changed under the snapshot.
	_ = a.metaCache().Invalidate(a.userID, ProviderName)

	a.maybeStartDaemon(ctx, stdout, jsonOutput)

	if jsonOutput {
		result := ResultInfoOnly
		if res.Changed() {
			result = ResultActionCompleted
		}
		return render.JSON(stdout, syncResponse{
			User:          a.userID,
			Provider:      ProviderName,
			Pushed:        res.Pushed,
			Pulled:        res.Pulled,
			CreatedRemote: res.CreatedRemote,
			CreatedLocal:  res.CreatedLocal,
			ListsCreated:  res.ListsCreated,
			Conflicts:     res.Conflicts,
			Skipped:       res.Skipped,
			DurationMs:    res.Duration.Milliseconds(),
			Result:        result,
		})
	}

	if !res.Changed() {
		_, _ = fmt.Fprintf(stdout, "Already in sync (%s)\n", res.Summary())
		if a.cli.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	_, _ = fmt.Fprintf(stdout, "Sync complete in %s: %s\n", res.Duration.Round(time.Millisecond), res.Summary())
	if res.Conflicts > 0 {
		_, _ = fmt.Fprintf(stdout, "Run 'todosync conflicts list' to review %d new conflicts\n", res.Conflicts)
	}
	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

// statusResponse is the JSON shape of the integration status.
type statusResponse struct {
	User             string `json:"user"`
	Provider         string `json:"provider"`
	Connected        bool   `json:"connected"`
	KeyID            string `json:"keyId,omitempty"`
	SyncStatus       string `json:"syncStatus,omitempty"`
	LastSyncedAt     string `json:"lastSyncedAt,omitempty"`
	LastError        string `json:"lastError,omitempty"`
	PendingConflicts int    `json:"pendingConflicts"`
	DaemonRunning    bool   `json:"daemonRunning"`
	Result           string `json:"result"`
}

// newStatusCmd creates the 'status' subcommand
func newStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the integration status",
		Long:  "Show whether the user is connected, the sync state machine, pending conflicts, the last recorded pass, and the daemon.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doStatus(context.Background(), a, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doStatus reads status directly from the store so it works without vault keys
func doStatus(ctx context.Context, a *app, stdout io.Writer, jsonOutput bool) error {
	cred, err := a.store.GetCredential(ctx, a.userID, ProviderName)
	if err != nil {
		return err
	}
	state, err := a.store.GetSyncState(ctx, a.userID, ProviderName)
	if err != nil {
		return err
	}
	conflicts, err := a.store.ListConflicts(ctx, a.userID, ProviderName, false)
	if err != nil {
		return err
	}
	recent, err := a.history.ListRecent(a.userID, 1)
	if err != nil {
		return err
	}

	pidPath, socketPath := a.daemonPaths()
	daemonRunning := daemon.IsRunning(pidPath, socketPath)

	if jsonOutput {
		resp := statusResponse{
			User:             a.userID,
			Provider:         ProviderName,
			Connected:        cred != nil,
			PendingConflicts: len(conflicts),
			DaemonRunning:    daemonRunning,
			Result:           ResultInfoOnly,
		}
		if cred != nil {
			resp.KeyID = cred.KeyID
		}
		if state != nil {
			resp.SyncStatus = string(state.Status)
			resp.LastError = state.LastError
			if state.LastSyncedAt != nil {
				resp.LastSyncedAt = state.LastSyncedAt.UTC().Format(time.RFC3339)
			}
		}
		return render.JSON(stdout, resp)
	}

	pairs := [][2]string{
		{"User", a.userID},
		{"Provider", ProviderName},
	}
	if cred == nil {
		pairs = append(pairs, [2]string{"Connected", "no"})
	} else {
		pairs = append(pairs, [2]string{"Connected", fmt.Sprintf("yes (key %s)", cred.KeyID)})
	}
	if state == nil {
		pairs = append(pairs, [2]string{"Sync state", "never synced"})
	} else {
		pairs = append(pairs, [2]string{"Sync state", string(state.Status)})
		if state.LastSyncedAt != nil {
			pairs = append(pairs, [2]string{"Last synced", fmt.Sprintf("%s (%s)", render.Timestamp(*state.LastSyncedAt), render.Ago(*state.LastSyncedAt))})
		}
		if state.LastError != "" {
			pairs = append(pairs, [2]string{"Last error", state.LastError})
		}
	}
	pairs = append(pairs, [2]string{"Pending conflicts", strconv.Itoa(len(conflicts))})
	if len(recent) > 0 {
		r := recent[0]
		outcome := "ok"
		if !r.Success {
			outcome = r.ErrorType
		}
		pairs = append(pairs, [2]string{"Last pass", fmt.Sprintf("%s via %s, %s, pushed %d / pulled %d",
			render.Ago(time.Unix(r.Timestamp, 0)), r.Trigger, outcome, r.Pushed, r.Pulled)})
	}
	daemonState := "not running"
	if daemonRunning {
		daemonState = "running"
	}
	pairs = append(pairs, [2]string{"Daemon", daemonState})

	render.KeyValues(stdout, pairs)
	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// newMappingsCmd creates the 'mappings' subcommand for entity mappings
func newMappingsCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	mappingsCmd := &cobra.Command{
		Use:   "mappings",
		Short: "Manage entity mappings",
		Long:  "Inspect and edit the links between local lists and labels and their remote counterparts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	mappingsCmd.AddCommand(newMappingsListCmd(stdout, cfg))
	mappingsCmd.AddCommand(newMappingsSetCmd(stdout, cfg))
	mappingsCmd.AddCommand(newMappingsNewListCmd(stdout, cfg))

	return mappingsCmd
}

// newMappingsListCmd creates the 'mappings list' subcommand
func newMappingsListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show remote entities and their mappings",
		Long: "List the provider's projects and labels together with what each is mapped\n" +
			"to locally. Reads a cached snapshot of the remote catalogs when fresh.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			refresh, _ := cmd.Flags().GetBool("refresh")
			return doMappingsList(context.Background(), a, refresh, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("refresh", false, "Bypass the metadata cache and refetch from the API")
	return cmd
}

// doMappingsList renders the mapping-management payload
func doMappingsList(ctx context.Context, a *app, refresh bool, stdout io.Writer, jsonOutput bool) error {
	md, err := a.fetchMetadata(ctx, refresh)
	if err != nil {
		return err
	}

	m := mapper.New(a.store, ProviderName)
	data, err := m.MappingData(ctx, a.userID, md.Projects, md.Labels)
	if err != nil {
		return err
	}

	if jsonOutput {
		return render.JSON(stdout, data)
	}

	listNames := make(map[string]string, len(data.LocalLists))
	for _, l := range data.LocalLists {
		listNames[l.ID] = l.Name
	}
	labelNames := make(map[string]string, len(data.LocalLabels))
	for _, l := range data.LocalLabels {
		labelNames[l.ID] = l.Name
	}

	_, _ = fmt.Fprintf(stdout, "Remote snapshot fetched %s\n\n", render.Ago(md.FetchedAt))

	_, _ = fmt.Fprintln(stdout, "Projects:")
	pt := render.NewTable(stdout, "NAME", "ID", "LOCAL LIST")
	for _, p := range data.RemoteProjects {
		pt.Row(p.Name, p.ID, mappingTarget(data.ListMappings, p.ID, listNames))
	}
	pt.Flush()

	_, _ = fmt.Fprintln(stdout, "\nLabels:")
	lt := render.NewTable(stdout, "NAME", "ID", "LOCAL LABEL", "LOCAL LIST")
	for _, l := range data.RemoteLabels {
		lt.Row(l.Name, l.ID,
			mappingTarget(data.LabelMappings, l.ID, labelNames),
			mappingTarget(data.ListLabelMappings, l.ID, listNames))
	}
	lt.Flush()

	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// mappingTarget renders what an external id is mapped to: a local name, an
// explicit ignore marker, or unmapped when no row exists.
func mappingTarget(entries []mapper.Entry, externalID string, names map[string]string) string {
	for _, e := range entries {
		if e.ExternalID != externalID {
			continue
		}
		if e.LocalID == nil {
			return "(ignored)"
		}
		if name, ok := names[*e.LocalID]; ok {
			return name
		}
		return *e.LocalID
	}
	return "(unmapped)"
}

// newMappingsSetCmd creates the 'mappings set' subcommand
func newMappingsSetCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "set <type> [external-id=local-id ...]",
		Short: "Replace the mapping set for an entity type",
		Long: "Replace the full mapping set for an entity type (list, list-label, label,\n" +
			"task). Each pair links a remote id to a local id; 'external-id=none' keeps\n" +
			"the remote entity explicitly unsynced. Pairs not listed are removed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doMappingsSet(context.Background(), a, args, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doMappingsSet validates and applies a full-replace mapping update
func doMappingsSet(ctx context.Context, a *app, args []string, stdout io.Writer, jsonOutput bool) error {
	entityType, err := parseEntityType(args[0])
	if err != nil {
		return err
	}
	entries, err := parseMappingArgs(args[1:])
	if err != nil {
		return err
	}

	m := mapper.New(a.store, ProviderName)
	if err := m.SetMappings(ctx, a.userID, entityType, entries); err != nil {
		return err
	}

	ignored := 0
	for _, e := range entries {
		if e.LocalID == nil {
			ignored++
		}
	}

	if jsonOutput {
		return render.JSON(stdout, map[string]interface{}{
			"entityType": string(entityType),
			"count":      len(entries),
			"ignored":    ignored,
			"result":     ResultActionCompleted,
		})
	}

	_, _ = fmt.Fprintf(stdout, "Replaced %s mappings: %d entries (%d ignored)\n", entityType, len(entries), ignored)
	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

// parseEntityType maps a CLI argument to an entity type, accepting plurals
func parseEntityType(s string) (store.EntityType, error) {
	switch strings.TrimSuffix(strings.ToLower(s), "s") {
	case "list":
		return store.EntityList, nil
	case "list-label":
		return store.EntityListLabel, nil
	case "label":
		return store.EntityLabel, nil
	case "task":
		return store.EntityTask, nil
	default:
		return "", utils.Validationf("unknown entity type %q (valid: list, list-label, label, task)", s)
	}
}

// parseMappingArgs parses external-id=local-id pairs
func parseMappingArgs(args []string) ([]mapper.Entry, error) {
	entries := make([]mapper.Entry, 0, len(args))
	for _, arg := range args {
		external, local, ok := strings.Cut(arg, "=")
		if !ok || external == "" {
			return nil, utils.Validationf("mapping %q must look like external-id=local-id or external-id=none", arg)
		}

		entry := mapper.Entry{ExternalID: external}
		switch local {
		case "none":
			// explicitly unsynced
		case "":
			return nil, utils.Validationf("mapping %q has no local id; use %s=none to keep the remote entity unsynced", arg, external)
		default:
			id := local
			entry.LocalID = &id
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// newMappingsNewListCmd creates the 'mappings new-list' subcommand
func newMappingsNewListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new-list <name>",
		Short: "Create a local list to receive a remote project",
		Long: "Create a local list with a slug derived from the name, placed at the end\n" +
			"of the user's ordering. With --project the new list is immediately linked\n" +
			"to that remote project.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			projectID, _ := cmd.Flags().GetString("project")
			return doMappingsNewList(context.Background(), a, args[0], projectID, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("project", "", "Remote project id to link the new list to")
	return cmd
}

// doMappingsNewList creates the list and optionally links a remote project
func doMappingsNewList(ctx context.Context, a *app, name, projectID string, stdout io.Writer, jsonOutput bool) error {
	m := mapper.New(a.store, ProviderName)
	list, err := m.CreateMappingList(ctx, a.userID, name)
	if err != nil {
		return err
	}

	if projectID != "" {
		existing, err := a.store.GetMappings(ctx, a.userID, ProviderName, store.EntityList)
		if err != nil {
			return err
		}
		entries := make([]mapper.Entry, 0, len(existing)+1)
		for _, mp := range existing {
			if mp.ExternalID == projectID {
				continue // relink wins over the previous target
			}
			entries = append(entries, mapper.Entry{ExternalID: mp.ExternalID, LocalID: mp.LocalID})
		}
		entries = append(entries, mapper.Entry{ExternalID: projectID, LocalID: &list.ID})
		if err := m.SetMappings(ctx, a.userID, store.EntityList, entries); err != nil {
			return err
		}
	}

	if jsonOutput {
		resp := map[string]string{
			"id":     list.ID,
			"name":   list.Name,
			"slug":   list.Slug,
			"result": ResultActionCompleted,
		}
		if projectID != "" {
			resp["project"] = projectID
		}
		return render.JSON(stdout, resp)
	}

	_, _ = fmt.Fprintf(stdout, "Created list %s (%s)\n", list.Name, list.Slug)
	if projectID != "" {
		_, _ = fmt.Fprintf(stdout, "Linked to remote project %s\n", projectID)
	}
	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

// newConflictsCmd creates the 'conflicts' subcommand
func newConflictsCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve sync conflicts",
		Long:  "List conflicts recorded when both sides changed the same task, and resolve them by keeping one side.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	conflictsCmd.AddCommand(newConflictsListCmd(stdout, cfg))
	conflictsCmd.AddCommand(newConflictsResolveCmd(stdout, cfg))

	return conflictsCmd
}

// conflictJSON is the JSON shape of one conflict.
type conflictJSON struct {
	ID         string `json:"id"`
	EntityType string `json:"entityType"`
	LocalID    string `json:"localId"`
	ExternalID string `json:"externalId"`
	LocalTitle string `json:"localTitle,omitempty"`
	Status     string `json:"status"`
	Resolution string `json:"resolution,omitempty"`
	Created    string `json:"created"`
}

// newConflictsListCmd creates the 'conflicts list' subcommand
func newConflictsListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync conflicts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			all, _ := cmd.Flags().GetBool("all")
			return doConflictsList(context.Background(), a, all, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("all", false, "Include resolved conflicts")
	return cmd
}

// doConflictsList renders conflicts with their local task titles
func doConflictsList(ctx context.Context, a *app, includeResolved bool, stdout io.Writer, jsonOutput bool) error {
	conflicts, err := a.store.ListConflicts(ctx, a.userID, ProviderName, includeResolved)
	if err != nil {
		return err
	}

	if jsonOutput {
		rows := make([]conflictJSON, 0, len(conflicts))
		for _, c := range conflicts {
			row := conflictJSON{
				ID:         c.ID,
				EntityType: string(c.EntityType),
				LocalID:    c.LocalID,
				ExternalID: c.ExternalID,
				Status:     string(c.Status),
				Resolution: string(c.Resolution),
				Created:    c.Created.UTC().Format(time.RFC3339),
			}
			if task, err := a.store.GetTask(ctx, a.userID, c.LocalID); err == nil && task != nil {
				row.LocalTitle = task.Title
			}
			rows = append(rows, row)
		}
		return render.JSON(stdout, rows)
	}

	if len(conflicts) == 0 {
		_, _ = fmt.Fprintln(stdout, "No pending conflicts")
		if a.cli.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	t := render.NewTable(stdout, "ID", "TASK", "STATUS", "DETECTED")
	for _, c := range conflicts {
		title := "(task deleted locally)"
		if task, err := a.store.GetTask(ctx, a.userID, c.LocalID); err == nil && task != nil {
			title = render.Truncate(task.Title, 40)
		}
		status := string(c.Status)
		if c.Status == store.ConflictResolved {
			status = fmt.Sprintf("resolved (%s)", c.Resolution)
		}
		t.Row(c.ID, title, status, render.Timestamp(c.Created))
	}
	t.Flush()

	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// newConflictsResolveCmd creates the 'conflicts resolve' subcommand
func newConflictsResolveCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [conflict-id]",
		Short: "Resolve conflicts by keeping one side",
		Long: "Resolve a conflict by id with --use local or --use remote, or run without\n" +
			"arguments to work through pending conflicts interactively.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			use, _ := cmd.Flags().GetString("use")
			conflictID := ""
			if len(args) > 0 {
				conflictID = args[0]
			}
			return doConflictsResolve(context.Background(), a, conflictID, use, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("use", "", "Side to keep: local or remote")
	return cmd
}

// doConflictsResolve settles conflicts directly or interactively
func doConflictsResolve(ctx context.Context, a *app, conflictID, use string, stdout io.Writer, jsonOutput bool) error {
	eng, err := a.engine()
	if err != nil {
		return err
	}

	if conflictID != "" || use != "" {
		if conflictID == "" {
			return utils.Validationf("a conflict id is required with --use")
		}
		if use == "" {
			return utils.WrapWithSuggestion(
				utils.Validationf("--use local or --use remote is required with a conflict id"),
				"Or run 'todosync conflicts resolve' without arguments for the interactive picker",
			)
		}
		resolution := store.Resolution(strings.ToLower(use))
		if resolution != store.ResolutionLocal && resolution != store.ResolutionRemote {
			return utils.ErrInvalidResolution(use)
		}

		if err := eng.Resolve(ctx, a.userID, conflictID, resolution); err != nil {
			return err
		}

		if jsonOutput {
			return render.JSON(stdout, map[string]string{
				"id":         conflictID,
				"resolution": string(resolution),
				"result":     ResultActionCompleted,
			})
		}
		_, _ = fmt.Fprintf(stdout, "Conflict %s resolved, kept the %s version\n", conflictID, resolution)
		if a.cli.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
		}
		return nil
	}

	if a.cli.NoPrompt {
		return utils.WrapWithSuggestion(
			fmt.Errorf("interactive resolution needs a terminal"),
			"Run 'todosync conflicts resolve <id> --use local|remote', or drop --no-prompt for the picker",
		)
	}

	conflicts, err := eng.ListConflicts(ctx, a.userID)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		_, _ = fmt.Fprintln(stdout, "No pending conflicts")
		return nil
	}

	items, err := buildConflictItems(ctx, a, conflicts)
	if err != nil {
		return err
	}

	// Full-screen picker on a real terminal, plain prompts otherwise.
	if term.IsTerminal(int(os.Stdout.Fd())) && a.cli.Input == nil {
		if err := tui.Run(ctx, eng, a.userID, items); err != nil {
			return err
		}
		remaining, err := eng.ListConflicts(ctx, a.userID)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "Resolved %d of %d conflicts\n", len(conflicts)-len(remaining), len(conflicts))
		return nil
	}

	rows := make([]prompt.ConflictRow, len(items))
	for i, item := range items {
		rows[i] = prompt.ConflictRow{
			ID:          item.ID,
			LocalTitle:  item.LocalTitle,
			RemoteTitle: item.RemoteTitle,
			CreatedAt:   item.CreatedAt,
		}
	}

	in := a.cli.Input
	if in == nil {
		in = os.Stdin
	}
	selector, sidePrompt := prompt.NewSession(in, stdout, false, rows)

	row, err := selector.Run()
	if err != nil {
		if errors.Is(err, prompt.ErrSelectionCancelled) {
			_, _ = fmt.Fprintln(stdout, "Cancelled")
			return nil
		}
		return err
	}

	resolution, err := sidePrompt.Run(*row)
	if err != nil {
		if errors.Is(err, prompt.ErrSelectionCancelled) {
			_, _ = fmt.Fprintln(stdout, "Cancelled")
			return nil
		}
		return err
	}

	if err := eng.Resolve(ctx, a.userID, row.ID, resolution); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "Conflict %s resolved, kept the %s version\n", row.ID, resolution)
	return nil
}

// buildConflictItems joins each pending conflict with its local task and the
// remote task content for side-by-side display.
func buildConflictItems(ctx context.Context, a *app, conflicts []store.Conflict) ([]tui.Item, error) {
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	tokens, err := creds.Tokens(ctx, a.userID, ProviderName)
	if err != nil {
		return nil, err
	}
	client, err := a.openProvider(tokens.Access)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		if c.EntityType == store.EntityTask {
			ids = append(ids, c.ExternalID)
		}
	}
	remote := make(map[string]provider.Task, len(ids))
	if len(ids) > 0 {
		tasks, err := client.GetTasksByID(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			remote[t.ID] = t
		}
	}

	items := make([]tui.Item, 0, len(conflicts))
	for _, c := range conflicts {
		item := tui.Item{ID: c.ID, CreatedAt: c.Created}
		if task, err := a.store.GetTask(ctx, a.userID, c.LocalID); err == nil && task != nil {
			item.LocalTitle = task.Title
			if task.DueDate != nil {
				item.LocalDue = task.DueDate.Format("2006-01-02")
			}
		}
		if rt, ok := remote[c.ExternalID]; ok {
			item.RemoteTitle = rt.Content
			if rt.Due != nil {
				item.RemoteDue = rt.Due.Date
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// historyJSON is the JSON shape of one recorded pass.
type historyJSON struct {
	Timestamp     string `json:"timestamp"`
	User          string `json:"user"`
	Trigger       string `json:"trigger"`
	Success       bool   `json:"success"`
	DurationMs    int64  `json:"durationMs"`
	Pushed        int    `json:"pushed"`
	Pulled        int    `json:"pulled"`
	CreatedRemote int    `json:"createdRemote"`
	CreatedLocal  int    `json:"createdLocal"`
	Conflicts     int    `json:"conflicts"`
	ErrorType     string `json:"errorType,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// newHistoryCmd creates the 'history' subcommand
func newHistoryCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded sync passes, newest first",
		Long: "Show the per-pass sync history: trigger, outcome, duration, and counters.\n" +
			"Dates accept YYYY-MM-DD and relative forms like today, yesterday, or -7d.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")
			since, _ := cmd.Flags().GetString("since")
			until, _ := cmd.Flags().GetString("until")
			allUsers, _ := cmd.Flags().GetBool("all-users")
			return doHistory(a, limit, since, until, allUsers, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Int("limit", 20, "Maximum passes to show")
	cmd.Flags().String("since", "", "Only passes on or after this date")
	cmd.Flags().String("until", "", "Only passes up to and including this date")
	cmd.Flags().Bool("all-users", false, "Show passes for every user")
	return cmd
}

// doHistory lists recorded passes with optional date filtering
func doHistory(a *app, limit int, since, until string, allUsers bool, stdout io.Writer, jsonOutput bool) error {
	sinceT, err := utils.ParseDateFlag(since)
	if err != nil {
		return err
	}
	untilT, err := utils.ParseDateFlag(until)
	if err != nil {
		return err
	}
	if err := utils.ValidateDateRange(sinceT, untilT); err != nil {
		return err
	}

	user := a.userID
	if allUsers {
		user = ""
	}

	// Date filters apply after the fetch, so over-fetch and trim.
	fetch := limit
	if sinceT != nil || untilT != nil {
		fetch = 500
	}
	records, err := a.history.ListRecent(user, fetch)
	if err != nil {
		return err
	}

	filtered := make([]history.Record, 0, len(records))
	for _, r := range records {
		ts := time.Unix(r.Timestamp, 0)
		if sinceT != nil && ts.Before(*sinceT) {
			continue
		}
		if untilT != nil && !ts.Before(untilT.AddDate(0, 0, 1)) {
			continue
		}
		filtered = append(filtered, r)
		if len(filtered) == limit {
			break
		}
	}

	if jsonOutput {
		rows := make([]historyJSON, 0, len(filtered))
		for _, r := range filtered {
			rows = append(rows, historyJSON{
				Timestamp:     time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339),
				User:          r.UserID,
				Trigger:       r.Trigger,
				Success:       r.Success,
				DurationMs:    r.DurationMs,
				Pushed:        r.Pushed,
				Pulled:        r.Pulled,
				CreatedRemote: r.CreatedRemote,
				CreatedLocal:  r.CreatedLocal,
				Conflicts:     r.Conflicts,
				ErrorType:     r.ErrorType,
				ErrorMessage:  r.ErrorMessage,
			})
		}
		return render.JSON(stdout, rows)
	}

	if len(filtered) == 0 {
		_, _ = fmt.Fprintln(stdout, "No sync history")
		if a.cli.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	t := render.NewTable(stdout, "TIME", "USER", "TRIGGER", "RESULT", "DURATION", "PUSHED", "PULLED", "CONFLICTS")
	for _, r := range filtered {
		result := "ok"
		if !r.Success {
			result = r.ErrorType
		}
		t.Row(
			render.Timestamp(time.Unix(r.Timestamp, 0)),
			r.UserID,
			r.Trigger,
			result,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			strconv.Itoa(r.Pushed),
			strconv.Itoa(r.Pulled),
			strconv.Itoa(r.Conflicts),
		)
	}
	t.Flush()

	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// newKeysCmd creates the 'keys' subcommand for vault key management
func newKeysCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage vault encryption keys",
		Long:  "Generate and list the keys that encrypt stored credentials. Key material never leaves the OS keyring.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	keysCmd.AddCommand(newKeysGenerateCmd(stdout, cfg))
	keysCmd.AddCommand(newKeysListCmd(stdout, cfg))

	return keysCmd
}

// newKeysGenerateCmd creates the 'keys generate' subcommand
func newKeysGenerateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "generate [id]",
		Short: "Generate a new vault key and make it active",
		Long: "Create fresh random key material, store it in the OS keyring, register the\n" +
			"key in the config file, and make it the active encryption key. The id\n" +
			"defaults to the next free v<n>.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return doKeysGenerate(a, id, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doKeysGenerate creates a key, stores it in the keyring, and saves config
func doKeysGenerate(a *app, id string, stdout io.Writer, jsonOutput bool) error {
	if id == "" {
		id = nextKeyID(a.cfg.Vault.Keys)
	}
	for _, spec := range a.cfg.Vault.Keys {
		if spec.ID == id {
			return utils.Validationf("vault key %q already exists", id)
		}
	}

	spec, err := vault.GenerateKey(id, a.keyring())
	if err != nil {
		return err
	}

	a.cfg.Vault.Keys = append(a.cfg.Vault.Keys, spec)
	a.cfg.Vault.ActiveKey = id
	if err := a.cfg.SaveTo(a.configPath); err != nil {
		return err
	}

	if jsonOutput {
		return render.JSON(stdout, map[string]string{
			"id":     id,
			"source": "keyring",
			"result": ResultActionCompleted,
		})
	}

	_, _ = fmt.Fprintf(stdout, "Generated key %s in the OS keyring; it is now the active key\n", id)
	if len(a.cfg.Vault.Keys) > 1 {
		_, _ = fmt.Fprintln(stdout, "Re-seal existing credentials with 'todosync rotate'")
	}
	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

// nextKeyID picks the next free v<n> id
func nextKeyID(specs []vault.KeySpec) string {
	max := 0
	for _, spec := range specs {
		if !strings.HasPrefix(spec.ID, "v") {
			continue
		}
		if n, err := strconv.Atoi(spec.ID[1:]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("v%d", max+1)
}

// keyJSON is the JSON shape of one configured key. Material is never shown.
type keyJSON struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Active bool   `json:"active"`
}

// newKeysListCmd creates the 'keys list' subcommand
func newKeysListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured vault keys",
		Long:  "Show the configured key ids and where each key's material comes from. The material itself is never displayed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doKeysList(a, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doKeysList shows key ids and sources, never material
func doKeysList(a *app, stdout io.Writer, jsonOutput bool) error {
	specs := a.cfg.Vault.Keys
	activeID := a.cfg.Vault.ActiveKey
	if activeID == "" && len(specs) == 1 {
		activeID = specs[0].ID
	}

	if jsonOutput {
		rows := make([]keyJSON, 0, len(specs))
		for _, spec := range specs {
			rows = append(rows, keyJSON{ID: spec.ID, Source: keySource(spec), Active: spec.ID == activeID})
		}
		return render.JSON(stdout, rows)
	}

	if len(specs) == 0 {
		_, _ = fmt.Fprintln(stdout, "No vault keys configured")
		_, _ = fmt.Fprintln(stdout, "Run 'todosync keys generate' to create one")
		if a.cli.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	t := render.NewTable(stdout, "ID", "SOURCE", "ACTIVE")
	for _, spec := range specs {
		active := ""
		if spec.ID == activeID {
			active = "yes"
		}
		t.Row(spec.ID, keySource(spec), active)
	}
	t.Flush()

	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// keySource names where a key spec's material comes from
func keySource(spec vault.KeySpec) string {
	switch {
	case spec.Source == "keyring":
		return "keyring"
	case spec.Material != "":
		return "inline"
	case spec.Passphrase != "":
		return "passphrase"
	default:
		return "unknown"
	}
}

// newDaemonCmd creates the 'daemon' subcommand
func newDaemonCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background sync daemon",
		Long:  "Start, stop, and inspect the background daemon that sweeps all connected users on an interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	daemonCmd.AddCommand(newDaemonStartCmd(stdout, cfg))
	daemonCmd.AddCommand(newDaemonStopCmd(stdout, cfg))
	daemonCmd.AddCommand(newDaemonStatusCmd(stdout, cfg))
	daemonCmd.AddCommand(newDaemonRunCmd(stdout, cfg))

	return daemonCmd
}

// newDaemonStartCmd creates the 'daemon start' subcommand
func newDaemonStartCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doDaemonStart(context.Background(), a, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doDaemonStart forks the daemon and waits for it to come up
func doDaemonStart(ctx context.Context, a *app, stdout io.Writer, jsonOutput bool) error {
	pidPath, socketPath := a.daemonPaths()
	if daemon.IsRunning(pidPath, socketPath) {
		if jsonOutput {
			return render.JSON(stdout, map[string]interface{}{"running": true, "result": ResultInfoOnly})
		}
		_, _ = fmt.Fprintln(stdout, "Daemon is already running")
		if a.cli.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	dcfg, err := a.daemonConfig(ctx)
	if err != nil {
		return err
	}
	if err := daemon.Fork(dcfg); err != nil {
		return err
	}

	for i := 0; i < 40; i++ {
		if daemon.IsRunning(pidPath, socketPath) {
			if jsonOutput {
				return render.JSON(stdout, map[string]interface{}{"running": true, "result": ResultActionCompleted})
			}
			_, _ = fmt.Fprintln(stdout, "Daemon started")
			if a.cli.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return utils.WrapWithSuggestion(
		fmt.Errorf("daemon process did not come up"),
		"Check the daemon log in the data directory, or run 'todosync daemon run' in the foreground to see the failure",
	)
}

// newDaemonStopCmd creates the 'daemon stop' subcommand
func newDaemonStopCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doDaemonStop(a, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doDaemonStop asks the daemon to shut down over the control socket
func doDaemonStop(a *app, stdout io.Writer, jsonOutput bool) error {
	pidPath, socketPath := a.daemonPaths()
	if !daemon.IsRunning(pidPath, socketPath) {
		if jsonOutput {
			return render.JSON(stdout, map[string]interface{}{"running": false, "result": ResultInfoOnly})
		}
		_, _ = fmt.Fprintln(stdout, "Daemon is not running")
		if a.cli.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	if err := daemon.NewClient(socketPath).Stop(); err != nil {
		return err
	}

	for i := 0; i < 40; i++ {
		if !daemon.IsRunning(pidPath, socketPath) {
			if jsonOutput {
				return render.JSON(stdout, map[string]interface{}{"running": false, "result": ResultActionCompleted})
			}
			_, _ = fmt.Fprintln(stdout, "Daemon stopped")
			if a.cli.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
			}
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("daemon acknowledged the stop but is still running")
}

// newDaemonStatusCmd creates the 'daemon status' subcommand
func newDaemonStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and per-user sync health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jsonOutput, _ := cmd.Flags().GetBool("json")
			return doDaemonStatus(a, stdout, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doDaemonStatus queries the daemon over its control socket
func doDaemonStatus(a *app, stdout io.Writer, jsonOutput bool) error {
	pidPath, socketPath := a.daemonPaths()
	if !daemon.IsRunning(pidPath, socketPath) {
		if jsonOutput {
			return render.JSON(stdout, map[string]interface{}{"running": false, "result": ResultInfoOnly})
		}
		_, _ = fmt.Fprintln(stdout, "Daemon is not running")
		if a.cli.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}

	resp, err := daemon.NewClient(socketPath).Status()
	if err != nil {
		return err
	}

	if jsonOutput {
		return render.JSON(stdout, resp)
	}

	pairs := [][2]string{
		{"Running", "yes"},
		{"Sweeps", strconv.Itoa(resp.SyncCount)},
	}
	if resp.LastSync != "" {
		pairs = append(pairs, [2]string{"Last sweep", resp.LastSync})
	}
	render.KeyValues(stdout, pairs)

	if len(resp.Users) > 0 {
		names := make([]string, 0, len(resp.Users))
		for name := range resp.Users {
			names = append(names, name)
		}
		sort.Strings(names)

		_, _ = fmt.Fprintln(stdout)
		t := render.NewTable(stdout, "USER", "SYNCS", "ERRORS", "BREAKER", "LAST ERROR")
		for _, name := range names {
			u := resp.Users[name]
			t.Row(name, strconv.Itoa(u.SyncCount), strconv.Itoa(u.ErrorCount), u.Breaker, render.Truncate(u.LastError, 48))
		}
		t.Flush()
	}

	if a.cli.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// newDaemonRunCmd creates the hidden 'daemon run' subcommand. Fork spawns
// 'todosync daemon run --config <path>' as the detached child.
func newDaemonRunCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return doDaemonRun(context.Background(), a)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doDaemonRun builds the daemon from config and blocks until it exits
func doDaemonRun(ctx context.Context, a *app) error {
	dcfg, err := a.daemonConfig(ctx)
	if err != nil {
		return err
	}

	if days := a.cfg.GetHistoryRetentionDays(); days > 0 {
		if n, err := a.history.Cleanup(days); err == nil && n > 0 {
			utils.Debugf("history cleanup removed %d old passes", n)
		}
	}

	return daemon.New(dcfg).Start()
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result string `json:"result"`
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	_ = render.JSON(stdout, errorResponse{
		Error:  err.Error(),
		Code:   1,
		Result: ResultError,
	})
}
