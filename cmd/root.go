package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eduhire/agent/internal/api"
	"github.com/eduhire/agent/internal/config"
	"github.com/eduhire/agent/internal/credstore"
	"github.com/eduhire/agent/internal/events"
	"github.com/eduhire/agent/internal/keychain"
	"github.com/eduhire/agent/internal/obs"
	"github.com/eduhire/agent/internal/session"
	"github.com/spf13/cobra"
)

// Persistent flag values. Empty means "use the config".
var (
	serverFlag    string
	storageFlag   string
	logLevelFlag  string
	logFormatFlag string
)

var rootCmd = &cobra.Command{
	Use:          "eduhire",
	Short:        "eduhire session agent",
	Long:         "Sign in to the eduhire marketplace, keep the session fresh and inspect route access.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Backend base URL (overrides server.url)")
	rootCmd.PersistentFlags().StringVar(&storageFlag, "storage", "", "Credential storage: keyring, file or memory")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Log format (text, json)")
}

// keychainFactory picks the credential backends. Tests replace it with an
// in-memory keychain.
var keychainFactory = func(cfg *config.Config) (primary, fallback keychain.Keychain) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return keychain.NewMemoryKeychain(), nil
	case config.BackendFile:
		return keychain.NewFileKeychain(cfg.CredentialsPath()), nil
	default:
		return keychain.NewSystemKeychain(), keychain.NewFileKeychain(cfg.CredentialsPath())
	}
}

// app is the object graph shared by the session commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *credstore.Store
	client  *api.AuthenticatedClient
	session *session.Manager

	unsubscribe []func()
}

// loadConfig reads the config and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if serverFlag != "" {
		cfg.Server.URL = serverFlag
	}
	if storageFlag != "" {
		cfg.Storage.Backend = storageFlag
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if logFormatFlag != "" {
		cfg.Logging.Format = logFormatFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp wires config, storage, client and session, then restores the
// session from storage.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := obs.NewLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if cfg.IsInsecure() {
		logger.Warn("server URL is not HTTPS; credentials will be sent in clear text", "url", cfg.Server.URL)
	}

	primary, fallback := keychainFactory(cfg)
	store := credstore.Open(primary, fallback, logger)

	opts := []api.Option{
		api.WithTimeout(cfg.Server.Timeout.Std()),
		api.WithLogger(logger),
	}
	if cfg.Server.RateLimit > 0 {
		opts = append(opts, api.WithRateLimit(cfg.Server.RateLimit, 1))
	}
	client := api.NewAuthenticatedClient(api.NewClient(cfg.Server.URL, opts...), store, nil)
	client.SetRefreshThreshold(cfg.Session.RefreshThreshold.Std())

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		client:  client,
		session: session.NewManager(client, store, logger),
	}

	errOut := cmd.ErrOrStderr()
	a.unsubscribe = append(a.unsubscribe,
		client.Events().Handle(events.AuthExpired, func(events.Event) {
			fmt.Fprintln(errOut, "Your session has expired. Run 'eduhire login' to sign in again.")
		}),
		client.Events().Handle(events.AccessDenied, func(evt events.Event) {
			fmt.Fprintf(errOut, "Access denied: %s\n", evt.Path)
		}),
	)

	if _, err := a.session.Initialize(commandContext(cmd)); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	return a, nil
}

// Close detaches the session manager and the notice handlers.
func (a *app) Close() {
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	a.session.Close()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
