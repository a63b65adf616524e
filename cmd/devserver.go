package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/eduhire/agent/internal/devserver"
	"github.com/eduhire/agent/internal/obs"
	"github.com/spf13/cobra"
)

// EnvDevServerSecret holds the token signing secret for the devserver
const EnvDevServerSecret = "EDUHIRE_DEVSERVER_SECRET"

var devserverOpts struct {
	addr       string
	accessTTL  time.Duration
	refreshTTL time.Duration
	seed       bool
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local eduhire backend",
	Long: "Serve the eduhire auth and profile endpoints from memory for local development.\n" +
		"Verification codes are written to the log. With --seed, one verified and onboarded\n" +
		"account per role is created with the password 'password123'.",
	RunE: runDevServer,
}

func init() {
	f := devserverCmd.Flags()
	f.StringVar(&devserverOpts.addr, "addr", ":8080", "Listen address")
	f.DurationVar(&devserverOpts.accessTTL, "access-ttl", 15*time.Minute, "Access token lifetime")
	f.DurationVar(&devserverOpts.refreshTTL, "refresh-ttl", 7*24*time.Hour, "Refresh token lifetime")
	f.BoolVar(&devserverOpts.seed, "seed", false, "Create demo accounts")
	rootCmd.AddCommand(devserverCmd)
}

func runDevServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	secret := []byte(os.Getenv(EnvDevServerSecret))
	if len(secret) == 0 {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate secret: %w", err)
		}
		secret = []byte(hex.EncodeToString(buf))
		logger.Warn("no signing secret configured, tokens will not survive a restart", "env", EnvDevServerSecret)
	}

	srv, err := devserver.New(devserver.Config{
		Secret:     secret,
		AccessTTL:  devserverOpts.accessTTL,
		RefreshTTL: devserverOpts.refreshTTL,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start devserver: %w", err)
	}
	defer srv.Close()

	if devserverOpts.seed {
		users, err := srv.SeedDemo("password123")
		if err != nil {
			return fmt.Errorf("failed to seed accounts: %w", err)
		}
		for _, u := range users {
			logger.Info("seeded account", "email", u.Email, "role", u.Role)
		}
	}

	return srv.ListenAndServe(commandContext(cmd), devserverOpts.addr)
}
