package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nkkko/alarmd/internal/auth"
	"github.com/nkkko/alarmd/internal/config"
	"github.com/nkkko/alarmd/internal/engine"
	"github.com/nkkko/alarmd/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "alarmd",
	Short: "alarmd - real-time alarm fanout with reconnect replay",
	Long: `alarmd persists alarms per recipient and pushes them to every open
SSE or WebSocket stream of that recipient. A client that reconnects with the
id of the last event it saw gets the events it missed replayed.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"alarmd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("data-dir", "", "Data directory for badger storage")
	serveCmd.Flags().String("addr", "", "HTTP listen address")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().String("api", "", "HTTP engine (chi or fiber)")
	serveCmd.Flags().String("storage", "", "Storage type (badger or memory)")

	tokenCmd.Flags().String("config", "", "Path to YAML configuration file")
	tokenCmd.Flags().String("recipient", "", "Recipient the token identifies")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to auth.jwt_expiration_minutes)")
	tokenCmd.MarkFlagRequired("recipient")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tailCmd)
}

// loadConfig reads the config file named by the command's --config flag
// and applies environment overrides and the given flag values
func loadConfig(cmd *cobra.Command, dataDir, addr, logLevel string) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	return config.LoadConfig(configFile, dataDir, addr, logLevel)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the alarmd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		addr, _ := cmd.Flags().GetString("addr")
		logLevel, _ := cmd.Flags().GetString("log-level")
		apiType, _ := cmd.Flags().GetString("api")
		storageType, _ := cmd.Flags().GetString("storage")

		cfg, err := loadConfig(cmd, dataDir, addr, logLevel)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if apiType != "" {
			cfg.Server.APIType = apiType
		}
		if storageType != "" {
			cfg.Storage.StorageType = storageType
		}

		if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}

		e, err := engine.CreateEngine(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runErr := e.Start(ctx)
		if runErr != nil {
			log.Error().Err(runErr).Msg("Engine stopped with error")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return runErr
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a recipient",
	Long: `Issue a bearer token signed with auth.jwt_secret. Clients pass it in
the Authorization header or the access_token query parameter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		recipient, _ := cmd.Flags().GetString("recipient")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := loadConfig(cmd, "", "", "")
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if ttl <= 0 {
			ttl = cfg.TokenTTL()
		}

		token, err := auth.GenerateToken(cfg.Auth.JWTSecret, recipient, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
