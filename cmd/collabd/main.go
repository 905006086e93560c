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

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabd",
		Short: "Gravity real-time collaborative document sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS and websocket origins")
	flags.String("auth-mode", defaults.GetString("auth.mode"), "Token verification mode (remote, jwt)")
	flags.String("auth-endpoint", defaults.GetString("auth.endpoint"), "Auth service verify URL (remote mode)")
	flags.Duration("auth-timeout", defaults.GetDuration("auth.timeout"), "Auth service call timeout")
	flags.String("signing-secret", "", "HS256 signing secret (jwt mode, overrides env)")
	flags.String("auth-issuer", defaults.GetString("auth.issuer"), "Expected token issuer (jwt mode)")
	flags.String("storage-driver", defaults.GetString("storage.driver"), "Content store (http, sqlite)")
	flags.String("storage-endpoint", defaults.GetString("storage.endpoint"), "Article API base URL (http driver)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path (sqlite driver)")
	flags.Duration("save-debounce", defaults.GetDuration("save.debounce"), "Delay between an edit and its save")
	flags.Uint("save-max-attempts", defaults.GetUint("save.max_attempts"), "Save attempts before giving up")
	flags.Duration("save-initial-backoff", defaults.GetDuration("save.initial_backoff"), "First save retry delay")
	flags.Duration("save-timeout", defaults.GetDuration("save.timeout"), "Per-attempt save timeout")
	flags.Duration("eviction-grace", defaults.GetDuration("room.eviction_grace"), "Delay before an empty room is evicted")
	flags.Duration("load-timeout", defaults.GetDuration("room.load_timeout"), "Document load timeout")
	flags.Int("max-log-entries", defaults.GetInt("crdt.max_log_entries"), "Updates retained for delta resync")
	flags.Int("max-pending-updates", defaults.GetInt("crdt.max_pending_updates"), "Updates buffered while waiting for their dependencies")
	flags.Int64("max-message-bytes", defaults.GetInt64("ws.max_message_bytes"), "Websocket read limit per frame")
	flags.Duration("handshake-timeout", defaults.GetDuration("ws.handshake_timeout"), "Time allowed for the hello frame")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "auth.mode", "auth-mode")
	bindFlag(cmd, "auth.endpoint", "auth-endpoint")
	bindFlag(cmd, "auth.timeout", "auth-timeout")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "storage.endpoint", "storage-endpoint")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "save.debounce", "save-debounce")
	bindFlag(cmd, "save.max_attempts", "save-max-attempts")
	bindFlag(cmd, "save.initial_backoff", "save-initial-backoff")
	bindFlag(cmd, "save.timeout", "save-timeout")
	bindFlag(cmd, "room.eviction_grace", "eviction-grace")
	bindFlag(cmd, "room.load_timeout", "load-timeout")
	bindFlag(cmd, "crdt.max_log_entries", "max-log-entries")
	bindFlag(cmd, "crdt.max_pending_updates", "max-pending-updates")
	bindFlag(cmd, "ws.max_message_bytes", "max-message-bytes")
	bindFlag(cmd, "ws.handshake_timeout", "handshake-timeout")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

func newTokenCommand() *cobra.Command {
	var (
		subject     string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a development token accepted in jwt auth mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("auth.signing_secret")
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required to issue tokens")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.Identity{Subject: subject, DisplayName: displayName})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", viper.GetDuration("auth.token_ttl"), "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricCollectors := metrics.NewCollectors(promRegistry)

	verifier, err := newVerifier(appConfig)
	if err != nil {
		return err
	}
	gate, err := auth.NewGate(verifier, logger.Named("auth"))
	if err != nil {
		return err
	}

	store, closeStore, err := newContentStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bridge, err := persistence.NewBridge(persistence.Config{
		Store:           store,
		Logger:          logger.Named("persistence"),
		MaxAttempts:     appConfig.SaveMaxAttempts,
		InitialBackoff:  appConfig.SaveInitialBackoff,
		AttemptTimeout:  appConfig.SaveTimeout,
		DocumentOptions: []crdt.Option{
			crdt.WithMaxLogEntries(appConfig.MaxLogEntries),
			crdt.WithMaxPending(appConfig.MaxPending),
		},
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	registry, err := session.NewRegistry(session.RegistryConfig{
		Persister:     bridge,
		Logger:        logger.Named("session"),
		Metrics:       metricCollectors,
		SaveDebounce:  appConfig.SaveDebounce,
		EvictionGrace: appConfig.EvictionGrace,
		LoadTimeout:   appConfig.LoadTimeout,
		OnSaved:       realtime.DocumentSaved,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gate:             gate,
		Registry:         registry,
		Realtime:         realtime,
		Metrics:          metricCollectors,
		Gatherer:         promRegistry,
		Logger:           logger.Named("server"),
		AllowedOrigins:   appConfig.AllowedOrigins,
		MaxMessageBytes:  appConfig.MaxMessageBytes,
		HandshakeTimeout: appConfig.HandshakeTimeout,
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
			zap.String("auth_mode", appConfig.AuthMode),
			zap.String("storage_driver", appConfig.StorageDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("server shutting down")
	// Rooms first: kicking sessions closes the hijacked websockets that Shutdown does not track.
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error("registry shutdown incomplete", zap.Error(err))
	}
	return httpServer.Shutdown(shutdownCtx)
}

func newVerifier(appConfig config.AppConfig) (auth.Verifier, error) {
	switch appConfig.AuthMode {
	case config.AuthModeJWT:
		return auth.NewJWTVerifier(auth.JWTVerifierConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
		})
	default:
		return auth.NewRemoteVerifier(auth.RemoteVerifierConfig{
			Endpoint: appConfig.AuthEndpoint,
			Timeout:  appConfig.AuthTimeout,
		})
	}
}

func newContentStore(appConfig config.AppConfig, logger *zap.Logger) (storage.ContentStore, func(), error) {
	if appConfig.StorageDriver == config.StorageDriverHTTP {
		store, err := storage.NewHTTPStore(storage.HTTPStoreConfig{Endpoint: appConfig.StorageEndpoint})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSQLiteStore(storage.SQLiteStoreConfig{Database: db, Logger: logger.Named("storage")})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return store, func() { _ = sqlDB.Close() }, nil
}
