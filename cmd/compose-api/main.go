package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anishanne/COMPOSE/internal/auth"
	"github.com/anishanne/COMPOSE/internal/broadcast"
	"github.com/anishanne/COMPOSE/internal/config"
	"github.com/anishanne/COMPOSE/internal/database"
	"github.com/anishanne/COMPOSE/internal/logging"
	"github.com/anishanne/COMPOSE/internal/presence"
	"github.com/anishanne/COMPOSE/internal/server"
	"github.com/anishanne/COMPOSE/internal/users"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "compose-api",
		Short: "COMPOSE collaborative editing presence service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("nats-url", defaults.GetString("nats.url"), "NATS broker URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("staleness-seconds", defaults.GetInt("presence.staleness_seconds"), "Presence staleness horizon in seconds")
	cmd.PersistentFlags().Int("settle-delay-ms", defaults.GetInt("broadcast.settle_delay_ms"), "Broadcast channel settle delay in milliseconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "presence.staleness_seconds", "staleness-seconds")
	bindFlag(cmd, "broadcast.settle_delay_ms", "settle-delay-ms")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	natsConn, err := nats.Connect(appConfig.NATSURL,
		nats.Name("compose-api"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}
	defer natsConn.Drain() //nolint:errcheck

	transport, err := broadcast.NewNATSTransport(natsConn)
	if err != nil {
		return err
	}

	instanceID, err := uuid.NewV7()
	if err != nil {
		return err
	}

	manager, err := broadcast.NewManager(broadcast.ManagerConfig{
		Transport:   transport,
		Logger:      logger,
		Origin:      instanceID.String(),
		SettleDelay: appConfig.SettleDelay,
	})
	if err != nil {
		return err
	}

	resolver, err := users.NewResolver(users.ResolverConfig{Database: db})
	if err != nil {
		return err
	}

	feed := presence.NewChangeFeed()
	store, err := presence.NewStore(presence.StoreConfig{
		Database:         db,
		Profiles:         resolver,
		Feed:             feed,
		Logger:           logger,
		StalenessHorizon: appConfig.StalenessHorizon,
	})
	if err != nil {
		return err
	}

	notifier, err := presence.NewNotifier(presence.NotifierConfig{
		Store:  store,
		Feed:   feed,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	bridge, err := server.NewPresenceBridge(server.PresenceBridgeConfig{
		Manager: manager,
		Feed:    feed,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Store:        store,
		Notifier:     notifier,
		Broadcaster:  manager,
		Profiles:     resolver,
		Bridge:       bridge,
		Logger:       logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
