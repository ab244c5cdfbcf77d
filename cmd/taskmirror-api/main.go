package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/auth"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/config"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/database"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/jobs"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/logging"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/remote"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/routine"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/server"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/syncer"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/webhook"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskmirror-api",
		Short: "Task mirror backend service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote sync API base URL")
	cmd.PersistentFlags().String("remote-api-token", "", "Remote sync API token (overrides env)")
	cmd.PersistentFlags().String("webhook-secret", "", "Webhook HMAC secret (overrides env)")
	cmd.PersistentFlags().String("api-signing-secret", "", "API token signing secret (overrides env)")
	cmd.PersistentFlags().Int("sync-interval-minutes", defaults.GetInt("sync.interval_minutes"), "Incremental sync interval in minutes")
	cmd.PersistentFlags().Int("routine-run-hour", defaults.GetInt("routine.run_hour"), "Hour of day (0-23) for the routine scheduler")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.api_token", "remote-api-token")
	bindFlag(cmd, "remote.webhook_secret", "webhook-secret")
	bindFlag(cmd, "api.signing_secret", "api-signing-secret")
	bindFlag(cmd, "sync.interval_minutes", "sync-interval-minutes")
	bindFlag(cmd, "routine.run_hour", "routine-run-hour")
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

	remoteClient := remote.NewClient(remote.ClientConfig{
		BaseURL:  appConfig.RemoteBaseURL,
		APIToken: appConfig.RemoteAPIToken,
		Logger:   logger,
	})

	routineService, err := routine.NewService(routine.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: routine.NewUUIDProvider(),
		Remote:     remoteClient,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	mirrorStore, err := mirror.NewStore(mirror.StoreConfig{
		Database:     db,
		ItemObserver: routineService,
	})
	if err != nil {
		return err
	}

	syncService, err := syncer.NewService(syncer.ServiceConfig{
		Database: db,
		Store:    mirrorStore,
		Remote:   remoteClient,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	webhookService, err := webhook.NewService(webhook.ServiceConfig{
		Database: db,
		Store:    mirrorStore,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := routine.NewScheduler(routine.SchedulerConfig{
		Database:   db,
		Routines:   routineService,
		Remote:     remoteClient,
		IDProvider: routine.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.APISigningSecret),
		Issuer:        "taskmirror-auth",
		Audience:      "taskmirror-api",
		TokenTTL:      appConfig.APITokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		SyncService:    syncService,
		WebhookService: webhookService,
		RoutineService: routineService,
		Scheduler:      scheduler,
		MirrorStore:    mirrorStore,
		APISecret:      appConfig.APISigningSecret,
		WebhookSecret:  appConfig.WebhookSecret,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		SyncInterval:   appConfig.SyncInterval,
		RoutineRunHour: appConfig.RoutineRunHour,
		Sync:           syncService,
		Scheduler:      scheduler,
		Clock:          time.Now,
		Logger:         logger,
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

	go runner.Run(signalCtx)

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
