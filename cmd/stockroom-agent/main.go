package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/auth"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/config"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/engine"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/entities"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/history"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/logging"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/network"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/queue"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/remote"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/server"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/store"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stockroom-agent",
		Short: "Local-first inventory sync agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand(), newSyncCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("remote-base-url", "", "Remote sync endpoint base URL")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("device-id", defaults.GetString("remote.device_id"), "Device identifier presented to the remote")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("sync.batch_size"), "Maximum items per remote request")
	cmd.PersistentFlags().String("sync-schedule", defaults.GetString("sync.schedule"), "Periodic sync check schedule")
	cmd.PersistentFlags().String("probe-url", "", "Connectivity probe URL (defaults to <remote>/health)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.signing_secret", "signing-secret")
	bindFlag(cmd, "remote.device_id", "device-id")
	bindFlag(cmd, "sync.batch_size", "batch-size")
	bindFlag(cmd, "sync.schedule", "sync-schedule")
	bindFlag(cmd, "network.probe_url", "probe-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("stockroom")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Open the local store, apply pending migrations and report the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadLocal(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			localStore, err := store.New(store.Config{Path: appConfig.DatabasePath, Logger: logger})
			if err != nil {
				return err
			}
			defer localStore.Close()

			version, err := localStore.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", localStore.Path(), version)
			return nil
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one forced sync and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			components, err := buildAgent(appConfig, logger)
			if err != nil {
				return err
			}
			defer components.close()

			result := components.processor.Run(cmd.Context(), syncer.RunOptions{Force: true, Reason: engine.ReasonManual})
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return errors.New(result.Message)
			}
			return nil
		},
	}
}

type agent struct {
	store     *store.Store
	entities  *entities.Service
	history   *history.Log
	processor *syncer.Processor
	monitor   *network.Monitor
	engine    *engine.Engine
}

func (a agent) close() {
	_ = a.store.Close()
}

func buildAgent(appConfig config.AppConfig, logger *zap.Logger) (agent, error) {
	localStore, err := store.New(store.Config{Path: appConfig.DatabasePath, Logger: logger})
	if err != nil {
		return agent{}, err
	}
	built, err := wireAgent(localStore, appConfig, logger)
	if err != nil {
		_ = localStore.Close()
		return agent{}, err
	}
	return built, nil
}

func wireAgent(localStore *store.Store, appConfig config.AppConfig, logger *zap.Logger) (agent, error) {
	syncQueue, err := queue.New(localStore, logger)
	if err != nil {
		return agent{}, err
	}
	entityService, err := entities.NewService(entities.ServiceConfig{
		Store:      localStore,
		Queue:      syncQueue,
		Clock:      time.Now,
		IDProvider: entities.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return agent{}, err
	}
	syncHistory, err := history.New(localStore, history.Config{
		Retention: appConfig.SyncHistoryRetention,
		Logger:    logger,
	})
	if err != nil {
		return agent{}, err
	}

	tokens, err := auth.NewDeviceTokenIssuer(auth.DeviceTokenConfig{
		SigningSecret: []byte(appConfig.RemoteSigningSecret),
		DeviceID:      appConfig.RemoteDeviceID,
	})
	if err != nil {
		return agent{}, err
	}
	httpClient := &http.Client{Timeout: appConfig.RemoteTimeout}
	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL:    appConfig.RemoteBaseURL,
		HTTPClient: httpClient,
		Tokens:     tokens,
		Logger:     logger,
	})
	if err != nil {
		return agent{}, err
	}

	processor, err := syncer.NewProcessor(syncer.ProcessorConfig{
		Store:     localStore,
		Queue:     syncQueue,
		History:   syncHistory,
		Remote:    remoteClient,
		BatchSize: appConfig.SyncBatchSize,
		Logger:    logger,
	})
	if err != nil {
		return agent{}, err
	}

	prober, err := network.NewHTTPProber(appConfig.NetworkProbeURL, httpClient)
	if err != nil {
		return agent{}, err
	}
	monitor, err := network.NewMonitor(network.MonitorConfig{
		Prober:   prober,
		Interval: appConfig.NetworkProbeInterval,
		Thresholds: network.Thresholds{
			High:   appConfig.NetworkHighLatency,
			Medium: appConfig.NetworkMediumLatency,
		},
		Logger: logger,
	})
	if err != nil {
		return agent{}, err
	}

	syncEngine, err := engine.New(engine.Config{
		Processor: processor,
		Monitor:   monitor,
		Schedule:  appConfig.SyncSchedule,
		Logger:    logger,
	})
	if err != nil {
		return agent{}, err
	}

	return agent{
		store:     localStore,
		entities:  entityService,
		history:   syncHistory,
		processor: processor,
		monitor:   monitor,
		engine:    syncEngine,
	}, nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	components, err := buildAgent(appConfig, logger)
	if err != nil {
		return err
	}
	defer components.close()

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Entities:          components.entities,
		Engine:            components.engine,
		History:           components.history,
		Quota:             components.store,
		Network:           components.monitor,
		Logger:            logger,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process context instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context {
			return signalCtx
		},
	}

	if err := components.engine.Start(signalCtx); err != nil {
		return err
	}
	defer components.engine.Stop()
	components.monitor.Start(signalCtx)
	defer components.monitor.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local api starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
