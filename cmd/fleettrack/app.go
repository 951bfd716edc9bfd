package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/fleetdesk/fleettrack/internal/config"
	"github.com/fleetdesk/fleettrack/internal/database"
	"github.com/fleetdesk/fleettrack/internal/fleet/store"
	"github.com/fleetdesk/fleettrack/internal/logging"
	intOtel "github.com/fleetdesk/fleettrack/internal/otel"
)

const appName = "fleettrack"

// app holds process-wide state shared by the subcommands.
type app struct {
	configDir string
	logLevel  string
	logToFile bool
	started   time.Time

	logs    *logging.SlogManager
	logger  *slog.Logger
	logFile *os.File
	otel    *intOtel.Provider
	db      *database.Manager
}

func newApp() *app {
	return &app{
		started: time.Now(),
		logs:    logging.NewSlogManager(logging.WithServiceName(appName)),
	}
}

// init loads configuration and sets up logging. Console logging is used
// until the config is read.
func (a *app) init(cmd *cobra.Command) error {
	a.logs.Setup(nil, a.levelOr("info"), nil)
	a.logger = a.logs.Logger()

	if err := config.Load(a.configDir); err != nil {
		return err
	}

	if !a.logToFile {
		a.logs.Setup(nil, a.levelOr(config.GetString("logLevel")), nil)
		a.logger = a.logs.Logger()
		return nil
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	path := logging.LogFilePath(logsDir, appName, a.started)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	a.logFile = f

	otelCfg, err := config.GetOTelConfig()
	if err != nil {
		return err
	}
	var provider *sdklog.LoggerProvider
	if otelCfg.Enabled {
		a.otel, err = intOtel.New(intOtel.Config{
			Enabled:      true,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    f,
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			a.logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			provider = a.otel.LoggerProvider()
			a.logger.Info("OTel provider initialized", "service", a.otel.ServiceName(), "endpoint", otelCfg.Endpoint)
		}
	}

	a.logs.Setup(f, a.levelOr(config.GetString("logLevel")), provider)
	a.logger = a.logs.Logger()
	a.logger.Info("Logging to file", "path", path, "command", cmd.Name())
	return nil
}

func (a *app) levelOr(def string) string {
	if a.logLevel != "" {
		return a.logLevel
	}
	return def
}

// openStore connects to the fleet database and migrates it.
func (a *app) openStore() (*store.Store, config.StoreConfig, error) {
	cfg, err := config.GetStoreConfig()
	if err != nil {
		return nil, cfg, err
	}
	a.db = database.NewManager(database.Config{
		Driver:        cfg.Driver,
		Host:          cfg.Host,
		Port:          cfg.Port,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Database:      cfg.Database,
		SSLMode:       cfg.SSLMode,
		SQLitePath:    cfg.SQLitePath,
		NotifyChannel: cfg.NotifyChannel,
	}, a.logger)
	if err := a.db.Connect(); err != nil {
		return nil, cfg, fmt.Errorf("connecting to database: %w", err)
	}
	if err := a.db.Setup(); err != nil {
		return nil, cfg, err
	}
	return store.New(a.db.DB, store.WithMaxHistoryPoints(cfg.MaxHistoryPoints)), cfg, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.db != nil {
		if err := a.db.Close(); err != nil && a.logger != nil {
			a.logger.Warn("Closing database", "error", err)
		}
	}
	_ = a.logs.Flush(ctx)
	if a.otel != nil {
		_ = a.otel.Shutdown(ctx)
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
