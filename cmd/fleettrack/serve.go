package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetdesk/fleettrack/internal/api"
	"github.com/fleetdesk/fleettrack/internal/config"
	"github.com/fleetdesk/fleettrack/internal/dispatcher"
	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/influx"
	"github.com/fleetdesk/fleettrack/internal/logging"
	"github.com/fleetdesk/fleettrack/internal/surface"
	"github.com/fleetdesk/fleettrack/internal/surface/layers"
	"github.com/fleetdesk/fleettrack/internal/tracking"
	"github.com/fleetdesk/fleettrack/internal/worker"
	"github.com/fleetdesk/fleettrack/pkg/core"
	"github.com/fleetdesk/fleettrack/pkg/streaming"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live tracking page",
		PreRun: func(*cobra.Command, []string) {
			a.logToFile = true
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), a)
		},
	}
	return cmd
}

func serve(ctx context.Context, a *app) error {
	st, storeCfg, err := a.openStore()
	if err != nil {
		return err
	}

	serverCfg, err := config.GetServerConfig()
	if err != nil {
		return err
	}
	feedCfg, err := config.GetFeedConfig()
	if err != nil {
		return err
	}
	mapCfg, err := config.GetMapConfig()
	if err != nil {
		return err
	}
	trackCfg, err := config.GetTrackingConfig()
	if err != nil {
		return err
	}
	influxCfg, err := config.GetInfluxConfig()
	if err != nil {
		return err
	}

	logger := a.logger
	transport, release, err := buildTransport(feedCfg, storeCfg, a.db, logger)
	if err != nil {
		return err
	}
	defer release()

	renderer := layers.New(layers.Config{
		TileURL:      mapCfg.TileURL,
		ProbeTimeout: mapCfg.ProbeTimeout,
		MaxZoom:      mapCfg.MaxZoom,
	}, nil, logger)

	opts := []tracking.Option{
		tracking.WithLogger(logger),
		tracking.WithNotifier(viewerNotifier(renderer, logger)),
		tracking.WithStatusListener(func(s tracking.Status) {
			renderer.Publish(streaming.TypeState, streaming.StatePayload{
				State: string(s.State), Surface: s.Surface, Selected: s.Selected, Filter: s.Filter,
			})
		}),
	}
	if influxCfg.Enabled {
		sink := influx.NewManager(influxCfg, logger, logging.LogFilePath(config.GetString("logsDir"), "positions", a.started)+".lp.gz")
		if err := sink.Connect(ctx); err != nil {
			logger.Warn("Influx sink unavailable", "error", err)
		} else {
			defer sink.Close()
			opts = append(opts, tracking.WithSampleSink(sink.Sink()))
		}
	}

	var recorder *worker.Recorder
	if feedCfg.Record && feedCfg.Transport != "postgres" && feedCfg.Transport != "none" {
		recorder = worker.NewRecorder(st, logger,
			worker.WithInterval(feedCfg.RecordInterval),
			worker.WithBuffer(feedCfg.RecordBuffer),
		)
		opts = append(opts, tracking.WithSampleSink(recorder.Record))
	}

	ctrl := tracking.New(tracking.Config{
		Container:         surface.Container{ID: "map", Width: mapCfg.Width, Height: mapCfg.Height},
		HistoryWindow:     trackCfg.HistoryWindow,
		SnapshotTimeout:   trackCfg.SnapshotTimeout,
		HistoryTimeout:    trackCfg.HistoryTimeout,
		FrameInterval:     time.Second / time.Duration(trackCfg.FrameRate),
		SurfaceRetryDelay: trackCfg.SurfaceRetryDelay,
	},
		st,
		feed.NewClient(transport, logger, feed.WithOpenTimeout(feedCfg.OpenTimeout)),
		func() surface.Renderer { return renderer },
		surface.Config{
			DefaultCenter:     core.LatLng{Lat: mapCfg.DefaultLat, Lng: mapCfg.DefaultLng},
			DefaultZoom:       mapCfg.DefaultZoom,
			FocusZoom:         mapCfg.FocusZoom,
			FitPadding:        mapCfg.FitPadding,
			AnimationDuration: mapCfg.Animation,
			QueueCapacity:     mapCfg.QueueCapacity,
		},
		opts...,
	)

	a.logs.SetContextProvider(func() []slog.Attr {
		s := ctrl.Status()
		return []slog.Attr{slog.String("tracking", string(s.State)), slog.String("surface", s.Surface)}
	})
	defer a.logs.SetContextProvider(nil)

	commands, err := dispatcher.New(logging.NewDispatcherLogger(logger))
	if err != nil {
		return err
	}
	defer commands.Close()
	api.RegisterCommands(commands, ctrl, trackCfg.HistoryTimeout)

	srv := &http.Server{
		Addr:              serverCfg.Addr,
		ReadHeaderTimeout: serverCfg.ReadHeaderTimeout,
		Handler: api.NewServer(api.Deps{
			Tracker:  ctrl,
			Source:   st,
			Surface:  renderer,
			Commands: commands,
			Ready: func(ctx context.Context) error {
				if err := a.db.SqlDB.PingContext(ctx); err != nil {
					return fmt.Errorf("database: %w", err)
				}
				if ctrl.State() == tracking.StateDisposed {
					return tracking.ErrDisposed
				}
				return nil
			},
		}, logger).Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ctrl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// failures are reported through the notifier; the page stays up
		if err := ctrl.Activate(gctx); err != nil {
			logger.Warn("Activation incomplete", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Listening", "addr", serverCfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
		defer cancel()
		if err := ctrl.Deactivate(shutdownCtx); err != nil && !errors.Is(err, tracking.ErrDisposed) {
			logger.Warn("Deactivate failed", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})
	if recorder != nil {
		g.Go(func() error {
			return recorder.Run(gctx)
		})
	}
	if storeCfg.Retention > 0 {
		g.Go(func() error {
			pruneLoop(gctx, st, storeCfg.Retention, logger)
			return nil
		})
	}

	err = g.Wait()
	saveMemoryStore(a)
	logger.Info("Stopped")
	return err
}

// saveMemoryStore keeps what an in-memory SQLite fallback recorded by
// writing it next to the log file.
func saveMemoryStore(a *app) {
	if a.db == nil || !a.db.ShouldSaveLocal || a.db.SqliteFilePath != "" {
		return
	}
	logPath := logging.LogFilePath(config.GetString("logsDir"), appName, a.started)
	path := strings.TrimSuffix(logPath, ".log") + ".db"
	if err := a.db.DumpMemoryToDisk(path); err != nil {
		a.logger.Error("Saving in-memory store failed", "error", err)
		return
	}
	a.logger.Info("Saved in-memory store", "path", path)
}

// viewerNotifier logs notifications and forwards them to connected viewers.
func viewerNotifier(r *layers.Renderer, logger *slog.Logger) tracking.Notifier {
	return tracking.NotifierFunc(func(n tracking.Notification) {
		level := slog.LevelInfo
		switch n.Severity {
		case tracking.SeverityWarning:
			level = slog.LevelWarn
		case tracking.SeverityError:
			level = slog.LevelError
		}
		logger.Log(context.Background(), level, n.Message, "code", n.Code, "error", n.Err)
		r.Publish(streaming.TypeNotification, streaming.NotificationPayload{
			Kind:    string(n.Severity),
			Message: n.Message,
			At:      n.At,
		})
	})
}
