package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"growrules/internal/api"
	"growrules/internal/config"
	"growrules/internal/core"
	"growrules/internal/device"
	"growrules/internal/logging"
	growmcp "growrules/internal/mcp"
	"growrules/internal/metrics"
	"growrules/internal/notify"
	"growrules/internal/store"
	"growrules/internal/timer"
)

// engine is everything that must be torn down on exit.
type engine struct {
	store     *store.Store
	timers    *timer.Manager
	scheduler *core.Scheduler
	service   *core.Service
	metrics   *metrics.Collector
	closers   []func() error
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in stdio modes.
	logOut := os.Stdout
	if cfg.Mode != "http" {
		logOut = os.Stderr
	}
	logger := logging.NewWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("start engine", "err", err)
		os.Exit(1)
	}

	eng.scheduler.Start(ctx)
	if err := eng.scheduler.Sync(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}

	mcpServer := growmcp.NewMCPServer(eng.service, cfg.MCPUser, logger, cfg.Location())

	switch cfg.Mode {
	case "http":
		runHTTPMode(cfg, eng, mcpServer, logger, nil)
	case "mcp":
		runMCPMode(mcpServer, logger)
	case "both":
		mcpErr := make(chan error, 1)
		go func() {
			if err := mcpServer.Run(); err != nil {
				mcpErr <- err
			}
		}()
		runHTTPMode(cfg, eng, mcpServer, logger, mcpErr)
	}

	eng.shutdown(cancel, cfg.ShutdownGrace, logger)
	logger.Info("shutdown complete")
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	st, err := store.Open(ctx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	eng := &engine{store: st, metrics: metrics.New()}

	if cfg.DirectoryFile != "" {
		dir, err := store.ReadDirectoryFile(cfg.DirectoryFile)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		if err := st.ImportDirectory(ctx, dir); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("import directory: %w", err)
		}
		logger.Info("directory imported", "file", cfg.DirectoryFile, "rooms", len(dir.Rooms))
	}

	clock := clockwork.NewRealClock()
	if cfg.Engine.EffectivenessDelay == 0 {
		logger.Warn("GROWRULES_EFFECTIVENESS_DELAY not set, effectiveness checks are disabled")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Devices.RedisAddr,
		Password: cfg.Devices.RedisPassword,
		DB:       cfg.Devices.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, conditions will read as unavailable", "addr", cfg.Devices.RedisAddr, "err", err)
	}
	eng.closers = append(eng.closers, rdb.Close)
	reader := device.NewCachedReader(
		device.NewRedisReader(rdb, cfg.Devices.ReadingMaxAge, clock),
		cfg.Devices.CacheTTL,
	)

	commander, err := buildCommander(ctx, cfg, reader, clock, logger, eng)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	eng.timers = timer.NewManager(clock, cfg.Engine.Workers)
	eng.timers.Start()
	eng.metrics.WatchTimers(func() int { return eng.timers.Stats().ScheduledTasks })

	evaluator := core.NewEvaluator(reader, cfg.Engine.SensorTimeout, logger)
	checker := core.NewEffectivenessChecker(st, evaluator, eng.timers, clock, cfg.Engine.EffectivenessDelay, logger).
		WithMetrics(eng.metrics)
	executor := core.NewActionExecutor(st, commander, eng.timers, clock, logger).
		WithChecker(checker).
		WithNotifier(buildNotifier(cfg, logger, eng)).
		WithMetrics(eng.metrics).
		WithDispatchTimeout(cfg.Engine.DispatchTimeout)
	eng.scheduler = core.NewScheduler(st, evaluator, executor, eng.timers, clock, cfg.Engine.PollInterval, logger, cfg.Location()).
		WithMetrics(eng.metrics)
	eng.service = core.NewService(st, eng.scheduler, logger)
	return eng, nil
}

func buildCommander(ctx context.Context, cfg *config.Config, online device.OnlineChecker, clock clockwork.Clock, logger *slog.Logger, eng *engine) (core.Commander, error) {
	if cfg.Devices.DryRun {
		logger.Info("dry run: device commands are logged, not sent")
		return device.NewLogCommander(logger), nil
	}
	if cfg.Devices.MQTTBroker == "" {
		logger.Warn("GROWRULES_MQTT_BROKER not set, device commands are logged, not sent")
		return device.NewLogCommander(logger), nil
	}
	mqttCfg := device.MQTTConfig{
		Broker:      cfg.Devices.MQTTBroker,
		ClientID:    cfg.Devices.MQTTClientID,
		Username:    cfg.Devices.MQTTUsername,
		Password:    cfg.Devices.MQTTPassword,
		TopicPrefix: cfg.Devices.MQTTTopicPrefix,
		QoS:         byte(cfg.Devices.MQTTQoS),
		CommandTTL:  cfg.Devices.CommandTTL,
	}
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := device.Connect(connectCtx, mqttCfg, logger)
	if err != nil {
		return nil, err
	}
	eng.closers = append(eng.closers, func() error {
		client.Disconnect(250)
		return nil
	})
	return device.NewMQTTDispatcher(client, mqttCfg, online, clock, logger), nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger, eng *engine) core.Notifier {
	var notifiers []core.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL, cfg.Notification.Bark.Group)
		if err != nil {
			logger.Warn("bark disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	if len(cfg.Notification.Kafka.Brokers) > 0 {
		kafka := notify.NewKafkaNotifier(cfg.Notification.Kafka.Brokers, cfg.Notification.Kafka.Topic)
		eng.closers = append(eng.closers, kafka.Close)
		notifiers = append(notifiers, kafka)
	}
	if len(notifiers) == 0 {
		return notify.NoOpNotifier{}
	}
	multi := notify.NewMultiNotifier(notifiers...)
	logger.Info("notifications enabled", "sinks", multi.Len())
	return multi
}

// runHTTPMode serves the REST API, the web page, MCP over HTTP and metrics
// until a signal arrives or a server fails.
func runHTTPMode(cfg *config.Config, eng *engine, mcpServer *growmcp.MCPServer, logger *slog.Logger, mcpErr <-chan error) {
	server := api.NewServer(api.Options{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
		Location:  cfg.Location(),
		MCP:       mcpServer.HTTPHandler(),
		Metrics:   eng.metrics.Handler(),
	}, eng.service, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// runMCPMode serves MCP on stdio until the client disconnects or a signal
// arrives. The stdio server returns on SIGINT and SIGTERM by itself.
func runMCPMode(mcpServer *growmcp.MCPServer, logger *slog.Logger) {
	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
	}
}

// shutdown gives in-flight executions the grace period to finish, then
// cancels the ones still running and waits for them to record CANCELLED
// before the store closes.
func (e *engine) shutdown(cancelRun context.CancelFunc, grace time.Duration, logger *slog.Logger) {
	stopCtx, stop := context.WithTimeout(context.Background(), grace)
	defer stop()
	e.scheduler.Stop(stopCtx)
	graceElapsed := stopCtx.Err() != nil
	cancelRun()
	if graceElapsed {
		logger.Warn("grace period elapsed, cancelling in-flight executions")
		drainCtx, drain := context.WithTimeout(context.Background(), 5*time.Second)
		e.scheduler.Stop(drainCtx)
		drain()
	}
	e.timers.Stop()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logger.Warn("close", "err", err)
		}
	}
	if err := e.store.Close(); err != nil {
		logger.Error("close store", "err", err)
	}
}
