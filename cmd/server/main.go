package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"aistudio2api-go/internal/bridge"
	"aistudio2api-go/internal/config"
	"aistudio2api-go/internal/credential"
	"aistudio2api-go/internal/driver"
	"aistudio2api-go/internal/events"
	"aistudio2api-go/internal/logging"
	"aistudio2api-go/internal/monitoring"
	tracing "aistudio2api-go/internal/monitoring/tracing"
	"aistudio2api-go/internal/proxy"
	"aistudio2api-go/internal/runtime"
	srv "aistudio2api-go/internal/server"
	"aistudio2api-go/internal/stats"
	"aistudio2api-go/internal/version"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	stack, err := config.NewStack(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		on := true
		if _, err := stack.ApplyRuntime(config.Layer{Debug: &on}); err != nil {
			log.WithError(err).Fatal("failed to enable debug mode")
		}
	}
	cfg := stack.Effective()
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	log.WithField("version", version.Version).Infof("starting aistudio2api-go (config: %s)", stack.Path())
	logging.LogEffective(cfg)

	traceShutdown, err := tracing.Init(context.Background())
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	if traceShutdown != nil {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventHub := events.NewHub()
	stack.SetEventPublisher(eventHub)
	stack.OnChange(reapplyLogging(cfg))
	if cfg.Security.Debug {
		subscribeEventLogs(eventHub)
	}

	rdb, err := newRedisClient(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}
	source, err := credential.SelectSource(cfg, rdb)
	if err != nil {
		log.WithError(err).Fatal("invalid credential source")
	}
	pool, err := credential.NewPool(ctx, source)
	if err != nil {
		log.WithError(err).Fatal("no usable credentials")
	}
	pool.SetEventPublisher(eventHub)

	usage := stats.NewUsageStats()
	for _, idx := range pool.AvailableIndices() {
		usage.EnsureAccount(idx)
	}

	tasks := runtime.NewTaskManager(ctx)
	registry := bridge.NewRegistry(cfg.Proxy.GracePeriod)
	registry.SetEventPublisher(eventHub)
	stack.OnChange(func(c *config.Config) { registry.SetGracePeriod(c.Proxy.GracePeriod) })
	mustStart(tasks, "bridge-registry", "routes worker messages to reply queues", registry.Run)

	drv, err := driver.NewProcessDriver(driver.ProcessConfig{
		LauncherPath:          cfg.Driver.LauncherPath,
		BrowserExecutablePath: cfg.Driver.BrowserExecutablePath,
		ScriptPath:            cfg.Driver.ScriptPath,
		WSURL:                 bridgeURL(cfg),
		ReadyTimeout:          cfg.Driver.ReadyTimeout,
	}, pool, registry)
	if err != nil {
		log.WithError(err).Fatal("failed to set up the session driver")
	}
	defer func() {
		if err := drv.Close(); err != nil {
			log.WithError(err).Warn("session driver cleanup failed")
		}
	}()

	orch, err := proxy.New(proxy.Options{
		Registry: registry,
		Creds:    pool,
		Driver:   drv,
		Settings: stack,
		Stats:    usage,
		Tasks:    tasks,
		Events:   eventHub,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build the request orchestrator")
	}

	bridgeLn, err := listen(cfg.Server.Host, cfg.Server.WSPort)
	if err != nil {
		log.WithError(err).Fatal("bridge listener")
	}
	bridgeSrv := newHTTPServer(srv.BuildBridgeEngine(cfg, registry), cfg)
	mustStart(tasks, "bridge-listener", "worker websocket server", serveTask(bridgeSrv, bridgeLn))
	log.Infof("worker bridge listening on %s", bridgeLn.Addr())

	httpLn, err := listen(cfg.Server.Host, cfg.Server.HTTPPort)
	if err != nil {
		log.WithError(err).Fatal("http listener")
	}
	engine := srv.BuildEngine(srv.Dependencies{
		Settings:     stack,
		Pool:         pool,
		Registry:     registry,
		Orchestrator: orch,
		UsageStats:   usage,
		Tasks:        tasks,
	})
	mustStart(tasks, "http-listener", "public API and dashboard", serveTask(newHTTPServer(engine, cfg), httpLn))
	log.Infof("API listening on %s", httpLn.Addr())

	order := driver.StartupOrder(pool.AvailableIndices(), cfg.Credentials.InitialAuthIndex)
	active, err := driver.Bootstrap(ctx, drv, order)
	if err != nil {
		tasks.StopAll()
		tasks.Wait()
		log.WithError(err).Fatal("no worker session could be started")
	}
	monitoring.ActiveCredential.Set(float64(active))
	log.WithField("auth_index", active).Info("gateway ready")

	if err := tasks.Start("config-watcher", "reloads the config file on change", stack.Watch); err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	}
	mustStart(tasks, "session-monitor", "relaunches a lost worker session", monitorSessionLoss(drv, registry.Lost(), orch))

	<-ctx.Done()
	log.Info("shutdown signal received")
	tasks.StopAll()
	tasks.Wait()
	log.Info("servers stopped")
}

func mustStart(tasks *runtime.TaskManager, name, description string, fn runtime.TaskFunc) {
	if err := tasks.Start(name, description, fn); err != nil {
		log.WithError(err).WithField("task", name).Fatal("failed to start background task")
	}
}
