// Command ttbridge serves the timeline task bridge over stdio or WebSocket.
//
// Usage:
//
//	ttbridge [-config ttbridge.toml]
//
// Without -config the built-in defaults apply; TTBRIDGE_* environment
// variables override either. Logs go to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/muryk/ttbridge/bridge"
	"github.com/muryk/ttbridge/config"
	"github.com/muryk/ttbridge/credentials"
	"github.com/muryk/ttbridge/dispatcher"
	"github.com/muryk/ttbridge/events"
	"github.com/muryk/ttbridge/executor"
	"github.com/muryk/ttbridge/journal"
	"github.com/muryk/ttbridge/logging"
	"github.com/muryk/ttbridge/shutdown"
	"github.com/muryk/ttbridge/tasks"
	"github.com/muryk/ttbridge/telemetry"
	"github.com/muryk/ttbridge/transport"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to a TOML configuration file")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ttbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New()
	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout: cfg.Shutdown.Timeout.Std(),
		Logger:  logger,
	})

	dispatcherOpts := []dispatcher.Option{
		dispatcher.WithLogger(logger),
		dispatcher.WithAbortOnCancel(cfg.Dispatcher.AbortOnCancel),
	}

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRate:     cfg.Telemetry.SampleRate,
			Debug:          level == logging.LevelDebug,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		coord.Register("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithTracer(provider.Tracer()))
	}

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}

	hooks, history, err := newHooks(ctx, cfg, logger, coord)
	if err != nil {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}
	dispatcherOpts = append(dispatcherOpts, dispatcher.WithHooks(hooks...))
	if history != nil {
		dispatcherOpts = append(dispatcherOpts, dispatcher.WithHistory(history))
	}

	registry := tasks.NewRegistry()
	d := dispatcher.New(registry, exec, dispatcherOpts...)
	coord.Register("tasks", shutdown.PhaseTasks, func(ctx context.Context) error {
		registry.Close()
		if n := registry.CancelAll(); n > 0 {
			logger.Info("tasks_cancelled", map[string]interface{}{"count": n})
		}
		return exec.Shutdown(ctx)
	})

	b := bridge.New(d, bridge.WithLogger(logger))

	stop := coord.HandleSignals()
	defer stop()

	logger.Info("starting", map[string]interface{}{
		"version":   version,
		"transport": cfg.Transport.Mode,
		"journal":   cfg.Journal.Backend,
		"events":    cfg.Events.Enabled,
	})

	switch cfg.Transport.Mode {
	case config.TransportWebSocket:
		serveWebSocket(cfg, b, logger, coord)
	default:
		serveStdio(ctx, cfg, b, logger, coord)
	}

	<-coord.Done()
	if res := coord.Result(); res != nil && res.Err != nil {
		return fmt.Errorf("shutdown: %w", res.Err)
	}
	return nil
}

func newExecutor(cfg *config.Config, logger *logging.Logger) (*executor.HTTPExecutor, error) {
	creds, path, err := credentials.LoadFrom(cfg.Remote.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	token := creds.BearerToken(credentials.DefaultService)
	if token == "" {
		logger.Warn("no_bearer_token", map[string]interface{}{
			"env": credentials.EnvVar(credentials.DefaultService),
		})
	} else if path != "" {
		logger.Debug("credentials_loaded", map[string]interface{}{"path": path})
	}

	return executor.New(executor.Config{
		BaseURL:     cfg.Remote.BaseURL,
		Timeout:     cfg.Remote.Timeout.Std(),
		RateLimit:   cfg.Remote.RateLimit,
		Burst:       cfg.Remote.Burst,
		BearerToken: token,
		UserAgent:   cfg.Remote.UserAgent,
	}, executor.WithLogger(logger))
}

// newHooks builds the journal and event hooks and registers their teardown.
// The journal, when enabled, also backs the task history commands.
func newHooks(ctx context.Context, cfg *config.Config, logger *logging.Logger, coord *shutdown.Coordinator) ([]dispatcher.Hook, *journal.Journal, error) {
	var conn *nats.Conn
	if cfg.NeedsNATS() {
		c, err := events.Connect(events.NATSConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			Token:          cfg.NATS.Token,
			User:           cfg.NATS.User,
			Password:       cfg.NATS.Password,
			ReconnectWait:  cfg.NATS.ReconnectWait.Std(),
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: cfg.NATS.ConnectTimeout.Std(),
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		conn = c
	}

	var (
		hooks   []dispatcher.Hook
		history *journal.Journal
		closers []func() error
	)

	switch cfg.Journal.Backend {
	case config.JournalMemory:
		history = journal.New(journal.NewMemoryStore(cfg.Journal.TTL.Std()), logger)
	case config.JournalNATS:
		store, err := journal.NewNATSStore(ctx, journal.NATSStoreConfig{
			Conn:   conn,
			Bucket: cfg.Journal.Bucket,
			TTL:    cfg.Journal.TTL.Std(),
		})
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("journal: %w", err)
		}
		history = journal.New(store, logger)
	}
	if history != nil {
		hooks = append(hooks, history)
		closers = append(closers, history.Close)
	}

	if cfg.Events.Enabled {
		bus, err := events.NewNATSBus(conn, 0)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("events: %w", err)
		}
		hook, err := events.NewHook(bus, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("events: %w", err)
		}
		hooks = append(hooks, hook)
		closers = append(closers, bus.Close)
	}

	if conn != nil {
		closers = append(closers, conn.Drain)
	}
	coord.Register("sinks", shutdown.PhaseSinks, func(context.Context) error {
		var errs []error
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return hooks, history, nil
}

func transportConfig(cfg *config.Config, logger *logging.Logger) transport.Config {
	return transport.Config{
		RecvBufferSize: cfg.Transport.BufferSize,
		SendBufferSize: cfg.Transport.BufferSize,
		Logger:         logger,
	}
}

// serveStdio runs one session on stdin/stdout. Once input has ended and
// every pending reply has been written, the process shuts down.
func serveStdio(ctx context.Context, cfg *config.Config, b *bridge.Bridge, logger *logging.Logger, coord *shutdown.Coordinator) {
	ctx, cancel := context.WithCancel(ctx)
	t := transport.NewStdioTransport(os.Stdin, os.Stdout, transportConfig(cfg, logger))

	served := make(chan struct{})
	coord.Register("bridge", shutdown.PhaseIntake, func(ctx context.Context) error {
		cancel()
		select {
		case <-served:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	go func() {
		defer close(served)
		if err := b.Serve(ctx, t); err != nil {
			logger.Error("serve_failed", map[string]interface{}{"error": err.Error()})
		}
		go coord.ShutdownWithTimeout(0)
	}()
}

// serveWebSocket listens on the configured address until shutdown.
func serveWebSocket(cfg *config.Config, b *bridge.Bridge, logger *logging.Logger, coord *shutdown.Coordinator) {
	wsCfg := transport.DefaultWebSocketConfig()
	wsCfg.Config = transportConfig(cfg, logger)
	srv := bridge.NewWebSocketServer(b, cfg.Transport.Addr, cfg.Transport.Path, wsCfg, nil)
	coord.Register("bridge", shutdown.PhaseIntake, srv.Shutdown)

	go func() {
		logger.Info("listening", map[string]interface{}{
			"addr": cfg.Transport.Addr,
			"path": cfg.Transport.Path,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen_failed", map[string]interface{}{"error": err.Error()})
			go coord.ShutdownWithTimeout(0)
		}
	}()
}
