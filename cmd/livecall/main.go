package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"livecall/internal/api"
	"livecall/internal/calls"
	"livecall/internal/config"
	"livecall/internal/events"
	"livecall/internal/feed"
	"livecall/internal/journal"
	"livecall/internal/models"
	"livecall/internal/observability/logging"
	"livecall/internal/observability/metrics"
	"livecall/internal/playback"
	"livecall/internal/rpc"
	"livecall/internal/server"
	"livecall/internal/serverutil"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides "+config.FileEnv+")")
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	joinChat := flag.String("join", "", "chat id of a broadcast to join at startup")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if value := strings.TrimSpace(*addr); value != "" {
		cfg.HTTP.Addr = value
	}
	if value := strings.TrimSpace(*logLevel); value != "" {
		cfg.Logging.Level = value
	}

	logger := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Backend: cfg.Logging.Backend,
	})

	chatID, err := parseChatID(*joinChat)
	if err != nil {
		logger.Error("invalid join chat id", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, chatID, logger); err != nil {
		logger.Error("livecall stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("livecall stopped")
}

func loadConfig(path string) (config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Load()
	}
	return config.LoadFile(path, nil)
}

func parseChatID(value string) (models.ChatID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id %q: %w", value, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("chat id must not be zero")
	}
	return models.ChatID(id), nil
}

func run(ctx context.Context, cfg config.Config, joinChat models.ChatID, logger *slog.Logger) error {
	recorder := metrics.New()

	client, err := rpc.New(rpc.Config{
		BaseURL:       cfg.Gateway.BaseURL,
		Token:         cfg.Gateway.Token,
		MaxAttempts:   cfg.Gateway.MaxAttempts,
		RetryInterval: cfg.Gateway.RetryInterval,
		Timeout:       cfg.Gateway.Timeout,
		BaseDC:        cfg.Gateway.BaseDC,
		StateCacheTTL: cfg.Gateway.StateCacheTTL,
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		return fmt.Errorf("configure gateway client: %w", err)
	}

	feeds, err := configureFeeds(cfg.Feeds, logger)
	if err != nil {
		return fmt.Errorf("configure feeds: %w", err)
	}
	defer func() {
		if err := feeds.Close(); err != nil {
			logger.Warn("failed to close feeds", "error", err)
		}
	}()

	entries, closeJournal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	controller, err := calls.NewController(calls.Config{
		Profiles:    client,
		GroupCalls:  client,
		Playback:    playback.NewPort(feeds.notices, logger),
		Updates:     feeds.updates,
		StreamTimes: feeds.times,
		Journal:     entries,
		Metrics:     recorder,
		Logger:      logger,
	})
	if err != nil {
		_ = closeJournal(context.Background())
		return fmt.Errorf("configure controller: %w", err)
	}

	handler := api.NewHandler(controller)
	handler.Journal = entries
	handler.Reporter = playback.NewReporter(feeds.times)
	handler.RTMP = client
	handler.Logger = logger

	var monitor *calls.Monitor
	if !cfg.Monitor.Disabled {
		monitor = calls.NewMonitor(controller, calls.MonitorConfig{
			CheckInterval:  cfg.Monitor.CheckInterval,
			RejoinInterval: cfg.Monitor.RejoinInterval,
			MaxErrors:      cfg.Monitor.MaxErrors,
			Logger:         logger,
		})
		handler.Monitor = monitor
	}

	hub := events.NewHub(events.HubConfig{
		Logger:            logger,
		Metrics:           recorder,
		HeartbeatInterval: cfg.HTTP.EventsHeartbeat,
	})
	defer hub.Attach(controller, monitor)()

	srv, err := server.New(handler, server.Config{
		Addr: cfg.HTTP.Addr,
		TLS: server.TLSConfig{
			CertFile: cfg.HTTP.TLSCertFile,
			KeyFile:  cfg.HTTP.TLSKeyFile,
		},
		RateLimit: server.RateLimitConfig{
			ControlRPS:   cfg.HTTP.ControlRPS,
			ControlBurst: cfg.HTTP.ControlBurst,
		},
		ControlToken:    cfg.HTTP.ControlToken,
		Events:          hub,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		_ = closeJournal(context.Background())
		return fmt.Errorf("configure server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return controller.Run(groupCtx)
	})
	if monitor != nil {
		group.Go(func() error {
			return monitor.Run(groupCtx)
		})
	}
	group.Go(func() error {
		return srv.Run(groupCtx, func(net.Addr) {
			if joinChat == 0 {
				return
			}
			group.Go(func() error {
				joinAtStartup(groupCtx, controller, joinChat, logger)
				return nil
			})
		}, hub.Close, leaveOnShutdown(controller), closeJournal)
	})
	return group.Wait()
}

func joinAtStartup(ctx context.Context, controller *calls.Controller, chatID models.ChatID, logger *slog.Logger) {
	if err := controller.JoinCall(ctx, chatID); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("startup join failed", "chat_id", chatID, "error", err)
		return
	}
	if record := controller.CurrentCall(); record != nil {
		logger.Info("joined broadcast at startup", "chat_id", chatID, "call_id", record.CallID())
	}
}

// leaveOnShutdown hangs up the current session so the gateway does not keep
// a stale participant around after the process exits.
func leaveOnShutdown(controller *calls.Controller) serverutil.ShutdownHook {
	return func(ctx context.Context) error {
		if controller.CurrentCall() == nil {
			return nil
		}
		if err := controller.LeaveCall(ctx, false); err != nil {
			return fmt.Errorf("leave current call: %w", err)
		}
		return nil
	}
}

type feedSet struct {
	updates feed.Source[models.GroupCall]
	times   feed.Queue[models.StreamTime]
	notices feed.Queue[models.ServiceMessage]
	closer  func() error
}

func (f feedSet) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer()
}

func configureFeeds(cfg config.Feeds, logger *slog.Logger) (feedSet, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", config.FeedDriverMemory:
		return feedSet{
			updates: feed.NewMemoryQueue[models.GroupCall](cfg.Buffer),
			times:   feed.NewMemoryQueue[models.StreamTime](cfg.Buffer),
			notices: feed.NewMemoryQueue[models.ServiceMessage](cfg.Buffer),
		}, nil
	case config.FeedDriverRedis:
		client, err := feed.NewRedisClient(feed.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Addrs:        cfg.Redis.Addrs,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			MasterName:   cfg.Redis.MasterName,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
			PoolSize:     cfg.Redis.PoolSize,
			TLS: feed.RedisTLSConfig{
				CAFile:             cfg.Redis.TLSCAFile,
				CertFile:           cfg.Redis.TLSCertFile,
				KeyFile:            cfg.Redis.TLSKeyFile,
				ServerName:         cfg.Redis.TLSServerName,
				InsecureSkipVerify: cfg.Redis.TLSSkipVerify,
			},
		})
		if err != nil {
			return feedSet{}, err
		}
		feedLogger := logging.WithComponent(logger, "feed")
		updates, err := feed.NewRedisQueue[models.GroupCall](client, cfg.Redis.UpdatesChannel, cfg.Buffer, feedLogger)
		if err != nil {
			_ = client.Close()
			return feedSet{}, err
		}
		times, err := feed.NewRedisQueue[models.StreamTime](client, cfg.Redis.StreamTimeChannel, cfg.Buffer, feedLogger)
		if err != nil {
			_ = client.Close()
			return feedSet{}, err
		}
		notices, err := feed.NewRedisQueue[models.ServiceMessage](client, cfg.Redis.NoticesChannel, cfg.Buffer, feedLogger)
		if err != nil {
			_ = client.Close()
			return feedSet{}, err
		}
		return feedSet{updates: updates, times: times, notices: notices, closer: client.Close}, nil
	case config.FeedDriverWebsocket:
		updates, err := feed.NewWebsocketSource[models.GroupCall](feed.WebsocketConfig{
			URL:              cfg.Websocket.URL,
			Token:            cfg.Websocket.Token,
			HandshakeTimeout: cfg.Websocket.HandshakeTimeout,
			ReconnectDelay:   cfg.Websocket.ReconnectDelay,
			Buffer:           cfg.Buffer,
			Logger:           logging.WithComponent(logger, "feed"),
		})
		if err != nil {
			return feedSet{}, err
		}
		return feedSet{
			updates: updates,
			times:   feed.NewMemoryQueue[models.StreamTime](cfg.Buffer),
			notices: feed.NewMemoryQueue[models.ServiceMessage](cfg.Buffer),
		}, nil
	default:
		return feedSet{}, fmt.Errorf("unsupported feed driver %q", driver)
	}
}

// openJournal returns the configured journal and the shutdown hook that
// releases it.
func openJournal(ctx context.Context, cfg config.Journal) (journal.Journal, serverutil.ShutdownHook, error) {
	noop := func(context.Context) error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.JournalDriverMemory:
		return journal.NewMemory(cfg.Capacity), noop, nil
	case config.JournalDriverPostgres:
		store, err := journal.OpenPostgres(ctx, journal.PostgresConfig{
			DSN:             cfg.DSN,
			MaxConnections:  cfg.MaxConnections,
			MinConnections:  cfg.MinConnections,
			MaxConnLifetime: cfg.MaxConnLifetime,
			AcquireTimeout:  cfg.AcquireTimeout,
			ApplicationName: "livecall",
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close(context.Background())
			return nil, nil, fmt.Errorf("migrate journal: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported journal driver %q", cfg.Driver)
	}
}
