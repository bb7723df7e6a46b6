package feed

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis client shared by pub/sub feeds.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// NewRedisClient builds a universal client (single node, cluster or sentinel
// depending on the addresses supplied).
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            addrs,
		MasterName:       strings.TrimSpace(cfg.MasterName),
		Username:         strings.TrimSpace(cfg.Username),
		Password:         cfg.Password,
		TLSConfig:        tlsConfig,
		DialTimeout:      cfg.DialTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PoolSize:         cfg.PoolSize,
		MaxRetries:       2,
		DisableIndentity: true,
	}), nil
}

// NewRedisQueue returns a queue that publishes JSON-encoded events on a Redis
// pub/sub channel. Several queues may share one client.
func NewRedisQueue[T any](client redis.UniversalClient, channel string, buffer int, logger *slog.Logger) (Queue[T], error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisQueue[T]{
		client:  client,
		channel: channel,
		buffer:  buffer,
		logger:  logger.With("channel", channel),
	}, nil
}

type redisQueue[T any] struct {
	client  redis.UniversalClient
	channel string
	buffer  int
	logger  *slog.Logger
}

func (q *redisQueue[T]) Publish(ctx context.Context, event T) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.client.Publish(ctx, q.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", q.channel, err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription so that events
// published after it returns are not missed.
func (q *redisQueue[T]) Subscribe(ctx context.Context) (Subscription[T], error) {
	pubsub := q.client.Subscribe(ctx, q.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", q.channel, err)
	}
	sub := &redisSubscription[T]{
		pubsub: pubsub,
		logger: q.logger,
		ch:     make(chan T, q.buffer),
	}
	go sub.run(pubsub.Channel())
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

type redisSubscription[T any] struct {
	pubsub *redis.PubSub
	logger *slog.Logger
	once   sync.Once
	ch     chan T
}

func (s *redisSubscription[T]) Events() <-chan T {
	return s.ch
}

func (s *redisSubscription[T]) Close() {
	s.once.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			s.logger.Debug("redis pubsub close failed", "error", err)
		}
	})
}

func (s *redisSubscription[T]) run(messages <-chan *redis.Message) {
	defer close(s.ch)
	for msg := range messages {
		var event T
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.logger.Error("redis feed decode failed", "error", err)
			continue
		}
		select {
		case s.ch <- event:
		default:
			s.logger.Warn("redis feed subscriber is full, dropping event")
		}
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
