// Package config loads the process configuration. Values come from an
// optional YAML file named by LIVECALL_CONFIG and are then overridden by
// LIVECALL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "LIVECALL_CONFIG"

// EnvPrefix is shared by every configuration variable.
const EnvPrefix = "LIVECALL_"

// Feed drivers.
const (
	FeedDriverMemory    = "memory"
	FeedDriverRedis     = "redis"
	FeedDriverWebsocket = "websocket"
)

// Journal drivers.
const (
	JournalDriverMemory   = "memory"
	JournalDriverPostgres = "postgres"
)

type Config struct {
	Gateway Gateway `yaml:"gateway" envPrefix:"GATEWAY_"`
	Feeds   Feeds   `yaml:"feeds" envPrefix:"FEEDS_"`
	Journal Journal `yaml:"journal" envPrefix:"JOURNAL_"`
	Monitor Monitor `yaml:"monitor" envPrefix:"MONITOR_"`
	HTTP    HTTP    `yaml:"http" envPrefix:"HTTP_"`
	Logging Logging `yaml:"logging" envPrefix:"LOG_"`
}

// Gateway configures the messaging API client.
type Gateway struct {
	BaseURL       string        `yaml:"baseURL" env:"BASE_URL"`
	Token         string        `yaml:"token" env:"TOKEN"`
	MaxAttempts   int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	RetryInterval time.Duration `yaml:"retryInterval" env:"RETRY_INTERVAL"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	BaseDC        int           `yaml:"baseDC" env:"BASE_DC"`
	StateCacheTTL time.Duration `yaml:"stateCacheTTL" env:"STATE_CACHE_TTL"`
}

// Feeds selects how call updates, stream times and playback notices travel.
type Feeds struct {
	Driver    string    `yaml:"driver" env:"DRIVER"`
	Buffer    int       `yaml:"buffer" env:"BUFFER"`
	Redis     Redis     `yaml:"redis" envPrefix:"REDIS_"`
	Websocket Websocket `yaml:"websocket" envPrefix:"WS_"`
}

type Redis struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	Addrs             []string      `yaml:"addrs" env:"ADDRS" envSeparator:","`
	Username          string        `yaml:"username" env:"USERNAME"`
	Password          string        `yaml:"password" env:"PASSWORD"`
	MasterName        string        `yaml:"masterName" env:"MASTER_NAME"`
	PoolSize          int           `yaml:"poolSize" env:"POOL_SIZE"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	TLSCAFile         string        `yaml:"tlsCAFile" env:"TLS_CA"`
	TLSCertFile       string        `yaml:"tlsCertFile" env:"TLS_CERT"`
	TLSKeyFile        string        `yaml:"tlsKeyFile" env:"TLS_KEY"`
	TLSServerName     string        `yaml:"tlsServerName" env:"TLS_SERVER_NAME"`
	TLSSkipVerify     bool          `yaml:"tlsSkipVerify" env:"TLS_SKIP_VERIFY"`
	UpdatesChannel    string        `yaml:"updatesChannel" env:"UPDATES_CHANNEL"`
	StreamTimeChannel string        `yaml:"streamTimeChannel" env:"STREAM_TIME_CHANNEL"`
	NoticesChannel    string        `yaml:"noticesChannel" env:"NOTICES_CHANNEL"`
}

// Websocket configures the gateway update stream used by the websocket driver.
type Websocket struct {
	URL              string        `yaml:"url" env:"URL"`
	Token            string        `yaml:"token" env:"TOKEN"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" env:"HANDSHAKE_TIMEOUT"`
	ReconnectDelay   time.Duration `yaml:"reconnectDelay" env:"RECONNECT_DELAY"`
}

type Journal struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Capacity        int           `yaml:"capacity" env:"CAPACITY"`
	DSN             string        `yaml:"dsn" env:"POSTGRES_DSN"`
	MaxConnections  int32         `yaml:"maxConnections" env:"POSTGRES_MAX_CONNS"`
	MinConnections  int32         `yaml:"minConnections" env:"POSTGRES_MIN_CONNS"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime" env:"POSTGRES_MAX_CONN_LIFETIME"`
	AcquireTimeout  time.Duration `yaml:"acquireTimeout" env:"POSTGRES_ACQUIRE_TIMEOUT"`
}

type Monitor struct {
	Disabled       bool          `yaml:"disabled" env:"DISABLED"`
	CheckInterval  time.Duration `yaml:"checkInterval" env:"CHECK_INTERVAL"`
	RejoinInterval time.Duration `yaml:"rejoinInterval" env:"REJOIN_INTERVAL"`
	MaxErrors      int           `yaml:"maxErrors" env:"MAX_ERRORS"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	TLSCertFile     string        `yaml:"tlsCertFile" env:"TLS_CERT"`
	TLSKeyFile      string        `yaml:"tlsKeyFile" env:"TLS_KEY"`
	ControlToken    string        `yaml:"controlToken" env:"CONTROL_TOKEN"`
	ControlRPS      float64       `yaml:"controlRPS" env:"CONTROL_RPS"`
	ControlBurst    int           `yaml:"controlBurst" env:"CONTROL_BURST"`
	EventsHeartbeat time.Duration `yaml:"eventsHeartbeat" env:"EVENTS_HEARTBEAT"`
}

type Logging struct {
	Level   string `yaml:"level" env:"LEVEL"`
	Format  string `yaml:"format" env:"FORMAT"`
	Backend string `yaml:"backend" env:"BACKEND"`
}

// Load reads the YAML file named by LIVECALL_CONFIG (if any), applies the
// environment on top, fills defaults and validates the result.
func Load() (Config, error) {
	return load(os.Getenv(FileEnv), nil)
}

// LoadFile is Load with an explicit YAML path and environment. A nil
// environment falls back to the process environment.
func LoadFile(path string, environ map[string]string) (Config, error) {
	return load(path, environ)
}

func load(path string, environ map[string]string) (Config, error) {
	var cfg Config
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.MaxAttempts <= 0 {
		c.Gateway.MaxAttempts = 3
	}
	if c.Gateway.RetryInterval <= 0 {
		c.Gateway.RetryInterval = 250 * time.Millisecond
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 10 * time.Second
	}
	if c.Gateway.BaseDC <= 0 {
		c.Gateway.BaseDC = 2
	}
	if c.Gateway.StateCacheTTL <= 0 {
		c.Gateway.StateCacheTTL = time.Second
	}
	c.Feeds.Driver = strings.ToLower(strings.TrimSpace(c.Feeds.Driver))
	if c.Feeds.Driver == "" {
		c.Feeds.Driver = FeedDriverMemory
	}
	if c.Feeds.Buffer <= 0 {
		c.Feeds.Buffer = 64
	}
	if c.Feeds.Redis.UpdatesChannel == "" {
		c.Feeds.Redis.UpdatesChannel = "livecall:updates"
	}
	if c.Feeds.Redis.StreamTimeChannel == "" {
		c.Feeds.Redis.StreamTimeChannel = "livecall:stream-time"
	}
	if c.Feeds.Redis.NoticesChannel == "" {
		c.Feeds.Redis.NoticesChannel = "livecall:notices"
	}
	if c.Feeds.Websocket.Token == "" {
		c.Feeds.Websocket.Token = c.Gateway.Token
	}
	c.Journal.Driver = strings.ToLower(strings.TrimSpace(c.Journal.Driver))
	if c.Journal.Driver == "" {
		c.Journal.Driver = JournalDriverMemory
	}
	if c.Monitor.CheckInterval <= 0 {
		c.Monitor.CheckInterval = time.Second
	}
	if c.Monitor.RejoinInterval <= 0 {
		c.Monitor.RejoinInterval = 15 * time.Second
	}
	if c.Monitor.MaxErrors <= 0 {
		c.Monitor.MaxErrors = 5
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8090"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.HTTP.EventsHeartbeat <= 0 {
		c.HTTP.EventsHeartbeat = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var problems []string
	if c.Gateway.BaseURL == "" {
		problems = append(problems, "gateway base url is required")
	} else if u, err := url.Parse(c.Gateway.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("gateway base url %q is invalid", c.Gateway.BaseURL))
	}
	switch c.Feeds.Driver {
	case FeedDriverMemory:
	case FeedDriverRedis:
		if c.Feeds.Redis.Addr == "" && len(c.Feeds.Redis.Addrs) == 0 {
			problems = append(problems, "redis feed driver requires an address")
		}
	case FeedDriverWebsocket:
		if c.Feeds.Websocket.URL == "" {
			problems = append(problems, "websocket feed driver requires a url")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported feed driver %q", c.Feeds.Driver))
	}
	switch c.Journal.Driver {
	case JournalDriverMemory:
	case JournalDriverPostgres:
		if c.Journal.DSN == "" {
			problems = append(problems, "postgres journal requires a dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported journal driver %q", c.Journal.Driver))
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		problems = append(problems, "http tls requires both cert and key files")
	}
	if c.HTTP.ControlRPS < 0 || c.HTTP.ControlBurst < 0 {
		problems = append(problems, "http control rate limit must not be negative")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
