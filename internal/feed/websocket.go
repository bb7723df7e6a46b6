package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConfig configures a push feed read from a websocket endpoint that
// emits one JSON document per text frame.
type WebsocketConfig struct {
	URL              string
	Token            string
	Header           http.Header
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	Buffer           int
	Logger           *slog.Logger
}

// NewWebsocketSource returns a Source that dials cfg.URL for every
// subscription and keeps reconnecting until the subscription is closed.
func NewWebsocketSource[T any](cfg WebsocketConfig) (Source[T], error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &websocketSource[T]{cfg: cfg}, nil
}

type websocketSource[T any] struct {
	cfg WebsocketConfig
}

func (s *websocketSource[T]) header() http.Header {
	header := http.Header{}
	for key, values := range s.cfg.Header {
		header[key] = append([]string(nil), values...)
	}
	if token := strings.TrimSpace(s.cfg.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

func (s *websocketSource[T]) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, s.header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// Subscribe dials once synchronously so configuration errors surface to the
// caller; later disconnects are retried in the background.
func (s *websocketSource[T]) Subscribe(ctx context.Context) (Subscription[T], error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &websocketSubscription[T]{
		source: s,
		cancel: cancel,
		conn:   conn,
		ch:     make(chan T, s.cfg.Buffer),
	}
	context.AfterFunc(subCtx, sub.Close)
	go sub.run(subCtx)
	return sub, nil
}

type websocketSubscription[T any] struct {
	source *websocketSource[T]
	cancel context.CancelFunc
	once   sync.Once

	mu   sync.Mutex
	conn *websocket.Conn

	ch chan T
}

func (s *websocketSubscription[T]) Events() <-chan T {
	return s.ch
}

func (s *websocketSubscription[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *websocketSubscription[T]) swap(conn *websocket.Conn) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.conn
	s.conn = conn
	return previous
}

func (s *websocketSubscription[T]) run(ctx context.Context) {
	defer close(s.ch)
	defer s.Close()
	logger := s.source.cfg.Logger
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	for {
		err := s.read(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("websocket feed disconnected", "url", s.source.cfg.URL, "error", err)
		conn = nil
		for conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.source.cfg.ReconnectDelay):
			}
			next, dialErr := s.source.dial(ctx)
			if dialErr != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("websocket feed reconnect failed", "url", s.source.cfg.URL, "error", dialErr)
				continue
			}
			conn = next
		}
		if previous := s.swap(conn); previous != nil {
			_ = previous.Close()
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}
	}
}

func (s *websocketSubscription[T]) read(ctx context.Context, conn *websocket.Conn) error {
	logger := s.source.cfg.Logger
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var event T
		if err := json.Unmarshal(data, &event); err != nil {
			logger.Error("websocket feed decode failed", "error", err)
			continue
		}
		select {
		case s.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			logger.Warn("websocket feed subscriber is full, dropping event")
		}
	}
}
