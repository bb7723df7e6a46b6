// Package redisstub implements just enough of the Redis protocol (RESP2) to
// exercise pub/sub feeds in tests: AUTH, HELLO (rejected, forcing RESP2),
// PING, PUBLISH, SUBSCRIBE and UNSUBSCRIBE.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	channels map[string]map[*client]struct{}
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

// client is one connection; writes are serialised because publishers deliver
// to subscribers from their own goroutines.
type client struct {
	mu         sync.Mutex
	writer     *bufio.Writer
	subscribed map[string]struct{}
}

func (c *client) write(fn func(w *bufio.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.writer)
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		channels: make(map[string]map[*client]struct{}),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return nil, err
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Subscribers reports how many connections are subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[channel])
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	c := &client{writer: bufio.NewWriter(conn), subscribed: make(map[string]struct{})}
	defer func() {
		s.unsubscribeAll(c)
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			_ = c.write(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments") })
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "HELLO":
			err = c.write(func(w *bufio.Writer) error { return writeError(w, "ERR unknown command 'HELLO'") })
		case "AUTH":
			password := ""
			if len(args) == 2 {
				password = args[1]
			} else if len(args) == 3 {
				password = args[2]
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				err = c.write(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
			} else {
				err = c.write(func(w *bufio.Writer) error { return writeError(w, "WRONGPASS invalid username-password pair") })
			}
		case "SELECT", "CLIENT":
			err = c.write(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
		default:
			if !authenticated {
				err = c.write(func(w *bufio.Writer) error { return writeError(w, "NOAUTH Authentication required.") })
				break
			}
			err = s.dispatch(c, args)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(c *client, args []string) error {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "PING":
		c.mu.Lock()
		subscribed := len(c.subscribed) > 0
		c.mu.Unlock()
		if subscribed {
			return c.write(func(w *bufio.Writer) error { return writeArray(w, []interface{}{"pong", ""}) })
		}
		return c.write(func(w *bufio.Writer) error { return writeSimpleString(w, "PONG") })
	case "PUBLISH":
		if len(args) != 3 {
			return c.write(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments for 'publish'") })
		}
		delivered := s.publish(args[1], args[2])
		return c.write(func(w *bufio.Writer) error { return writeInteger(w, int64(delivered)) })
	case "SUBSCRIBE":
		if len(args) < 2 {
			return c.write(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments for 'subscribe'") })
		}
		for _, channel := range args[1:] {
			count := s.subscribe(c, channel)
			if err := c.write(func(w *bufio.Writer) error {
				return writeArray(w, []interface{}{"subscribe", channel, int64(count)})
			}); err != nil {
				return err
			}
		}
		return nil
	case "UNSUBSCRIBE":
		channels := args[1:]
		if len(channels) == 0 {
			c.mu.Lock()
			for channel := range c.subscribed {
				channels = append(channels, channel)
			}
			c.mu.Unlock()
		}
		for _, channel := range channels {
			count := s.unsubscribe(c, channel)
			if err := c.write(func(w *bufio.Writer) error {
				return writeArray(w, []interface{}{"unsubscribe", channel, int64(count)})
			}); err != nil {
				return err
			}
		}
		return nil
	default:
		return c.write(func(w *bufio.Writer) error { return writeError(w, "ERR unsupported command") })
	}
}

func (s *Server) publish(channel, payload string) int {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.channels[channel]))
	for c := range s.channels[channel] {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	delivered := 0
	for _, c := range targets {
		if err := c.write(func(w *bufio.Writer) error {
			return writeArray(w, []interface{}{"message", channel, payload})
		}); err == nil {
			delivered++
		}
	}
	return delivered
}

func (s *Server) subscribe(c *client, channel string) int {
	s.mu.Lock()
	subs, ok := s.channels[channel]
	if !ok {
		subs = make(map[*client]struct{})
		s.channels[channel] = subs
	}
	subs[c] = struct{}{}
	s.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[channel] = struct{}{}
	return len(c.subscribed)
}

func (s *Server) unsubscribe(c *client, channel string) int {
	s.mu.Lock()
	if subs, ok := s.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.channels, channel)
		}
	}
	s.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, channel)
	return len(c.subscribed)
}

func (s *Server) unsubscribeAll(c *client) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subscribed))
	for channel := range c.subscribed {
		channels = append(channels, channel)
	}
	c.mu.Unlock()
	for _, channel := range channels {
		s.unsubscribe(c, channel)
	}
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		default:
			s := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
