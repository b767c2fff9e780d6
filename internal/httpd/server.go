package httpd

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler serves parsed requests. Implementations reply through Request.Send
// and may keep the response body streaming long after Serve returns.
type Handler interface {
	Serve(req *Request)
}

// ServerConfig carries the listener and connection hygiene knobs.
type ServerConfig struct {
	Host string
	// Port 0 binds an ephemeral port; read it back through Port().
	Port            int
	IdleConnTimeout time.Duration
	SweepInterval   time.Duration
	MaxRequestBytes int64
}

// DefaultServerConfig returns the production listener parameters. Streams
// are served to local players only, so the default bind is loopback.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		IdleConnTimeout: 7 * time.Second,
		SweepInterval:   3 * time.Second,
		MaxRequestBytes: 1 << 20,
	}
}

// Server accepts raw TCP connections and speaks just enough HTTP/1.1 for
// media players: GET and HEAD with ranges. It deliberately bypasses
// net/http so response bytes sit in one observable write queue per
// connection.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     zerolog.Logger

	// recvLimit allows 10% slack over MaxRequestBytes before a 413, so a
	// request arriving right at the cap is not rejected mid-frame.
	recvLimit int64

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*Conn]struct{}
	closed bool
	done   chan struct{}
}

func NewServer(cfg ServerConfig, handler Handler, log zerolog.Logger) *Server {
	d := DefaultServerConfig()
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = d.IdleConnTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = d.MaxRequestBytes
	}
	return &Server{
		cfg:       cfg,
		handler:   handler,
		log:       log.With().Str("component", "httpd").Logger(),
		recvLimit: cfg.MaxRequestBytes + cfg.MaxRequestBytes/10,
		conns:     make(map[*Conn]struct{}),
		done:      make(chan struct{}),
	}
}

// Listen binds the configured address and starts serving. Calling it again
// while listening is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("httpd: server closed")
	}
	if s.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpd: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("stream listener up")

	go s.acceptLoop(ln)
	go s.sweepLoop()
	return nil
}

// Listening reports whether the listener is bound.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *Server) Host() string { return s.cfg.Host }

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		c := newConn(s, nc)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go c.serve()
	}
}

// sweepLoop closes connections that have sat idle past the timeout. Players
// keep range connections open between seeks; abandoned ones must not pin
// the listener's connection table.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, c := range s.snapshot() {
				if c.expired(now, s.cfg.IdleConnTimeout) {
					c.Close()
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) snapshot() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops the listener and shuts every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	close(s.done)
	if ln != nil {
		ln.Close()
	}
	for _, c := range s.snapshot() {
		c.Close()
	}
	return nil
}
