// Package smtp implements the inbound SMTP capture server: a supervisor
// owning the listening socket, one session goroutine per connection, and the
// policy objects (authenticator, rate limiter, domain guard) shared between
// sessions.
package smtp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailpipe/mailpipe/internal/metrics"
	"github.com/mailpipe/mailpipe/internal/parser"
)

// Server accepts connections and supervises their sessions.
type Server struct {
	cfg       *Config
	auth      *Authenticator
	deliverer Deliverer
	parser    *parser.EmailParser
	limiter   *RateLimiter
	domains   *DomainGuard
	stats     *ServerStats
	logger    *slog.Logger

	listener net.Listener

	activeConns   int64
	ipConnections map[string]int
	ipConnMu      sync.Mutex

	conns   map[net.Conn]struct{}
	connsMu sync.Mutex

	running    atomic.Bool
	wg         sync.WaitGroup
	shutdownCh chan struct{}
}

// NewServer creates a Server. The deliverer receives every captured message;
// the authenticator may be nil-checked off via a nil credential function.
func NewServer(cfg *Config, auth *Authenticator, deliverer Deliverer, msgParser *parser.EmailParser, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		auth:          auth,
		deliverer:     deliverer,
		parser:        msgParser,
		limiter:       NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		domains:       NewDomainGuard(cfg.AllowedDomains),
		stats:         NewServerStats(time.Now().UTC()),
		logger:        logger,
		ipConnections: make(map[string]int),
		conns:         make(map[net.Conn]struct{}),
		shutdownCh:    make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting connections. A bind
// failure leaves no partial listening state behind.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.logger.Info("SMTP server listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.cfg.Hostname),
	)

	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address, for tests that bind port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting new connections and drains in-flight sessions. After
// the configured grace period remaining connections are forcibly closed.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	close(s.shutdownCh)

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	select {
	case <-done:
		s.logger.Info("SMTP server stopped gracefully")
	case <-time.After(grace):
		s.logger.Warn("shutdown grace period expired, closing remaining sessions")
		s.closeAll()
		<-done
	}
	return nil
}

// Stats returns an atomic snapshot of the server counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// ActiveConnections returns the number of in-flight sessions.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

func (s *Server) acceptLoop() {
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.logger.Error("accept failed", slog.String("error", err.Error()))
			}
			continue
		}
		// Register before the goroutine starts so Stop's Wait cannot miss
		// a just-accepted session.
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection enforces connection-level limits, then runs one session.
// The caller has already added it to the wait group.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	metrics.ConnectionsTotal.Inc()

	remoteIP := peerIP(conn)

	if !s.acquireConnection() {
		rejectConnection(conn, "Too many connections")
		return
	}
	defer s.releaseConnection()

	if !s.acquireIPConnection(remoteIP) {
		rejectConnection(conn, "Too many connections from your IP")
		return
	}
	defer s.releaseIPConnection(remoteIP)

	s.trackConn(conn)
	defer s.untrackConn(conn)

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	s.logger.Debug("connection accepted", slog.String("remote_ip", remoteIP))

	session := newSession(conn, s, remoteIP)
	session.Run()
}

// acquireConnection claims a global session slot via CAS so the cap holds
// under concurrent accepts.
func (s *Server) acquireConnection() bool {
	for {
		current := atomic.LoadInt64(&s.activeConns)
		if current >= int64(s.cfg.MaxConnections) {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseConnection() {
	atomic.AddInt64(&s.activeConns, -1)
}

func (s *Server) acquireIPConnection(ip string) bool {
	s.ipConnMu.Lock()
	defer s.ipConnMu.Unlock()

	if s.ipConnections[ip] >= s.cfg.MaxConnectionsPerIP {
		return false
	}
	s.ipConnections[ip]++
	return true
}

func (s *Server) releaseIPConnection(ip string) {
	s.ipConnMu.Lock()
	defer s.ipConnMu.Unlock()

	if s.ipConnections[ip] <= 1 {
		delete(s.ipConnections, ip)
	} else {
		s.ipConnections[ip]--
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// closeAll force-closes every tracked connection after the drain deadline.
func (s *Server) closeAll() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// rejectConnection turns away a connection before a session starts.
func rejectConnection(conn net.Conn, reason string) {
	fmt.Fprintf(conn, "%d %s\r\n", CodeServiceUnavailable, reason)
	conn.Close()
}

func peerIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}
