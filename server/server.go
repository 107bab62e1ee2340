package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/n0rlyn/ftpd/internal/filelock"
	"github.com/n0rlyn/ftpd/internal/ratelimit"
	"github.com/n0rlyn/ftpd/internal/transport"
	"github.com/n0rlyn/ftpd/internal/users"
)

// Server is the FTP server: it listens for control connections and
// dispatches each to its own session, serving a single filesystem root
// shared by every user in the store.
//
// Lifecycle:
//  1. Create with NewServer.
//  2. Start with ListenAndServe, or Serve on a listener you built yourself.
//  3. Shutdown closes the listener and every tracked connection.
type Server struct {
	addr string

	rootAbs     string
	users       *users.Store
	locks       *filelock.Table
	publicHost  string
	pasvMinPort int
	pasvMaxPort int

	logger *slog.Logger

	welcomeMessage string
	maxIdleTime    time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

	maxConnections      int
	maxConnectionsPerIP int

	bandwidthLimitPerSession int64
	globalLimiter            *ratelimit.Limiter

	transferLog       io.Writer
	metricsCollector  MetricsCollector
	pathRedactor      PathRedactor
	redactIPAddresses bool

	nextPassivePort atomic.Int32

	activeConns atomic.Int32
	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve/ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// NewServer creates a new FTP server rooted at root, with credentials
// from store.
func NewServer(addr, root string, store *users.Store, options ...Option) (*Server, error) {
	s := &Server{
		addr:           addr,
		rootAbs:        root,
		users:          store,
		locks:          filelock.NewTable(),
		logger:         slog.Default(),
		welcomeMessage: "FTP Server Ready",
		maxIdleTime:    5 * time.Minute,
		conns:          make(map[net.Conn]struct{}),
		connsByIP:      make(map[string]int32),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.rootAbs == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if s.users == nil {
		return nil, fmt.Errorf("a user store is required")
	}

	return s, nil
}

// ListenAndServe starts the FTP server on the configured address. It
// blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := transport.Listen(s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.logger.Info("ftp_server_listening", "addr", s.addr)
	return s.Serve(ln)
}

// Shutdown closes the listener and every active control and data
// connection.
func (s *Server) Shutdown() error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	for conn := range conns {
		conn.Close()
	}
	return err
}

// Serve accepts connections on l, spawning one goroutine per session,
// until l is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	for {
		conn, _, _, err := transport.Accept(l)
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			s.logger.Error("accept_error", "error", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	if !s.trackConnection(conn, true) {
		conn.Close()
		return
	}
	defer s.trackConnection(conn, false)
	s.handleSession(conn)
}

// trackConnection returns false if the server is shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inShutdown.Load() {
		conn.Close()
		return false
	}

	ip, _ := transport.RemoteAddr(conn)
	if add {
		s.conns[conn] = struct{}{}
		if s.maxConnectionsPerIP > 0 {
			s.connsByIPMu.Lock()
			s.connsByIP[ip]++
			s.connsByIPMu.Unlock()
		}
		return true
	}

	delete(s.conns, conn)
	if s.maxConnectionsPerIP > 0 {
		s.connsByIPMu.Lock()
		s.connsByIP[ip]--
		if s.connsByIP[ip] <= 0 {
			delete(s.connsByIP, ip)
		}
		s.connsByIPMu.Unlock()
	}
	return true
}

// trackingConn wraps a data connection so closing it also untracks it.
type trackingConn struct {
	net.Conn
	server *Server
}

func (c *trackingConn) Close() error {
	c.server.trackConnection(c.Conn, false)
	return c.Conn.Close()
}

func (s *Server) handleSession(conn net.Conn) {
	if s.maxConnections > 0 && s.activeConns.Load() >= int32(s.maxConnections) {
		ip, _ := transport.RemoteAddr(conn)
		s.logger.Warn("connection_rejected", "remote_ip", ip, "reason", "global_limit_reached")
		s.recordConnection(false, "global_limit_reached")
		transport.SendAll(conn, []byte("421 Service not available, too many connections.\r\n"))
		conn.Close()
		return
	}

	if s.maxConnectionsPerIP > 0 {
		ip, _ := transport.RemoteAddr(conn)
		s.connsByIPMu.Lock()
		over := s.connsByIP[ip] > int32(s.maxConnectionsPerIP)
		s.connsByIPMu.Unlock()
		if over {
			s.logger.Warn("connection_rejected", "remote_ip", ip, "reason", "per_ip_limit_reached")
			s.recordConnection(false, "per_ip_limit_reached")
			transport.SendAll(conn, []byte("421 Too many connections from your IP address.\r\n"))
			conn.Close()
			return
		}
	}

	s.recordConnection(true, "accepted")
	s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	newSession(s, conn).serve()
}

func (s *Server) recordConnection(accepted bool, reason string) {
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(accepted, reason)
	}
}

// redactPath returns path unchanged, or a redacted form if path redaction
// was enabled via WithPathRedactor.
func (s *Server) redactPath(path string) string {
	if s.pathRedactor != nil {
		return s.pathRedactor(path)
	}
	return path
}

// redactIP returns ip unchanged, or with its last octet masked if IP
// redaction was enabled via WithIPRedaction.
func (s *Server) redactIP(ip string) string {
	if !s.redactIPAddresses {
		return ip
	}
	host, _, err := net.SplitHostPort(ip)
	if err != nil {
		host = ip
	}
	parsed := net.ParseIP(host)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.xxx", v4[0], v4[1], v4[2])
	}
	return "[redacted]"
}
