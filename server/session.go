package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/n0rlyn/ftpd/internal/ftptext"
	"github.com/n0rlyn/ftpd/internal/ratelimit"
	"github.com/n0rlyn/ftpd/internal/transport"
	"github.com/n0rlyn/ftpd/internal/users"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// transferState tracks where an async RETR/STOR/APPE/LIST/NLST worker is
// in its lifecycle, so ABOR and STAT can report something meaningful.
type transferState int

const (
	transferIdle transferState = iota
	transferStarting
	transferRunning
	transferCompleting
	transferAborted
)

// session represents an FTP client session.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	tnet   *telnetReader
	mu     sync.Mutex // protects writer, conn-adjacent state and the fields below

	sessionID string
	remoteIP  string

	isLoggedIn bool
	userName   string
	user       *users.User
	cwd        string // virtual path, always starts with "/"

	renameFrom   string
	restOffset   int64
	transferType ftptext.TransferType

	// Background transfer state. Unlike the synchronous RETR/STOR/APPE the
	// teacher shipped, these are driven for real: a worker goroutine owns
	// the actual copy loop and this state tracks it.
	state          transferState
	transferCtx    context.Context
	transferCancel context.CancelFunc
	transferWG     sync.WaitGroup

	cmdReqChan chan struct{}

	dataConn       net.Conn
	pasvListener   net.Listener
	activeIP       string
	activePort     int
	lastPublicHost string
	resolvedIP     net.IP

	// Per-session statistics, reported in QUIT's multi-line 221 reply.
	bytesUp, bytesDown int64
	filesUp, filesDown int64
	commandCount       int64
	connectTime        time.Time

	// lastThrottleMs is how long the most recently completed transfer's
	// rate limiter blocked it, set by the transfer worker goroutine just
	// before it logs transfer_complete. Only that goroutine touches it,
	// and only one transfer runs per session at a time, so it needs no
	// lock of its own.
	lastThrottleMs int64
}

// validateActiveIP ensures the data connection target matches the control
// connection source. This prevents FTP bounce attacks.
func (s *session) validateActiveIP(ip net.IP) bool {
	host, _ := transport.RemoteAddr(s.conn)
	remoteIP := net.ParseIP(host)
	if remoteIP == nil {
		return false
	}
	return ip.Equal(remoteIP)
}

// generateSessionID generates a unique 8-character session ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

// rateLimitReader wraps a reader with bandwidth limiting if configured.
// Applies both the per-session limit and the server-wide limit.
func (s *session) rateLimitReader(r io.Reader) io.Reader {
	if s.server.bandwidthLimitPerSession > 0 {
		r = ratelimit.NewReader(r, ratelimit.New(s.server.bandwidthLimitPerSession))
	}
	if s.server.globalLimiter != nil {
		r = ratelimit.NewReader(r, s.server.globalLimiter)
	}
	return r
}

// rateLimitWriter wraps a writer with bandwidth limiting if configured.
func (s *session) rateLimitWriter(w io.Writer) io.Writer {
	if s.server.bandwidthLimitPerSession > 0 {
		w = ratelimit.NewWriter(w, ratelimit.New(s.server.bandwidthLimitPerSession))
	}
	if s.server.globalLimiter != nil {
		w = ratelimit.NewWriter(w, s.server.globalLimiter)
	}
	return w
}

// noteThrottle records how long v (the rate-limited reader or writer a
// just-finished transfer copied through) spent blocked waiting for
// tokens, for the "throttled_ms" field on the next transfer_complete log
// line. v is whatever rateLimitReader/rateLimitWriter last returned; if
// bandwidth limiting wasn't configured it won't implement
// ratelimit.Throttled, and this records zero.
func (s *session) noteThrottle(v any) {
	if th, ok := v.(ratelimit.Throttled); ok {
		s.lastThrottleMs = th.Throttled().Milliseconds()
	} else {
		s.lastThrottleMs = 0
	}
}

// newSession creates a new session bound to conn.
func newSession(server *Server, conn net.Conn) *session {
	transport.SetTCPNoDelay(conn, true)
	transport.SetKeepAlive(conn, true)

	remoteIP, _ := transport.RemoteAddr(conn)
	tr := newTelnetReader(conn)

	return &session{
		server:       server,
		conn:         conn,
		reader:       bufio.NewReader(tr),
		writer:       bufio.NewWriter(conn),
		tnet:         tr,
		sessionID:    generateSessionID(),
		remoteIP:     remoteIP,
		cwd:          "/",
		transferType: ftptext.TypeASCII,
		cmdReqChan:   make(chan struct{}),
		connectTime:  time.Now(),
	}
}

type command struct {
	line string
	err  error
}

// serve handles one FTP session end to end.
//
// A dedicated reader goroutine pulls command lines off the control
// connection and hands them to this loop over cmdChan; the loop dispatches
// each one and then signals cmdReqChan before the reader is allowed to
// read the next line. RETR/STOR/APPE/LIST/NLST hand their actual I/O to a
// worker goroutine (server/transfer.go) and return immediately, so the
// loop keeps servicing commands — specifically ABOR and STAT — while a
// transfer is in flight. The worker and this loop only ever touch shared
// session state under s.mu.
func (s *session) serve() {
	defer s.close()

	s.sendWelcome()
	s.server.logger.Info("session_started", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP))

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		cmd, ok := <-cmdChan
		if !ok {
			return
		}
		if cmd.err != nil {
			if strings.Contains(cmd.err.Error(), "command line exceeds") {
				s.reply(500, "Command line too long.")
			}
			return
		}

		_ = transport.SetRecvTimeout(s.conn, 0)
		if s.server.writeTimeout > 0 {
			_ = transport.SetSendTimeout(s.conn, s.server.writeTimeout)
		}

		s.handleCommand(cmd.line)

		if s.server.writeTimeout > 0 {
			_ = transport.SetSendTimeout(s.conn, 0)
		}

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-time.After(time.Second):
		}
	}
}

func (s *session) sendWelcome() {
	s.reply(220, s.server.welcomeMessage)
}

func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			idle := s.server.maxIdleTime
			if s.server.readTimeout > 0 {
				idle = s.server.readTimeout
			}
			if idle > 0 {
				_ = transport.SetRecvTimeout(s.conn, idle)
			}

			line, err := transport.RecvLine(s.reader, MaxCommandLength)

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// close closes the session and waits for any background transfer worker.
func (s *session) close() {
	s.mu.Lock()
	if s.transferCancel != nil {
		s.transferCancel()
	}
	if s.pasvListener != nil {
		s.pasvListener.Close()
	}
	if s.dataConn != nil {
		s.dataConn.Close()
	}
	s.mu.Unlock()

	s.conn.Close()
	s.transferWG.Wait()

	s.server.logger.Debug("session_closed", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP), "user", s.userName, "telnet_iac_filtered", s.tnet.FilteredCount())
}

// handleCommand parses and dispatches one command line.
func (s *session) handleCommand(line string) {
	parsed, err := ftptext.ParseCommand(line)
	if err != nil {
		s.reply(500, "Syntax error, command unrecognized.")
		return
	}
	cmd, arg := parsed.Verb, parsed.Argument

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command_received", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP), "user", s.userName, "cmd", cmd, "arg", logArg)
	s.mu.Lock()
	s.commandCount++
	busy := s.state == transferStarting || s.state == transferRunning
	s.mu.Unlock()

	if busy && cmd != "ABOR" && cmd != "STAT" && cmd != "QUIT" {
		s.reply(503, "Transfer in progress, please ABOR or wait.")
		return
	}

	switch cmd {
	case "USER":
		s.applyPreflight(preflightClearBoth)
		s.cmdUSER(arg)
		return
	case "PASS":
		s.applyPreflight(preflightClearBoth)
		s.cmdPASS(arg)
		return
	case "QUIT":
		s.applyPreflight(preflightClearBoth)
		s.cmdQUIT(arg)
		return
	case "NOOP":
		s.reply(200, "OK.")
		return
	}

	entry, ok := registry[cmd]
	if !ok {
		s.reply(502, "Command not implemented.")
		return
	}
	s.applyPreflight(entry.preflight)

	start := time.Now()
	entry.handler(s, arg)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(cmd, true, time.Since(start))
	}
}

// requireLogin enforces the Authenticated-only part of the control state
// machine: commands other than USER/PASS/QUIT/NOOP get 530 in the
// Connected state (no USER sent yet) and 503 in AwaitingPassword (USER
// sent, no successful PASS yet).
func (s *session) requireLogin() bool {
	s.mu.Lock()
	loggedIn := s.isLoggedIn
	awaitingPassword := !loggedIn && s.userName != ""
	s.mu.Unlock()

	if loggedIn {
		return true
	}
	if awaitingPassword {
		s.reply(503, "Login with PASS required.")
	} else {
		s.reply(530, "Please login with USER and PASS.")
	}
	return false
}

func (s *session) connData() (net.Conn, error) {
	s.mu.Lock()
	pasv := s.pasvListener
	activeIP := s.activeIP
	s.mu.Unlock()

	if pasv != nil {
		return s.connPassive(pasv)
	}
	if activeIP != "" {
		return s.connActive()
	}
	return nil, fmt.Errorf("no data connection setup")
}

func (s *session) connPassive(ln net.Listener) (net.Conn, error) {
	if t, ok := ln.(*net.TCPListener); ok {
		_ = t.SetDeadline(time.Now().Add(10 * time.Second))
	}
	conn, _, _, err := transport.Accept(ln)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pasvListener.Close()
	s.pasvListener = nil
	s.mu.Unlock()
	return s.wrapDataConn(conn)
}

func (s *session) connActive() (net.Conn, error) {
	s.mu.Lock()
	ip, port := s.activeIP, s.activePort
	s.mu.Unlock()

	conn, err := transport.Dial(ip, port, 10*time.Second)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.activeIP = ""
	s.mu.Unlock()
	return s.wrapDataConn(conn)
}

func (s *session) wrapDataConn(conn net.Conn) (net.Conn, error) {
	if s.server.readTimeout > 0 {
		_ = transport.SetRecvTimeout(conn, s.server.readTimeout)
	}
	if s.server.writeTimeout > 0 {
		_ = transport.SetSendTimeout(conn, s.server.writeTimeout)
	}
	s.server.trackConnection(conn, true)
	return &trackingConn{Conn: conn, server: s.server}, nil
}

// replyError sends a standard error response based on the error type.
func (s *session) replyError(err error) {
	switch {
	case os.IsNotExist(err):
		s.reply(550, "File not found.")
	case os.IsPermission(err):
		s.reply(550, "Permission denied.")
	case os.IsExist(err):
		s.reply(550, "File already exists.")
	default:
		s.reply(550, "Action failed: "+err.Error())
	}
}

// reply sends a single-line response to the client.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.WriteString(ftptext.FormatReply(code, message))
	s.writer.Flush()
}

// replyMultiline sends a multi-line response using the leading-dash
// continuation convention (RFC 959 §4.2).
func (s *session) replyMultiline(code int, lines []string, final string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range lines {
		s.writer.WriteString(ftptext.FormatReplyContinuation(code, line))
	}
	s.writer.WriteString(ftptext.FormatReply(code, final))
	s.writer.Flush()
}

// logTransfer logs a completed file transfer in wu-ftpd xferlog format.
func (s *session) logTransfer(cmd, filename string, bytes int64, duration time.Duration) {
	if s.server.transferLog == nil {
		return
	}

	transferTime := int64(duration.Seconds())
	if transferTime == 0 {
		transferTime = 1
	}

	tType := "b"
	if s.transferType == ftptext.TypeASCII {
		tType = "a"
	}

	direction := "o"
	if cmd == "STOR" || cmd == "APPE" {
		direction = "i"
	}

	accessMode := "r"
	if s.server.users != nil && s.user != nil && s.server.users.IsAnonymous(s.user) {
		accessMode = "a"
	}

	line := fmt.Sprintf("%s %d %s %d %s %s _ %s %s %s ftp 0 * c\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		transferTime,
		s.remoteIP,
		bytes,
		filename,
		tType,
		direction,
		accessMode,
		s.userName,
	)
	_, _ = s.server.transferLog.Write([]byte(line))
}
