package server

import (
	"fmt"

	"github.com/n0rlyn/ftpd/internal/ftptext"
	"github.com/n0rlyn/ftpd/internal/pathvfs"
)

func (s *session) cmdUSER(user string) {
	if user == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	known, err := s.server.users.Lookup(user)
	if err != nil {
		s.mu.Lock()
		s.isLoggedIn = false
		s.userName = ""
		s.user = nil
		s.mu.Unlock()
		s.reply(530, "User unknown.")
		return
	}

	s.mu.Lock()
	s.isLoggedIn = false
	s.userName = user
	s.user = nil
	s.mu.Unlock()

	if s.server.users.IsAnonymous(known) {
		s.reply(331, "Anonymous login ok, send your email address as password.")
		return
	}
	s.reply(331, "User name okay, need password.")
}

// cmdQUIT sends any accumulated session statistics as a multi-line 221,
// then the final 221, and lets the caller close the control connection.
func (s *session) cmdQUIT(arg string) {
	if arg != "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	s.mu.Lock()
	loggedIn := s.isLoggedIn
	bytesUp, bytesDown := s.bytesUp, s.bytesDown
	filesUp, filesDown := s.filesUp, s.filesDown
	s.mu.Unlock()

	if !loggedIn {
		s.reply(221, "Goodbye.")
		return
	}
	s.replyMultiline(221, []string{
		fmt.Sprintf("Data traffic for this session was %d bytes in %d files, %d bytes out in %d files.", bytesDown, filesDown, bytesUp, filesUp),
	}, "Goodbye.")
}

func (s *session) cmdPASS(pass string) {
	if s.userName == "" {
		s.reply(503, "Login with USER first.")
		return
	}

	u, err := s.server.users.Authenticate(s.userName, pass)
	if err != nil {
		s.server.logger.Warn("authentication_failed", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP), "user", s.userName, "reason", err.Error())
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, s.userName)
		}
		s.reply(530, "Login incorrect.")
		return
	}

	s.mu.Lock()
	s.user = u
	s.isLoggedIn = true
	s.cwd = "/"
	s.mu.Unlock()

	if res, err := s.resolve(u.Home); err == nil && pathvfs.IsDir(res.PhysicalAbs) {
		s.mu.Lock()
		s.cwd = res.VirtualAbs
		s.mu.Unlock()
	}

	s.server.logger.Info("authentication_success", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP), "user", s.userName)
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, s.userName)
	}
	s.reply(230, "User logged in, proceed.")
}

// cmdACCT implements ACCT. Account semantics are an explicit non-goal;
// the verb is registered (so it clears rename/restart state like any
// other command) but always rejected.
func (s *session) cmdACCT(_ string) {
	s.reply(502, "Command not implemented.")
}

// cmdSMNT implements SMNT (structure mount). Not supported: this server
// has exactly one filesystem view per logged-in user.
func (s *session) cmdSMNT(_ string) {
	s.reply(502, "Command not implemented.")
}

// cmdREIN implements REIN (reinitialize): it cancels any in-flight transfer
// exactly as ABOR would, tears down whatever data mode was set up, and
// resets every piece of session state except the traffic statistics.
func (s *session) cmdREIN(_ string) {
	s.mu.Lock()
	if s.state == transferStarting || s.state == transferRunning {
		s.state = transferAborted
		if s.dataConn != nil {
			s.dataConn.Close()
		}
		if s.transferCancel != nil {
			s.transferCancel()
		}
	}
	if s.pasvListener != nil {
		s.pasvListener.Close()
		s.pasvListener = nil
	}
	s.activeIP = ""
	s.activePort = 0
	s.isLoggedIn = false
	s.userName = ""
	s.user = nil
	s.cwd = "/"
	s.renameFrom = ""
	s.restOffset = 0
	s.transferType = ftptext.TypeASCII
	s.mu.Unlock()
	s.reply(220, "Service ready for new user.")
}
