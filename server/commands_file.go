package server

import (
	"fmt"
	"strings"

	"github.com/n0rlyn/ftpd/internal/pathvfs"
	"github.com/n0rlyn/ftpd/internal/users"
)

func (s *session) cmdMKD(path string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermMakeDir) {
		s.reply(550, "Permission denied.")
		return
	}
	res, err := s.resolve(path)
	if err != nil {
		s.replySandboxError(err)
		return
	}
	if err := pathvfs.CreateDir(res.PhysicalAbs); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("directory_created", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP), "user", s.userName, "path", s.server.redactPath(path))
	s.reply(257, fmt.Sprintf("%q created.", res.VirtualAbs))
}

func (s *session) cmdRMD(path string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermRmDir) {
		s.reply(550, "Permission denied.")
		return
	}
	res, err := s.resolve(path)
	if err != nil {
		s.replySandboxError(err)
		return
	}

	s.server.locks.AcquireExclusive(res.PhysicalAbs)
	defer s.server.locks.ReleaseExclusive(res.PhysicalAbs)

	if err := pathvfs.DeleteDir(res.PhysicalAbs, true); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("directory_removed", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP), "user", s.userName, "path", s.server.redactPath(path))
	s.reply(250, "Directory removed.")
}

func (s *session) cmdDELE(path string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermDelete) {
		s.reply(550, "Permission denied.")
		return
	}
	res, err := s.resolve(path)
	if err != nil {
		s.replySandboxError(err)
		return
	}

	if s.server.locks.IsExclusiveLocked(res.PhysicalAbs) {
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordLockContention("DELE", res.VirtualAbs)
		}
		s.reply(450, "File busy, try again later.")
		return
	}
	s.server.locks.AcquireExclusive(res.PhysicalAbs)
	defer s.server.locks.ReleaseExclusive(res.PhysicalAbs)

	if err := pathvfs.DeleteFile(res.PhysicalAbs); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("file_deleted", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP), "user", s.userName, "path", s.server.redactPath(path))
	s.reply(250, "File deleted.")
}

func (s *session) cmdRNFR(path string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermRename) {
		s.reply(550, "Permission denied.")
		return
	}
	res, err := s.resolve(path)
	if err != nil {
		s.replySandboxError(err)
		return
	}
	if !pathvfs.Exists(res.PhysicalAbs) {
		s.reply(550, "File not found.")
		return
	}
	if s.server.locks.IsExclusiveLocked(res.PhysicalAbs) {
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordLockContention("RNFR", res.VirtualAbs)
		}
		s.reply(450, "File busy, try again later.")
		return
	}
	// Acquire and immediately release to confirm the path is quiescent
	// before committing to it as the rename source.
	s.server.locks.AcquireExclusive(res.PhysicalAbs)
	s.server.locks.ReleaseExclusive(res.PhysicalAbs)

	s.mu.Lock()
	s.renameFrom = res.VirtualAbs
	s.mu.Unlock()
	s.reply(350, "Requested file action pending further information.")
}

func (s *session) cmdRNTO(path string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermRename) {
		s.reply(550, "Permission denied.")
		return
	}

	s.mu.Lock()
	from := s.renameFrom
	s.renameFrom = ""
	s.mu.Unlock()

	if from == "" {
		s.reply(503, "Bad sequence of commands. Send RNFR first.")
		return
	}

	fromRes, err := s.resolve(from)
	if err != nil {
		s.replySandboxError(err)
		return
	}
	toRes, err := s.resolve(path)
	if err != nil {
		s.replySandboxError(err)
		return
	}
	if pathvfs.Exists(toRes.PhysicalAbs) {
		s.reply(550, "File already exists.")
		return
	}

	s.server.locks.AcquireExclusive(fromRes.PhysicalAbs)
	defer s.server.locks.ReleaseExclusive(fromRes.PhysicalAbs)

	if err := pathvfs.Rename(fromRes.PhysicalAbs, toRes.PhysicalAbs); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "Requested file action successful, file renamed.")
}

func (s *session) cmdLIST(arg string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermRead) {
		s.reply(550, "Permission denied.")
		return
	}
	s.runListing("LIST", arg, false)
}

func (s *session) cmdNLST(arg string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermRead) {
		s.reply(550, "Permission denied.")
		return
	}
	s.runListing("NLST", arg, true)
}

// runListing resolves arg to a directory (falling back to the current
// directory when arg is empty, matching how most clients send "LIST -a"
// style flags that aren't actually paths) and streams the entries over a
// data connection. When arg instead names a file, only that file's own
// entry is emitted, filtered out of its parent's listing, the way LIST
// filename is commonly expected to behave. namesOnly selects NLST's
// bare-name format over LIST's Unix-style long format.
func (s *session) runListing(cmd, arg string, namesOnly bool) {
	target := ""
	for _, flag := range strings.Fields(arg) {
		if !strings.HasPrefix(flag, "-") {
			target = flag
		}
	}

	res, err := s.resolve(target)
	if err != nil {
		s.replySandboxError(err)
		return
	}

	listPath := res.PhysicalAbs
	filterName := ""
	if !pathvfs.IsDir(listPath) {
		filterName = pathvfs.FilenameOf(listPath)
		listPath = pathvfs.ParentOf(listPath)
	}

	entries, err := pathvfs.List(listPath)
	if err != nil {
		s.replyError(err)
		return
	}
	if filterName != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Name == filterName {
				filtered = append(filtered, e)
				break
			}
		}
		entries = filtered
	}

	s.replyTransferStart(cmd)

	conn, err := s.connData()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}

	s.startListingWorker(cmd, conn, entries, namesOnly)
}
