package server

import (
	"fmt"

	"github.com/n0rlyn/ftpd/internal/pathvfs"
	"github.com/n0rlyn/ftpd/internal/users"
)

func (s *session) cmdSIZE(path string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermRead) {
		s.reply(550, "Permission denied.")
		return
	}
	res, err := s.resolve(path)
	if err != nil {
		s.replySandboxError(err)
		return
	}
	if pathvfs.IsDir(res.PhysicalAbs) {
		s.reply(550, "Could not get file size.")
		return
	}

	s.server.locks.AcquireShared(res.PhysicalAbs)
	info, err := pathvfs.Stat(res.PhysicalAbs)
	s.server.locks.ReleaseShared(res.PhysicalAbs)
	if err != nil {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, fmt.Sprintf("%d", info.Size))
}

func (s *session) cmdMDTM(path string) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermRead) {
		s.reply(550, "Permission denied.")
		return
	}
	res, err := s.resolve(path)
	if err != nil {
		s.replySandboxError(err)
		return
	}
	info, err := pathvfs.Stat(res.PhysicalAbs)
	if err != nil {
		s.reply(550, "Could not get file modification time.")
		return
	}
	s.reply(213, info.MTime.UTC().Format("20060102150405"))
}

func (s *session) cmdFEAT(_ string) {
	s.replyMultiline(211, []string{
		"SIZE",
		"MDTM",
		"REST STREAM",
	}, "End")
}

func (s *session) cmdSYST(_ string) {
	s.reply(215, "UNIX Type: L8")
}

func (s *session) cmdSTAT(_ string) {
	s.mu.Lock()
	loggedIn, user := s.isLoggedIn, s.userName
	busy := s.state == transferStarting || s.state == transferRunning
	s.mu.Unlock()

	lines := []string{}
	if loggedIn {
		lines = append(lines, fmt.Sprintf("Logged in as: %s", user))
	} else {
		lines = append(lines, "Not logged in")
	}
	lines = append(lines, "TYPE: ASCII/Binary; FORM: Nonprint; STRUcture: File; transfer MODE: Stream")
	if busy {
		lines = append(lines, "Transfer in progress")
	}
	s.replyMultiline(211, lines, "End of status")
}
