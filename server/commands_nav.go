package server

import (
	"fmt"

	"github.com/n0rlyn/ftpd/internal/pathvfs"
	"github.com/n0rlyn/ftpd/internal/sandbox"
	"github.com/n0rlyn/ftpd/internal/users"
)

func (s *session) cmdPWD(_ string) {
	if !s.requireLogin() {
		return
	}
	s.reply(257, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *session) cmdCWD(path string) {
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
	if !pathvfs.IsDir(res.PhysicalAbs) {
		s.reply(550, "Not a directory.")
		return
	}
	s.mu.Lock()
	s.cwd = res.VirtualAbs
	s.mu.Unlock()
	s.reply(250, "Directory successfully changed.")
}

func (s *session) cmdCDUP(_ string) {
	s.cmdCWD("..")
}

// resolve runs the six-step sandbox algorithm against s.cwd and the
// logged-in user's home and admin status.
func (s *session) resolve(rawPath string) (sandbox.Result, error) {
	return sandbox.Resolve(s.cwd, s.user.Home, s.server.rootAbs, rawPath, s.user.Permissions.Has(users.PermAdmin))
}

func (s *session) replySandboxError(err error) {
	switch err {
	case sandbox.ErrBadPath:
		s.reply(501, "Syntax error in parameters or arguments.")
	case sandbox.ErrForbidden:
		s.reply(550, "Permission denied.")
	default:
		s.replyError(err)
	}
}
