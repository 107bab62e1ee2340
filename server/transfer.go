package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/n0rlyn/ftpd/internal/ftptext"
	"github.com/n0rlyn/ftpd/internal/pathvfs"
	"github.com/n0rlyn/ftpd/internal/users"
)

// transferBufferSize is the scratch buffer size for the RETR/STOR/APPE
// copy loop: large enough to amortize syscalls, small enough that ABOR
// can interrupt a transfer within a few buffers' worth of I/O.
const transferBufferSize = 64 * 1024

func (s *session) cmdRETR(path string) {
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

	if s.server.locks.IsExclusiveLocked(res.PhysicalAbs) {
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordLockContention("RETR", res.VirtualAbs)
		}
		s.reply(450, "File is currently being written to, please try again later.")
		return
	}

	s.server.locks.AcquireShared(res.PhysicalAbs)

	offset := s.takeRestOffset()
	r, err := pathvfs.OpenRead(res.PhysicalAbs, offset)
	if err != nil {
		s.server.locks.ReleaseShared(res.PhysicalAbs)
		s.replyError(err)
		return
	}

	s.replyTransferStart("RETR")

	conn, err := s.connData()
	if err != nil {
		r.Close()
		s.server.locks.ReleaseShared(res.PhysicalAbs)
		s.reply(425, "Can't open data connection.")
		return
	}

	s.startTransferWorker("RETR", res.VirtualAbs, conn, func(ctx context.Context) (int64, error) {
		defer s.server.locks.ReleaseShared(res.PhysicalAbs)
		defer r.Close()
		var src io.Reader = r
		if s.transferType == ftptext.TypeASCII {
			src = newASCIIReader(r)
		}
		limited := s.rateLimitReader(src)
		n, err := copyWithCancel(ctx, conn, limited)
		s.noteThrottle(limited)
		return n, classifyTransferError(err, true)
	})
}

func (s *session) cmdSTOR(path string) {
	s.storeLike("STOR", path, false)
}

func (s *session) cmdAPPE(path string) {
	s.storeLike("APPE", path, true)
}

func (s *session) storeLike(cmd, path string, append bool) {
	if !s.requireLogin() {
		return
	}
	if !s.user.Permissions.Has(users.PermWrite) {
		s.reply(550, "Permission denied.")
		return
	}
	res, err := s.resolve(path)
	if err != nil {
		s.replySandboxError(err)
		return
	}

	if s.server.locks.IsExclusiveLocked(res.PhysicalAbs) || s.server.locks.SharedCount(res.PhysicalAbs) > 0 {
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordLockContention(cmd, res.VirtualAbs)
		}
		s.reply(450, "File is currently in use, please try again later.")
		return
	}

	s.server.locks.AcquireExclusive(res.PhysicalAbs)

	offset := s.takeRestOffset()
	var w io.WriteCloser
	if append {
		w, err = pathvfs.OpenAppend(res.PhysicalAbs)
	} else {
		w, err = pathvfs.OpenWrite(res.PhysicalAbs, offset, true)
	}
	if err != nil {
		s.server.locks.ReleaseExclusive(res.PhysicalAbs)
		s.replyError(err)
		return
	}

	s.replyTransferStart(cmd)

	conn, err := s.connData()
	if err != nil {
		w.Close()
		s.server.locks.ReleaseExclusive(res.PhysicalAbs)
		s.reply(425, "Can't open data connection.")
		return
	}

	s.startTransferWorker(cmd, res.VirtualAbs, conn, func(ctx context.Context) (int64, error) {
		defer s.server.locks.ReleaseExclusive(res.PhysicalAbs)
		defer w.Close()
		var src io.Reader = conn
		if s.transferType == ftptext.TypeASCII {
			src = newASCIIWriter(conn)
		}
		limited := s.rateLimitReader(src)
		n, err := copyWithCancel(ctx, w, limited)
		s.noteThrottle(limited)
		return n, classifyTransferError(err, false)
	})
}

func (s *session) takeRestOffset() int64 {
	s.mu.Lock()
	off := s.restOffset
	s.restOffset = 0
	s.mu.Unlock()
	return off
}

// replyTransferStart sends the 150 preliminary reply. This must happen
// before the data connection is opened, not after: callers send it once
// the lock is held and the file has been validated/opened, then call
// connData and startTransferWorker in that order.
func (s *session) replyTransferStart(cmd string) {
	if s.restOffsetReplyPending(cmd) {
		s.reply(150, fmt.Sprintf("Opening data connection for %s (restarting).", cmd))
	} else {
		s.reply(150, fmt.Sprintf("Opening data connection for %s.", cmd))
	}
}

// startTransferWorker launches the background copy goroutine shared by
// RETR, STOR, APPE, LIST and NLST. work performs the actual copy and
// reports bytes moved; it is responsible for releasing the lock and
// closing the file it opened, since only it knows which side (reader or
// writer) owns which. The 150 reply and the data connection are already
// established by the time this is called.
func (s *session) startTransferWorker(cmd, virtualPath string, conn net.Conn, work func(ctx context.Context) (int64, error)) {
	s.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	s.transferCtx = ctx
	s.transferCancel = cancel
	s.state = transferStarting
	s.dataConn = conn
	s.mu.Unlock()

	s.transferWG.Add(1)
	go func() {
		defer s.transferWG.Done()
		defer conn.Close()

		s.mu.Lock()
		s.state = transferRunning
		s.mu.Unlock()

		start := time.Now()
		n, err := work(ctx)
		duration := time.Since(start)

		s.mu.Lock()
		aborted := s.state == transferAborted
		s.state = transferCompleting
		s.dataConn = nil
		s.transferCtx = nil
		s.transferCancel = nil
		s.mu.Unlock()

		switch {
		case aborted:
			s.reply(426, "Connection closed; transfer aborted.")
			s.reply(226, "ABOR command successful; transfer aborted.")
		case isLocalIOError(err):
			s.reply(451, "Requested action aborted: local error in processing.")
		case err != nil:
			s.reply(426, "Connection closed; transfer aborted.")
		default:
			s.recordTransferStats(cmd, n)
			s.server.logger.Info("transfer_complete", "session_id", s.sessionID, "remote_ip", s.server.redactIP(s.remoteIP), "user", s.userName, "cmd", cmd, "path", s.server.redactPath(virtualPath), "bytes", n, "duration_ms", duration.Milliseconds(), "throttled_ms", s.lastThrottleMs)
			if s.server.metricsCollector != nil {
				s.server.metricsCollector.RecordTransfer(cmd, n, duration)
			}
			s.logTransfer(cmd, virtualPath, n, duration)
			s.reply(226, "Transfer complete.")
		}

		s.mu.Lock()
		s.state = transferIdle
		s.mu.Unlock()
	}()
}

func (s *session) restOffsetReplyPending(cmd string) bool {
	return cmd == "RETR" || cmd == "STOR"
}

func (s *session) recordTransferStats(cmd string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd {
	case "RETR":
		s.bytesDown += n
		s.filesDown++
	case "STOR", "APPE":
		s.bytesUp += n
		s.filesUp++
	}
}

// startListingWorker runs LIST/NLST's data-connection write on the same
// cancellable worker path as file transfers, so ABOR can interrupt a slow
// client draining a very large directory listing.
func (s *session) startListingWorker(cmd string, conn net.Conn, entries []pathvfs.FileInfo, namesOnly bool) {
	s.startTransferWorker(cmd, "", conn, func(ctx context.Context) (int64, error) {
		s.lastThrottleMs = 0
		var total int64
		for _, e := range entries {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			default:
			}
			var line string
			if namesOnly {
				line = e.Name + "\r\n"
			} else {
				line = formatListLine(e)
			}
			n, err := conn.Write([]byte(line))
			total += int64(n)
			if err != nil {
				return total, err
			}
		}
		return total, nil
	})
}

// copyReadError and copyWriteError tag which side of a copyWithCancel call
// failed. copyWithCancel itself has no notion of which side is the local
// file and which is the data connection — RETR reads the file and writes
// the connection, STOR does the opposite — so it can only report which of
// its two arguments produced the error. Callers translate that into a
// local-vs-network classification with classifyTransferError.
type copyReadError struct{ err error }

func (e *copyReadError) Error() string { return e.err.Error() }
func (e *copyReadError) Unwrap() error { return e.err }

type copyWriteError struct{ err error }

func (e *copyWriteError) Error() string { return e.err.Error() }
func (e *copyWriteError) Unwrap() error { return e.err }

// copyWithCancel runs a read/write copy loop that checks ctx before each
// buffer, so ABOR can interrupt a
// transfer that has stalled on a slow or unresponsive data connection,
// instead of blocking until the underlying conn's own deadline fires.
func copyWithCancel(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, transferBufferSize)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, &copyWriteError{werr}
			}
			if nw != nr {
				return total, &copyWriteError{io.ErrShortWrite}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, &copyReadError{rerr}
		}
	}
}

// localIOError marks an error as having originated on the local filesystem
// side of a transfer (the open file, not the data connection), so the
// transfer worker can reply 451 instead of 426.
type localIOError struct{ err error }

func (e *localIOError) Error() string { return e.err.Error() }
func (e *localIOError) Unwrap() error { return e.err }

func isLocalIOError(err error) bool {
	var e *localIOError
	return errors.As(err, &e)
}

// classifyTransferError turns a copyWithCancel error into a localIOError
// when it came from the local file side of the copy, identified by
// localIsRead: true when the local file was the Read side (RETR), false
// when it was the Write side (STOR/APPE). Errors from the other side, and
// anything that isn't a copyReadError/copyWriteError (context cancellation
// from ABOR in particular), pass through unchanged.
func classifyTransferError(err error, localIsRead bool) error {
	if err == nil {
		return nil
	}
	var rerr *copyReadError
	var werr *copyWriteError
	switch {
	case errors.As(err, &rerr):
		if localIsRead {
			return &localIOError{rerr.err}
		}
	case errors.As(err, &werr):
		if !localIsRead {
			return &localIOError{werr.err}
		}
	}
	return err
}
