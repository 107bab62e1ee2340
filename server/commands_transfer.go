package server

import (
	"fmt"
	"net"
	"os/user"
	"strconv"
	"sync"

	"github.com/n0rlyn/ftpd/internal/ftptext"
	"github.com/n0rlyn/ftpd/internal/pathvfs"
	"github.com/n0rlyn/ftpd/internal/transport"
)

func (s *session) cmdTYPE(arg string) {
	if !s.requireLogin() {
		return
	}
	t, err := ftptext.ParseTYPE(arg)
	if err != nil {
		s.reply(504, "Type not supported.")
		return
	}
	if t == ftptext.TypeEBCDIC {
		s.reply(504, "EBCDIC not supported.")
		return
	}
	s.mu.Lock()
	s.transferType = t
	s.mu.Unlock()
	letter := "I"
	if t == ftptext.TypeASCII {
		letter = "A"
	}
	s.reply(200, "Type set to "+letter+".")
}

func (s *session) cmdMODE(arg string) {
	if !s.requireLogin() {
		return
	}
	if err := ftptext.ParseMODE(arg); err != nil {
		s.reply(504, "Command not implemented for that parameter.")
		return
	}
	s.reply(200, "Mode set to Stream.")
}

func (s *session) cmdSTRU(arg string) {
	if !s.requireLogin() {
		return
	}
	if err := ftptext.ParseSTRU(arg); err != nil {
		s.reply(504, "Command not implemented for that parameter.")
		return
	}
	s.reply(200, "Structure set to File.")
}

func (s *session) cmdPORT(arg string) {
	if !s.requireLogin() {
		return
	}
	ip, port, err := ftptext.ParsePORT(arg)
	if err != nil {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	if !s.validateActiveIP(ip) {
		s.reply(500, "Illegal PORT command.")
		return
	}
	s.mu.Lock()
	if s.pasvListener != nil {
		s.pasvListener.Close()
		s.pasvListener = nil
	}
	s.activeIP = ip.String()
	s.activePort = port
	s.mu.Unlock()
	s.reply(200, "PORT command successful.")
}

func (s *session) listenPassive() (net.Listener, int, error) {
	host, _ := transport.LocalAddr(s.conn)
	if s.server.pasvMinPort > 0 && s.server.pasvMaxPort >= s.server.pasvMinPort {
		offset := int(s.server.nextPassivePort.Add(1))
		return transport.ListenRange("", s.server.pasvMinPort, s.server.pasvMaxPort, offset)
	}
	ln, err := transport.Listen(host + ":0")
	if err != nil {
		return nil, 0, err
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return ln, port, nil
}

func (s *session) cmdPASV(_ string) {
	if !s.requireLogin() {
		return
	}

	s.mu.Lock()
	if s.pasvListener != nil {
		s.pasvListener.Close()
		s.pasvListener = nil
	}
	s.activeIP = ""
	s.activePort = 0
	s.mu.Unlock()

	ln, port, err := s.listenPassive()
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.mu.Lock()
	s.pasvListener = ln
	s.mu.Unlock()

	host := s.publicHost()
	s.reply(227, ftptext.FormatPASV(host, port))
}

// publicHost resolves the address advertised in PASV responses: the
// configured public host if set, resolved to IPv4 and cached so repeated
// PASV calls in one session don't re-resolve a DNS name, otherwise the
// control connection's local address.
func (s *session) publicHost() net.IP {
	host, _ := transport.LocalAddr(s.conn)
	if s.server.publicHost != "" {
		host = s.server.publicHost
	}

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}

	s.mu.Lock()
	if host == s.lastPublicHost && s.resolvedIP != nil {
		ip := s.resolvedIP
		s.mu.Unlock()
		return ip
	}
	s.mu.Unlock()

	addrs, err := net.LookupIP(host)
	if err != nil {
		return net.IPv4zero
	}
	for _, a := range addrs {
		if v4 := a.To4(); v4 != nil {
			s.mu.Lock()
			s.lastPublicHost = host
			s.resolvedIP = v4
			s.mu.Unlock()
			return v4
		}
	}
	return net.IPv4zero
}

func (s *session) cmdREST(arg string) {
	if !s.requireLogin() {
		return
	}
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid offset.")
		return
	}
	s.mu.Lock()
	s.restOffset = offset
	s.mu.Unlock()
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STOR or RETR to initiate transfer.", offset))
}

// cmdABOR never itself writes the transfer's final reply: per the
// contract in server/transfer.go, the worker goroutine is the sole writer
// of both the 426 and the 226 so the two replies can never race on the
// control connection. ABOR just requests cancellation and, if nothing was
// running, replies immediately.
func (s *session) cmdABOR(_ string) {
	if !s.requireLogin() {
		return
	}
	s.mu.Lock()
	running := s.state == transferStarting || s.state == transferRunning
	if running {
		s.state = transferAborted
		if s.dataConn != nil {
			s.dataConn.Close()
		}
		if s.transferCancel != nil {
			s.transferCancel()
		}
	} else if s.pasvListener != nil {
		s.pasvListener.Close()
		s.pasvListener = nil
	}
	s.mu.Unlock()

	if !running {
		s.reply(225, "No transfer in progress.")
	}
}

// ownerNameCache memoizes os/user's uid/gid-to-name lookups, which hit
// NSS/the passwd database on every call. LIST on a large directory would
// otherwise repeat the same lookup for every entry owned by the same user.
type ownerNameCache struct {
	mu     sync.RWMutex
	users  map[uint32]string
	groups map[uint32]string
}

var ownerNames = &ownerNameCache{
	users:  make(map[uint32]string),
	groups: make(map[uint32]string),
}

func (c *ownerNameCache) userName(uid uint32) string {
	c.mu.RLock()
	if name, ok := c.users[uid]; ok {
		c.mu.RUnlock()
		return name
	}
	c.mu.RUnlock()

	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}

	c.mu.Lock()
	c.users[uid] = name
	c.mu.Unlock()
	return name
}

func (c *ownerNameCache) groupName(gid uint32) string {
	c.mu.RLock()
	if name, ok := c.groups[gid]; ok {
		c.mu.RUnlock()
		return name
	}
	c.mu.RUnlock()

	name := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(name); err == nil {
		name = g.Name
	}

	c.mu.Lock()
	c.groups[gid] = name
	c.mu.Unlock()
	return name
}

// formatListLine renders one LIST entry in "ls -l" style. The owner/group
// columns try a name lookup first and fall back to the numeric id when the
// lookup fails, matching getpwuid/getgrgid behavior on platforms that have
// no name service to ask (or no matching entry).
func formatListLine(e pathvfs.FileInfo) string {
	kind := byte('-')
	if e.Kind == pathvfs.KindDir {
		kind = 'd'
	} else if e.Kind == pathvfs.KindSymlink {
		kind = 'l'
	}

	name := e.Name
	if e.Kind == pathvfs.KindSymlink && e.LinkTarget != "" {
		name = e.Name + " -> " + e.LinkTarget
	}

	owner := ownerNames.userName(e.UID)
	group := ownerNames.groupName(e.GID)

	return fmt.Sprintf("%c%s %3d %-8s %-8s %10d %s %s\r\n",
		kind, formatModeBits(e.ModeBits), e.Nlink, owner, group, e.Size, e.MTime.Format("Jan 02 15:04"), name)
}

// formatModeBits renders the nine rwx permission bits of mode as an
// "ls -l"-style string, e.g. 0o750 -> "rwxr-x---".
func formatModeBits(mode uint32) string {
	const letters = "rwxrwxrwx"
	b := make([]byte, 9)
	for i := range b {
		bit := uint32(1) << uint(8-i)
		if mode&bit != 0 {
			b[i] = letters[i]
		} else {
			b[i] = '-'
		}
	}
	return string(b)
}
