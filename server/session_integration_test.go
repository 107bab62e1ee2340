package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/n0rlyn/ftpd/internal/users"
)

// pasvAddrPattern extracts the six comma-separated octets/port bytes out
// of a "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)" reply.
var pasvAddrPattern = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

func parsePasvAddr(t *testing.T, reply string) string {
	t.Helper()
	m := pasvAddrPattern.FindStringSubmatch(reply)
	if m == nil {
		t.Fatalf("PASV reply = %q, could not parse address", reply)
	}
	var nums [6]int
	for i := 1; i <= 6; i++ {
		fmt.Sscanf(m[i], "%d", &nums[i-1])
	}
	port := nums[4]*256 + nums[5]
	return fmt.Sprintf("%d.%d.%d.%d:%d", nums[0], nums[1], nums[2], nums[3], port)
}

// testServer boots a Server on a loopback listener rooted at a fresh temp
// directory, with a single "alice"/"secret" user holding every permission.
func testServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()

	root := t.TempDir()

	rec, err := users.NewRecord("alice", "secret", "/", users.PermAll)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	store, err := users.Load(strings.NewReader(rec+"\n"), "", users.Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	srv, err := NewServer("127.0.0.1:0", root, store, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown() })

	return srv, ln.Addr().String()
}

// ftpClient is a tiny synchronous control-connection helper for tests.
type ftpClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialFTP(t *testing.T, addr string) *ftpClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &ftpClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.readReply() // banner
	return c
}

func (c *ftpClient) readReply() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("readReply: %v", err)
	}
	return line
}

func (c *ftpClient) cmd(format string, args ...any) string {
	c.t.Helper()
	line := fmt.Sprintf(format, args...)
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
	return c.readReply()
}

func (c *ftpClient) login(user, pass string) {
	c.t.Helper()
	if reply := c.cmd("USER %s", user); !strings.HasPrefix(reply, "331") {
		c.t.Fatalf("USER reply = %q", reply)
	}
	if reply := c.cmd("PASS %s", pass); !strings.HasPrefix(reply, "230") {
		c.t.Fatalf("PASS reply = %q", reply)
	}
}

func (c *ftpClient) close() {
	c.conn.Close()
}

func TestSessionFullFlow(t *testing.T) {
	_, addr := testServer(t)
	c := dialFTP(t, addr)
	defer c.close()

	c.login("alice", "secret")

	if reply := c.cmd("PWD"); !strings.Contains(reply, "\"/\"") {
		t.Fatalf("PWD reply = %q", reply)
	}
	if reply := c.cmd("MKD /docs"); !strings.HasPrefix(reply, "257") {
		t.Fatalf("MKD reply = %q", reply)
	}
	if reply := c.cmd("CWD /docs"); !strings.HasPrefix(reply, "250") {
		t.Fatalf("CWD reply = %q", reply)
	}
	if reply := c.cmd("PWD"); !strings.Contains(reply, "\"/docs\"") {
		t.Fatalf("PWD after CWD = %q", reply)
	}

	if reply := c.cmd("DELE /missing.txt"); !strings.HasPrefix(reply, "550") {
		t.Fatalf("DELE missing reply = %q", reply)
	}

	if reply := c.cmd("QUIT"); !strings.HasPrefix(reply, "221") {
		t.Fatalf("QUIT reply = %q", reply)
	}
}

func TestStorThenSize(t *testing.T) {
	srv, addr := testServer(t)
	c := dialFTP(t, addr)
	defer c.close()

	c.login("alice", "secret")

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("data listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(dataLn.Addr().String())
	var p1, p2 int
	fmt.Sscanf(portStr, "%d", &p1)
	p1, p2 = p1/256, p1%256

	if reply := c.cmd("PORT 127,0,0,1,%d,%d", p1, p2); !strings.HasPrefix(reply, "200") {
		t.Fatalf("PORT reply = %q", reply)
	}

	content := "hello from the test suite\n"
	storDone := make(chan string, 1)
	go func() { storDone <- c.cmd("STOR upload.txt") }()

	dataConn, err := dataLn.Accept()
	if err != nil {
		t.Fatalf("data accept: %v", err)
	}
	if _, err := dataConn.Write([]byte(content)); err != nil {
		t.Fatalf("data write: %v", err)
	}
	dataConn.Close()
	dataLn.Close()

	reply150 := <-storDone
	if !strings.HasPrefix(reply150, "150") {
		t.Fatalf("STOR first reply = %q", reply150)
	}
	reply226 := c.readReply()
	if !strings.HasPrefix(reply226, "226") {
		t.Fatalf("STOR final reply = %q", reply226)
	}

	root := srv.rootAbs
	got, err := os.ReadFile(root + "/upload.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != content {
		t.Fatalf("uploaded content = %q, want %q", got, content)
	}

	if reply := c.cmd("SIZE upload.txt"); !strings.HasPrefix(reply, "213") {
		t.Fatalf("SIZE reply = %q", reply)
	}
}

func TestLoginSeedsCwdToHomeWhenItExistsOnDisk(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(root+"/pub", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	store, err := users.Load(strings.NewReader(""), "", users.Options{AllowAnonymous: true, AnonHome: "/pub"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	srv, err := NewServer("127.0.0.1:0", root, store)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown() })

	c := dialFTP(t, ln.Addr().String())
	defer c.close()
	c.login("anonymous", "guest@example.com")

	if reply := c.cmd("PWD"); !strings.Contains(reply, "\"/pub\"") {
		t.Fatalf("PWD after anonymous login = %q, want home \"/pub\"", reply)
	}
}

func TestLoginLeavesCwdAtRootWhenHomeMissingOnDisk(t *testing.T) {
	root := t.TempDir() // no "missing" subdirectory created

	rec, err := users.NewRecord("bob", "pw", "/missing", users.PermAll)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	store, err := users.Load(strings.NewReader(rec+"\n"), "", users.Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	srv, err := NewServer("127.0.0.1:0", root, store)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown() })

	c := dialFTP(t, ln.Addr().String())
	defer c.close()
	c.login("bob", "pw")

	if reply := c.cmd("PWD"); !strings.Contains(reply, "\"/\"") {
		t.Fatalf("PWD after login with missing home = %q, want \"/\"", reply)
	}
}

func TestAnonymousLoginRejectedWhenNotConfigured(t *testing.T) {
	_, addr := testServer(t)
	c := dialFTP(t, addr)
	defer c.close()

	reply := c.cmd("USER anonymous")
	if !strings.HasPrefix(reply, "530") {
		t.Fatalf("anonymous USER reply = %q, want 530", reply)
	}

	// USER having failed, the session is still Connected: PASS is out of
	// sequence and gets 503, not 530.
	reply = c.cmd("PASS guest@example.com")
	if !strings.HasPrefix(reply, "503") {
		t.Fatalf("PASS after rejected USER = %q, want 503", reply)
	}
}

func TestCommandsRequireLogin(t *testing.T) {
	_, addr := testServer(t)
	c := dialFTP(t, addr)
	defer c.close()

	if reply := c.cmd("PWD"); !strings.HasPrefix(reply, "530") {
		t.Fatalf("PWD before login = %q", reply)
	}
}

func TestUnknownCommandReplies502(t *testing.T) {
	_, addr := testServer(t)
	c := dialFTP(t, addr)
	defer c.close()

	c.login("alice", "secret")
	if reply := c.cmd("BOGUS"); !strings.HasPrefix(reply, "502") {
		t.Fatalf("BOGUS reply = %q, want 502", reply)
	}
}

// TestPasvRetrWithRest exercises spec scenario S2: PASV mode, REST, then a
// binary RETR that must yield exactly file[rest_offset:].
func TestPasvRetrWithRest(t *testing.T) {
	srv, addr := testServer(t)
	c := dialFTP(t, addr)
	defer c.close()

	c.login("alice", "secret")

	content := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if err := os.WriteFile(srv.rootAbs+"/a.bin", content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if reply := c.cmd("TYPE I"); !strings.HasPrefix(reply, "200") {
		t.Fatalf("TYPE I reply = %q", reply)
	}

	reply := c.cmd("PASV")
	if !strings.HasPrefix(reply, "227") {
		t.Fatalf("PASV reply = %q", reply)
	}
	dataAddr := parsePasvAddr(t, reply)

	if reply := c.cmd("REST 3"); !strings.HasPrefix(reply, "350") {
		t.Fatalf("REST reply = %q", reply)
	}

	retrDone := make(chan string, 1)
	go func() { retrDone <- c.cmd("RETR a.bin") }()

	dataConn, err := net.DialTimeout("tcp", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("data dial %s: %v", dataAddr, err)
	}
	got, err := io.ReadAll(dataConn)
	dataConn.Close()
	if err != nil {
		t.Fatalf("data read: %v", err)
	}

	reply150 := <-retrDone
	if !strings.HasPrefix(reply150, "150") {
		t.Fatalf("RETR first reply = %q", reply150)
	}
	reply226 := c.readReply()
	if !strings.HasPrefix(reply226, "226") {
		t.Fatalf("RETR final reply = %q", reply226)
	}

	want := content[3:]
	if string(got) != string(want) {
		t.Fatalf("RETR with REST 3 yielded %v, want %v", got, want)
	}
}

// TestAborDuringRetr exercises spec scenario S4: ABOR sent while a RETR is
// in flight must produce 426 then 226 on the control connection, emitted
// by the transfer worker rather than the ABOR handler itself.
func TestAborDuringRetr(t *testing.T) {
	srv, addr := testServer(t)
	c := dialFTP(t, addr)
	defer c.close()

	c.login("alice", "secret")

	big := make([]byte, 8*1024*1024)
	for i := range big {
		big[i] = byte(i)
	}
	if err := os.WriteFile(srv.rootAbs+"/big.bin", big, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("data listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(dataLn.Addr().String())
	var p1, p2 int
	fmt.Sscanf(portStr, "%d", &p1)
	p1, p2 = p1/256, p1%256

	if reply := c.cmd("PORT 127,0,0,1,%d,%d", p1, p2); !strings.HasPrefix(reply, "200") {
		t.Fatalf("PORT reply = %q", reply)
	}

	retrDone := make(chan string, 1)
	go func() { retrDone <- c.cmd("RETR big.bin") }()

	// Accept the data connection but never read from it, so the transfer
	// worker's write blocks once the socket buffers fill and ABOR has a
	// real in-flight transfer to interrupt.
	dataConn, err := dataLn.Accept()
	if err != nil {
		t.Fatalf("data accept: %v", err)
	}
	defer dataConn.Close()
	dataLn.Close()

	reply150 := <-retrDone
	if !strings.HasPrefix(reply150, "150") {
		t.Fatalf("RETR first reply = %q", reply150)
	}

	// Give the worker a moment to start writing and stall on the full
	// socket buffer before ABOR races it.
	time.Sleep(50 * time.Millisecond)

	// cmdABOR writes no reply of its own while a transfer is running, so
	// the line c.cmd reads back here is the worker's, not ABOR's.
	reply := c.cmd("ABOR")
	if !strings.HasPrefix(reply, "426") {
		t.Fatalf("ABOR-induced reply = %q, want 426", reply)
	}
	final := c.readReply()
	if !strings.HasPrefix(final, "226") {
		t.Fatalf("ABOR final reply = %q, want 226", final)
	}
}
