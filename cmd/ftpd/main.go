// Command ftpd runs the FTP server against a single filesystem root,
// authenticating against a users.db credentials file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/n0rlyn/ftpd/internal/users"
	"github.com/n0rlyn/ftpd/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port       int
		root       string
		addrFamily string
		logLevel   string
		maxConn    int
		usersFile  string
		anonWrite  bool
		xferlog    string
		pasvMin    int
		pasvMax    int
		showHelp   bool
		metrics    bool
	)

	fs := flag.NewFlagSet("ftpd", flag.ContinueOnError)
	fs.IntVar(&port, "p", 21, "port to listen on")
	fs.IntVar(&port, "port", 21, "port to listen on")
	fs.StringVar(&root, "r", "./ftp_root", "filesystem root to serve")
	fs.StringVar(&root, "root", "./ftp_root", "filesystem root to serve")
	fs.StringVar(&addrFamily, "a", "unspec", "address family: ipv4, ipv6, or unspec")
	fs.StringVar(&addrFamily, "addr", "unspec", "address family: ipv4, ipv6, or unspec")
	fs.StringVar(&logLevel, "l", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	fs.IntVar(&maxConn, "c", 100, "maximum simultaneous connections, -1 for unlimited")
	fs.StringVar(&usersFile, "users", "", "users.db credentials file (default users.db next to -root)")
	fs.BoolVar(&anonWrite, "anon-write", false, "allow the anonymous user to write, delete and rename")
	fs.StringVar(&xferlog, "xferlog", "", "path to an xferlog-format transfer audit log, disabled if empty")
	fs.IntVar(&pasvMin, "pasv-min", 20000, "lowest port offered in passive mode")
	fs.IntVar(&pasvMax, "pasv-max", 65535, "highest port offered in passive mode")
	fs.BoolVar(&showHelp, "h", false, "print usage and exit")
	fs.BoolVar(&metrics, "metrics", false, "log command, transfer, connection, authentication and lock-contention metrics at debug level")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}
	if showHelp {
		fs.Usage()
		return 0
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(root, 0o755); err != nil {
		logger.Error("could not create root directory", "root", root, "error", err)
		return 1
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		logger.Error("could not resolve root directory", "root", root, "error", err)
		return 1
	}

	if usersFile == "" {
		usersFile = filepath.Join(filepath.Dir(rootAbs), "users.db")
	}
	store, err := users.LoadFile(usersFile, users.Options{
		AllowAnonymous: true,
		AnonWritable:   anonWrite,
		AnonHome:       "/",
	})
	if err != nil {
		logger.Error("could not load users file", "file", usersFile, "error", err)
		return 1
	}

	bindAddr, err := bindAddress(addrFamily, port)
	if err != nil {
		logger.Error("invalid address family", "addr", addrFamily, "error", err)
		return 1
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithPassivePortRange(pasvMin, pasvMax),
	}
	if metrics {
		opts = append(opts, server.WithMetricsCollector(server.NewSlogMetricsCollector(logger)))
	}
	if maxConn >= 0 {
		opts = append(opts, server.WithMaxConnections(maxConn))
	}
	if xferlog != "" {
		f, err := os.OpenFile(xferlog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("could not open xferlog", "file", xferlog, "error", err)
			return 1
		}
		defer f.Close()
		opts = append(opts, server.WithTransferLog(f))
	}

	srv, err := server.NewServer(bindAddr, rootAbs, store, opts...)
	if err != nil {
		logger.Error("could not configure server", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("ftpd_ready", "addr", bindAddr, "root", rootAbs)

	select {
	case err := <-errCh:
		if err != nil && err != server.ErrServerClosed {
			logger.Error("server exited", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting_down")
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
		}
	}
	return 0
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func bindAddress(family string, port int) (string, error) {
	switch family {
	case "unspec":
		return fmt.Sprintf(":%d", port), nil
	case "ipv4":
		return fmt.Sprintf("0.0.0.0:%d", port), nil
	case "ipv6":
		return fmt.Sprintf("[::]:%d", port), nil
	default:
		return "", fmt.Errorf("unknown address family %q", family)
	}
}
