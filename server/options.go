package server

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/n0rlyn/ftpd/internal/ratelimit"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithLogger sets a custom logger for the server. If not specified,
// slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithWelcomeMessage sets the banner text sent after "220 " on connect.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can sit without a
// command before being closed. Defaults to 5 minutes.
func WithMaxIdleTime(d time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = d
		return nil
	}
}

// WithReadTimeout sets a fixed read deadline applied to every command
// read, overriding WithMaxIdleTime's idle-based deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.readTimeout = d
		return nil
	}
}

// WithWriteTimeout sets the deadline applied while writing a reply.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.writeTimeout = d
		return nil
	}
}

// WithMaxConnections sets the maximum number of simultaneous connections.
// 0 (the default) means unlimited.
func WithMaxConnections(max int) Option {
	return func(s *Server) error {
		s.maxConnections = max
		return nil
	}
}

// WithMaxConnectionsPerIP sets the maximum number of simultaneous
// connections accepted from a single remote IP. 0 means unlimited.
func WithMaxConnectionsPerIP(max int) Option {
	return func(s *Server) error {
		s.maxConnectionsPerIP = max
		return nil
	}
}

// WithPublicHost sets the hostname or IP advertised in PASV replies.
// Required behind NAT or inside a container, where the control
// connection's local address isn't reachable from the client.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		s.publicHost = host
		return nil
	}
}

// WithPassivePortRange restricts passive-mode data listeners to
// [min, max]. If unset, the OS assigns an ephemeral port per PASV.
func WithPassivePortRange(min, max int) Option {
	return func(s *Server) error {
		if max < min {
			return fmt.Errorf("passive port range max %d is below min %d", max, min)
		}
		s.pasvMinPort = min
		s.pasvMaxPort = max
		return nil
	}
}

// WithBandwidthLimitPerSession caps each session's transfer throughput at
// bytesPerSecond.
func WithBandwidthLimitPerSession(bytesPerSecond int64) Option {
	return func(s *Server) error {
		s.bandwidthLimitPerSession = bytesPerSecond
		return nil
	}
}

// WithGlobalBandwidthLimit caps the aggregate transfer throughput of all
// sessions combined at bytesPerSecond.
func WithGlobalBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Server) error {
		s.globalLimiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithTransferLog writes a wu-ftpd style xferlog line for every completed
// transfer to w.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithMetricsCollector registers a MetricsCollector to receive command,
// transfer, connection and authentication events.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = m
		return nil
	}
}

// WithPathRedactor installs a PathRedactor applied to paths before they
// are written to logs.
func WithPathRedactor(r PathRedactor) Option {
	return func(s *Server) error {
		s.pathRedactor = r
		return nil
	}
}

// WithIPRedaction masks the low-order portion of client IP addresses
// before they are written to logs.
func WithIPRedaction(enable bool) Option {
	return func(s *Server) error {
		s.redactIPAddresses = enable
		return nil
	}
}
