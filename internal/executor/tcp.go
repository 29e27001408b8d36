package executor

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
)

const (
	defaultTCPTimeout      = 10 * time.Second
	defaultStartTLSCommand = "STARTTLS\r\n"
	defaultMinCertDays     = 14
)

// TLS negotiation modes for the tcp executor.
const (
	tlsModeNone     = "none"
	tlsModeImplicit = "implicit"
	tlsModeStartTLS = "starttls"
)

type tcpConfig struct {
	retrySpec

	Port            int     `json:"port"`
	Timeout         float64 `json:"timeout"` // seconds
	TLSMode         string  `json:"tls_mode"`
	StartTLSCommand string  `json:"starttls_command"`
	Verify          *bool   `json:"verify"`
	SNI             string  `json:"sni"`
	CheckCertExpiry bool    `json:"check_cert_expiry"`
	MinCertDays     int     `json:"min_cert_days"`
}

// TCPExecutor probes raw TCP reachability with optional TLS, either implicit
// or negotiated via a configurable STARTTLS exchange. With check_cert_expiry
// a soon-to-expire certificate degrades the result to ok-with-warning rather
// than failing the check.
type TCPExecutor struct {
	logger *slog.Logger
}

var _ Executor = (*TCPExecutor)(nil)

// NewTCPExecutor builds the executor.
func NewTCPExecutor(logger *slog.Logger) *TCPExecutor {
	return &TCPExecutor{logger: logger}
}

// Execute performs the probe.
func (e *TCPExecutor) Execute(ctx context.Context, check monitor.Check) *monitor.Result {
	var cfg tcpConfig
	if err := decodeData(check.Data, &cfg); err != nil {
		return configError(check.ID, err.Error())
	}

	host, address, result := tcpAddress(check, cfg)
	if result != nil {
		return result
	}

	mode := cfg.TLSMode
	if mode == "" {
		mode = tlsModeNone
	}

	switch mode {
	case tlsModeNone, tlsModeImplicit, tlsModeStartTLS:
	default:
		return configError(check.ID, fmt.Sprintf("unsupported tls_mode %q", cfg.TLSMode))
	}

	timeout := timeoutSeconds(cfg.Timeout, defaultTCPTimeout)

	return retrying(ctx, cfg.Retries, cfg.delay(), func(ctx context.Context) (*monitor.Result, bool) {
		return e.attempt(ctx, check, cfg, host, address, mode, timeout)
	})
}

func tcpAddress(check monitor.Check, cfg tcpConfig) (host, address string, result *monitor.Result) {
	if h, p, err := net.SplitHostPort(check.Target); err == nil {
		return h, net.JoinHostPort(h, p), nil
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return "", "", configError(check.ID,
			"port is required when the target carries no port")
	}

	return check.Target, net.JoinHostPort(check.Target, strconv.Itoa(cfg.Port)), nil
}

func (e *TCPExecutor) attempt(ctx context.Context, check monitor.Check, cfg tcpConfig,
	host, address, mode string, timeout time.Duration,
) (*monitor.Result, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	dialer := &net.Dialer{}

	conn, err := dialer.DialContext(attemptCtx, "tcp", address)
	if err != nil {
		if cancelled(ctx) {
			return nil, false
		}

		if attemptCtx.Err() != nil {
			return monitor.ErrorResult(check.ID, "timeout",
				fmt.Sprintf("connect to %s timed out after %s", address, timeout)), true
		}

		return monitor.ErrorResult(check.ID, "connection_error", err.Error()), true
	}
	defer func() { _ = conn.Close() }()

	connectMS := time.Since(start).Milliseconds()

	payload := map[string]any{
		"address":    address,
		"connect_ms": connectMS,
	}

	if mode == tlsModeNone {
		return monitor.OKResult(check.ID, payload), false
	}

	if deadline, ok := attemptCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if mode == tlsModeStartTLS {
		command := cfg.StartTLSCommand
		if command == "" {
			command = defaultStartTLSCommand
		}

		if err := negotiateStartTLS(conn, command); err != nil {
			if cancelled(ctx) {
				return nil, false
			}

			if attemptCtx.Err() != nil {
				return monitor.ErrorResult(check.ID, "timeout",
					fmt.Sprintf("STARTTLS exchange with %s timed out", address)), true
			}

			return monitor.ErrorResult(check.ID, "connection_error",
				fmt.Sprintf("STARTTLS exchange failed: %v", err)), true
		}
	}

	serverName := cfg.SNI
	if serverName == "" {
		serverName = host
	}

	verify := cfg.Verify == nil || *cfg.Verify

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !verify, //nolint:gosec // operator opt-out for self-signed endpoints
	})

	handshakeStart := time.Now()

	if err := tlsConn.HandshakeContext(attemptCtx); err != nil {
		if cancelled(ctx) {
			return nil, false
		}

		if attemptCtx.Err() != nil {
			return monitor.ErrorResult(check.ID, "timeout",
				fmt.Sprintf("TLS handshake with %s timed out", address)), true
		}

		return monitor.ErrorResult(check.ID, "tls_handshake_error", err.Error()), false
	}

	payload["handshake_ms"] = time.Since(handshakeStart).Milliseconds()
	payload["tls_version"] = tls.VersionName(tlsConn.ConnectionState().Version)

	if cfg.CheckCertExpiry {
		if result := certExpiryResult(check.ID, tlsConn, cfg, payload); result != nil {
			return result, false
		}
	}

	return monitor.OKResult(check.ID, payload), false
}

// negotiateStartTLS reads the server greeting, sends the upgrade command, and
// reads one response line. Protocol-specific response parsing is deliberately
// out of scope: a server that answers at all is ready for the handshake.
func negotiateStartTLS(conn net.Conn, command string) error {
	reader := bufio.NewReader(conn)

	if _, err := reader.ReadString('\n'); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}

	if _, err := conn.Write([]byte(command)); err != nil {
		return fmt.Errorf("send upgrade command: %w", err)
	}

	response, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read upgrade response: %w", err)
	}

	if strings.HasPrefix(response, "5") || strings.HasPrefix(response, "4") {
		return fmt.Errorf("server refused upgrade: %s", strings.TrimSpace(response))
	}

	return nil
}

// certExpiryResult returns a non-nil result when the peer certificate is
// close to expiring. Expiry proximity is a warning, not a failure: the
// endpoint still works, someone just has to renew.
func certExpiryResult(checkID int64, conn *tls.Conn, cfg tcpConfig, payload map[string]any) *monitor.Result {
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}

	minDays := cfg.MinCertDays
	if minDays <= 0 {
		minDays = defaultMinCertDays
	}

	remaining := int(time.Until(certs[0].NotAfter).Hours() / 24)
	payload["cert_expires_in_days"] = remaining
	payload["cert_not_after"] = certs[0].NotAfter.UTC().Format(time.RFC3339)

	if remaining >= minDays {
		return nil
	}

	payload["severity"] = SeverityWarning
	payload["error_type"] = "cert_expiry"
	payload["error_msg"] = fmt.Sprintf("certificate expires in %d days (minimum %d)", remaining, minDays)

	result := monitor.OKResult(checkID, payload)

	return result
}

// Close implements Executor; connections are per-call.
func (e *TCPExecutor) Close() error { return nil }
