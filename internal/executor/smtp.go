package executor

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
)

const (
	defaultSMTPTimeout      = 30 * time.Second
	defaultSMTPPort         = 587
	defaultSubjectPrefix    = "[vigil]"
	smtpTokenBytes          = 3 // 6 hex chars
	subjectTimestampLayout  = "2006-01-02T15:04:05Z"
	messageIDFallbackDomain = "localhost"
)

type smtpConfig struct {
	retrySpec

	Port           int     `json:"port"`
	Timeout        float64 `json:"timeout"` // seconds
	UseSSL         bool    `json:"use_ssl"` // implicit TLS on connect
	StartTLS       bool    `json:"starttls"`
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	PasswordSecret string  `json:"password_secret"` // env var holding the password
	From           string  `json:"from"`
	To             string  `json:"to"`
	SubjectPrefix  string  `json:"subject_prefix"`
}

// SMTPExecutor sends one real message through the target server. The subject
// carries a timestamp and a random token so a paired imap check can correlate
// the delivery. Transient 4xx replies (greylisting, temporary rejections) are
// retried; 5xx, auth failures, and timeouts fail fast.
type SMTPExecutor struct {
	logger *slog.Logger
}

var _ Executor = (*SMTPExecutor)(nil)

// NewSMTPExecutor builds the executor.
func NewSMTPExecutor(logger *slog.Logger) *SMTPExecutor {
	return &SMTPExecutor{logger: logger}
}

// Execute performs the probe.
func (e *SMTPExecutor) Execute(ctx context.Context, check monitor.Check) *monitor.Result {
	var cfg smtpConfig
	if err := decodeData(check.Data, &cfg); err != nil {
		return configError(check.ID, err.Error())
	}

	if cfg.From == "" || cfg.To == "" {
		return configError(check.ID, "from and to are required")
	}

	if cfg.UseSSL && cfg.StartTLS {
		return configError(check.ID, "use_ssl and starttls are mutually exclusive")
	}

	password := cfg.Password
	if password == "" && cfg.PasswordSecret != "" {
		password = os.Getenv(cfg.PasswordSecret)
		if password == "" {
			return configError(check.ID,
				fmt.Sprintf("password_secret %q resolves to an empty value", cfg.PasswordSecret))
		}
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultSMTPPort
	}

	timeout := timeoutSeconds(cfg.Timeout, defaultSMTPTimeout)
	address := net.JoinHostPort(check.Target, strconv.Itoa(port))

	return retrying(ctx, cfg.Retries, cfg.delay(), func(ctx context.Context) (*monitor.Result, bool) {
		return e.attempt(ctx, check, cfg, password, address, timeout)
	})
}

func (e *SMTPExecutor) attempt(ctx context.Context, check monitor.Check, cfg smtpConfig,
	password, address string, timeout time.Duration,
) (*monitor.Result, bool) {
	token, err := newToken()
	if err != nil {
		return monitor.ErrorResult(check.ID, "smtp_error", err.Error()), false
	}

	subject := subjectLine(cfg.SubjectPrefix, token, time.Now().UTC())

	payload := map[string]any{
		"token":   token,
		"from":    cfg.From,
		"to":      cfg.To,
		"subject": subject,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = e.send(attemptCtx, check.Target, address, cfg, password, subject, token, timeout)
	if err == nil {
		return monitor.OKResult(check.ID, payload), false
	}

	if cancelled(ctx) {
		return nil, false
	}

	// Timeouts fail fast: a slow server will not get faster within the batch.
	if attemptCtx.Err() != nil || isTimeout(err) {
		result := monitor.ErrorResult(check.ID, "timeout",
			fmt.Sprintf("SMTP exchange with %s timed out after %s", address, timeout))
		mergePayload(result, payload)

		return result, false
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		payload["response_code"] = protoErr.Code

		transient := protoErr.Code >= 400 && protoErr.Code < 500

		result := monitor.ErrorResult(check.ID, "smtp_error", protoErr.Error())
		mergePayload(result, payload)

		return result, transient
	}

	result := monitor.ErrorResult(check.ID, "connection_error", err.Error())
	mergePayload(result, payload)

	return result, false
}

func (e *SMTPExecutor) send(ctx context.Context, host, address string, cfg smtpConfig,
	password, subject, token string, timeout time.Duration,
) error {
	dialer := &net.Dialer{}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if cfg.UseSSL {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()

			return fmt.Errorf("implicit TLS handshake: %w", err)
		}

		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()

		return err
	}
	defer func() { _ = client.Close() }()

	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, password, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return err
	}

	if err := client.Rcpt(cfg.To); err != nil {
		return err
	}

	writer, err := client.Data()
	if err != nil {
		return err
	}

	message := buildMessage(cfg.From, cfg.To, subject, token)

	if _, err := writer.Write([]byte(message)); err != nil {
		return err
	}

	if err := writer.Close(); err != nil {
		return err
	}

	return client.Quit()
}

// subjectLine is "<prefix> <UTC-ISO-timestamp> <token>". A paired imap check
// searches for the prefix and validates freshness via the timestamp.
func subjectLine(prefix, token string, now time.Time) string {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	return fmt.Sprintf("%s %s %s", prefix, now.Format(subjectTimestampLayout), token)
}

func buildMessage(from, to, subject, token string) string {
	domain := messageIDFallbackDomain
	if at := strings.LastIndex(from, "@"); at != -1 && at < len(from)-1 {
		domain = from[at+1:]
	}

	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-ID: <%s.%d@%s>\r\n", token, time.Now().UnixNano(), domain)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	b.WriteString("Monitoring probe message. Safe to delete.\r\n")

	return b.String()
}

func newToken() (string, error) {
	buf := make([]byte, smtpTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// Close implements Executor; SMTP connections are per-call.
func (e *SMTPExecutor) Close() error { return nil }
