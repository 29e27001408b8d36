package executor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"

	"github.com/vigil-io/vigil/internal/monitor"
)

const (
	defaultIMAPTimeout = 30 * time.Second
	defaultIMAPPort    = 993
	defaultIMAPFolder  = "INBOX"
	defaultMaxAgeMins  = 60
)

type imapConfig struct {
	Port             int     `json:"port"`
	Timeout          float64 `json:"timeout"`  // seconds
	TLSMode          string  `json:"tls_mode"` // implicit (default), starttls, none
	Username         string  `json:"username"`
	Password         string  `json:"password"`
	PasswordSecret   string  `json:"password_secret"`
	Folder           string  `json:"folder"`
	SearchSubject    string  `json:"search_subject"`
	MaxAgeMinutes    int     `json:"max_age_minutes"`
	DeleteAfterCheck *bool   `json:"delete_after_check"`
}

// IMAPExecutor looks for a recent message matching a subject, typically the
// probe mail a paired smtp check sent. Matches older than max_age_minutes do
// not count; matched messages are flagged deleted and expunged by default so
// the probe mailbox does not grow. Subject quoting is handled by the IMAP
// library's search-criteria encoder.
type IMAPExecutor struct {
	logger *slog.Logger
}

var _ Executor = (*IMAPExecutor)(nil)

// NewIMAPExecutor builds the executor.
func NewIMAPExecutor(logger *slog.Logger) *IMAPExecutor {
	return &IMAPExecutor{logger: logger}
}

// Execute performs the probe.
func (e *IMAPExecutor) Execute(ctx context.Context, check monitor.Check) *monitor.Result {
	var cfg imapConfig
	if err := decodeData(check.Data, &cfg); err != nil {
		return configError(check.ID, err.Error())
	}

	if cfg.Username == "" {
		return configError(check.ID, "username is required")
	}

	if cfg.SearchSubject == "" {
		return configError(check.ID, "search_subject is required")
	}

	password := cfg.Password
	if password == "" && cfg.PasswordSecret != "" {
		password = os.Getenv(cfg.PasswordSecret)
		if password == "" {
			return configError(check.ID,
				fmt.Sprintf("password_secret %q resolves to an empty value", cfg.PasswordSecret))
		}
	}

	mode := cfg.TLSMode
	if mode == "" {
		mode = tlsModeImplicit
	}

	switch mode {
	case tlsModeNone, tlsModeImplicit, tlsModeStartTLS:
	default:
		return configError(check.ID, fmt.Sprintf("unsupported tls_mode %q", cfg.TLSMode))
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultIMAPPort
	}

	timeout := timeoutSeconds(cfg.Timeout, defaultIMAPTimeout)
	address := net.JoinHostPort(check.Target, strconv.Itoa(port))

	result := e.probe(check, cfg, password, mode, address, timeout)
	if cancelled(ctx) {
		return nil
	}

	return result
}

func (e *IMAPExecutor) probe(check monitor.Check, cfg imapConfig,
	password, mode, address string, timeout time.Duration,
) *monitor.Result {
	client, err := e.connect(check.Target, address, mode, timeout)
	if err != nil {
		errorType := "connection_error"
		if isTimeout(err) {
			errorType = "timeout"
		}

		return monitor.ErrorResult(check.ID, errorType, err.Error())
	}
	defer func() { _ = client.Logout() }()

	client.Timeout = timeout

	if err := client.Login(cfg.Username, password); err != nil {
		return monitor.ErrorResult(check.ID, "auth_error", err.Error())
	}

	folder := cfg.Folder
	if folder == "" {
		folder = defaultIMAPFolder
	}

	if _, err := client.Select(folder, false); err != nil {
		return monitor.ErrorResult(check.ID, "imap_error",
			fmt.Sprintf("select %s: %v", folder, err))
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", cfg.SearchSubject)
	criteria.WithoutFlags = []string{imap.DeletedFlag}

	uids, err := client.UidSearch(criteria)
	if err != nil {
		return monitor.ErrorResult(check.ID, "imap_error", fmt.Sprintf("search: %v", err))
	}

	maxAge := cfg.MaxAgeMinutes
	if maxAge <= 0 {
		maxAge = defaultMaxAgeMins
	}

	oldest := time.Now().Add(-time.Duration(maxAge) * time.Minute)

	matched, latest, err := e.recentMatches(client, uids, oldest)
	if err != nil {
		return monitor.ErrorResult(check.ID, "imap_error", fmt.Sprintf("fetch: %v", err))
	}

	deleteAfter := cfg.DeleteAfterCheck == nil || *cfg.DeleteAfterCheck
	if deleteAfter && len(uids) > 0 {
		// All search hits are cleaned up, stale ones included, so the probe
		// mailbox stays bounded.
		if err := e.deleteMessages(client, uids); err != nil {
			e.logger.Warn("probe message cleanup failed",
				slog.Int64("check_id", check.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(matched) == 0 {
		return monitor.ErrorResult(check.ID, "no_recent_message",
			fmt.Sprintf("no message matching %q newer than %d minutes", cfg.SearchSubject, maxAge))
	}

	return monitor.OKResult(check.ID, map[string]any{
		"matched_uids":        matched,
		"latest_internaldate": latest.UTC().Format(time.RFC3339),
		"folder":              folder,
	})
}

func (e *IMAPExecutor) connect(host, address, mode string, timeout time.Duration) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: timeout}

	switch mode {
	case tlsModeImplicit:
		return imapclient.DialWithDialerTLS(dialer, address, &tls.Config{ServerName: host})
	case tlsModeStartTLS:
		client, err := imapclient.DialWithDialer(dialer, address)
		if err != nil {
			return nil, err
		}

		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			_ = client.Logout()

			return nil, fmt.Errorf("STARTTLS: %w", err)
		}

		return client, nil
	default:
		return imapclient.DialWithDialer(dialer, address)
	}
}

// recentMatches fetches INTERNALDATE for the search hits and keeps those
// newer than oldest. Returns the kept UIDs and the newest internal date seen.
func (e *IMAPExecutor) recentMatches(client *imapclient.Client, uids []uint32, oldest time.Time) ([]uint32, time.Time, error) {
	if len(uids) == 0 {
		return nil, time.Time{}, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- client.UidFetch(seqset,
			[]imap.FetchItem{imap.FetchInternalDate, imap.FetchUid}, messages)
	}()

	var (
		matched []uint32
		latest  time.Time
	)

	for msg := range messages {
		if msg.InternalDate.Before(oldest) {
			continue
		}

		matched = append(matched, msg.Uid)

		if msg.InternalDate.After(latest) {
			latest = msg.InternalDate
		}
	}

	if err := <-done; err != nil {
		return nil, time.Time{}, err
	}

	return matched, latest, nil
}

func (e *IMAPExecutor) deleteMessages(client *imapclient.Client, uids []uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []any{imap.DeletedFlag}

	if err := client.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}

	if err := client.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}

	return nil
}

// Close implements Executor; IMAP connections are per-call.
func (e *IMAPExecutor) Close() error { return nil }
