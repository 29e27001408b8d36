package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// ErrTelegramConfig is returned when the Telegram sink is enabled without
// credentials.
var ErrTelegramConfig = errors.New("telegram notifier requires TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")

// TelegramNotifier delivers notifications as Telegram bot messages.
type TelegramNotifier struct {
	client  *http.Client
	apiBase string
	token   string
	chatID  string
}

var _ Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier builds the sink. Token and chat ID come from the
// environment (TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID).
func NewTelegramNotifier(token, chatID string) (*TelegramNotifier, error) {
	if token == "" || chatID == "" {
		return nil, ErrTelegramConfig
	}

	return &TelegramNotifier{
		client:  &http.Client{Timeout: 15 * time.Second},
		apiBase: telegramAPIBase,
		token:   token,
		chatID:  chatID,
	}, nil
}

// Notify sends one message via the sendMessage endpoint.
func (t *TelegramNotifier) Notify(ctx context.Context, notification Notification) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)

	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {notification.Text()},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// Close implements Notifier.
func (t *TelegramNotifier) Close() error {
	t.client.CloseIdleConnections()

	return nil
}
