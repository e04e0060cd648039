// Package messaging talks to the WhatsApp gateway: outbound sends and
// inbound webhook parsing.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/identity"
)

// ErrGateway marks a failed or rejected outbound send.
var ErrGateway = errors.New("messaging gateway unavailable")

// MaxBodyLength is the longest body the gateway accepts for WhatsApp.
const MaxBodyLength = 1600

// Sender delivers one text message. An empty from uses the sender's default
// number.
type Sender interface {
	Send(ctx context.Context, to, from, body string) error
}

// TwilioSender posts messages to the Twilio REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
}

// NewTwilioSender creates a sender. baseURL defaults to the public API.
func NewTwilioSender(accountSID, authToken, from, baseURL string, timeout time.Duration) *TwilioSender {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
	}
}

// Send implements Sender. Bodies longer than MaxBodyLength go out as
// several messages split on line breaks.
func (s *TwilioSender) Send(ctx context.Context, to, from, body string) error {
	if from == "" {
		from = s.from
	}
	toAddr := identity.WhatsAppAddress(to)
	if toAddr == "" {
		return fmt.Errorf("send message: invalid recipient %q", to)
	}
	fromAddr := from
	if !strings.HasPrefix(fromAddr, "whatsapp:") {
		fromAddr = identity.WhatsAppAddress(from)
	}

	for _, part := range SplitBody(body, MaxBodyLength) {
		if err := s.post(ctx, toAddr, fromAddr, part); err != nil {
			return err
		}
	}
	return nil
}

func (s *TwilioSender) post(ctx context.Context, to, from, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, url.PathEscape(s.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.accountSID, s.authToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("Failed to close gateway response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrGateway, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogSender logs messages instead of sending them. Development setups
// without gateway credentials use it.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, to, _ string, body string) error {
	slog.Info("Outbound message (not sent)", "to", identity.MaskPhone(to), "chars", len([]rune(body)))
	return nil
}

// SplitBody cuts body into parts of at most limit runes, preferring line
// breaks as cut points.
func SplitBody(body string, limit int) []string {
	runes := []rune(body)
	if limit <= 0 || len(runes) <= limit {
		return []string{body}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
