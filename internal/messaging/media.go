package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxMediaBytes bounds downloads; WhatsApp media is at most 16 MB.
const maxMediaBytes = 16 << 20

// MediaClient downloads inbound media. Gateway media URLs require the
// account credentials.
type MediaClient struct {
	accountSID string
	authToken  string
	client     *http.Client
}

// NewMediaClient creates a MediaClient.
func NewMediaClient(accountSID, authToken string, timeout time.Duration) *MediaClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MediaClient{accountSID: accountSID, authToken: authToken, client: &http.Client{Timeout: timeout}}
}

// Fetch returns the media bytes and content type.
func (m *MediaClient) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	if m.accountSID != "" {
		req.SetBasicAuth(m.accountSID, m.authToken)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: fetch media: %v", ErrGateway, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("Failed to close media response body", "error", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: fetch media: status %d", ErrGateway, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media larger than %d bytes", maxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
