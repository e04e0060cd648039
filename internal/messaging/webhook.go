package messaging

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
)

// EmptyTwiML acknowledges a webhook without replying inline. Replies are
// sent asynchronously by the worker.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// maxMedia caps how many attachments are read from one webhook.
const maxMedia = 10

// ParseWebhook reads a form-encoded inbound message.
func ParseWebhook(r *http.Request, now time.Time) (*domain.InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse webhook form: %w", err)
	}
	form := r.PostForm
	if len(form) == 0 {
		form = r.Form
	}

	rawFrom := strings.TrimSpace(form.Get("From"))
	if rawFrom == "" {
		return nil, fmt.Errorf("webhook without From")
	}

	msg := &domain.InboundMessage{
		ID:          form.Get("MessageSid"),
		From:        identity.NormalizePhone(rawFrom),
		To:          identity.NormalizePhone(form.Get("To")),
		Body:        form.Get("Body"),
		ProfileName: form.Get("ProfileName"),
		ReceivedAt:  now.UTC(),
	}

	// Delivery status callbacks share the endpoint with messages.
	if form.Get("MessageStatus") != "" || form.Get("SmsStatus") == "sent" ||
		strings.Contains(rawFrom, "status@broadcast") {
		msg.IsStatus = true
	}
	if strings.HasSuffix(rawFrom, "@g.us") || strings.Contains(rawFrom, "broadcast") {
		msg.IsGroup = true
	}

	n, _ := strconv.Atoi(form.Get("NumMedia"))
	if n > maxMedia {
		n = maxMedia
	}
	for i := 0; i < n; i++ {
		u := form.Get(fmt.Sprintf("MediaUrl%d", i))
		if u == "" {
			continue
		}
		msg.MediaURLs = append(msg.MediaURLs, u)
		msg.MediaTypes = append(msg.MediaTypes, form.Get(fmt.Sprintf("MediaContentType%d", i)))
	}
	return msg, nil
}

// WriteTwiML writes the empty TwiML acknowledgement.
func WriteTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(EmptyTwiML))
}
