package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/ashureev/watchdesk/internal/identity"
)

// Fixed replies for rejected messages.
const (
	UnsupportedMediaMessage = "Desculpe, não consigo processar esse tipo de arquivo no momento. Envie fotos, PDFs ou áudios."
	TooManyMessagesMessage  = "Você atingiu o limite de mensagens. Um de nossos atendentes entrará em contato em breve."
	tooLongFormat           = "Sua mensagem é muito longa. Pode resumir em até %d caracteres?"
)

// Verdict is what screening decided about a message.
type Verdict int

const (
	// Accept routes the message to a workflow.
	Accept Verdict = iota
	// Drop ignores the message without replying.
	Drop
	// Reject answers with a fixed notice and stops.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Screening is the result of Screen.
type Screening struct {
	Verdict Verdict
	Reason  string
	Notice  string
}

var supportedMedia = []string{"image/", "audio/", "application/pdf"}

func supported(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	for _, p := range supportedMedia {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

// Screen applies reply eligibility, the length ceiling and the media
// whitelist. botNumber is the tenant's own WhatsApp number.
func Screen(msg *domain.InboundMessage, botNumber string, maxChars int) Screening {
	switch {
	case msg.From == "":
		return Screening{Verdict: Drop, Reason: "no sender"}
	case msg.IsStatus:
		return Screening{Verdict: Drop, Reason: "status update"}
	case msg.IsGroup:
		return Screening{Verdict: Drop, Reason: "group or broadcast"}
	case identity.SamePhone(msg.From, botNumber), identity.SamePhone(msg.From, msg.To):
		return Screening{Verdict: Drop, Reason: "own number"}
	case !msg.HasMedia() && msg.Text() == "":
		return Screening{Verdict: Drop, Reason: "empty message"}
	}

	if maxChars > 0 && utf8.RuneCountInString(msg.Body) > maxChars {
		return Screening{Verdict: Reject, Reason: "too long", Notice: fmt.Sprintf(tooLongFormat, maxChars)}
	}
	for i := range msg.MediaURLs {
		if !supported(msg.MediaType(i)) {
			return Screening{Verdict: Reject, Reason: "unsupported media " + msg.MediaType(i), Notice: UnsupportedMediaMessage}
		}
	}
	return Screening{Verdict: Accept}
}
