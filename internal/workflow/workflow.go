// Package workflow holds what the structured conversation flows share: the
// per-step input and the fixed replies for failures.
package workflow

import (
	"github.com/ashureev/watchdesk/internal/domain"
)

// Replies used by every flow when a collaborator fails.
const (
	// TryAgainMessage answers a timed out or failed external call. The
	// session is left untouched so the customer can simply resend.
	TryAgainMessage = "Desculpe, não consegui processar isso agora. ⏳ Pode tentar novamente em instantes?"

	// ErrorMessage answers an infrastructure failure before the job is retried.
	ErrorMessage = "Tive um problema técnico. Por favor, tente novamente mais tarde."
)

// Input is one inbound message as seen by a workflow step.
type Input struct {
	TenantID   string
	SubjectKey string
	Customer   *domain.Customer
	Message    *domain.InboundMessage
}

// Text returns the trimmed message body.
func (in Input) Text() string {
	if in.Message == nil {
		return ""
	}
	return in.Message.Text()
}

// HasMedia reports whether the message carries attachments.
func (in Input) HasMedia() bool {
	return in.Message != nil && in.Message.HasMedia()
}

// CustomerName returns the known customer name, the gateway profile name,
// or a neutral fallback.
func (in Input) CustomerName() string {
	if in.Customer != nil && in.Customer.Name != "" {
		return in.Customer.Name
	}
	if in.Message != nil && in.Message.ProfileName != "" {
		return in.Message.ProfileName
	}
	return "Cliente"
}
