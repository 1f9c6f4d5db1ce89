// Package messaging provides pluggable message delivery channels for StepLine.
//
// The primary channel is the LINE Messaging API push endpoint; a Twilio SMS
// channel exists as a fallback for recipients reachable by phone number.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/stepline/StepLine/internal/models"
)

// Constants for messaging service configuration.
const (
	// DefaultSendTimeout bounds a single outbound API call.
	DefaultSendTimeout = 30 * time.Second
)

// Service errors.
var (
	ErrServiceStopped  = errors.New("messaging service is stopped")
	ErrEmptyRecipient  = errors.New("recipient cannot be empty")
	ErrNoMessages      = errors.New("no messages to send")
	ErrRecipientFailed = errors.New("provider rejected recipient")
)

// Service defines a pluggable message delivery abstraction.
// Implementations deliver a step's ordered message bundle to one recipient.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each service implements its own recipient rules (LINE user
	// IDs vs. phone numbers).
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessages delivers the step's messages to a recipient in order.
	// Delivery is all-or-nothing from the caller's perspective: an error means
	// the bundle should be retried as a whole.
	SendMessages(ctx context.Context, to string, messages []models.StepMessage) error

	// Stop releases any resources held by the service.
	Stop() error
}
