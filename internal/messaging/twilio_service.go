package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/stepline/StepLine/internal/models"
)

// phoneNumberRegex strips everything but digits from a phone number.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// SMSSender abstracts the Twilio REST call so tests can substitute a mock.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// TwilioOpts holds configuration for the Twilio SMS channel.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio SMS channel.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number in E.164 format.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// twilioRestSender wraps the Twilio REST client.
type twilioRestSender struct {
	client *twilio.RestClient
	from   string
}

func (c *twilioRestSender) SendSMS(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("+" + to)
	params.SetFrom(c.from)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendSMS failed", "to", to, "error", err)
		return fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}
	slog.Debug("Twilio SMS sent", "to", to)
	return nil
}

// TwilioService implements Service over SMS. It is a fallback channel: media
// and flex messages degrade to their text representations.
type TwilioService struct {
	sender  SMSSender
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates an SMS channel from Twilio credentials. Options
// fall back to TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER
// environment variables when unset.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio SMS config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioService{sender: &twilioRestSender{client: client, from: cfg.FromNumber}}, nil
}

// NewTwilioServiceWithSender creates an SMS channel with an injected sender,
// used by tests.
func NewTwilioServiceWithSender(sender SMSSender) *TwilioService {
	return &TwilioService{sender: sender}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number
// by stripping all non-numeric characters.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if recipient != canonical {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendMessages delivers the bundle as one SMS per message, in order.
func (s *TwilioService) SendMessages(ctx context.Context, to string, messages []models.StepMessage) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	if len(messages) == 0 {
		return ErrNoMessages
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}

	for _, m := range messages {
		body := smsBody(m)
		if body == "" {
			continue
		}
		if err := s.sender.SendSMS(ctx, canonicalTo, body); err != nil {
			return err
		}
	}
	return nil
}

// Stop marks the service stopped. Subsequent sends fail fast.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// smsBody renders a step message as plain text for the SMS fallback.
func smsBody(m models.StepMessage) string {
	switch m.Kind {
	case models.MessageKindText:
		return m.Text
	case models.MessageKindMedia:
		return m.MediaURL
	case models.MessageKindFlex:
		return strings.TrimSpace(m.AltText)
	default:
		return ""
	}
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)
