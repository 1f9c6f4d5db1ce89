package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/stepline/StepLine/internal/models"
)

// LINE Messaging API constants.
const (
	// DefaultLineAPIBase is the LINE Messaging API endpoint prefix.
	DefaultLineAPIBase = "https://api.line.me"

	// MaxMessagesPerPush is the LINE API limit on messages per push request.
	MaxMessagesPerPush = 5

	// DefaultPushRateLimit caps outbound pushes per second. LINE enforces
	// 2000 requests/minute on the push endpoint; we stay well under it.
	DefaultPushRateLimit = rate.Limit(20)

	// DefaultPushBurst allows short bursts while honoring the sustained rate.
	DefaultPushBurst = 5
)

// lineUserIDRegex matches LINE user IDs: "U" followed by 32 hex characters.
var lineUserIDRegex = regexp.MustCompile(`^U[0-9a-f]{32}$`)

// LineService implements Service against the LINE Messaging API push endpoint.
type LineService struct {
	apiBase      string
	channelToken string
	client       *http.Client
	limiter      *rate.Limiter
	mu           sync.RWMutex
	stopped      bool
}

// LineOption configures a LineService.
type LineOption func(*LineService)

// WithLineAPIBase overrides the API endpoint, used by tests and proxies.
func WithLineAPIBase(base string) LineOption {
	return func(s *LineService) { s.apiBase = strings.TrimRight(base, "/") }
}

// WithLineHTTPClient overrides the HTTP client.
func WithLineHTTPClient(client *http.Client) LineOption {
	return func(s *LineService) { s.client = client }
}

// WithLineRateLimit overrides the outbound push rate limit.
func WithLineRateLimit(limit rate.Limit, burst int) LineOption {
	return func(s *LineService) { s.limiter = rate.NewLimiter(limit, burst) }
}

// NewLineService creates a LINE push channel authenticated with the given
// channel access token.
func NewLineService(channelToken string, opts ...LineOption) *LineService {
	s := &LineService{
		apiBase:      DefaultLineAPIBase,
		channelToken: channelToken,
		client:       &http.Client{Timeout: DefaultSendTimeout},
		limiter:      rate.NewLimiter(DefaultPushRateLimit, DefaultPushBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates a LINE user ID. LINE IDs are
// case-sensitive except for the leading "U", which we normalize.
func (s *LineService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	canonical := recipient
	if strings.HasPrefix(canonical, "u") {
		canonical = "U" + canonical[1:]
	}
	if !lineUserIDRegex.MatchString(canonical) {
		return "", fmt.Errorf("invalid LINE user ID %q", recipient)
	}
	return canonical, nil
}

// SendMessages pushes the step's messages to a LINE user, chunked to the API's
// per-request message limit.
func (s *LineService) SendMessages(ctx context.Context, to string, messages []models.StepMessage) error {
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

	payloads, err := buildLineMessages(messages)
	if err != nil {
		return err
	}

	for start := 0; start < len(payloads); start += MaxMessagesPerPush {
		end := start + MaxMessagesPerPush
		if end > len(payloads) {
			end = len(payloads)
		}
		if err := s.push(ctx, canonicalTo, payloads[start:end]); err != nil {
			return err
		}
	}
	slog.Debug("LineService.SendMessages delivered", "to", canonicalTo, "messages", len(payloads))
	return nil
}

func (s *LineService) push(ctx context.Context, to string, messages []json.RawMessage) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"to":       to,
		"messages": messages,
	})
	if err != nil {
		return fmt.Errorf("marshal push payload failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/v2/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.channelToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiMessage := gjson.GetBytes(respBody, "message").String()
	detail := gjson.GetBytes(respBody, "details.0.message").String()
	slog.Warn("LINE push rejected", "status", resp.StatusCode, "message", apiMessage, "detail", detail)
	if detail != "" {
		return fmt.Errorf("LINE push failed with status %d: %s (%s)", resp.StatusCode, apiMessage, detail)
	}
	return fmt.Errorf("LINE push failed with status %d: %s", resp.StatusCode, apiMessage)
}

// Stop marks the service stopped. Subsequent sends fail fast.
func (s *LineService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// buildLineMessages converts step messages to LINE API message objects,
// preserving order.
func buildLineMessages(messages []models.StepMessage) ([]json.RawMessage, error) {
	payloads := make([]json.RawMessage, 0, len(messages))
	for _, m := range messages {
		var obj interface{}
		switch m.Kind {
		case models.MessageKindText:
			obj = map[string]string{"type": "text", "text": m.Text}
		case models.MessageKindMedia:
			preview := m.PreviewURL
			if preview == "" {
				preview = m.MediaURL
			}
			obj = map[string]string{
				"type":               "image",
				"originalContentUrl": m.MediaURL,
				"previewImageUrl":    preview,
			}
		case models.MessageKindFlex:
			if !gjson.Valid(m.FlexTemplate) {
				return nil, fmt.Errorf("flex template for message %s is not valid JSON", m.ID)
			}
			altText := m.AltText
			if altText == "" {
				altText = "Message"
			}
			obj = map[string]interface{}{
				"type":     "flex",
				"altText":  altText,
				"contents": json.RawMessage(m.FlexTemplate),
			}
		default:
			return nil, fmt.Errorf("%w: %q", models.ErrInvalidMessageKind, m.Kind)
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("marshal message %s failed: %w", m.ID, err)
		}
		payloads = append(payloads, raw)
	}
	return payloads, nil
}

// Compile-time check that LineService implements Service.
var _ Service = (*LineService)(nil)
