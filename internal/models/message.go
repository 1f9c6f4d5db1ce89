package models

import (
	"errors"
	"time"
)

// MessageKind defines the payload variant of a step message.
type MessageKind string

const (
	// MessageKindText is a plain text message.
	MessageKindText MessageKind = "text"
	// MessageKindMedia is an image or video referenced by URL.
	MessageKindMedia MessageKind = "media"
	// MessageKindFlex references an authored flex template by ID.
	MessageKindFlex MessageKind = "flex"
)

// Validation constants for step message content.
const (
	// MaxTextLength defines the maximum allowed length for text message bodies
	MaxTextLength = 5000
	// MaxAltTextLength defines the maximum allowed length for alt text
	MaxAltTextLength = 400
)

var (
	ErrInvalidMessageKind  = errors.New("invalid message kind")
	ErrEmptyText           = errors.New("text is required for text messages")
	ErrTextTooLong         = errors.New("text exceeds maximum length")
	ErrMissingMediaURL     = errors.New("media_url is required for media messages")
	ErrMissingFlexTemplate = errors.New("flex_template_id is required for flex messages")
	ErrAltTextTooLong      = errors.New("alt_text exceeds maximum length")
)

// IsValidMessageKind checks if the given message kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	switch k {
	case MessageKindText, MessageKindMedia, MessageKindFlex:
		return true
	default:
		return false
	}
}

// StepMessage is one payload descriptor attached to a step. All messages of a
// step fire together in message_order; the order is independent of delivery
// timing. The kind field tags which payload fields are meaningful, so the
// dispatcher never branches on untyped data.
type StepMessage struct {
	ID           string      `json:"id"`
	StepID       string      `json:"step_id"`
	MessageOrder int         `json:"message_order"`
	Kind         MessageKind `json:"kind"`
	Text         string      `json:"text,omitempty"`
	MediaURL     string      `json:"media_url,omitempty"`
	PreviewURL   string      `json:"preview_url,omitempty"`
	FlexTemplate string      `json:"flex_template_id,omitempty"`
	AltText      string      `json:"alt_text,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Validate performs kind-specific validation at the authoring boundary.
func (m *StepMessage) Validate() error {
	if !IsValidMessageKind(m.Kind) {
		return ErrInvalidMessageKind
	}
	if len(m.AltText) > MaxAltTextLength {
		return ErrAltTextTooLong
	}
	switch m.Kind {
	case MessageKindText:
		return m.validateText()
	case MessageKindMedia:
		return m.validateMedia()
	case MessageKindFlex:
		return m.validateFlex()
	}
	return nil
}

func (m *StepMessage) validateText() error {
	if m.Text == "" {
		return ErrEmptyText
	}
	if len(m.Text) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}

func (m *StepMessage) validateMedia() error {
	if m.MediaURL == "" {
		return ErrMissingMediaURL
	}
	return nil
}

func (m *StepMessage) validateFlex() error {
	if m.FlexTemplate == "" {
		return ErrMissingFlexTemplate
	}
	return nil
}
