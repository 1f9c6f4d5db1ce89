package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/stepline/StepLine/internal/models"
)

const testLineUserID = "U0123456789abcdef0123456789abcdef"

// pushRequest captures one request to the fake LINE push endpoint.
type pushRequest struct {
	To       string            `json:"to"`
	Messages []json.RawMessage `json:"messages"`
}

func newFakeLineAPI(t *testing.T, status int, responseBody string) (*httptest.Server, *[]pushRequest) {
	t.Helper()
	var requests []pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/bot/message/push" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization header = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req pushRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("failed to decode push request: %v", err)
		}
		requests = append(requests, req)
		w.WriteHeader(status)
		io.WriteString(w, responseBody)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestLineServiceValidateRecipient(t *testing.T) {
	s := NewLineService("test-token")

	tests := []struct {
		name      string
		recipient string
		want      string
		wantErr   bool
	}{
		{"valid ID", testLineUserID, testLineUserID, false},
		{"lowercase prefix normalized", "u0123456789abcdef0123456789abcdef", testLineUserID, false},
		{"empty", "", "", true},
		{"too short", "U0123", "", true},
		{"wrong prefix", "X0123456789abcdef0123456789abcdef", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ValidateAndCanonicalizeRecipient(tt.recipient)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLineServiceSendMessages(t *testing.T) {
	server, requests := newFakeLineAPI(t, http.StatusOK, `{}`)
	s := NewLineService("test-token", WithLineAPIBase(server.URL))

	messages := []models.StepMessage{
		{ID: "msg_1", Kind: models.MessageKindText, Text: "Welcome!"},
		{ID: "msg_2", Kind: models.MessageKindMedia, MediaURL: "https://cdn.example.com/a.jpg"},
		{ID: "msg_3", Kind: models.MessageKindFlex, FlexTemplate: `{"type":"bubble"}`, AltText: "Card"},
	}

	if err := s.SendMessages(context.Background(), testLineUserID, messages); err != nil {
		t.Fatalf("SendMessages failed: %v", err)
	}

	if len(*requests) != 1 {
		t.Fatalf("expected 1 push request, got %d", len(*requests))
	}
	req := (*requests)[0]
	if req.To != testLineUserID {
		t.Errorf("push to = %q, want %q", req.To, testLineUserID)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages in push, got %d", len(req.Messages))
	}

	var text struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Messages[0], &text); err != nil {
		t.Fatalf("failed to decode first message: %v", err)
	}
	if text.Type != "text" || text.Text != "Welcome!" {
		t.Errorf("unexpected first message: %+v", text)
	}

	var image struct {
		Type               string `json:"type"`
		OriginalContentURL string `json:"originalContentUrl"`
		PreviewImageURL    string `json:"previewImageUrl"`
	}
	if err := json.Unmarshal(req.Messages[1], &image); err != nil {
		t.Fatalf("failed to decode second message: %v", err)
	}
	if image.Type != "image" || image.OriginalContentURL != "https://cdn.example.com/a.jpg" {
		t.Errorf("unexpected second message: %+v", image)
	}
	if image.PreviewImageURL != image.OriginalContentURL {
		t.Errorf("preview should fall back to media URL, got %q", image.PreviewImageURL)
	}

	var flex struct {
		Type    string `json:"type"`
		AltText string `json:"altText"`
	}
	if err := json.Unmarshal(req.Messages[2], &flex); err != nil {
		t.Fatalf("failed to decode third message: %v", err)
	}
	if flex.Type != "flex" || flex.AltText != "Card" {
		t.Errorf("unexpected third message: %+v", flex)
	}
}

func TestLineServiceChunksLargeBundles(t *testing.T) {
	server, requests := newFakeLineAPI(t, http.StatusOK, `{}`)
	s := NewLineService("test-token",
		WithLineAPIBase(server.URL),
		WithLineRateLimit(rate.Inf, 1))

	var messages []models.StepMessage
	for i := 0; i < 7; i++ {
		messages = append(messages, models.StepMessage{Kind: models.MessageKindText, Text: "m"})
	}

	if err := s.SendMessages(context.Background(), testLineUserID, messages); err != nil {
		t.Fatalf("SendMessages failed: %v", err)
	}

	if len(*requests) != 2 {
		t.Fatalf("expected 2 chunked push requests, got %d", len(*requests))
	}
	if len((*requests)[0].Messages) != 5 || len((*requests)[1].Messages) != 2 {
		t.Errorf("chunk sizes = %d, %d; want 5, 2", len((*requests)[0].Messages), len((*requests)[1].Messages))
	}
}

func TestLineServicePushError(t *testing.T) {
	server, _ := newFakeLineAPI(t, http.StatusBadRequest,
		`{"message":"The request body has 1 error(s)","details":[{"message":"May not be empty","property":"messages[0].text"}]}`)
	s := NewLineService("test-token", WithLineAPIBase(server.URL))

	err := s.SendMessages(context.Background(), testLineUserID,
		[]models.StepMessage{{Kind: models.MessageKindText, Text: ""}})
	if err == nil {
		t.Fatal("expected error for rejected push")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("error should carry status code, got %v", err)
	}
	if !strings.Contains(err.Error(), "May not be empty") {
		t.Errorf("error should carry API detail, got %v", err)
	}
}

func TestLineServiceRejectsInvalidFlex(t *testing.T) {
	s := NewLineService("test-token")

	err := s.SendMessages(context.Background(), testLineUserID,
		[]models.StepMessage{{ID: "msg_bad", Kind: models.MessageKindFlex, FlexTemplate: `{not json`}})
	if err == nil {
		t.Fatal("expected error for invalid flex template")
	}
}

func TestLineServiceEmptyBundle(t *testing.T) {
	s := NewLineService("test-token")

	if err := s.SendMessages(context.Background(), testLineUserID, nil); err != ErrNoMessages {
		t.Errorf("error = %v, want ErrNoMessages", err)
	}
}

func TestLineServiceStopped(t *testing.T) {
	s := NewLineService("test-token")
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	err := s.SendMessages(context.Background(), testLineUserID,
		[]models.StepMessage{{Kind: models.MessageKindText, Text: "hi"}})
	if err != ErrServiceStopped {
		t.Errorf("error = %v, want ErrServiceStopped", err)
	}
}
