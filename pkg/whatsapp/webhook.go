package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VerifyWebhook verifies the webhook subscription challenge from Meta
func VerifyWebhook(mode, token, challenge, expectedToken string) (string, error) {
	if mode != "subscribe" {
		return "", fmt.Errorf("invalid mode: %s", mode)
	}
	if token != expectedToken {
		return "", fmt.Errorf("token mismatch")
	}
	return challenge, nil
}

// VerifySignature validates the X-Hub-Signature-256 header against the raw
// request body using the app secret. Comparison is constant-time.
func VerifySignature(body []byte, signatureHeader, appSecret string) bool {
	expected := strings.TrimPrefix(signatureHeader, "sha256=")
	if expected == "" || appSecret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(computed), []byte(expected))
}

// ParseWebhook parses the incoming webhook payload from Meta
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	return &payload, nil
}

// ExtractMessages extracts all incoming messages from a webhook payload.
// Each parsed message carries the business account ID of its entry so a
// single payload spanning multiple accounts routes correctly.
func (p *WebhookPayload) ExtractMessages() []ParsedMessage {
	var messages []ParsedMessage

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			phoneNumberID := change.Value.Metadata.PhoneNumberID

			contactName := ""
			if len(change.Value.Contacts) > 0 {
				contactName = change.Value.Contacts[0].Profile.Name
			}

			for _, msg := range change.Value.Messages {
				parsed := ParsedMessage{
					BusinessAccountID: entry.ID,
					PhoneNumberID:     phoneNumberID,
					From:              msg.From,
					ID:                msg.ID,
					Type:              msg.Type,
					ContactName:       contactName,
				}

				if ts, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
					parsed.Timestamp = time.Unix(ts, 0)
				}

				if msg.Type == "text" && msg.Text != nil {
					parsed.Text = msg.Text.Body
				}

				messages = append(messages, parsed)
			}
		}
	}

	return messages
}

// ExtractStatuses extracts all delivery status updates from a webhook payload
func (p *WebhookPayload) ExtractStatuses() []ParsedStatus {
	var statuses []ParsedStatus

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			phoneNumberID := change.Value.Metadata.PhoneNumberID

			for _, status := range change.Value.Statuses {
				parsed := ParsedStatus{
					BusinessAccountID: entry.ID,
					PhoneNumberID:     phoneNumberID,
					MessageID:         status.ID,
					Status:            status.Status,
					RecipientID:       status.RecipientID,
				}

				if ts, err := strconv.ParseInt(status.Timestamp, 10, 64); err == nil {
					parsed.Timestamp = time.Unix(ts, 0)
				}

				if len(status.Errors) > 0 {
					parsed.ErrorCode = status.Errors[0].Code
					parsed.ErrorTitle = status.Errors[0].Title
					parsed.ErrorMsg = status.Errors[0].Message
				}

				statuses = append(statuses, parsed)
			}
		}
	}

	return statuses
}
