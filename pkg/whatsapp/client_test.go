package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

func testLogger() logf.Logger {
	return logf.New(logf.Opts{Level: logf.FatalLevel})
}

func testAccount() *Account {
	return &Account{
		PhoneNumberID:     "123456789",
		BusinessAccountID: "987654321",
		APIVersion:        "v21.0",
		AccessToken:       "test-token",
	}
}

func newMetaServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewWithBaseURL(testLogger(), srv.URL)
}

func TestSendTemplateSuccess(t *testing.T) {
	srv, client := newMetaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v21.0/123456789/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"messages":[{"id":"wamid.ABC123"}]}`))
	})
	_ = srv

	res := client.SendTemplate(context.Background(), testAccount(), "919900112233", &TemplateParams{
		Name:       "welcome_offer",
		Language:   "en",
		BodyParams: []string{"Asha"},
	})

	require.True(t, res.OK())
	assert.Equal(t, "wamid.ABC123", res.MessageID)
}

func TestSendTemplateSpamRateLimited(t *testing.T) {
	_, client := newMetaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Spam rate limit hit","code":131048}}`))
	})

	res := client.SendTemplate(context.Background(), testAccount(), "919900112233", &TemplateParams{Name: "welcome_offer"})

	assert.Equal(t, OutcomeSpamRateLimited, res.Outcome)
	assert.Equal(t, 131048, res.ErrorCode)
	assert.Equal(t, "Spam rate limit hit", res.ErrorMessage)
}

func TestSendTemplateAuthFailed(t *testing.T) {
	_, client := newMetaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Error validating access token","code":190}}`))
	})

	res := client.SendTemplate(context.Background(), testAccount(), "919900112233", &TemplateParams{Name: "welcome_offer"})

	assert.Equal(t, OutcomeAuthFailed, res.Outcome)
	assert.Equal(t, 190, res.ErrorCode)
}

func TestSendTemplateServerError(t *testing.T) {
	_, client := newMetaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`oops`))
	})

	res := client.SendTemplate(context.Background(), testAccount(), "919900112233", &TemplateParams{Name: "welcome_offer"})

	assert.Equal(t, OutcomeTransient, res.Outcome)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"spam limit", &APIError{HTTPStatus: 400, Code: 131048}, OutcomeSpamRateLimited},
		{"throughput limit", &APIError{HTTPStatus: 400, Code: 130429}, OutcomeRateLimited},
		{"rate limit hit", &APIError{HTTPStatus: 400, Code: 80007}, OutcomeRateLimited},
		{"too many calls", &APIError{HTTPStatus: 400, Code: 4}, OutcomeRateLimited},
		{"http 429", &APIError{HTTPStatus: 429}, OutcomeRateLimited},
		{"expired token", &APIError{HTTPStatus: 400, Code: 190}, OutcomeAuthFailed},
		{"permission denied", &APIError{HTTPStatus: 400, Code: 10}, OutcomeAuthFailed},
		{"132xxx family", &APIError{HTTPStatus: 400, Code: 132001}, OutcomeAuthFailed},
		{"http 403", &APIError{HTTPStatus: 403, Code: 368}, OutcomeAuthFailed},
		{"recipient blocked", &APIError{HTTPStatus: 400, Code: 131026}, OutcomePermanent},
		{"recipient invalid", &APIError{HTTPStatus: 400, Code: 131021}, OutcomePermanent},
		{"invalid parameter", &APIError{HTTPStatus: 400, Code: 100}, OutcomePermanent},
		{"reengagement window", &APIError{HTTPStatus: 400, Code: 131047}, OutcomePermanent},
		{"server error", &APIError{HTTPStatus: 500}, OutcomeTransient},
		{"network error", errors.New("connection refused"), OutcomeTransient},
		{"unknown code", &APIError{HTTPStatus: 400, Code: 999999}, OutcomeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ClassifyError(tt.err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestGetPhoneNumberInfo(t *testing.T) {
	_, client := newMetaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v21.0/123456789", r.URL.Path)
		w.Write([]byte(`{"verified_name":"Acme","quality_rating":"GREEN","messaging_limit_tier":"TIER_10K"}`))
	})

	info, err := client.GetPhoneNumberInfo(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "GREEN", info.QualityRating)
	assert.Equal(t, "TIER_10K", info.MessagingLimitTier)
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	valid := signBody(body, "app-secret")

	assert.True(t, VerifySignature(body, valid, "app-secret"))
	assert.False(t, VerifySignature(body, valid, "wrong-secret"))
	assert.False(t, VerifySignature(body, "sha256=deadbeef", "app-secret"))
	assert.False(t, VerifySignature(body, "", "app-secret"))
	assert.False(t, VerifySignature(body, valid, ""))

	// Tampered body must not verify
	assert.False(t, VerifySignature([]byte(`{"object":"tampered"}`), valid, "app-secret"))
}

func TestVerifyWebhook(t *testing.T) {
	challenge, err := VerifyWebhook("subscribe", "tok", "12345", "tok")
	require.NoError(t, err)
	assert.Equal(t, "12345", challenge)

	_, err = VerifyWebhook("subscribe", "bad", "12345", "tok")
	assert.Error(t, err)

	_, err = VerifyWebhook("unsubscribe", "tok", "12345", "tok")
	assert.Error(t, err)
}

func TestExtractStatuses(t *testing.T) {
	payload, err := ParseWebhook([]byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"phone_number_id": "123456789"},
					"statuses": [
						{"id": "wamid.A", "status": "delivered", "timestamp": "1700000000", "recipient_id": "919900112233"},
						{"id": "wamid.B", "status": "failed", "timestamp": "1700000001", "recipient_id": "919900112234",
						 "errors": [{"code": 131026, "title": "blocked"}]}
					]
				}
			}]
		}]
	}`))
	require.NoError(t, err)

	statuses := payload.ExtractStatuses()
	require.Len(t, statuses, 2)

	assert.Equal(t, "waba-1", statuses[0].BusinessAccountID)
	assert.Equal(t, "wamid.A", statuses[0].MessageID)
	assert.Equal(t, "delivered", statuses[0].Status)
	assert.Equal(t, int64(1700000000), statuses[0].Timestamp.Unix())

	assert.Equal(t, "failed", statuses[1].Status)
	assert.Equal(t, 131026, statuses[1].ErrorCode)
}

func TestExtractMessages(t *testing.T) {
	payload, err := ParseWebhook([]byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"phone_number_id": "123456789"},
					"contacts": [{"profile": {"name": "Asha"}, "wa_id": "919900112233"}],
					"messages": [{"from": "919900112233", "id": "wamid.IN1", "timestamp": "1700000000",
					              "type": "text", "text": {"body": "interested"}}]
				}
			}]
		}]
	}`))
	require.NoError(t, err)

	messages := payload.ExtractMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, "waba-1", messages[0].BusinessAccountID)
	assert.Equal(t, "919900112233", messages[0].From)
	assert.Equal(t, "interested", messages[0].Text)
	assert.Equal(t, "Asha", messages[0].ContactName)
}
