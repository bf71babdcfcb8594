package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zerodha/logf"
)

const (
	// DefaultTimeout for HTTP requests
	DefaultTimeout = 15 * time.Second
	// BaseURL for Meta Graph API
	BaseURL = "https://graph.facebook.com"
	// DefaultAPIVersion is used when the account does not pin one
	DefaultAPIVersion = "v18.0"
)

// Client is the WhatsApp Cloud API client
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Log        logf.Logger
}

// New creates a new WhatsApp client
func New(log logf.Logger) *Client {
	return NewWithBaseURL(log, BaseURL)
}

// NewWithBaseURL creates a new WhatsApp client against a custom API base URL
func NewWithBaseURL(log logf.Logger, baseURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		BaseURL: baseURL,
		Log:     log,
	}
}

// NewWithTimeout creates a new WhatsApp client with a custom per-call timeout
func NewWithTimeout(log logf.Logger, baseURL string, timeout time.Duration) *Client {
	c := NewWithBaseURL(log, baseURL)
	c.HTTPClient.Timeout = timeout
	return c
}

// APIError is a typed Meta API error carrying the code family needed for
// outcome classification.
type APIError struct {
	HTTPStatus int
	Code       int
	Subcode    int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (subcode %d, http %d): %s", e.Code, e.Subcode, e.HTTPStatus, e.Message)
}

// doRequest performs an HTTP request to the Meta API. Non-2xx responses are
// returned as *APIError when the body carries a Meta error envelope.
func (c *Client) doRequest(ctx context.Context, method, url string, body interface{}, accessToken string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr MetaAPIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return nil, &APIError{
				HTTPStatus: resp.StatusCode,
				Code:       apiErr.Error.Code,
				Subcode:    apiErr.Error.ErrorSubcode,
				Message:    apiErr.Error.Message,
			}
		}
		return nil, &APIError{
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("API returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	return respBody, nil
}

// AsAPIError unwraps err into an *APIError if it carries one
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func apiVersion(account *Account) string {
	if account.APIVersion == "" {
		return DefaultAPIVersion
	}
	return account.APIVersion
}

// buildMessagesURL builds the messages endpoint URL
func (c *Client) buildMessagesURL(account *Account) string {
	return fmt.Sprintf("%s/%s/%s/messages", c.BaseURL, apiVersion(account), account.PhoneNumberID)
}

// buildTemplatesURL builds the message_templates endpoint URL
func (c *Client) buildTemplatesURL(account *Account) string {
	return fmt.Sprintf("%s/%s/%s/message_templates", c.BaseURL, apiVersion(account), account.BusinessAccountID)
}

// buildMediaURL builds the media upload endpoint URL
func (c *Client) buildMediaURL(account *Account) string {
	return fmt.Sprintf("%s/%s/%s/media", c.BaseURL, apiVersion(account), account.PhoneNumberID)
}

// buildPhoneNumberURL builds the phone-number info endpoint URL
func (c *Client) buildPhoneNumberURL(account *Account) string {
	return fmt.Sprintf("%s/%s/%s?fields=verified_name,quality_rating,messaging_limit_tier,display_phone_number",
		c.BaseURL, apiVersion(account), account.PhoneNumberID)
}
