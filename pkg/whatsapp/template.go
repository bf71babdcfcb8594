package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// FetchTemplates fetches all templates from Meta's API
func (c *Client) FetchTemplates(ctx context.Context, account *Account) ([]MetaTemplate, error) {
	url := fmt.Sprintf("%s?limit=100", c.buildTemplatesURL(account))

	respBody, err := c.doRequest(ctx, http.MethodGet, url, nil, account.AccessToken)
	if err != nil {
		c.Log.Error("Failed to fetch templates", "error", err)
		return nil, err
	}

	var result TemplateListResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.Log.Info("Fetched templates from Meta", "count", len(result.Data))
	return result.Data, nil
}

// GetPhoneNumberInfo fetches the phone-number profile for a sender. Used as
// the connection test and to refresh quality rating and messaging tier.
func (c *Client) GetPhoneNumberInfo(ctx context.Context, account *Account) (*PhoneNumberInfo, error) {
	url := c.buildPhoneNumberURL(account)

	respBody, err := c.doRequest(ctx, http.MethodGet, url, nil, account.AccessToken)
	if err != nil {
		c.Log.Error("Failed to fetch phone number info", "error", err, "phone_number_id", account.PhoneNumberID)
		return nil, err
	}

	var info PhoneNumberInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &info, nil
}

// TestConnection verifies the sender's credentials against Meta
func (c *Client) TestConnection(ctx context.Context, account *Account) error {
	if _, err := c.GetPhoneNumberInfo(ctx, account); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}
