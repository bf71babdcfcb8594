package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
)

// TemplateParams carries the per-send parameterization of a template message
type TemplateParams struct {
	Name       string
	Language   string
	BodyParams []string
	HeaderType string
	// HeaderValue is a text parameter for TEXT headers or a media link/ID
	// for IMAGE, VIDEO and DOCUMENT headers
	HeaderValue string
}

// SendTemplate sends a template message and classifies the result. The
// returned SendResult always carries an outcome, even on error.
func (c *Client) SendTemplate(ctx context.Context, account *Account, phoneNumber string, params *TemplateParams) SendResult {
	lang := params.Language
	if lang == "" {
		lang = "en"
	}

	template := map[string]interface{}{
		"name":     params.Name,
		"language": map[string]interface{}{"code": lang},
	}

	components := buildSendComponents(params)
	if len(components) > 0 {
		template["components"] = components
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phoneNumber,
		"type":              "template",
		"template":          template,
	}

	url := c.buildMessagesURL(account)
	c.Log.Debug("Sending template message", "phone", phoneNumber, "template", params.Name)

	respBody, err := c.doRequest(ctx, "POST", url, payload, account.AccessToken)
	if err != nil {
		res := ClassifyError(err)
		c.Log.Error("Failed to send template message",
			"error", err, "phone", phoneNumber, "template", params.Name, "outcome", res.Outcome.String())
		return res
	}

	var resp MetaAPIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return SendResult{Outcome: OutcomeTransient, ErrorMessage: fmt.Sprintf("failed to parse response: %v", err)}
	}

	if len(resp.Messages) == 0 {
		return SendResult{Outcome: OutcomeTransient, ErrorMessage: "no message ID in response"}
	}

	messageID := resp.Messages[0].ID
	c.Log.Info("Template message sent", "message_id", messageID, "phone", phoneNumber, "template", params.Name)
	return SendResult{Outcome: OutcomeOK, MessageID: messageID}
}

// buildSendComponents builds the components array for a template send
func buildSendComponents(params *TemplateParams) []map[string]interface{} {
	components := []map[string]interface{}{}

	if params.HeaderType != "" && params.HeaderValue != "" {
		var param map[string]interface{}
		switch params.HeaderType {
		case "TEXT":
			param = map[string]interface{}{"type": "text", "text": params.HeaderValue}
		case "IMAGE":
			param = map[string]interface{}{"type": "image", "image": map[string]interface{}{"link": params.HeaderValue}}
		case "VIDEO":
			param = map[string]interface{}{"type": "video", "video": map[string]interface{}{"link": params.HeaderValue}}
		case "DOCUMENT":
			param = map[string]interface{}{"type": "document", "document": map[string]interface{}{"link": params.HeaderValue}}
		}
		if param != nil {
			components = append(components, map[string]interface{}{
				"type":       "header",
				"parameters": []map[string]interface{}{param},
			})
		}
	}

	if len(params.BodyParams) > 0 {
		bodyParams := make([]map[string]interface{}, 0, len(params.BodyParams))
		for _, p := range params.BodyParams {
			bodyParams = append(bodyParams, map[string]interface{}{"type": "text", "text": p})
		}
		components = append(components, map[string]interface{}{
			"type":       "body",
			"parameters": bodyParams,
		})
	}

	return components
}

// SendText sends a plain text message to a phone number
func (c *Client) SendText(ctx context.Context, account *Account, phoneNumber, text string) (string, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                phoneNumber,
		"type":              "text",
		"text": map[string]interface{}{
			"preview_url": false,
			"body":        text,
		},
	}

	url := c.buildMessagesURL(account)
	c.Log.Debug("Sending text message", "phone", phoneNumber)

	respBody, err := c.doRequest(ctx, "POST", url, payload, account.AccessToken)
	if err != nil {
		c.Log.Error("Failed to send text message", "error", err, "phone", phoneNumber)
		return "", fmt.Errorf("failed to send text message: %w", err)
	}

	var resp MetaAPIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("no message ID in response")
	}

	messageID := resp.Messages[0].ID
	c.Log.Info("Text message sent", "message_id", messageID, "phone", phoneNumber)
	return messageID, nil
}
