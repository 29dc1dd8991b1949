package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ecodrix/backend/internal/metrics"
)

// WhatsAppClient talks to the Graph API messages endpoint with per-tenant
// tokens from the secrets store.
type WhatsAppClient struct {
	baseURL string
	secrets SecretsSource
	client  *http.Client
	logger  *log.Logger
}

// NewWhatsAppClient creates a Graph API client.
func NewWhatsAppClient(baseURL string, secrets SecretsSource, timeout time.Duration) *WhatsAppClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WhatsAppClient{
		baseURL: baseURL,
		secrets: secrets,
		client:  &http.Client{Timeout: timeout},
		logger:  log.New(log.Writer(), "[WHATSAPP] ", log.LstdFlags),
	}
}

// Graph API request/response shapes (only the fields we read or write).

type waTemplateRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Template         waTemplate  `json:"template"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Language   waLanguage    `json:"language"`
	Components []waComponent `json:"components,omitempty"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waComponent struct {
	Type       string        `json:"type"`
	Parameters []waParameter `json:"parameters"`
}

type waParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendTemplated sends a named template with positional body parameters.
// Transport failures return an error (retryable); provider rejections come
// back as an unsuccessful result.
func (c *WhatsAppClient) SendTemplated(ctx context.Context, tenantCode, to, templateName, language string, variables []string) (*SendResult, error) {
	sec, err := c.secrets.GetSecrets(ctx, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: secrets for %s: %w", tenantCode, err)
	}
	if sec.WhatsAppToken == "" || sec.WhatsAppPhoneID == "" {
		return nil, fmt.Errorf("whatsapp: tenant %s not configured", tenantCode)
	}
	if language == "" {
		language = "en"
	}

	reqBody := waTemplateRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template: waTemplate{
			Name:     templateName,
			Language: waLanguage{Code: language},
		},
	}
	if len(variables) > 0 {
		params := make([]waParameter, len(variables))
		for i, v := range variables {
			params[i] = waParameter{Type: "text", Text: v}
		}
		reqBody.Template.Components = []waComponent{{Type: "body", Parameters: params}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, sec.WhatsAppPhoneID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+sec.WhatsAppToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("whatsapp", "transport_error").Inc()
		return nil, fmt.Errorf("whatsapp: send to %s: %w", to, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 500 {
		metrics.ProviderCalls.WithLabelValues("whatsapp", "5xx").Inc()
		return nil, fmt.Errorf("whatsapp: provider returned %d", resp.StatusCode)
	}

	var parsed waResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("whatsapp: decode response: %w", err)
	}

	if resp.StatusCode >= 400 || parsed.Error != nil {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		metrics.ProviderCalls.WithLabelValues("whatsapp", "rejected").Inc()
		c.logger.Printf("⚠️ Template %s to %s rejected: %s", templateName, to, msg)
		return &SendResult{Success: false, Error: msg}, nil
	}

	result := &SendResult{Success: true}
	if len(parsed.Messages) > 0 {
		result.ProviderMessageID = parsed.Messages[0].ID
	}
	metrics.ProviderCalls.WithLabelValues("whatsapp", "ok").Inc()
	return result, nil
}
