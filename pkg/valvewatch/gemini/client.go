// Package gemini implements a minimal Google Gemini generateContent client
// for vision prompts: one text instruction plus one inline image, one text
// response. Uses the Gemini REST API directly.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
)

// Config holds Gemini client configuration.
type Config struct {
	// APIKey authenticates against the Gemini API. Falls back to the
	// GEMINI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model is the generation model name (default: gemini-1.5-flash).
	Model string `yaml:"model"`

	// BaseURL overrides the API endpoint (used in tests).
	BaseURL string `yaml:"base_url"`
}

// Client calls the Gemini generateContent endpoint.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// New creates a Gemini client.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}

	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  newHTTPClient(),
	}
}

// newHTTPClient builds the HTTP client used for API calls. Vision requests
// carry image payloads, so the overall timeout is generous.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 90 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// geminiGenerateRequest is the generateContent request body.
type geminiGenerateRequest struct {
	Contents []geminiContent `json:"contents"`
}

// geminiContent wraps the parts of one message.
type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

// geminiPart is either a text part or an inline image part.
type geminiPart struct {
	Text       string           `json:"text,omitempty"`
	InlineData *geminiBlobParts `json:"inline_data,omitempty"`
}

// geminiBlobParts holds base64 image data for vision.
type geminiBlobParts struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// geminiGenerateResponse is the generateContent response.
type geminiGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *geminiError `json:"error,omitempty"`
}

// geminiError represents a Gemini API error.
type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// GenerateContent submits the instruction plus an inline image and returns
// the model's text response, trimmed. No retries: a failure here is local
// to one message and reported by the caller.
func (c *Client) GenerateContent(ctx context.Context, prompt, mimeType string, image []byte) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("gemini: missing API key")
	}
	if len(image) == 0 {
		return "", fmt.Errorf("gemini: empty image payload")
	}

	reqBody := geminiGenerateRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &geminiBlobParts{
					MimeType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("gemini: marshal generate request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("gemini: create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: generate API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gemini: read generate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini: generate API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result geminiGenerateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("gemini: unmarshal generate response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("gemini: generate API error: %s", result.Error.Message)
	}
	if len(result.Candidates) == 0 {
		return "", fmt.Errorf("gemini: empty candidates in response")
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("gemini: candidate contained no text")
	}
	return text, nil
}
