package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// DefaultGeminiEndpoint is the public Generative Language API base URL.
	DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultGeminiModel is used when no model is configured.
	DefaultGeminiModel = "gemini-2.0-flash"

	// DefaultTimeout bounds a single provider call.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a reply body is read.
	maxResponseBytes = 1 << 20
)

// APIKeyFromEnv returns the first Gemini credential found in the environment.
func APIKeyFromEnv() string {
	for _, name := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Endpoint        string
	Timeout         time.Duration
	MaxContextBytes int
	HTTPClient      *http.Client
}

// GeminiClient calls the Gemini generateContent REST endpoint.
type GeminiClient struct {
	cfg    GeminiConfig
	client *http.Client
}

// NewGeminiClient creates a client, filling unset fields with defaults.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultGeminiEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxContextBytes <= 0 {
		cfg.MaxContextBytes = DefaultMaxContextBytes
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &GeminiClient{cfg: cfg, client: client}
}

// Name returns the backend name.
func (c *GeminiClient) Name() string {
	return "gemini"
}

// Available reports whether an API key is configured.
func (c *GeminiClient) Available() bool {
	return c.cfg.APIKey != ""
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Advise sends one generateContent request and parses the reply.
func (c *GeminiClient) Advise(ctx context.Context, req Request) (*Solution, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: BuildPrompt(req, c.cfg.MaxContextBytes)}},
		}},
	}
	body.GenerationConfig.Temperature = 0.2

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(c.cfg.Endpoint, "/"), c.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read gemini response: %w", err)
	}

	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode gemini response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if decoded.Error != nil && decoded.Error.Message != "" {
			msg = decoded.Error.Message
		}
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, msg)
	}

	var text strings.Builder
	for _, cand := range decoded.Candidates {
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			break
		}
	}

	sol, err := ParseSolution(text.String())
	if err != nil {
		return nil, err
	}
	sol.Source = c.Name()
	return sol, nil
}
