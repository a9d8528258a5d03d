package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/chat-gateway/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider deliberately does not implement provider.Streamer. Google
// replies arrive whole and the orchestrator emits them as a single content
// event.
type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*GeminiProvider)

func WithBaseURL(url string) Option {
	return func(p *GeminiProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *GeminiProvider) { p.client = c }
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func New(apiKey string, opts ...Option) (provider.Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", provider.ErrMissingAPIKey)
	}
	p := &GeminiProvider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	ctx, cancel := provider.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := time.Now()
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.Wrap(p.Name(), err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.Wrap(p.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	client := p.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, provider.Wrap(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.Error{Provider: p.Name(), StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.Wrap(p.Name(), fmt.Errorf("decode response: %w", err))
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.Error{Provider: p.Name(), Message: "api returned no candidates"}
	}

	var text strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	var usage *provider.Usage
	if m := geminiResp.UsageMetadata; m != nil {
		total := m.TotalTokenCount
		if total == 0 {
			total = m.PromptTokenCount + m.CandidatesTokenCount
		}
		usage = &provider.Usage{Input: m.PromptTokenCount, Output: m.CandidatesTokenCount, Total: total}
	}

	return &provider.Response{
		Content:   text.String(),
		Model:     req.Model,
		Provider:  p.Name(),
		Usage:     usage,
		LatencyMs: provider.Since(start),
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	contents := make([]geminiContent, len(req.Messages))
	for i, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents[i] = geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		}
	}

	return geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
}

func (p *GeminiProvider) Name() provider.ID {
	return provider.Google
}
