package openai

import (
	"bufio"
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

const defaultBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*OpenAIProvider)

func WithBaseURL(url string) Option {
	return func(p *OpenAIProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) { p.client = c }
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *openAIUsage) normalize() *provider.Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &provider.Usage{Input: u.PromptTokens, Output: u.CompletionTokens, Total: total}
}

// New returns provider.ErrMissingAPIKey when apiKey is empty.
func New(apiKey string, opts ...Option) (provider.Streamer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w", provider.ErrMissingAPIKey)
	}
	p := &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *OpenAIProvider) httpClient() *http.Client {
	if p.client == nil {
		return http.DefaultClient
	}
	return p.client
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body openAIRequest) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return httpReq, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	ctx, cancel := provider.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := time.Now()
	httpReq, err := p.newRequest(ctx, p.mapRequest(req))
	if err != nil {
		return nil, provider.Wrap(p.Name(), err)
	}

	resp, err := p.httpClient().Do(httpReq)
	if err != nil {
		return nil, provider.Wrap(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.Error{Provider: p.Name(), StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, provider.Wrap(p.Name(), fmt.Errorf("decode response: %w", err))
	}

	if len(openAIResp.Choices) == 0 {
		return nil, &provider.Error{Provider: p.Name(), Message: "api returned no choices"}
	}

	model := openAIResp.Model
	if model == "" {
		model = req.Model
	}

	return &provider.Response{
		ID:        openAIResp.ID,
		Content:   openAIResp.Choices[0].Message.Content,
		Model:     model,
		Provider:  p.Name(),
		Usage:     openAIResp.Usage.normalize(),
		LatencyMs: provider.Since(start),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ctx, cancel := provider.WithTimeout(ctx, req.Timeout)

	body := p.mapRequest(req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		cancel()
		return nil, provider.Wrap(p.Name(), err)
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer cancel()

		resp, err := p.httpClient().Do(httpReq)
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: provider.Wrap(p.Name(), err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			provider.Send(ctx, ch, &provider.Chunk{Err: &provider.Error{
				Provider: p.Name(), StatusCode: resp.StatusCode, Message: string(respBody),
			}})
			return
		}

		reader := bufio.NewReader(resp.Body)
		var usage *provider.Usage
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				provider.Send(ctx, ch, &provider.Chunk{Err: provider.Wrap(p.Name(), err)})
				return
			}
			eof := err == io.EOF

			line = strings.TrimSpace(line)
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				if data == "[DONE]" {
					provider.Send(ctx, ch, &provider.Chunk{Done: true, Usage: usage})
					return
				}

				var openAIResp openAIResponse
				if err := json.Unmarshal([]byte(data), &openAIResp); err != nil {
					provider.Send(ctx, ch, &provider.Chunk{Err: provider.Wrap(p.Name(), fmt.Errorf("decode chunk: %w", err))})
					return
				}

				// With include_usage the last data line has no choices and carries the totals.
				if openAIResp.Usage != nil {
					usage = openAIResp.Usage.normalize()
				}

				if len(openAIResp.Choices) > 0 {
					content := openAIResp.Choices[0].Delta.Content
					if content != "" {
						if !provider.Send(ctx, ch, &provider.Chunk{Delta: content}) {
							return
						}
					}
				}
			}

			if eof {
				// the connection closed before [DONE]
				provider.Send(ctx, ch, &provider.Chunk{Err: provider.Wrap(p.Name(), io.ErrUnexpectedEOF)})
				return
			}
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) Name() provider.ID {
	return provider.OpenAI
}
