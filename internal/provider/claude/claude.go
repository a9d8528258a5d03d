package claude

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

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*ClaudeProvider)

func WithBaseURL(url string) Option {
	return func(p *ClaudeProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *ClaudeProvider) { p.client = c }
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string          `json:"type"`
	Delta   claudeDelta     `json:"delta,omitempty"`
	Message *claudeResponse `json:"message,omitempty"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
	Error   *claudeError    `json:"error,omitempty"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string, opts ...Option) (provider.Streamer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("claude: %w", provider.ErrMissingAPIKey)
	}
	p := &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *ClaudeProvider) httpClient() *http.Client {
	if p.client == nil {
		return http.DefaultClient
	}
	return p.client
}

func (p *ClaudeProvider) newRequest(ctx context.Context, body claudeRequest) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
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

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, provider.Wrap(p.Name(), fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" || c.Type == "" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &provider.Error{Provider: p.Name(), Message: "api returned no content"}
	}

	var usage *provider.Usage
	if u := claudeResp.Usage; u != nil {
		usage = &provider.Usage{Input: u.InputTokens, Output: u.OutputTokens, Total: u.InputTokens + u.OutputTokens}
	}

	model := claudeResp.Model
	if model == "" {
		model = req.Model
	}

	return &provider.Response{
		ID:        claudeResp.ID,
		Content:   text.String(),
		Model:     model,
		Provider:  p.Name(),
		Usage:     usage,
		LatencyMs: provider.Since(start),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      system,
		Messages:    messages,
	}
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ctx, cancel := provider.WithTimeout(ctx, req.Timeout)

	body := p.mapRequest(req)
	body.Stream = true
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
		var currentEvent string
		var usage provider.Usage

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF // closed before message_stop
				}
				provider.Send(ctx, ch, &provider.Chunk{Err: provider.Wrap(p.Name(), err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			switch currentEvent {
			case "message_start":
				if event.Message != nil && event.Message.Usage != nil {
					usage.Input = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !provider.Send(ctx, ch, &provider.Chunk{Delta: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if event.Usage != nil {
					usage.Output = event.Usage.OutputTokens
				}
			case "message_stop":
				usage.Total = usage.Input + usage.Output
				final := &provider.Chunk{Done: true}
				if usage.Total > 0 {
					u := usage
					final.Usage = &u
				}
				provider.Send(ctx, ch, final)
				return
			case "error":
				msg := "unknown stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				provider.Send(ctx, ch, &provider.Chunk{Err: &provider.Error{Provider: p.Name(), Message: msg}})
				return
			}
		}
	}()

	return ch, nil
}

func (p *ClaudeProvider) Name() provider.ID {
	return provider.Anthropic
}
