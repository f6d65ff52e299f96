package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/httpclient"
	"github.com/nestor-ai/nestor/pkg/observability"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic messages API. Anthropic has no
// embeddings endpoint, so Embed always fails.
type AnthropicProvider struct {
	name     string
	config   *config.ProviderConfig
	genModel *config.ModelConfig
	baseURL  string

	mu     sync.Mutex
	client *httpclient.Client
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   float64            `json:"temperature"`
	TopK          int                `json:"top_k,omitempty"`
	TopP          float64            `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type  string          `json:"type"`
	Index int             `json:"index,omitempty"`
	Delta *anthropicDelta `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

func NewAnthropicProvider(name string, cfg *config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic provider requires an API key")
	}
	genModel := defaultModelConfig(cfg, config.ModelGeneration)
	if genModel == nil {
		return nil, fmt.Errorf("no generation model configured")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	return &AnthropicProvider{
		name:     name,
		config:   cfg,
		genModel: genModel,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

func (p *AnthropicProvider) ensureClient() *httpclient.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		maxRetries := 3
		if p.genModel.MaxRetries != nil {
			maxRetries = *p.genModel.MaxRetries
		}
		p.client = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: p.genModel.Timeout}),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithBaseDelay(p.genModel.RetryDelay),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		)
	}
	return p.client
}

func (p *AnthropicProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	return nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, params GenerationParams) (*Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("nestor.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, params.Model),
			attribute.String(observability.AttrLLMProvider, "anthropic"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	response, err := p.makeRequest(ctx, p.buildRequest(prompt, params, false))
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, params.Model, duration, 0, 0, err)
		}
		return nil, err
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, params.Model, duration, response.Usage.InputTokens, response.Usage.OutputTokens, nil)
	}

	return &Result{
		Text:         text.String(),
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		TotalTokens:  response.Usage.InputTokens + response.Usage.OutputTokens,
		FinishReason: response.StopReason,
	}, nil
}

func (p *AnthropicProvider) GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan StreamChunk, error) {
	request := p.buildRequest(prompt, params, true)

	outputCh := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()
	return outputCh, nil
}

// Embed is unsupported: Anthropic does not expose an embeddings API.
func (p *AnthropicProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("provider %q (anthropic) has no embeddings API", p.name)
}

func (p *AnthropicProvider) buildRequest(prompt string, params GenerationParams, stream bool) anthropicRequest {
	request := anthropicRequest{
		Model:       params.Model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens:   params.MaxTokens,
		System:      params.System,
		Temperature: params.Temperature,
		Stream:      stream,
	}
	if params.TopK > 0 {
		request.TopK = params.TopK
	}
	if params.TopP > 0 {
		request.TopP = params.TopP
	}
	if len(params.StopSequences) > 0 {
		request.StopSequences = params.StopSequences
	}
	return request
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, request anthropicRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, doErr := p.ensureClient().Do(req)
	if resp == nil {
		return nil, fmt.Errorf("failed to send request to Anthropic: %w", doErr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if doErr != nil {
		if apiErr := parseAnthropicError(body); apiErr != nil {
			return nil, fmt.Errorf("Anthropic API error: %s (type: %s): %w", apiErr.Message, apiErr.Type, doErr)
		}
		return nil, fmt.Errorf("Anthropic API error: %s: %w", strings.TrimSpace(string(body)), doErr)
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("Anthropic API error: %s", response.Error.Message)
	}
	return &response, nil
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request anthropicRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, doErr := p.ensureClient().Do(req)
	if resp == nil {
		return fmt.Errorf("failed to send request to Anthropic: %w", doErr)
	}
	defer resp.Body.Close()

	if doErr != nil {
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseAnthropicError(body); apiErr != nil {
			return fmt.Errorf("Anthropic API error: %s (type: %s): %w", apiErr.Message, apiErr.Type, doErr)
		}
		return fmt.Errorf("Anthropic API error: %s: %w", strings.TrimSpace(string(body)), doErr)
	}

	var totalTokens int

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			return fmt.Errorf("failed to decode streaming event: %w", err)
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return fmt.Errorf("Anthropic API error: %s", event.Error.Message)
			}
			return fmt.Errorf("Anthropic API error")

		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				outputCh <- StreamChunk{Type: ChunkText, Text: event.Delta.Text}
			}

		case "message_delta":
			if event.Usage != nil {
				totalTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}
	return nil
}

func parseAnthropicError(body []byte) *anthropicError {
	var errResp struct {
		Error *anthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == nil {
		return nil
	}
	return errResp.Error
}
