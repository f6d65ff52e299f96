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
	"github.com/nestor-ai/nestor/pkg/embedders"
	"github.com/nestor-ai/nestor/pkg/httpclient"
	"github.com/nestor-ai/nestor/pkg/observability"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to the OpenAI chat completions API. It also serves
// OpenAI-compatible endpoints when the config overrides the base URL.
type OpenAIProvider struct {
	name     string
	config   *config.ProviderConfig
	genModel *config.ModelConfig
	baseURL  string

	mu       sync.Mutex
	client   *httpclient.Client
	embedder embedders.Embedder
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage  `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func NewOpenAIProvider(name string, cfg *config.ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI provider requires an API key")
	}
	genModel := defaultModelConfig(cfg, config.ModelGeneration)
	if genModel == nil {
		return nil, fmt.Errorf("no generation model configured")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	return &OpenAIProvider{
		name:     name,
		config:   cfg,
		genModel: genModel,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// ensureClient returns the cached HTTP client, rebuilding it when a prior
// Close dropped it.
func (p *OpenAIProvider) ensureClient() *httpclient.Client {
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
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		)
	}
	return p.client
}

func (p *OpenAIProvider) ensureEmbedder() (embedders.Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.embedder == nil {
		embModel := defaultModelConfig(p.config, config.ModelEmbedding)
		if embModel == nil {
			return nil, fmt.Errorf("provider %q has no embedding model configured", p.name)
		}
		embedder, err := embedders.NewOpenAIEmbedder(p.config, embModel)
		if err != nil {
			return nil, err
		}
		p.embedder = embedder
	}
	return p.embedder, nil
}

func (p *OpenAIProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	var err error
	if p.embedder != nil {
		err = p.embedder.Close()
		p.embedder = nil
	}
	return err
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, params GenerationParams) (*Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("nestor.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, params.Model),
			attribute.String(observability.AttrLLMProvider, "openai"),
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

	if response.Error != nil {
		apiErr := fmt.Errorf("OpenAI API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, params.Model, duration, 0, 0, apiErr)
		}
		return nil, apiErr
	}

	if len(response.Choices) == 0 {
		noChoiceErr := fmt.Errorf("no response choices returned")
		span.RecordError(noChoiceErr)
		span.SetStatus(codes.Error, "no choices")
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, params.Model, duration, 0, 0, noChoiceErr)
		}
		return nil, noChoiceErr
	}

	choice := response.Choices[0]

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, params.Model, duration, response.Usage.PromptTokens, response.Usage.CompletionTokens, nil)
	}

	return &Result{
		Text:         choice.Message.Content,
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		TotalTokens:  response.Usage.TotalTokens,
		FinishReason: choice.FinishReason,
	}, nil
}

func (p *OpenAIProvider) GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan StreamChunk, error) {
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

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embedder, err := p.ensureEmbedder()
	if err != nil {
		return nil, err
	}
	return embedder.EmbedBatch(ctx, texts)
}

func (p *OpenAIProvider) buildRequest(prompt string, params GenerationParams, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, 2)
	if params.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: params.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: prompt})

	request := openAIRequest{
		Model:       params.Model,
		Messages:    messages,
		Temperature: params.Temperature,
		Stream:      stream,
	}
	if params.MaxTokens > 0 {
		request.MaxTokens = params.MaxTokens
	}
	if params.TopP > 0 {
		request.TopP = params.TopP
	}
	if len(params.StopSequences) > 0 {
		request.Stop = params.StopSequences
	}
	return request
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	// Retries need a rewindable body.
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	if p.config.OrgID != "" {
		req.Header.Set("OpenAI-Organization", p.config.OrgID)
	}
	return req, nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, doErr := p.ensureClient().Do(req)
	if resp == nil {
		return nil, fmt.Errorf("failed to send request to OpenAI: %w", doErr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if doErr != nil {
		if apiErr := parseOpenAIError(body); apiErr != nil {
			return nil, fmt.Errorf("OpenAI API error: %s (type: %s): %w", apiErr.Message, apiErr.Type, doErr)
		}
		return nil, fmt.Errorf("OpenAI API error: %s: %w", strings.TrimSpace(string(body)), doErr)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request openAIRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, doErr := p.ensureClient().Do(req)
	if resp == nil {
		return fmt.Errorf("failed to send request to OpenAI: %w", doErr)
	}
	defer resp.Body.Close()

	if doErr != nil {
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseOpenAIError(body); apiErr != nil {
			return fmt.Errorf("OpenAI API error: %s (type: %s): %w", apiErr.Message, apiErr.Type, doErr)
		}
		return fmt.Errorf("OpenAI API error: %s: %w", strings.TrimSpace(string(body)), doErr)
	}

	reader := bufio.NewReader(resp.Body)
	totalTokens := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("OpenAI API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}
		for _, choice := range streamResp.Choices {
			if choice.Delta.Content != "" {
				outputCh <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
			}
		}
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}

func parseOpenAIError(body []byte) *openAIError {
	var errResp struct {
		Error *openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == nil {
		return nil
	}
	return errResp.Error
}
