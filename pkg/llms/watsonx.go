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

const (
	defaultWatsonxBaseURL = "https://us-south.ml.cloud.ibm.com"
	watsonxAPIVersion     = "2024-05-02"
)

// WatsonxProvider talks to the watsonx.ai text generation API. Requests
// authenticate with short-lived IAM tokens exchanged from the API key; a
// 401 mid-flight invalidates the cached token and retries once.
type WatsonxProvider struct {
	name     string
	config   *config.ProviderConfig
	genModel *config.ModelConfig
	baseURL  string
	tokens   *httpclient.IAMTokenSource

	mu       sync.Mutex
	client   *httpclient.Client
	embedder embedders.Embedder
}

type watsonxGenRequest struct {
	Input      string           `json:"input"`
	ModelID    string           `json:"model_id"`
	ProjectID  string           `json:"project_id"`
	Parameters watsonxGenParams `json:"parameters"`
}

type watsonxGenParams struct {
	DecodingMethod    string   `json:"decoding_method,omitempty"`
	MaxNewTokens      int      `json:"max_new_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	TopP              float64  `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
}

type watsonxGenResponse struct {
	ModelID string             `json:"model_id"`
	Results []watsonxGenResult `json:"results"`
	Errors  []watsonxError     `json:"errors,omitempty"`
	Trace   string             `json:"trace,omitempty"`
}

type watsonxGenResult struct {
	GeneratedText       string `json:"generated_text"`
	GeneratedTokenCount int    `json:"generated_token_count"`
	InputTokenCount     int    `json:"input_token_count"`
	StopReason          string `json:"stop_reason"`
}

type watsonxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewWatsonxProvider(name string, cfg *config.ProviderConfig) (*WatsonxProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("watsonx provider requires an API key")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("watsonx provider requires a project id")
	}
	genModel := defaultModelConfig(cfg, config.ModelGeneration)
	if genModel == nil {
		return nil, fmt.Errorf("no generation model configured")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultWatsonxBaseURL
	}

	return &WatsonxProvider{
		name:     name,
		config:   cfg,
		genModel: genModel,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		tokens:   httpclient.NewIAMTokenSource(cfg.APIKey, ""),
	}, nil
}

func (p *WatsonxProvider) Name() string {
	return p.name
}

func (p *WatsonxProvider) ensureClient() *httpclient.Client {
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
			httpclient.WithHeaderParser(httpclient.ParseWatsonxHeaders),
		)
	}
	return p.client
}

func (p *WatsonxProvider) ensureEmbedder() (embedders.Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.embedder == nil {
		embModel := defaultModelConfig(p.config, config.ModelEmbedding)
		if embModel == nil {
			return nil, fmt.Errorf("provider %q has no embedding model configured", p.name)
		}
		embedder, err := embedders.NewWatsonxEmbedder(p.config, embModel)
		if err != nil {
			return nil, err
		}
		p.embedder = embedder
	}
	return p.embedder, nil
}

func (p *WatsonxProvider) Close() error {
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

func (p *WatsonxProvider) Generate(ctx context.Context, prompt string, params GenerationParams) (*Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("nestor.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, params.Model),
			attribute.String(observability.AttrLLMProvider, "watsonx"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	response, err := p.makeRequest(ctx, p.buildRequest(prompt, params))
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, params.Model, duration, 0, 0, err)
		}
		return nil, err
	}

	if len(response.Results) == 0 {
		noResultErr := fmt.Errorf("no generation results returned")
		span.RecordError(noResultErr)
		span.SetStatus(codes.Error, "no results")
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, params.Model, duration, 0, 0, noResultErr)
		}
		return nil, noResultErr
	}

	result := response.Results[0]

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, result.InputTokenCount),
		attribute.Int(observability.AttrLLMTokensOutput, result.GeneratedTokenCount),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, params.Model, duration, result.InputTokenCount, result.GeneratedTokenCount, nil)
	}

	return &Result{
		Text:         result.GeneratedText,
		InputTokens:  result.InputTokenCount,
		OutputTokens: result.GeneratedTokenCount,
		TotalTokens:  result.InputTokenCount + result.GeneratedTokenCount,
		FinishReason: result.StopReason,
	}, nil
}

func (p *WatsonxProvider) GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan StreamChunk, error) {
	request := p.buildRequest(prompt, params)

	outputCh := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()
	return outputCh, nil
}

func (p *WatsonxProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embedder, err := p.ensureEmbedder()
	if err != nil {
		return nil, err
	}
	return embedder.EmbedBatch(ctx, texts)
}

// buildRequest maps resolved parameters onto watsonx decoding settings.
// Temperature zero selects greedy decoding; the sampling knobs only apply
// under decoding_method sample.
func (p *WatsonxProvider) buildRequest(prompt string, params GenerationParams) watsonxGenRequest {
	input := prompt
	if params.System != "" {
		input = params.System + "\n\n" + prompt
	}

	genParams := watsonxGenParams{
		MaxNewTokens:      params.MaxTokens,
		RepetitionPenalty: params.RepetitionPenalty,
		StopSequences:     params.StopSequences,
	}
	if params.Temperature > 0 {
		temp := params.Temperature
		genParams.DecodingMethod = "sample"
		genParams.Temperature = &temp
		if params.TopK > 0 {
			genParams.TopK = params.TopK
		}
		if params.TopP > 0 {
			genParams.TopP = params.TopP
		}
	} else {
		genParams.DecodingMethod = "greedy"
	}

	return watsonxGenRequest{
		Input:      input,
		ModelID:    params.Model,
		ProjectID:  p.config.ProjectID,
		Parameters: genParams,
	}
}

func (p *WatsonxProvider) newHTTPRequest(ctx context.Context, url string, request watsonxGenRequest) (*http.Request, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain IAM token: %w", err)
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// makeRequest sends one generation call. An auth rejection invalidates the
// cached IAM token and retries once with a fresh one.
func (p *WatsonxProvider) makeRequest(ctx context.Context, request watsonxGenRequest) (*watsonxGenResponse, error) {
	response, err := p.tryRequest(ctx, request)
	if httpclient.IsAuthStatus(httpclient.StatusCodeOf(err)) {
		p.tokens.Invalidate()
		response, err = p.tryRequest(ctx, request)
	}
	return response, err
}

func (p *WatsonxProvider) tryRequest(ctx context.Context, request watsonxGenRequest) (*watsonxGenResponse, error) {
	url := fmt.Sprintf("%s/ml/v1/text/generation?version=%s", p.baseURL, watsonxAPIVersion)
	req, err := p.newHTTPRequest(ctx, url, request)
	if err != nil {
		return nil, err
	}

	resp, doErr := p.ensureClient().Do(req)
	if resp == nil {
		return nil, fmt.Errorf("failed to send request to watsonx: %w", doErr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if doErr != nil {
		if msg := parseWatsonxError(body); msg != "" {
			return nil, fmt.Errorf("watsonx API error: %s: %w", msg, doErr)
		}
		return nil, fmt.Errorf("watsonx API error: %s: %w", strings.TrimSpace(string(body)), doErr)
	}

	var response watsonxGenResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("watsonx API error: %s", response.Errors[0].Message)
	}
	return &response, nil
}

func (p *WatsonxProvider) makeStreamingRequest(ctx context.Context, request watsonxGenRequest, outputCh chan<- StreamChunk) error {
	err := p.tryStream(ctx, request, outputCh)
	if httpclient.IsAuthStatus(httpclient.StatusCodeOf(err)) {
		p.tokens.Invalidate()
		err = p.tryStream(ctx, request, outputCh)
	}
	return err
}

// tryStream reads generation_stream events. Chunks reach the channel only
// after a 200 arrives, so the one-shot auth retry cannot duplicate text.
func (p *WatsonxProvider) tryStream(ctx context.Context, request watsonxGenRequest, outputCh chan<- StreamChunk) error {
	url := fmt.Sprintf("%s/ml/v1/text/generation_stream?version=%s", p.baseURL, watsonxAPIVersion)
	req, err := p.newHTTPRequest(ctx, url, request)
	if err != nil {
		return err
	}

	resp, doErr := p.ensureClient().Do(req)
	if resp == nil {
		return fmt.Errorf("failed to send request to watsonx: %w", doErr)
	}
	defer resp.Body.Close()

	if doErr != nil {
		body, _ := io.ReadAll(resp.Body)
		if msg := parseWatsonxError(body); msg != "" {
			return fmt.Errorf("watsonx API error: %s: %w", msg, doErr)
		}
		return fmt.Errorf("watsonx API error: %s: %w", strings.TrimSpace(string(body)), doErr)
	}

	totalTokens := 0

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

		var event watsonxGenResponse
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			continue
		}
		if len(event.Errors) > 0 {
			return fmt.Errorf("watsonx API error: %s", event.Errors[0].Message)
		}

		for _, result := range event.Results {
			if result.GeneratedText != "" {
				outputCh <- StreamChunk{Type: ChunkText, Text: result.GeneratedText}
			}
			if result.GeneratedTokenCount > 0 {
				totalTokens = result.InputTokenCount + result.GeneratedTokenCount
			}
			if result.StopReason != "" && result.StopReason != "not_finished" {
				outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
				return nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return nil
}

func parseWatsonxError(body []byte) string {
	var errResp struct {
		Errors []watsonxError `json:"errors"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || len(errResp.Errors) == 0 {
		return ""
	}
	return errResp.Errors[0].Message
}
