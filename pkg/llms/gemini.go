package llms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/embedders"
	"github.com/nestor-ai/nestor/pkg/observability"
)

// GeminiProvider talks to the Gemini API through the official genai SDK.
// The SDK client owns its own transport, so retry and rate limit handling
// differ from the HTTP providers.
type GeminiProvider struct {
	name   string
	config *config.ProviderConfig

	mu       sync.Mutex
	client   *genai.Client
	embedder embedders.Embedder
}

func NewGeminiProvider(name string, cfg *config.ProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}
	return &GeminiProvider{name: name, config: cfg}, nil
}

func (p *GeminiProvider) Name() string {
	return p.name
}

func (p *GeminiProvider) ensureClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: p.config.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		p.client = client
	}
	return p.client, nil
}

func (p *GeminiProvider) ensureEmbedder() (embedders.Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.embedder == nil {
		embModel := defaultModelConfig(p.config, config.ModelEmbedding)
		if embModel == nil {
			return nil, fmt.Errorf("provider %q has no embedding model configured", p.name)
		}
		embedder, err := embedders.NewGeminiEmbedder(p.config, embModel)
		if err != nil {
			return nil, err
		}
		p.embedder = embedder
	}
	return p.embedder, nil
}

func (p *GeminiProvider) Close() error {
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

func (p *GeminiProvider) Generate(ctx context.Context, prompt string, params GenerationParams) (*Result, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("nestor.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, params.Model),
			attribute.String(observability.AttrLLMProvider, "gemini"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	client, err := p.ensureClient(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := client.Models.GenerateContent(ctx, params.Model, geminiContents(prompt), geminiConfig(params))
	duration := time.Since(startTime)

	if err != nil {
		err = fmt.Errorf("Gemini generation failed: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, params.Model, duration, 0, 0, err)
		}
		return nil, err
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		emptyErr := fmt.Errorf("empty response from Gemini")
		span.RecordError(emptyErr)
		span.SetStatus(codes.Error, "no candidates")
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, params.Model, duration, 0, 0, emptyErr)
		}
		return nil, emptyErr
	}

	candidate := resp.Candidates[0]

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
	}

	result := &Result{
		Text:         text.String(),
		FinishReason: string(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		result.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, result.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, result.OutputTokens),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, params.Model, duration, result.InputTokens, result.OutputTokens, nil)
	}

	return result, nil
}

func (p *GeminiProvider) GenerateStream(ctx context.Context, prompt string, params GenerationParams) (<-chan StreamChunk, error) {
	client, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan StreamChunk, streamBufferSize)
	go func() {
		defer close(outputCh)

		totalTokens := 0
		for resp, err := range client.Models.GenerateContentStream(ctx, params.Model, geminiContents(prompt), geminiConfig(params)) {
			if err != nil {
				outputCh <- StreamChunk{Type: ChunkError, Error: fmt.Errorf("Gemini streaming failed: %w", err)}
				return
			}

			if resp.UsageMetadata != nil {
				totalTokens = int(resp.UsageMetadata.TotalTokenCount)
			}
			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part.Text != "" && !part.Thought {
						outputCh <- StreamChunk{Type: ChunkText, Text: part.Text}
					}
				}
			}
		}

		outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	}()
	return outputCh, nil
}

func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embedder, err := p.ensureEmbedder()
	if err != nil {
		return nil, err
	}
	return embedder.EmbedBatch(ctx, texts)
}

func geminiContents(prompt string) []*genai.Content {
	return []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}
}

func geminiConfig(params GenerationParams) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(params.Temperature)),
		MaxOutputTokens: int32(params.MaxTokens),
	}
	if params.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: params.System}},
		}
	}
	if params.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(params.TopP))
	}
	if params.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(params.TopK))
	}
	if len(params.StopSequences) > 0 {
		cfg.StopSequences = params.StopSequences
	}
	return cfg
}
