package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/httpclient"
)

// maxGeminiBatch is the API limit on requests per batchEmbedContents call.
const maxGeminiBatch = 100

// GeminiEmbedder talks to the Gemini embedContent REST endpoints.
type GeminiEmbedder struct {
	client      *httpclient.Client
	apiKey      string
	baseURL     string
	model       string
	dimension   int
	batchSize   int
	concurrency int
}

type geminiEmbedRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiBatchEmbedRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

type geminiBatchEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
	Error *geminiError `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func NewGeminiEmbedder(provider *config.ProviderConfig, model *config.ModelConfig) (*GeminiEmbedder, error) {
	if provider.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini embedder")
	}

	modelID := model.Model
	if modelID == "" {
		modelID = "text-embedding-004"
	}

	baseURL := provider.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	batchSize := model.BatchSize
	if batchSize <= 0 || batchSize > maxGeminiBatch {
		batchSize = maxGeminiBatch
	}

	maxRetries := 3
	if model.MaxRetries != nil {
		maxRetries = *model.MaxRetries
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: model.Timeout}),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithBaseDelay(model.RetryDelay),
	)

	return &GeminiEmbedder{
		client:      client,
		apiKey:      provider.APIKey,
		baseURL:     baseURL,
		model:       modelID,
		dimension:   model.Dimension,
		batchSize:   batchSize,
		concurrency: model.ConcurrencyLimit,
	}, nil
}

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, fmt.Errorf("received empty embedding from Gemini")
	}
	return vectors[0], nil
}

func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, e.batchSize, e.concurrency, e.embedBatch)
}

func (e *GeminiEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	requests := make([]geminiEmbedRequest, len(batch))
	for i, text := range batch {
		requests[i] = geminiEmbedRequest{
			Model: "models/" + e.model,
			Content: geminiContent{
				Parts: []geminiPart{{Text: text}},
			},
		}
	}

	reqBody, err := json.Marshal(geminiBatchEmbedRequest{Requests: requests})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents?key=%s", e.baseURL, e.model, e.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if resp == nil {
			return nil, fmt.Errorf("failed to send request to Gemini: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var errResp geminiBatchEmbedResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			return nil, fmt.Errorf("Gemini API error: %s: %w", errResp.Error.Message, err)
		}
		return nil, fmt.Errorf("Gemini API error: %s: %w", string(body), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response geminiBatchEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("Gemini API error: %s", response.Error.Message)
	}
	if len(response.Embeddings) != len(batch) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(batch), len(response.Embeddings))
	}

	vectors := make([][]float32, len(response.Embeddings))
	for i, embedding := range response.Embeddings {
		vectors[i] = embedding.Values
	}
	return vectors, nil
}

func (e *GeminiEmbedder) Dimension() int {
	return e.dimension
}

func (e *GeminiEmbedder) ModelName() string {
	return e.model
}

func (e *GeminiEmbedder) Close() error {
	return nil
}
