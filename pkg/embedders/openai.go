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

// OpenAIEmbedder talks to the OpenAI embeddings API and any server exposing
// the same surface.
type OpenAIEmbedder struct {
	client      *httpclient.Client
	apiKey      string
	orgID       string
	baseURL     string
	model       string
	dimension   int
	batchSize   int
	concurrency int
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
	User  string   `json:"user,omitempty"`
}

type openAIEmbedResponse struct {
	Object string `json:"object"`
	Data   []struct {
		Object    string    `json:"object"`
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewOpenAIEmbedder(provider *config.ProviderConfig, model *config.ModelConfig) (*OpenAIEmbedder, error) {
	if provider.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI embedder")
	}

	modelID := model.Model
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	baseURL := provider.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	maxRetries := 3
	if model.MaxRetries != nil {
		maxRetries = *model.MaxRetries
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: model.Timeout}),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithBaseDelay(model.RetryDelay),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)

	return &OpenAIEmbedder{
		client:      client,
		apiKey:      provider.APIKey,
		orgID:       provider.OrgID,
		baseURL:     baseURL,
		model:       modelID,
		dimension:   model.Dimension,
		batchSize:   model.BatchSize,
		concurrency: model.ConcurrencyLimit,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, fmt.Errorf("received empty embedding from OpenAI")
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, e.batchSize, e.concurrency, e.embedBatch)
}

// embedBatch sends one /embeddings request for up to batchSize texts and
// returns vectors in input order via the response index field.
func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	reqBody, err := json.Marshal(openAIEmbedRequest{
		Model: e.model,
		Input: batch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	if e.orgID != "" {
		req.Header.Set("OpenAI-Organization", e.orgID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if resp == nil {
			return nil, fmt.Errorf("failed to send request to OpenAI: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var errResp openAIErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("OpenAI API error: %s: %w", errResp.Error.Message, err)
		}
		return nil, fmt.Errorf("OpenAI API error: %s: %w", string(body), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response openAIEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Data) != len(batch) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(batch), len(response.Data))
	}

	// Responses may arrive out of order; the index field maps each vector
	// back to its input.
	vectors := make([][]float32, len(batch))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

func (e *OpenAIEmbedder) Close() error {
	return nil
}
