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

// watsonxAPIVersion pins the text/embeddings endpoint version.
const watsonxAPIVersion = "2024-05-02"

// WatsonxEmbedder talks to the IBM watsonx.ai embeddings endpoint. Requests
// carry an IAM bearer token exchanged from the configured API key.
type WatsonxEmbedder struct {
	client      *httpclient.Client
	tokens      *httpclient.IAMTokenSource
	baseURL     string
	projectID   string
	model       string
	dimension   int
	batchSize   int
	concurrency int
}

type watsonxEmbedRequest struct {
	ModelID   string   `json:"model_id"`
	Inputs    []string `json:"inputs"`
	ProjectID string   `json:"project_id"`
}

type watsonxEmbedResponse struct {
	ModelID string `json:"model_id"`
	Results []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"results"`
	InputTokenCount int `json:"input_token_count"`
}

type watsonxErrorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Trace string `json:"trace"`
}

func NewWatsonxEmbedder(provider *config.ProviderConfig, model *config.ModelConfig) (*WatsonxEmbedder, error) {
	if provider.APIKey == "" {
		return nil, fmt.Errorf("API key is required for watsonx embedder")
	}
	if provider.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required for watsonx embedder")
	}

	modelID := model.Model
	if modelID == "" {
		modelID = "ibm/slate-125m-english-rtrvr"
	}

	baseURL := provider.BaseURL
	if baseURL == "" {
		baseURL = "https://us-south.ml.cloud.ibm.com"
	}

	maxRetries := 3
	if model.MaxRetries != nil {
		maxRetries = *model.MaxRetries
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: model.Timeout}),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithBaseDelay(model.RetryDelay),
		httpclient.WithHeaderParser(httpclient.ParseWatsonxHeaders),
	)

	return &WatsonxEmbedder{
		client:      client,
		tokens:      httpclient.NewIAMTokenSource(provider.APIKey, ""),
		baseURL:     baseURL,
		projectID:   provider.ProjectID,
		model:       modelID,
		dimension:   model.Dimension,
		batchSize:   model.BatchSize,
		concurrency: model.ConcurrencyLimit,
	}, nil
}

func (e *WatsonxEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, fmt.Errorf("received empty embedding from watsonx")
	}
	return vectors[0], nil
}

func (e *WatsonxEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, e.batchSize, e.concurrency, e.embedBatch)
}

func (e *WatsonxEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	vectors, err := e.tryEmbed(ctx, batch)
	if httpclient.IsAuthStatus(httpclient.StatusCodeOf(err)) {
		// The cached IAM token may have been revoked before its stated
		// expiry. Exchange a fresh one and retry once.
		e.tokens.Invalidate()
		vectors, err = e.tryEmbed(ctx, batch)
	}
	return vectors, err
}

func (e *WatsonxEmbedder) tryEmbed(ctx context.Context, batch []string) ([][]float32, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain IAM token: %w", err)
	}

	reqBody, err := json.Marshal(watsonxEmbedRequest{
		ModelID:   e.model,
		Inputs:    batch,
		ProjectID: e.projectID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/ml/v1/text/embeddings?version=%s", e.baseURL, watsonxAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.client.Do(req)
	if err != nil {
		if resp == nil {
			return nil, fmt.Errorf("failed to send request to watsonx: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var errResp watsonxErrorResponse
		if json.Unmarshal(body, &errResp) == nil && len(errResp.Errors) > 0 {
			return nil, fmt.Errorf("watsonx API error: %s: %w", errResp.Errors[0].Message, err)
		}
		return nil, fmt.Errorf("watsonx API error: %s: %w", string(body), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response watsonxEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Results) != len(batch) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(batch), len(response.Results))
	}

	vectors := make([][]float32, len(response.Results))
	for i, result := range response.Results {
		vectors[i] = result.Embedding
	}
	return vectors, nil
}

func (e *WatsonxEmbedder) Dimension() int {
	return e.dimension
}

func (e *WatsonxEmbedder) ModelName() string {
	return e.model
}

func (e *WatsonxEmbedder) Close() error {
	return nil
}
