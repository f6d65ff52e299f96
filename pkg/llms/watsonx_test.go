package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/httpclient"
)

func watsonxProviderConfig(baseURL string) *config.ProviderConfig {
	return &config.ProviderConfig{
		Type:      config.ProviderWatsonx,
		APIKey:    "cloud-key",
		BaseURL:   baseURL,
		ProjectID: "proj-1",
		Models: map[string]*config.ModelConfig{
			"gen": testGenModelConfig("ibm/granite-3-8b-instruct"),
		},
	}
}

func iamStubServer(t *testing.T, exchanges *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(exchanges, 1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, n)
	}))
}

func newTestWatsonxProvider(t *testing.T, serviceURL, iamURL string) *WatsonxProvider {
	t.Helper()
	provider, err := NewWatsonxProvider("granite", watsonxProviderConfig(serviceURL))
	require.NoError(t, err)
	provider.tokens = httpclient.NewIAMTokenSource("cloud-key", iamURL)
	return provider
}

func TestWatsonxGenerate(t *testing.T) {
	var exchanges int32
	iam := iamStubServer(t, &exchanges)
	defer iam.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ml/v1/text/generation", r.URL.Path)
		assert.Equal(t, watsonxAPIVersion, r.URL.Query().Get("version"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req watsonxGenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "ibm/granite-3-8b-instruct", req.ModelID)
		assert.Equal(t, "proj-1", req.ProjectID)
		assert.Equal(t, "Be brief.\n\nhello", req.Input)
		assert.Equal(t, "sample", req.Parameters.DecodingMethod)
		assert.Equal(t, 64, req.Parameters.MaxNewTokens)
		if assert.NotNil(t, req.Parameters.Temperature) {
			assert.InDelta(t, 0.3, *req.Parameters.Temperature, 1e-9)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_id": req.ModelID,
			"results": []map[string]any{{
				"generated_text":        "hi there",
				"generated_token_count": 3,
				"input_token_count":     7,
				"stop_reason":           "eos_token",
			}},
		})
	}))
	defer server.Close()

	provider := newTestWatsonxProvider(t, server.URL, iam.URL)

	params := testParams()
	params.Model = "ibm/granite-3-8b-instruct"
	result, err := provider.Generate(context.Background(), "hello", params)
	require.NoError(t, err)

	assert.Equal(t, "hi there", result.Text)
	assert.Equal(t, 7, result.InputTokens)
	assert.Equal(t, 3, result.OutputTokens)
	assert.Equal(t, 10, result.TotalTokens)
	assert.Equal(t, "eos_token", result.FinishReason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exchanges))
}

func TestWatsonxGenerateGreedyWhenTemperatureZero(t *testing.T) {
	var exchanges int32
	iam := iamStubServer(t, &exchanges)
	defer iam.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req watsonxGenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "greedy", req.Parameters.DecodingMethod)
		assert.Nil(t, req.Parameters.Temperature)
		assert.Zero(t, req.Parameters.TopK)
		assert.Zero(t, req.Parameters.TopP)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{
				"generated_text": "ok", "generated_token_count": 1, "input_token_count": 1, "stop_reason": "eos_token",
			}},
		})
	}))
	defer server.Close()

	provider := newTestWatsonxProvider(t, server.URL, iam.URL)

	params := testParams()
	params.Model = "ibm/granite-3-8b-instruct"
	params.Temperature = 0

	_, err := provider.Generate(context.Background(), "hello", params)
	require.NoError(t, err)
}

func TestWatsonxGenerateReExchangesTokenOn401(t *testing.T) {
	var exchanges int32
	iam := iamStubServer(t, &exchanges)
	defer iam.Close()

	var seen []string
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"errors":[{"code":"authentication_token_expired","message":"token expired"}]}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{
				"generated_text": "ok", "generated_token_count": 1, "input_token_count": 1, "stop_reason": "eos_token",
			}},
		})
	}))
	defer server.Close()

	provider := newTestWatsonxProvider(t, server.URL, iam.URL)

	params := testParams()
	params.Model = "ibm/granite-3-8b-instruct"
	result, err := provider.Generate(context.Background(), "hello", params)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)

	assert.Equal(t, int32(2), atomic.LoadInt32(&exchanges))
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-2"}, seen)
}

func TestWatsonxGenerateAPIErrorParsed(t *testing.T) {
	var exchanges int32
	iam := iamStubServer(t, &exchanges)
	defer iam.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errors":[{"code":"model_not_supported","message":"model not found"}],"trace":"abc123"}`)
	}))
	defer server.Close()

	provider := newTestWatsonxProvider(t, server.URL, iam.URL)

	params := testParams()
	params.Model = "nope"
	_, err := provider.Generate(context.Background(), "hello", params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
	assert.Equal(t, http.StatusBadRequest, httpclient.StatusCodeOf(err))
}

func TestWatsonxGenerateStream(t *testing.T) {
	var exchanges int32
	iam := iamStubServer(t, &exchanges)
	defer iam.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ml/v1/text/generation_stream", r.URL.Path)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"results\":[{\"generated_text\":\"Hel\",\"generated_token_count\":1,\"input_token_count\":5,\"stop_reason\":\"not_finished\"}]}\n\n")
		fmt.Fprint(w, "data: {\"results\":[{\"generated_text\":\"lo\",\"generated_token_count\":2,\"input_token_count\":5,\"stop_reason\":\"eos_token\"}]}\n\n")
	}))
	defer server.Close()

	provider := newTestWatsonxProvider(t, server.URL, iam.URL)

	params := testParams()
	params.Model = "ibm/granite-3-8b-instruct"
	ch, err := provider.GenerateStream(context.Background(), "hello", params)
	require.NoError(t, err)

	var text string
	var done *StreamChunk
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkDone:
			c := chunk
			done = &c
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}

	assert.Equal(t, "Hello", text)
	require.NotNil(t, done)
	assert.Equal(t, 7, done.Tokens)
}

func TestNewWatsonxProviderValidation(t *testing.T) {
	_, err := NewWatsonxProvider("granite", &config.ProviderConfig{Type: config.ProviderWatsonx, ProjectID: "p"})
	assert.ErrorContains(t, err, "API key")

	_, err = NewWatsonxProvider("granite", &config.ProviderConfig{Type: config.ProviderWatsonx, APIKey: "k"})
	assert.ErrorContains(t, err, "project id")
}
