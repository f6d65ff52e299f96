package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		options  []Option
		validate func(t *testing.T, client *Client)
	}{
		{
			name:    "default_configuration",
			options: []Option{},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 5 {
					t.Errorf("Expected maxRetries=5, got %d", client.maxRetries)
				}
				if client.baseDelay != 2*time.Second {
					t.Errorf("Expected baseDelay=2s, got %v", client.baseDelay)
				}
				if client.strategyFunc == nil {
					t.Error("Expected strategyFunc to be set")
				}
			},
		},
		{
			name:    "custom_retries_and_delay",
			options: []Option{WithMaxRetries(3), WithBaseDelay(5 * time.Second)},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 3 {
					t.Errorf("Expected maxRetries=3, got %d", client.maxRetries)
				}
				if client.baseDelay != 5*time.Second {
					t.Errorf("Expected baseDelay=5s, got %v", client.baseDelay)
				}
			},
		},
		{
			name:    "custom_http_client",
			options: []Option{WithHTTPClient(&http.Client{Timeout: 30 * time.Second})},
			validate: func(t *testing.T, client *Client) {
				if client.client.Timeout != 30*time.Second {
					t.Errorf("Expected timeout=30s, got %v", client.client.Timeout)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, New(tt.options...))
		})
	}
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		status int
		want   RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusRequestTimeout, ConservativeRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusGatewayTimeout, ConservativeRetry},
		{http.StatusUnauthorized, NoRetry},
		{http.StatusForbidden, NoRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusNotFound, NoRetry},
	}
	for _, tt := range tests {
		if got := DefaultRetryStrategy(tt.status); got != tt.want {
			t.Errorf("DefaultRetryStrategy(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New()
	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestClient_Do_AuthErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(WithMaxRetries(5))
	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := client.Do(req)
	if err == nil {
		t.Fatal("Do() expected error for 401")
	}
	if resp != nil {
		resp.Body.Close()
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server called %d times, want 1 (no retries on auth errors)", got)
	}
	if StatusCodeOf(err) != http.StatusUnauthorized {
		t.Errorf("StatusCodeOf(err) = %d, want 401", StatusCodeOf(err))
	}
}

func TestClient_Do_RetriesServerErrorsUntilSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(10*time.Millisecond))
	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after retry", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("server called %d times, want 2", got)
	}
}

func TestClient_Do_HonorsRetryAfter(t *testing.T) {
	var calls int32
	var retriedAt time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		retriedAt = time.Now()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(WithMaxRetries(2), WithHeaderParser(ParseOpenAIHeaders))
	start := time.Now()
	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if elapsed := retriedAt.Sub(start); elapsed < 900*time.Millisecond {
		t.Errorf("retry happened after %v, want >= ~1s per Retry-After", elapsed)
	}
}

func TestClient_Do_MaxRetriesExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(WithMaxRetries(1), WithBaseDelay(5*time.Millisecond))
	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	if err == nil {
		t.Fatal("Do() expected error after retries exhausted")
	}
	var retryErr *RetryableError
	if !errors.As(err, &retryErr) {
		t.Fatalf("error = %T, want *RetryableError", err)
	}
	if retryErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", retryErr.StatusCode)
	}
}

func TestClient_Do_ContextCancelsBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(WithMaxRetries(3), WithHeaderParser(ParseOpenAIHeaders))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", server.URL, nil)
	start := time.Now()
	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	if err == nil {
		t.Fatal("Do() expected context error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Do() blocked %v, want cancellation near the 100ms deadline", elapsed)
	}
}

func TestClient_CalculateDelay(t *testing.T) {
	client := New(WithBaseDelay(time.Second))

	if d := client.calculateDelay(SmartRetry, 0, RateLimitInfo{RetryAfter: 7 * time.Second}); d != 7*time.Second {
		t.Errorf("SmartRetry with RetryAfter = %v, want 7s", d)
	}
	if d := client.calculateDelay(SmartRetry, 1, RateLimitInfo{}); d < 2*time.Second {
		t.Errorf("SmartRetry exponential delay = %v, want >= 2s", d)
	}
	if d := client.calculateDelay(ConservativeRetry, 0, RateLimitInfo{}); d != 2*time.Second {
		t.Errorf("ConservativeRetry attempt 0 = %v, want 2s", d)
	}
	if d := client.calculateDelay(ConservativeRetry, 2, RateLimitInfo{}); d != 0 {
		t.Errorf("ConservativeRetry attempt 2 = %v, want 0 (gives up)", d)
	}
	if d := client.calculateDelay(NoRetry, 0, RateLimitInfo{}); d != 0 {
		t.Errorf("NoRetry delay = %v, want 0", d)
	}
}
