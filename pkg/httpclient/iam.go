package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultIAMEndpoint = "https://iam.cloud.ibm.com/identity/token"

// IAMTokenSource exchanges an IBM Cloud API key for short-lived bearer
// tokens and caches them until shortly before expiry. Safe for concurrent
// use; at most one exchange runs at a time.
type IAMTokenSource struct {
	mu       sync.Mutex
	apiKey   string
	endpoint string
	client   *http.Client

	token   string
	expires time.Time

	// now is swappable for tests.
	now func() time.Time
}

type iamTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewIAMTokenSource creates a token source for the given API key.
// An empty endpoint uses the public IBM Cloud IAM service.
func NewIAMTokenSource(apiKey, endpoint string) *IAMTokenSource {
	if endpoint == "" {
		endpoint = defaultIAMEndpoint
	}
	return &IAMTokenSource{
		apiKey:   apiKey,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

// Token returns a valid bearer token, exchanging the API key when the
// cached one is missing or within a minute of expiry.
func (s *IAMTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(time.Minute).Before(s.expires) {
		return s.token, nil
	}

	form := url.Values{
		"grant_type": {"urn:ibm:params:oauth:grant-type:apikey"},
		"apikey":     {s.apiKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create IAM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("IAM token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("IAM token exchange failed: %s", string(body)),
		}
	}

	var tokenResp iamTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode IAM response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("IAM response contained no access token")
	}

	s.token = tokenResp.AccessToken
	s.expires = s.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)

	return s.token, nil
}

// Invalidate drops the cached token so the next Token call re-exchanges.
// Call it after a 401 from the service.
func (s *IAMTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expires = time.Time{}
}
