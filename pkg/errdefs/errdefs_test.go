package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := NewProvider("llms.openai", ProviderRateLimited, "generate failed", errors.New("429"))
	msg := err.Error()
	assert.Contains(t, msg, "[llms.openai]")
	assert.Contains(t, msg, "provider_error")
	assert.Contains(t, msg, "rate_limited")
	assert.Contains(t, msg, "429")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewVectorStore("databases.qdrant", "search failed", cause)
	require.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"classified", NewValidation("search", "empty question"), KindValidation},
		{"wrapped classified", fmt.Errorf("outer: %w", NewNotFound("storage", "collection", "c1")), KindNotFound},
		{"context deadline", context.DeadlineExceeded, KindDeadlineExceeded},
		{"wrapped context deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindDeadlineExceeded},
		{"unclassified", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTemplateVariableMissingCarriesNames(t *testing.T) {
	err := NewTemplateVariableMissing("templates", []string{"context", "question"})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []string{"context", "question"}, e.Missing)
	assert.Contains(t, err.Error(), "context")
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFound("storage", "session", "s1")))
	assert.False(t, IsNotFound(NewValidation("search", "bad")))
	assert.True(t, IsProvider(NewProvider("llms", ProviderAuth, "denied", nil)))
	assert.True(t, IsDeadline(NewDeadlineExceeded("pipeline")))
	assert.Equal(t, ProviderAuth, ReasonOf(NewProvider("llms", ProviderAuth, "denied", nil)))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindTemplateVariableMissing, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindAlreadyExists, http.StatusConflict},
		{KindSessionExpired, http.StatusGone},
		{KindConfigurationMissing, http.StatusPreconditionFailed},
		{KindDeadlineExceeded, http.StatusGatewayTimeout},
		{KindProvider, http.StatusInternalServerError},
		{KindVectorStore, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.HTTPStatus(), string(tt.kind))
	}
}
