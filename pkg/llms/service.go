package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/httpclient"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/storage"
	"github.com/nestor-ai/nestor/pkg/templates"
	"github.com/nestor-ai/nestor/pkg/types"
)

// Request is one generation call addressed to the service.
type Request struct {
	// UserID scopes parameter and template defaults.
	UserID uuid.UUID

	// Prompt is the input text for Generate and GenerateStream.
	Prompt string

	// Prompts are the input texts for GenerateBatch.
	Prompts []string

	// Provider selects a registered provider by name; empty means the
	// system default.
	Provider string

	// ParametersID pins an explicit parameter set. When nil, the user's
	// default applies, then the system default.
	ParametersID *uuid.UUID

	// TemplateID pins an explicit template. TemplateType selects the user
	// or system default of that type when TemplateID is nil. With both
	// unset the prompt is sent as-is.
	TemplateID   *uuid.UUID
	TemplateType types.TemplateType

	// Variables bind template placeholders.
	Variables map[string]string
}

// Service resolves who is asking and with what settings, then dispatches
// to the named provider.
type Service struct {
	registry  *Registry
	store     storage.Store
	templates *templates.Service
}

func NewService(registry *Registry, store storage.Store, tmpl *templates.Service) *Service {
	return &Service{registry: registry, store: store, templates: tmpl}
}

// Generate produces one completion.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := validateSingle(req); err != nil {
		return nil, err
	}
	provider, params, prompt, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := provider.Generate(ctx, prompt, params)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return result, nil
}

// GenerateBatch produces one completion per prompt, in input order. All
// prompts share the same resolved parameters and provider; templates do
// not apply to the batch form.
func (s *Service) GenerateBatch(ctx context.Context, req Request) ([]*Result, error) {
	if len(req.Prompts) == 0 {
		return nil, errdefs.NewValidation("llms", "prompts cannot be empty")
	}
	if req.TemplateID != nil || req.TemplateType != "" {
		return nil, errdefs.NewValidation("llms", "templates apply to single-prompt generation only")
	}

	single := req
	single.Prompts = nil
	single.Prompt = req.Prompts[0]
	provider, params, _, err := s.prepare(ctx, single)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, len(req.Prompts))
	for i, prompt := range req.Prompts {
		result, err := provider.Generate(ctx, prompt, params)
		if err != nil {
			return nil, ClassifyError(err)
		}
		results[i] = result
	}
	return results, nil
}

// GenerateStream produces a completion incrementally. Failures before the
// stream opens surface as a returned error; failures mid-stream arrive as
// a terminal error chunk.
func (s *Service) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if err := validateSingle(req); err != nil {
		return nil, err
	}
	provider, params, prompt, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	ch, err := provider.GenerateStream(ctx, prompt, params)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return ch, nil
}

// Embed produces one vector per text via the named provider's embedding
// model.
func (s *Service) Embed(ctx context.Context, providerName string, texts []string) ([][]float32, error) {
	tracer := observability.GetTracer("nestor.llm")
	ctx, span := tracer.Start(ctx, observability.SpanEmbedding,
		trace.WithAttributes(attribute.Int("text.count", len(texts))),
	)
	defer span.End()

	provider, _, err := s.resolveProvider(ctx, providerName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	vectors, err := provider.Embed(ctx, texts)
	if err != nil {
		err = ClassifyError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "success")
	return vectors, nil
}

// Close releases every registered provider client. Close is idempotent;
// closed providers rebuild their clients on next use.
func (s *Service) Close() error {
	return s.registry.Close()
}

func validateSingle(req Request) error {
	if req.Prompt == "" && req.TemplateID == nil && req.TemplateType == "" {
		return errdefs.NewValidation("llms", "prompt cannot be empty")
	}
	return nil
}

// prepare resolves parameters, provider, model, and template for one call.
func (s *Service) prepare(ctx context.Context, req Request) (Provider, GenerationParams, string, error) {
	userParams, err := s.resolveParameters(ctx, req.UserID, req.ParametersID)
	if err != nil {
		return nil, GenerationParams{}, "", err
	}

	provider, row, err := s.resolveProvider(ctx, req.Provider)
	if err != nil {
		return nil, GenerationParams{}, "", err
	}

	model, err := s.resolveModel(ctx, row, types.ModelKindGeneration)
	if err != nil {
		return nil, GenerationParams{}, "", err
	}

	params := GenerationParams{
		Model:             model.ModelID,
		MaxTokens:         userParams.MaxNewTokens,
		Temperature:       userParams.Temperature,
		TopK:              userParams.TopK,
		TopP:              userParams.TopP,
		RepetitionPenalty: userParams.RepetitionPenalty,
	}

	prompt := req.Prompt
	if req.TemplateID != nil || req.TemplateType != "" {
		tmpl, err := s.templates.Resolve(ctx, req.UserID, req.TemplateID, req.TemplateType)
		if err != nil {
			return nil, GenerationParams{}, "", err
		}
		rendered, err := templates.Render(tmpl, req.Variables, params.Model)
		if err != nil {
			return nil, GenerationParams{}, "", err
		}
		prompt = rendered.Prompt
		params.StopSequences = tmpl.StopSequences
	}

	return provider, params, prompt, nil
}

// resolveParameters applies the lookup chain: explicit set, user default,
// system default.
func (s *Service) resolveParameters(ctx context.Context, userID uuid.UUID, explicit *uuid.UUID) (*types.LLMParameters, error) {
	if explicit != nil {
		return s.store.Parameters().Get(ctx, *explicit)
	}

	params, err := s.store.Parameters().DefaultFor(ctx, userID)
	if err == nil {
		return params, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	params, err = s.store.Parameters().DefaultFor(ctx, uuid.Nil)
	if err == nil {
		return params, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	return nil, errdefs.NewConfigurationMissing("llms", "default LLM parameter set")
}

func (s *Service) resolveProvider(ctx context.Context, name string) (Provider, *types.Provider, error) {
	var (
		row *types.Provider
		err error
	)
	if name == "" {
		row, err = s.store.Providers().Default(ctx)
		if errdefs.IsNotFound(err) {
			return nil, nil, errdefs.NewConfigurationMissing("llms", "default LLM provider")
		}
	} else {
		row, err = s.store.Providers().GetByName(ctx, name)
	}
	if err != nil {
		return nil, nil, err
	}
	if !row.IsActive {
		return nil, nil, errdefs.NewValidation("llms", fmt.Sprintf("provider %q is inactive", row.Name))
	}

	provider, ok := s.registry.Get(row.Name)
	if !ok {
		return nil, nil, errdefs.NewConfigurationMissing("llms", fmt.Sprintf("registered client for provider %q", row.Name))
	}
	return provider, row, nil
}

func (s *Service) resolveModel(ctx context.Context, row *types.Provider, kind types.ModelKind) (*types.Model, error) {
	model, err := s.store.Models().DefaultFor(ctx, row.ID, kind)
	if errdefs.IsNotFound(err) {
		return nil, errdefs.NewConfigurationMissing("llms", fmt.Sprintf("default %s model for provider %q", kind, row.Name))
	}
	if err != nil {
		return nil, err
	}
	if !model.IsActive {
		return nil, errdefs.NewConfigurationMissing("llms", fmt.Sprintf("active %s model for provider %q", kind, row.Name))
	}
	return model, nil
}

// ClassifyError wraps raw vendor errors in the kinds the HTTP layer maps
// to status codes. Already-classified errors and caller cancellations pass
// through untouched.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var classified *errdefs.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	code := httpclient.StatusCodeOf(err)
	switch {
	case httpclient.IsAuthStatus(code):
		return errdefs.NewProvider("llms", errdefs.ProviderAuth, "provider rejected credentials", err)
	case httpclient.IsRateLimitStatus(code):
		return errdefs.NewProvider("llms", errdefs.ProviderRateLimited, "provider rate limit exhausted", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.NewProvider("llms", errdefs.ProviderTimeout, "provider call timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errdefs.NewProvider("llms", errdefs.ProviderTimeout, "provider call timed out", err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return errdefs.NewProvider("llms", errdefs.ProviderMalformed, "provider returned an unparseable response", err)
	}

	return errdefs.NewProvider("llms", errdefs.ProviderUnavailable, "provider request failed", err)
}
