package templates

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/storage"
	"github.com/nestor-ai/nestor/pkg/types"
)

// Service is the template store. It owns the placeholder syntax: creation
// and update reject formats whose placeholders are not all declared in
// input_variables.
type Service struct {
	repo storage.TemplateRepository
}

// NewService creates a template service over the given repository.
func NewService(repo storage.TemplateRepository) *Service {
	return &Service{repo: repo}
}

// Create persists a template after checking placeholder agreement.
func (s *Service) Create(ctx context.Context, t *types.PromptTemplate) error {
	if err := checkPlaceholders(t); err != nil {
		return err
	}
	return s.repo.Create(ctx, t)
}

// Update persists template changes after checking placeholder agreement.
func (s *Service) Update(ctx context.Context, t *types.PromptTemplate) error {
	if err := checkPlaceholders(t); err != nil {
		return err
	}
	return s.repo.Update(ctx, t)
}

// Get returns a template by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.PromptTemplate, error) {
	return s.repo.Get(ctx, id)
}

// Delete removes a template by id.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// ListByUser returns the templates owned by a user.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.PromptTemplate, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Resolve selects the template to render for a user and type: the explicit
// id when given, else the user's default of that type, else the system
// default. A miss on all three is NotFound.
func (s *Service) Resolve(ctx context.Context, userID uuid.UUID, templateID *uuid.UUID, typ types.TemplateType) (*types.PromptTemplate, error) {
	if templateID != nil {
		return s.repo.Get(ctx, *templateID)
	}

	t, err := s.repo.DefaultFor(ctx, userID, typ)
	if err == nil {
		return t, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	t, err = s.repo.DefaultFor(ctx, uuid.Nil, typ)
	if err == nil {
		return t, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	return nil, errdefs.NewNotFound("templates", "template", string(typ))
}

// RenderFor resolves and renders in one step.
func (s *Service) RenderFor(ctx context.Context, userID uuid.UUID, templateID *uuid.UUID, typ types.TemplateType, vars map[string]string, model string) (*Rendered, error) {
	t, err := s.Resolve(ctx, userID, templateID, typ)
	if err != nil {
		return nil, err
	}
	return Render(t, vars, model)
}

func checkPlaceholders(t *types.PromptTemplate) error {
	var undeclared []string
	for _, name := range Placeholders(t.Format) {
		if _, ok := t.InputVariables[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		return errdefs.NewValidation("templates",
			fmt.Sprintf("placeholders not declared in input_variables: %s", strings.Join(undeclared, ", ")))
	}
	return nil
}
