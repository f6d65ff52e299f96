// Package storage defines plain repository interfaces for the persisted
// entities and provides two implementations: in-memory maps for tests and
// development, and database/sql with dialect switching for production.
//
// Repositories return errdefs-classified errors so services and the HTTP
// layer can branch on kind without knowing the backend.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/types"
)

// UserRepository persists users.
type UserRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*types.User, error)
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	Create(ctx context.Context, user *types.User) error
	Update(ctx context.Context, user *types.User) error
	// Delete removes the user and cascades to owned templates, parameter
	// sets, and pipelines.
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*types.User, error)
}

// CollectionRepository persists collections.
type CollectionRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*types.Collection, error)
	Create(ctx context.Context, c *types.Collection) error
	Update(ctx context.Context, c *types.Collection) error
	// Delete removes the collection and cascades to pipelines scoped to it.
	// Sessions referencing the collection are left alone.
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID) ([]*types.Collection, error)
}

// PipelineRepository persists pipeline configs.
type PipelineRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*types.PipelineConfig, error)
	Create(ctx context.Context, p *types.PipelineConfig) error
	Update(ctx context.Context, p *types.PipelineConfig) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.PipelineConfig, error)
	// DefaultFor returns the default pipeline for the (user, collection)
	// pair. A nil collectionID addresses the user-wide default.
	DefaultFor(ctx context.Context, userID uuid.UUID, collectionID *uuid.UUID) (*types.PipelineConfig, error)
	// SetMetadata replaces config_metadata under the writer lock.
	SetMetadata(ctx context.Context, id uuid.UUID, meta map[string]any) error
}

// TemplateRepository persists prompt templates. Template names are unique
// per owner; at most one template per (owner, type) is the default.
type TemplateRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*types.PromptTemplate, error)
	GetByName(ctx context.Context, userID uuid.UUID, name string) (*types.PromptTemplate, error)
	Create(ctx context.Context, t *types.PromptTemplate) error
	Update(ctx context.Context, t *types.PromptTemplate) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.PromptTemplate, error)
	// DefaultFor returns the default template of a type for a user; pass
	// uuid.Nil to address the system defaults.
	DefaultFor(ctx context.Context, userID uuid.UUID, typ types.TemplateType) (*types.PromptTemplate, error)
}

// ParameterRepository persists LLM parameter sets. At most one set per
// owner is the default; uuid.Nil owns the system default.
type ParameterRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*types.LLMParameters, error)
	Create(ctx context.Context, p *types.LLMParameters) error
	Update(ctx context.Context, p *types.LLMParameters) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.LLMParameters, error)
	DefaultFor(ctx context.Context, userID uuid.UUID) (*types.LLMParameters, error)
}

// ProviderRepository persists provider records. Names are unique; at most
// one provider is the system default.
type ProviderRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*types.Provider, error)
	GetByName(ctx context.Context, name string) (*types.Provider, error)
	Create(ctx context.Context, p *types.Provider) error
	Update(ctx context.Context, p *types.Provider) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*types.Provider, error)
	// Default returns the system default row whether or not it is
	// active; callers decide how to reject an inactive one.
	Default(ctx context.Context) (*types.Provider, error)
}

// ModelRepository persists model records. At most one model per
// (provider, kind) is the default.
type ModelRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*types.Model, error)
	Create(ctx context.Context, m *types.Model) error
	Update(ctx context.Context, m *types.Model) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*types.Model, error)
	DefaultFor(ctx context.Context, providerID uuid.UUID, kind types.ModelKind) (*types.Model, error)
}

// Store bundles the repositories behind one handle.
type Store interface {
	Users() UserRepository
	Collections() CollectionRepository
	Pipelines() PipelineRepository
	Templates() TemplateRepository
	Parameters() ParameterRepository
	Providers() ProviderRepository
	Models() ModelRepository
	Close() error
}
