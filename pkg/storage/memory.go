package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/types"
)

// MemoryStore is a map-backed Store guarded by a single RWMutex. It is the
// backend for tests and development mode; production uses the SQL store.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]*types.User
	collections map[uuid.UUID]*types.Collection
	pipelines   map[uuid.UUID]*types.PipelineConfig
	templates   map[uuid.UUID]*types.PromptTemplate
	parameters  map[uuid.UUID]*types.LLMParameters
	providers   map[uuid.UUID]*types.Provider
	models      map[uuid.UUID]*types.Model
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[uuid.UUID]*types.User),
		collections: make(map[uuid.UUID]*types.Collection),
		pipelines:   make(map[uuid.UUID]*types.PipelineConfig),
		templates:   make(map[uuid.UUID]*types.PromptTemplate),
		parameters:  make(map[uuid.UUID]*types.LLMParameters),
		providers:   make(map[uuid.UUID]*types.Provider),
		models:      make(map[uuid.UUID]*types.Model),
		now:         time.Now,
	}
}

func (s *MemoryStore) Users() UserRepository             { return (*memoryUsers)(s) }
func (s *MemoryStore) Collections() CollectionRepository { return (*memoryCollections)(s) }
func (s *MemoryStore) Pipelines() PipelineRepository     { return (*memoryPipelines)(s) }
func (s *MemoryStore) Templates() TemplateRepository     { return (*memoryTemplates)(s) }
func (s *MemoryStore) Parameters() ParameterRepository   { return (*memoryParameters)(s) }
func (s *MemoryStore) Providers() ProviderRepository     { return (*memoryProviders)(s) }
func (s *MemoryStore) Models() ModelRepository           { return (*memoryModels)(s) }

func (s *MemoryStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type memoryUsers MemoryStore

func (r *memoryUsers) Get(_ context.Context, id uuid.UUID) (*types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, errdefs.NewNotFound("storage", "user", id.String())
	}
	out := *u
	return &out, nil
}

func (r *memoryUsers) GetByEmail(_ context.Context, email string) (*types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, errdefs.NewNotFound("storage", "user", email)
}

func (r *memoryUsers) Create(_ context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = types.NewID()
	}
	for _, u := range r.users {
		if strings.EqualFold(u.Email, user.Email) {
			return errdefs.NewAlreadyExists("storage", "user", user.Email)
		}
	}
	user.Touch(r.now())
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memoryUsers) Update(_ context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return errdefs.NewNotFound("storage", "user", user.ID.String())
	}
	user.Touch(r.now())
	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *memoryUsers) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return errdefs.NewNotFound("storage", "user", id.String())
	}
	delete(r.users, id)
	// Cascade to owned rows.
	for tid, t := range r.templates {
		if t.UserID == id {
			delete(r.templates, tid)
		}
	}
	for pid, p := range r.parameters {
		if p.UserID == id {
			delete(r.parameters, pid)
		}
	}
	for pid, p := range r.pipelines {
		if p.UserID == id {
			delete(r.pipelines, pid)
		}
	}
	return nil
}

func (r *memoryUsers) List(_ context.Context) ([]*types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.User, 0, len(r.users))
	for _, u := range r.users {
		cp := *u
		out = append(out, &cp)
	}
	sortByCreated(out, func(u *types.User) time.Time { return u.CreatedAt })
	return out, nil
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

type memoryCollections MemoryStore

func (r *memoryCollections) Get(_ context.Context, id uuid.UUID) (*types.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[id]
	if !ok {
		return nil, errdefs.NewNotFound("storage", "collection", id.String())
	}
	out := *c
	out.UserIDs = append([]uuid.UUID(nil), c.UserIDs...)
	return &out, nil
}

func (r *memoryCollections) Create(_ context.Context, c *types.Collection) error {
	if err := c.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = types.NewID()
	}
	for _, existing := range r.collections {
		if existing.VectorStoreName == c.VectorStoreName {
			return errdefs.NewAlreadyExists("storage", "collection", c.VectorStoreName)
		}
	}
	c.Touch(r.now())
	cp := *c
	cp.UserIDs = append([]uuid.UUID(nil), c.UserIDs...)
	r.collections[c.ID] = &cp
	return nil
}

func (r *memoryCollections) Update(_ context.Context, c *types.Collection) error {
	if err := c.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collections[c.ID]; !ok {
		return errdefs.NewNotFound("storage", "collection", c.ID.String())
	}
	c.Touch(r.now())
	cp := *c
	cp.UserIDs = append([]uuid.UUID(nil), c.UserIDs...)
	r.collections[c.ID] = &cp
	return nil
}

func (r *memoryCollections) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collections[id]; !ok {
		return errdefs.NewNotFound("storage", "collection", id.String())
	}
	delete(r.collections, id)
	// Cascade: pipelines scoped to the collection go with it. Sessions keep
	// their dangling reference by design.
	for pid, p := range r.pipelines {
		if p.CollectionID != nil && *p.CollectionID == id {
			delete(r.pipelines, pid)
		}
	}
	return nil
}

func (r *memoryCollections) List(_ context.Context, userID uuid.UUID) ([]*types.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Collection, 0)
	for _, c := range r.collections {
		if c.HasMember(userID) {
			cp := *c
			cp.UserIDs = append([]uuid.UUID(nil), c.UserIDs...)
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(c *types.Collection) time.Time { return c.CreatedAt })
	return out, nil
}

// ---------------------------------------------------------------------------
// Pipelines
// ---------------------------------------------------------------------------

type memoryPipelines MemoryStore

func (r *memoryPipelines) Get(_ context.Context, id uuid.UUID) (*types.PipelineConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	if !ok {
		return nil, errdefs.NewNotFound("storage", "pipeline", id.String())
	}
	return copyPipeline(p), nil
}

func (r *memoryPipelines) Create(_ context.Context, p *types.PipelineConfig) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = types.NewID()
	}
	if p.IsDefault {
		r.demoteDefault(p.UserID, p.CollectionID, p.ID)
	}
	p.Touch(r.now())
	r.pipelines[p.ID] = copyPipeline(p)
	return nil
}

func (r *memoryPipelines) Update(_ context.Context, p *types.PipelineConfig) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pipelines[p.ID]; !ok {
		return errdefs.NewNotFound("storage", "pipeline", p.ID.String())
	}
	if p.IsDefault {
		r.demoteDefault(p.UserID, p.CollectionID, p.ID)
	}
	p.Touch(r.now())
	r.pipelines[p.ID] = copyPipeline(p)
	return nil
}

// demoteDefault clears the default flag on the previous default for the
// (owner, collection) pair so exactly one remains. Callers hold the lock.
func (r *memoryPipelines) demoteDefault(userID uuid.UUID, collectionID *uuid.UUID, keep uuid.UUID) {
	for _, other := range r.pipelines {
		if other.ID == keep || other.UserID != userID || !other.IsDefault {
			continue
		}
		if sameCollectionScope(other.CollectionID, collectionID) {
			other.IsDefault = false
		}
	}
}

func (r *memoryPipelines) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pipelines[id]; !ok {
		return errdefs.NewNotFound("storage", "pipeline", id.String())
	}
	delete(r.pipelines, id)
	return nil
}

func (r *memoryPipelines) ListByUser(_ context.Context, userID uuid.UUID) ([]*types.PipelineConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.PipelineConfig, 0)
	for _, p := range r.pipelines {
		if p.UserID == userID {
			out = append(out, copyPipeline(p))
		}
	}
	sortByCreated(out, func(p *types.PipelineConfig) time.Time { return p.CreatedAt })
	return out, nil
}

func (r *memoryPipelines) DefaultFor(_ context.Context, userID uuid.UUID, collectionID *uuid.UUID) (*types.PipelineConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pipelines {
		if p.UserID == userID && p.IsDefault && sameCollectionScope(p.CollectionID, collectionID) {
			return copyPipeline(p), nil
		}
	}
	scope := "user"
	if collectionID != nil {
		scope = collectionID.String()
	}
	return nil, errdefs.NewNotFound("storage", "default pipeline", scope)
}

func (r *memoryPipelines) SetMetadata(_ context.Context, id uuid.UUID, meta map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipelines[id]
	if !ok {
		return errdefs.NewNotFound("storage", "pipeline", id.String())
	}
	p.ConfigMetadata = copyMeta(meta)
	p.Touch(r.now())
	return nil
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type memoryTemplates MemoryStore

func (r *memoryTemplates) Get(_ context.Context, id uuid.UUID) (*types.PromptTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, errdefs.NewNotFound("storage", "template", id.String())
	}
	return copyTemplate(t), nil
}

func (r *memoryTemplates) GetByName(_ context.Context, userID uuid.UUID, name string) (*types.PromptTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.templates {
		if t.UserID == userID && t.Name == name {
			return copyTemplate(t), nil
		}
	}
	return nil, errdefs.NewNotFound("storage", "template", name)
}

func (r *memoryTemplates) Create(_ context.Context, t *types.PromptTemplate) error {
	if err := t.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = types.NewID()
	}
	for _, existing := range r.templates {
		if existing.UserID == t.UserID && existing.Name == t.Name {
			return errdefs.NewAlreadyExists("storage", "template", t.Name)
		}
	}
	if t.IsDefault {
		for _, other := range r.templates {
			if other.UserID == t.UserID && other.Type == t.Type && other.IsDefault {
				other.IsDefault = false
			}
		}
	}
	t.Touch(r.now())
	r.templates[t.ID] = copyTemplate(t)
	return nil
}

func (r *memoryTemplates) Update(_ context.Context, t *types.PromptTemplate) error {
	if err := t.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[t.ID]; !ok {
		return errdefs.NewNotFound("storage", "template", t.ID.String())
	}
	for _, existing := range r.templates {
		if existing.ID != t.ID && existing.UserID == t.UserID && existing.Name == t.Name {
			return errdefs.NewAlreadyExists("storage", "template", t.Name)
		}
	}
	if t.IsDefault {
		for _, other := range r.templates {
			if other.ID != t.ID && other.UserID == t.UserID && other.Type == t.Type && other.IsDefault {
				other.IsDefault = false
			}
		}
	}
	t.Touch(r.now())
	r.templates[t.ID] = copyTemplate(t)
	return nil
}

func (r *memoryTemplates) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[id]; !ok {
		return errdefs.NewNotFound("storage", "template", id.String())
	}
	delete(r.templates, id)
	return nil
}

func (r *memoryTemplates) ListByUser(_ context.Context, userID uuid.UUID) ([]*types.PromptTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.PromptTemplate, 0)
	for _, t := range r.templates {
		if t.UserID == userID {
			out = append(out, copyTemplate(t))
		}
	}
	sortByCreated(out, func(t *types.PromptTemplate) time.Time { return t.CreatedAt })
	return out, nil
}

func (r *memoryTemplates) DefaultFor(_ context.Context, userID uuid.UUID, typ types.TemplateType) (*types.PromptTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.templates {
		if t.UserID == userID && t.Type == typ && t.IsDefault {
			return copyTemplate(t), nil
		}
	}
	return nil, errdefs.NewNotFound("storage", "default template", string(typ))
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

type memoryParameters MemoryStore

func (r *memoryParameters) Get(_ context.Context, id uuid.UUID) (*types.LLMParameters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parameters[id]
	if !ok {
		return nil, errdefs.NewNotFound("storage", "parameters", id.String())
	}
	cp := *p
	return &cp, nil
}

func (r *memoryParameters) Create(_ context.Context, p *types.LLMParameters) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = types.NewID()
	}
	for _, existing := range r.parameters {
		if existing.UserID == p.UserID && existing.Name == p.Name {
			return errdefs.NewAlreadyExists("storage", "parameters", p.Name)
		}
	}
	if p.IsDefault {
		for _, other := range r.parameters {
			if other.UserID == p.UserID && other.IsDefault {
				other.IsDefault = false
			}
		}
	}
	p.Touch(r.now())
	cp := *p
	r.parameters[p.ID] = &cp
	return nil
}

func (r *memoryParameters) Update(_ context.Context, p *types.LLMParameters) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parameters[p.ID]; !ok {
		return errdefs.NewNotFound("storage", "parameters", p.ID.String())
	}
	if p.IsDefault {
		for _, other := range r.parameters {
			if other.ID != p.ID && other.UserID == p.UserID && other.IsDefault {
				other.IsDefault = false
			}
		}
	}
	p.Touch(r.now())
	cp := *p
	r.parameters[p.ID] = &cp
	return nil
}

func (r *memoryParameters) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parameters[id]; !ok {
		return errdefs.NewNotFound("storage", "parameters", id.String())
	}
	delete(r.parameters, id)
	return nil
}

func (r *memoryParameters) ListByUser(_ context.Context, userID uuid.UUID) ([]*types.LLMParameters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.LLMParameters, 0)
	for _, p := range r.parameters {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(p *types.LLMParameters) time.Time { return p.CreatedAt })
	return out, nil
}

func (r *memoryParameters) DefaultFor(_ context.Context, userID uuid.UUID) (*types.LLMParameters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parameters {
		if p.UserID == userID && p.IsDefault {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("storage", "default parameters", userID.String())
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

type memoryProviders MemoryStore

func (r *memoryProviders) Get(_ context.Context, id uuid.UUID) (*types.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, errdefs.NewNotFound("storage", "provider", id.String())
	}
	cp := *p
	return &cp, nil
}

func (r *memoryProviders) GetByName(_ context.Context, name string) (*types.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("storage", "provider", name)
}

func (r *memoryProviders) Create(_ context.Context, p *types.Provider) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = types.NewID()
	}
	for _, existing := range r.providers {
		if existing.Name == p.Name {
			return errdefs.NewAlreadyExists("storage", "provider", p.Name)
		}
	}
	if p.IsDefault {
		for _, other := range r.providers {
			if other.IsDefault {
				other.IsDefault = false
			}
		}
	}
	p.Touch(r.now())
	cp := *p
	r.providers[p.ID] = &cp
	return nil
}

func (r *memoryProviders) Update(_ context.Context, p *types.Provider) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.ID]; !ok {
		return errdefs.NewNotFound("storage", "provider", p.ID.String())
	}
	if p.IsDefault {
		for _, other := range r.providers {
			if other.ID != p.ID && other.IsDefault {
				other.IsDefault = false
			}
		}
	}
	p.Touch(r.now())
	cp := *p
	r.providers[p.ID] = &cp
	return nil
}

func (r *memoryProviders) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return errdefs.NewNotFound("storage", "provider", id.String())
	}
	delete(r.providers, id)
	for mid, m := range r.models {
		if m.ProviderID == id {
			delete(r.models, mid)
		}
	}
	return nil
}

func (r *memoryProviders) List(_ context.Context) ([]*types.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		cp := *p
		out = append(out, &cp)
	}
	sortByCreated(out, func(p *types.Provider) time.Time { return p.CreatedAt })
	return out, nil
}

func (r *memoryProviders) Default(_ context.Context) (*types.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.IsDefault {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("storage", "default provider", "system")
}

// ---------------------------------------------------------------------------
// Models
// ---------------------------------------------------------------------------

type memoryModels MemoryStore

func (r *memoryModels) Get(_ context.Context, id uuid.UUID) (*types.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return nil, errdefs.NewNotFound("storage", "model", id.String())
	}
	cp := *m
	return &cp, nil
}

func (r *memoryModels) Create(_ context.Context, m *types.Model) error {
	if err := m.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = types.NewID()
	}
	if m.IsDefault {
		for _, other := range r.models {
			if other.ProviderID == m.ProviderID && other.Kind == m.Kind && other.IsDefault {
				other.IsDefault = false
			}
		}
	}
	m.Touch(r.now())
	cp := *m
	r.models[m.ID] = &cp
	return nil
}

func (r *memoryModels) Update(_ context.Context, m *types.Model) error {
	if err := m.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[m.ID]; !ok {
		return errdefs.NewNotFound("storage", "model", m.ID.String())
	}
	if m.IsDefault {
		for _, other := range r.models {
			if other.ID != m.ID && other.ProviderID == m.ProviderID && other.Kind == m.Kind && other.IsDefault {
				other.IsDefault = false
			}
		}
	}
	m.Touch(r.now())
	cp := *m
	r.models[m.ID] = &cp
	return nil
}

func (r *memoryModels) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[id]; !ok {
		return errdefs.NewNotFound("storage", "model", id.String())
	}
	delete(r.models, id)
	return nil
}

func (r *memoryModels) ListByProvider(_ context.Context, providerID uuid.UUID) ([]*types.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Model, 0)
	for _, m := range r.models {
		if m.ProviderID == providerID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(m *types.Model) time.Time { return m.CreatedAt })
	return out, nil
}

func (r *memoryModels) DefaultFor(_ context.Context, providerID uuid.UUID, kind types.ModelKind) (*types.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.ProviderID == providerID && m.Kind == kind && m.IsDefault && m.IsActive {
			cp := *m
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("storage", "default model", string(kind))
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func sameCollectionScope(a, b *uuid.UUID) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func copyPipeline(p *types.PipelineConfig) *types.PipelineConfig {
	cp := *p
	if p.CollectionID != nil {
		id := *p.CollectionID
		cp.CollectionID = &id
	}
	cp.ConfigMetadata = copyMeta(p.ConfigMetadata)
	return &cp
}

func copyTemplate(t *types.PromptTemplate) *types.PromptTemplate {
	cp := *t
	if t.InputVariables != nil {
		cp.InputVariables = make(map[string]string, len(t.InputVariables))
		for k, v := range t.InputVariables {
			cp.InputVariables[k] = v
		}
	}
	cp.Examples = append([]map[string]string(nil), t.Examples...)
	cp.StopSequences = append([]string(nil), t.StopSequences...)
	cp.ValidationSchema = copyMeta(t.ValidationSchema)
	return &cp
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortByCreated[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return at(items[i]).Before(at(items[j]))
	})
}
