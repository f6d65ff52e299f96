package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/types"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on database/sql. Supported dialects are sqlite,
// postgres, and mysql; queries are written with ? placeholders and rebound
// for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open connection and initializes the schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQL opens the configured database, verifies connectivity, and returns
// a ready store.
func OpenSQL(cfg *config.DatabaseConfig) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database %q: %w", cfg.Driver, cfg.Database, err)
	}

	return NewSQLStore(db, cfg.Driver)
}

func (s *SQLStore) Users() UserRepository             { return &sqlUsers{s} }
func (s *SQLStore) Collections() CollectionRepository { return &sqlCollections{s} }
func (s *SQLStore) Pipelines() PipelineRepository     { return &sqlPipelines{s} }
func (s *SQLStore) Templates() TemplateRepository     { return &sqlTemplates{s} }
func (s *SQLStore) Parameters() ParameterRepository   { return &sqlParameters{s} }
func (s *SQLStore) Providers() ProviderRepository     { return &sqlProviders{s} }
func (s *SQLStore) Models() ModelRepository           { return &sqlModels{s} }

func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying connection so sibling stores can share the
// pool instead of opening a second one against the same database.
func (s *SQLStore) DB() *sql.DB { return s.db }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(36) PRIMARY KEY,
    external_id VARCHAR(255),
    email VARCHAR(320) NOT NULL,
    name VARCHAR(255),
    role VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (email)
)`,
	`CREATE TABLE IF NOT EXISTS collections (
    id VARCHAR(36) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    vector_store_name VARCHAR(255) NOT NULL,
    is_private BOOLEAN NOT NULL,
    user_ids TEXT,
    status VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (vector_store_name)
)`,
	`CREATE TABLE IF NOT EXISTS pipelines (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(36) NOT NULL,
    collection_id VARCHAR(36),
    name VARCHAR(255) NOT NULL,
    chunking_strategy VARCHAR(100),
    embedding_model VARCHAR(255) NOT NULL,
    retriever VARCHAR(50) NOT NULL,
    context_strategy VARCHAR(50),
    max_context_length INTEGER NOT NULL,
    timeout_ms BIGINT NOT NULL,
    config_metadata TEXT,
    provider_id VARCHAR(36),
    is_default BOOLEAN NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS templates (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(36) NOT NULL,
    name VARCHAR(255) NOT NULL,
    type VARCHAR(50) NOT NULL,
    system_prompt TEXT,
    format TEXT NOT NULL,
    input_variables TEXT,
    examples TEXT,
    max_context_length INTEGER NOT NULL,
    stop_sequences TEXT,
    context_variable VARCHAR(255),
    context_strategy VARCHAR(32),
    validation_schema TEXT,
    is_default BOOLEAN NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, name)
)`,
	`CREATE TABLE IF NOT EXISTS parameters (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(36) NOT NULL,
    name VARCHAR(255) NOT NULL,
    max_new_tokens INTEGER NOT NULL,
    temperature DOUBLE PRECISION NOT NULL,
    top_k INTEGER NOT NULL,
    top_p DOUBLE PRECISION NOT NULL,
    repetition_penalty DOUBLE PRECISION,
    is_default BOOLEAN NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, name)
)`,
	`CREATE TABLE IF NOT EXISTS providers (
    id VARCHAR(36) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    type VARCHAR(50) NOT NULL,
    base_url VARCHAR(512) NOT NULL,
    api_key TEXT,
    org_id VARCHAR(255),
    project_id VARCHAR(255),
    is_active BOOLEAN NOT NULL,
    is_default BOOLEAN NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (name)
)`,
	`CREATE TABLE IF NOT EXISTS models (
    id VARCHAR(36) PRIMARY KEY,
    provider_id VARCHAR(36) NOT NULL,
    model_id VARCHAR(255) NOT NULL,
    kind VARCHAR(50) NOT NULL,
    timeout_ms BIGINT NOT NULL,
    max_retries INTEGER NOT NULL,
    batch_size INTEGER NOT NULL,
    retry_delay_ms BIGINT NOT NULL,
    concurrency_limit INTEGER NOT NULL,
    stream BOOLEAN NOT NULL,
    rate_limit INTEGER NOT NULL,
    is_default BOOLEAN NOT NULL,
    is_active BOOLEAN NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_pipelines_user_id ON pipelines(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_templates_user_id ON templates(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_parameters_user_id ON parameters(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_models_provider_id ON models(provider_id)`,
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS; the unique constraints above
	// cover the correctness-critical lookups there.
	if s.dialect != "mysql" {
		for _, stmt := range indexStatements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}
	}
	return nil
}

// bind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(raw), nil
}

func fromJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type sqlUsers struct{ s *SQLStore }

const userColumns = `id, external_id, email, name, role, created_at, updated_at`

func scanUser(row rowScanner) (*types.User, error) {
	var (
		u          types.User
		id         string
		externalID sql.NullString
		name       sql.NullString
	)
	if err := row.Scan(&id, &externalID, &u.Email, &name, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", id, err)
	}
	u.ID = parsed
	u.ExternalID = externalID.String
	u.Name = name.String
	return &u, nil
}

func (r *sqlUsers) Get(ctx context.Context, id uuid.UUID) (*types.User, error) {
	query := r.s.bind(`SELECT ` + userColumns + ` FROM users WHERE id = ?`)
	u, err := scanUser(r.s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "user", id.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query user", err)
	}
	return u, nil
}

func (r *sqlUsers) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	query := r.s.bind(`SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER(?)`)
	u, err := scanUser(r.s.db.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "user", email)
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query user", err)
	}
	return u, nil
}

func (r *sqlUsers) Create(ctx context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	if user.ID == uuid.Nil {
		user.ID = types.NewID()
	}
	user.Touch(time.Now())

	var count int
	check := r.s.bind(`SELECT COUNT(*) FROM users WHERE LOWER(email) = LOWER(?)`)
	if err := r.s.db.QueryRowContext(ctx, check, user.Email).Scan(&count); err != nil {
		return errdefs.NewInternal("storage", "failed to check email", err)
	}
	if count > 0 {
		return errdefs.NewAlreadyExists("storage", "user", user.Email)
	}

	query := r.s.bind(`INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.s.db.ExecContext(ctx, query,
		user.ID.String(), user.ExternalID, user.Email, user.Name, string(user.Role),
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to insert user", err)
	}
	return nil
}

func (r *sqlUsers) Update(ctx context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	user.Touch(time.Now())

	query := r.s.bind(`UPDATE users SET external_id = ?, email = ?, name = ?, role = ?, updated_at = ? WHERE id = ?`)
	res, err := r.s.db.ExecContext(ctx, query,
		user.ExternalID, user.Email, user.Name, string(user.Role), user.UpdatedAt, user.ID.String(),
	)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to update user", err)
	}
	return requireAffected(res, errdefs.NewNotFound("storage", "user", user.ID.String()))
}

func (r *sqlUsers) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, r.s.bind(`DELETE FROM users WHERE id = ?`), id.String())
	if err != nil {
		return errdefs.NewInternal("storage", "failed to delete user", err)
	}
	if err := requireAffected(res, errdefs.NewNotFound("storage", "user", id.String())); err != nil {
		return err
	}

	for _, table := range []string{"templates", "parameters", "pipelines"} {
		stmt := r.s.bind(`DELETE FROM ` + table + ` WHERE user_id = ?`)
		if _, err := tx.ExecContext(ctx, stmt, id.String()); err != nil {
			return errdefs.NewInternal("storage", "failed to cascade user delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("storage", "failed to commit", err)
	}
	return nil
}

func (r *sqlUsers) List(ctx context.Context) ([]*types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at ASC`
	rows, err := r.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to list users", err)
	}
	defer rows.Close()

	var out []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errdefs.NewInternal("storage", "failed to scan user", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("storage", "error iterating users", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

type sqlCollections struct{ s *SQLStore }

const collectionColumns = `id, name, vector_store_name, is_private, user_ids, status, created_at, updated_at`

func scanCollection(row rowScanner) (*types.Collection, error) {
	var (
		c       types.Collection
		id      string
		userIDs sql.NullString
	)
	if err := row.Scan(&id, &c.Name, &c.VectorStoreName, &c.IsPrivate, &userIDs, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid collection id %q: %w", id, err)
	}
	c.ID = parsed
	if err := fromJSON(userIDs.String, &c.UserIDs); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *sqlCollections) Get(ctx context.Context, id uuid.UUID) (*types.Collection, error) {
	query := r.s.bind(`SELECT ` + collectionColumns + ` FROM collections WHERE id = ?`)
	c, err := scanCollection(r.s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "collection", id.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query collection", err)
	}
	return c, nil
}

func (r *sqlCollections) Create(ctx context.Context, c *types.Collection) error {
	if err := c.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	if c.ID == uuid.Nil {
		c.ID = types.NewID()
	}
	c.Touch(time.Now())

	var count int
	check := r.s.bind(`SELECT COUNT(*) FROM collections WHERE vector_store_name = ?`)
	if err := r.s.db.QueryRowContext(ctx, check, c.VectorStoreName).Scan(&count); err != nil {
		return errdefs.NewInternal("storage", "failed to check collection name", err)
	}
	if count > 0 {
		return errdefs.NewAlreadyExists("storage", "collection", c.VectorStoreName)
	}

	userIDs, err := toJSON(c.UserIDs)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to encode user_ids", err)
	}
	query := r.s.bind(`INSERT INTO collections (` + collectionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.s.db.ExecContext(ctx, query,
		c.ID.String(), c.Name, c.VectorStoreName, c.IsPrivate, userIDs, string(c.Status),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to insert collection", err)
	}
	return nil
}

func (r *sqlCollections) Update(ctx context.Context, c *types.Collection) error {
	if err := c.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	c.Touch(time.Now())

	userIDs, err := toJSON(c.UserIDs)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to encode user_ids", err)
	}
	query := r.s.bind(`UPDATE collections SET name = ?, vector_store_name = ?, is_private = ?, user_ids = ?, status = ?, updated_at = ? WHERE id = ?`)
	res, err := r.s.db.ExecContext(ctx, query,
		c.Name, c.VectorStoreName, c.IsPrivate, userIDs, string(c.Status), c.UpdatedAt, c.ID.String(),
	)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to update collection", err)
	}
	return requireAffected(res, errdefs.NewNotFound("storage", "collection", c.ID.String()))
}

func (r *sqlCollections) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, r.s.bind(`DELETE FROM collections WHERE id = ?`), id.String())
	if err != nil {
		return errdefs.NewInternal("storage", "failed to delete collection", err)
	}
	if err := requireAffected(res, errdefs.NewNotFound("storage", "collection", id.String())); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.s.bind(`DELETE FROM pipelines WHERE collection_id = ?`), id.String()); err != nil {
		return errdefs.NewInternal("storage", "failed to cascade collection delete", err)
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("storage", "failed to commit", err)
	}
	return nil
}

func (r *sqlCollections) List(ctx context.Context, userID uuid.UUID) ([]*types.Collection, error) {
	// Membership lives in a JSON column, so visibility is filtered here
	// rather than in SQL.
	query := `SELECT ` + collectionColumns + ` FROM collections ORDER BY created_at ASC`
	rows, err := r.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to list collections", err)
	}
	defer rows.Close()

	var out []*types.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, errdefs.NewInternal("storage", "failed to scan collection", err)
		}
		if c.HasMember(userID) {
			out = append(out, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("storage", "error iterating collections", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Pipelines
// ---------------------------------------------------------------------------

type sqlPipelines struct{ s *SQLStore }

const pipelineColumns = `id, user_id, collection_id, name, chunking_strategy, embedding_model, retriever, context_strategy, max_context_length, timeout_ms, config_metadata, provider_id, is_default, created_at, updated_at`

func scanPipeline(row rowScanner) (*types.PipelineConfig, error) {
	var (
		p            types.PipelineConfig
		id, userID   string
		collectionID sql.NullString
		chunking     sql.NullString
		contextStrat sql.NullString
		timeoutMS    int64
		meta         sql.NullString
		providerID   sql.NullString
	)
	if err := row.Scan(&id, &userID, &collectionID, &p.Name, &chunking, &p.EmbeddingModel,
		&p.Retriever, &contextStrat, &p.MaxContextLength, &timeoutMS, &meta, &providerID,
		&p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid pipeline id %q: %w", id, err)
	}
	if p.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid pipeline user_id %q: %w", userID, err)
	}
	if collectionID.Valid {
		cid, err := uuid.Parse(collectionID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid pipeline collection_id %q: %w", collectionID.String, err)
		}
		p.CollectionID = &cid
	}
	if providerID.Valid && providerID.String != "" {
		if p.ProviderID, err = uuid.Parse(providerID.String); err != nil {
			return nil, fmt.Errorf("invalid pipeline provider_id %q: %w", providerID.String, err)
		}
	}
	p.ChunkingStrategy = chunking.String
	p.ContextStrategy = types.ContextStrategy(contextStrat.String)
	p.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if err := fromJSON(meta.String, &p.ConfigMetadata); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *sqlPipelines) Get(ctx context.Context, id uuid.UUID) (*types.PipelineConfig, error) {
	query := r.s.bind(`SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = ?`)
	p, err := scanPipeline(r.s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "pipeline", id.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query pipeline", err)
	}
	return p, nil
}

func (r *sqlPipelines) Create(ctx context.Context, p *types.PipelineConfig) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	if p.ID == uuid.Nil {
		p.ID = types.NewID()
	}
	p.Touch(time.Now())
	return r.save(ctx, p, true)
}

func (r *sqlPipelines) Update(ctx context.Context, p *types.PipelineConfig) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	p.Touch(time.Now())
	return r.save(ctx, p, false)
}

func (r *sqlPipelines) save(ctx context.Context, p *types.PipelineConfig, insert bool) error {
	meta, err := toJSON(p.ConfigMetadata)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to encode config_metadata", err)
	}

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if p.IsDefault {
		// Demote the previous default for the same (owner, collection) scope.
		var demote string
		args := []any{false, p.UserID.String()}
		if p.CollectionID == nil {
			demote = `UPDATE pipelines SET is_default = ? WHERE user_id = ? AND collection_id IS NULL AND id <> ?`
		} else {
			demote = `UPDATE pipelines SET is_default = ? WHERE user_id = ? AND collection_id = ? AND id <> ?`
			args = append(args, p.CollectionID.String())
		}
		args = append(args, p.ID.String())
		if _, err := tx.ExecContext(ctx, r.s.bind(demote), args...); err != nil {
			return errdefs.NewInternal("storage", "failed to demote default pipeline", err)
		}
	}

	var collectionID any
	if p.CollectionID != nil {
		collectionID = p.CollectionID.String()
	}
	var providerID any
	if p.ProviderID != uuid.Nil {
		providerID = p.ProviderID.String()
	}

	if insert {
		query := r.s.bind(`INSERT INTO pipelines (` + pipelineColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, query,
			p.ID.String(), p.UserID.String(), collectionID, p.Name, p.ChunkingStrategy,
			p.EmbeddingModel, string(p.Retriever), string(p.ContextStrategy),
			p.MaxContextLength, p.Timeout.Milliseconds(), meta, providerID,
			p.IsDefault, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to insert pipeline", err)
		}
	} else {
		query := r.s.bind(`UPDATE pipelines SET collection_id = ?, name = ?, chunking_strategy = ?, embedding_model = ?, retriever = ?, context_strategy = ?, max_context_length = ?, timeout_ms = ?, config_metadata = ?, provider_id = ?, is_default = ?, updated_at = ? WHERE id = ?`)
		res, err := tx.ExecContext(ctx, query,
			collectionID, p.Name, p.ChunkingStrategy, p.EmbeddingModel,
			string(p.Retriever), string(p.ContextStrategy), p.MaxContextLength,
			p.Timeout.Milliseconds(), meta, providerID, p.IsDefault, p.UpdatedAt, p.ID.String(),
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to update pipeline", err)
		}
		if err := requireAffected(res, errdefs.NewNotFound("storage", "pipeline", p.ID.String())); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("storage", "failed to commit", err)
	}
	return nil
}

func (r *sqlPipelines) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.s.db.ExecContext(ctx, r.s.bind(`DELETE FROM pipelines WHERE id = ?`), id.String())
	if err != nil {
		return errdefs.NewInternal("storage", "failed to delete pipeline", err)
	}
	return requireAffected(res, errdefs.NewNotFound("storage", "pipeline", id.String()))
}

func (r *sqlPipelines) ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.PipelineConfig, error) {
	query := r.s.bind(`SELECT ` + pipelineColumns + ` FROM pipelines WHERE user_id = ? ORDER BY created_at ASC`)
	rows, err := r.s.db.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to list pipelines", err)
	}
	defer rows.Close()

	var out []*types.PipelineConfig
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, errdefs.NewInternal("storage", "failed to scan pipeline", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("storage", "error iterating pipelines", err)
	}
	return out, nil
}

func (r *sqlPipelines) DefaultFor(ctx context.Context, userID uuid.UUID, collectionID *uuid.UUID) (*types.PipelineConfig, error) {
	var (
		query string
		args  []any
	)
	if collectionID == nil {
		query = `SELECT ` + pipelineColumns + ` FROM pipelines WHERE user_id = ? AND collection_id IS NULL AND is_default = ?`
		args = []any{userID.String(), true}
	} else {
		query = `SELECT ` + pipelineColumns + ` FROM pipelines WHERE user_id = ? AND collection_id = ? AND is_default = ?`
		args = []any{userID.String(), collectionID.String(), true}
	}
	p, err := scanPipeline(r.s.db.QueryRowContext(ctx, r.s.bind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		scope := "user"
		if collectionID != nil {
			scope = collectionID.String()
		}
		return nil, errdefs.NewNotFound("storage", "default pipeline", scope)
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query default pipeline", err)
	}
	return p, nil
}

func (r *sqlPipelines) SetMetadata(ctx context.Context, id uuid.UUID, meta map[string]any) error {
	raw, err := toJSON(meta)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to encode config_metadata", err)
	}
	query := r.s.bind(`UPDATE pipelines SET config_metadata = ?, updated_at = ? WHERE id = ?`)
	res, err := r.s.db.ExecContext(ctx, query, raw, time.Now(), id.String())
	if err != nil {
		return errdefs.NewInternal("storage", "failed to update pipeline metadata", err)
	}
	return requireAffected(res, errdefs.NewNotFound("storage", "pipeline", id.String()))
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type sqlTemplates struct{ s *SQLStore }

const templateColumns = `id, user_id, name, type, system_prompt, format, input_variables, examples, max_context_length, stop_sequences, context_variable, context_strategy, validation_schema, is_default, created_at, updated_at`

func scanTemplate(row rowScanner) (*types.PromptTemplate, error) {
	var (
		t           types.PromptTemplate
		id, userID  string
		system      sql.NullString
		inputVars   sql.NullString
		examples    sql.NullString
		stops       sql.NullString
		ctxVar      sql.NullString
		ctxStrategy sql.NullString
		schema      sql.NullString
	)
	if err := row.Scan(&id, &userID, &t.Name, &t.Type, &system, &t.Format, &inputVars,
		&examples, &t.MaxContextLength, &stops, &ctxVar, &ctxStrategy, &schema, &t.IsDefault,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid template id %q: %w", id, err)
	}
	if t.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid template user_id %q: %w", userID, err)
	}
	t.SystemPrompt = system.String
	t.ContextVariable = ctxVar.String
	t.ContextStrategy = types.ContextStrategy(ctxStrategy.String)
	if err := fromJSON(inputVars.String, &t.InputVariables); err != nil {
		return nil, err
	}
	if err := fromJSON(examples.String, &t.Examples); err != nil {
		return nil, err
	}
	if err := fromJSON(stops.String, &t.StopSequences); err != nil {
		return nil, err
	}
	if err := fromJSON(schema.String, &t.ValidationSchema); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *sqlTemplates) Get(ctx context.Context, id uuid.UUID) (*types.PromptTemplate, error) {
	query := r.s.bind(`SELECT ` + templateColumns + ` FROM templates WHERE id = ?`)
	t, err := scanTemplate(r.s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "template", id.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query template", err)
	}
	return t, nil
}

func (r *sqlTemplates) GetByName(ctx context.Context, userID uuid.UUID, name string) (*types.PromptTemplate, error) {
	query := r.s.bind(`SELECT ` + templateColumns + ` FROM templates WHERE user_id = ? AND name = ?`)
	t, err := scanTemplate(r.s.db.QueryRowContext(ctx, query, userID.String(), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "template", name)
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query template", err)
	}
	return t, nil
}

func (r *sqlTemplates) Create(ctx context.Context, t *types.PromptTemplate) error {
	if err := t.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	if t.ID == uuid.Nil {
		t.ID = types.NewID()
	}
	t.Touch(time.Now())
	return r.save(ctx, t, true)
}

func (r *sqlTemplates) Update(ctx context.Context, t *types.PromptTemplate) error {
	if err := t.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	t.Touch(time.Now())
	return r.save(ctx, t, false)
}

func (r *sqlTemplates) save(ctx context.Context, t *types.PromptTemplate, insert bool) error {
	inputVars, err := toJSON(t.InputVariables)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to encode input_variables", err)
	}
	examples, err := toJSON(t.Examples)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to encode examples", err)
	}
	stops, err := toJSON(t.StopSequences)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to encode stop_sequences", err)
	}
	schema, err := toJSON(t.ValidationSchema)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to encode validation_schema", err)
	}

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	check := r.s.bind(`SELECT COUNT(*) FROM templates WHERE user_id = ? AND name = ? AND id <> ?`)
	if err := tx.QueryRowContext(ctx, check, t.UserID.String(), t.Name, t.ID.String()).Scan(&count); err != nil {
		return errdefs.NewInternal("storage", "failed to check template name", err)
	}
	if count > 0 {
		return errdefs.NewAlreadyExists("storage", "template", t.Name)
	}

	if t.IsDefault {
		demote := r.s.bind(`UPDATE templates SET is_default = ? WHERE user_id = ? AND type = ? AND id <> ?`)
		if _, err := tx.ExecContext(ctx, demote, false, t.UserID.String(), string(t.Type), t.ID.String()); err != nil {
			return errdefs.NewInternal("storage", "failed to demote default template", err)
		}
	}

	if insert {
		query := r.s.bind(`INSERT INTO templates (` + templateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, query,
			t.ID.String(), t.UserID.String(), t.Name, string(t.Type), t.SystemPrompt,
			t.Format, inputVars, examples, t.MaxContextLength, stops,
			t.ContextVariable, string(t.ContextStrategy), schema, t.IsDefault, t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to insert template", err)
		}
	} else {
		query := r.s.bind(`UPDATE templates SET name = ?, type = ?, system_prompt = ?, format = ?, input_variables = ?, examples = ?, max_context_length = ?, stop_sequences = ?, context_variable = ?, context_strategy = ?, validation_schema = ?, is_default = ?, updated_at = ? WHERE id = ?`)
		res, err := tx.ExecContext(ctx, query,
			t.Name, string(t.Type), t.SystemPrompt, t.Format, inputVars, examples,
			t.MaxContextLength, stops, t.ContextVariable, string(t.ContextStrategy), schema, t.IsDefault,
			t.UpdatedAt, t.ID.String(),
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to update template", err)
		}
		if err := requireAffected(res, errdefs.NewNotFound("storage", "template", t.ID.String())); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("storage", "failed to commit", err)
	}
	return nil
}

func (r *sqlTemplates) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.s.db.ExecContext(ctx, r.s.bind(`DELETE FROM templates WHERE id = ?`), id.String())
	if err != nil {
		return errdefs.NewInternal("storage", "failed to delete template", err)
	}
	return requireAffected(res, errdefs.NewNotFound("storage", "template", id.String()))
}

func (r *sqlTemplates) ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.PromptTemplate, error) {
	query := r.s.bind(`SELECT ` + templateColumns + ` FROM templates WHERE user_id = ? ORDER BY created_at ASC`)
	rows, err := r.s.db.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to list templates", err)
	}
	defer rows.Close()

	var out []*types.PromptTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, errdefs.NewInternal("storage", "failed to scan template", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("storage", "error iterating templates", err)
	}
	return out, nil
}

func (r *sqlTemplates) DefaultFor(ctx context.Context, userID uuid.UUID, typ types.TemplateType) (*types.PromptTemplate, error) {
	query := r.s.bind(`SELECT ` + templateColumns + ` FROM templates WHERE user_id = ? AND type = ? AND is_default = ?`)
	t, err := scanTemplate(r.s.db.QueryRowContext(ctx, query, userID.String(), string(typ), true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "default template", string(typ))
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query default template", err)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Parameters
// ---------------------------------------------------------------------------

type sqlParameters struct{ s *SQLStore }

const parameterColumns = `id, user_id, name, max_new_tokens, temperature, top_k, top_p, repetition_penalty, is_default, created_at, updated_at`

func scanParameters(row rowScanner) (*types.LLMParameters, error) {
	var (
		p          types.LLMParameters
		id, userID string
		repPenalty sql.NullFloat64
	)
	if err := row.Scan(&id, &userID, &p.Name, &p.MaxNewTokens, &p.Temperature, &p.TopK,
		&p.TopP, &repPenalty, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid parameters id %q: %w", id, err)
	}
	if p.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid parameters user_id %q: %w", userID, err)
	}
	if repPenalty.Valid {
		v := repPenalty.Float64
		p.RepetitionPenalty = &v
	}
	return &p, nil
}

func (r *sqlParameters) Get(ctx context.Context, id uuid.UUID) (*types.LLMParameters, error) {
	query := r.s.bind(`SELECT ` + parameterColumns + ` FROM parameters WHERE id = ?`)
	p, err := scanParameters(r.s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "parameters", id.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query parameters", err)
	}
	return p, nil
}

func (r *sqlParameters) Create(ctx context.Context, p *types.LLMParameters) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	if p.ID == uuid.Nil {
		p.ID = types.NewID()
	}
	p.Touch(time.Now())
	return r.save(ctx, p, true)
}

func (r *sqlParameters) Update(ctx context.Context, p *types.LLMParameters) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	p.Touch(time.Now())
	return r.save(ctx, p, false)
}

func (r *sqlParameters) save(ctx context.Context, p *types.LLMParameters, insert bool) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	check := r.s.bind(`SELECT COUNT(*) FROM parameters WHERE user_id = ? AND name = ? AND id <> ?`)
	if err := tx.QueryRowContext(ctx, check, p.UserID.String(), p.Name, p.ID.String()).Scan(&count); err != nil {
		return errdefs.NewInternal("storage", "failed to check parameter name", err)
	}
	if count > 0 {
		return errdefs.NewAlreadyExists("storage", "parameters", p.Name)
	}

	if p.IsDefault {
		demote := r.s.bind(`UPDATE parameters SET is_default = ? WHERE user_id = ? AND id <> ?`)
		if _, err := tx.ExecContext(ctx, demote, false, p.UserID.String(), p.ID.String()); err != nil {
			return errdefs.NewInternal("storage", "failed to demote default parameters", err)
		}
	}

	var repPenalty any
	if p.RepetitionPenalty != nil {
		repPenalty = *p.RepetitionPenalty
	}

	if insert {
		query := r.s.bind(`INSERT INTO parameters (` + parameterColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, query,
			p.ID.String(), p.UserID.String(), p.Name, p.MaxNewTokens, p.Temperature,
			p.TopK, p.TopP, repPenalty, p.IsDefault, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to insert parameters", err)
		}
	} else {
		query := r.s.bind(`UPDATE parameters SET name = ?, max_new_tokens = ?, temperature = ?, top_k = ?, top_p = ?, repetition_penalty = ?, is_default = ?, updated_at = ? WHERE id = ?`)
		res, err := tx.ExecContext(ctx, query,
			p.Name, p.MaxNewTokens, p.Temperature, p.TopK, p.TopP, repPenalty,
			p.IsDefault, p.UpdatedAt, p.ID.String(),
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to update parameters", err)
		}
		if err := requireAffected(res, errdefs.NewNotFound("storage", "parameters", p.ID.String())); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("storage", "failed to commit", err)
	}
	return nil
}

func (r *sqlParameters) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.s.db.ExecContext(ctx, r.s.bind(`DELETE FROM parameters WHERE id = ?`), id.String())
	if err != nil {
		return errdefs.NewInternal("storage", "failed to delete parameters", err)
	}
	return requireAffected(res, errdefs.NewNotFound("storage", "parameters", id.String()))
}

func (r *sqlParameters) ListByUser(ctx context.Context, userID uuid.UUID) ([]*types.LLMParameters, error) {
	query := r.s.bind(`SELECT ` + parameterColumns + ` FROM parameters WHERE user_id = ? ORDER BY created_at ASC`)
	rows, err := r.s.db.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to list parameters", err)
	}
	defer rows.Close()

	var out []*types.LLMParameters
	for rows.Next() {
		p, err := scanParameters(rows)
		if err != nil {
			return nil, errdefs.NewInternal("storage", "failed to scan parameters", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("storage", "error iterating parameters", err)
	}
	return out, nil
}

func (r *sqlParameters) DefaultFor(ctx context.Context, userID uuid.UUID) (*types.LLMParameters, error) {
	query := r.s.bind(`SELECT ` + parameterColumns + ` FROM parameters WHERE user_id = ? AND is_default = ?`)
	p, err := scanParameters(r.s.db.QueryRowContext(ctx, query, userID.String(), true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "default parameters", userID.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query default parameters", err)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

type sqlProviders struct{ s *SQLStore }

const providerColumns = `id, name, type, base_url, api_key, org_id, project_id, is_active, is_default, created_at, updated_at`

func scanProvider(row rowScanner) (*types.Provider, error) {
	var (
		p         types.Provider
		id        string
		apiKey    sql.NullString
		orgID     sql.NullString
		projectID sql.NullString
	)
	if err := row.Scan(&id, &p.Name, &p.Type, &p.BaseURL, &apiKey, &orgID, &projectID,
		&p.IsActive, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid provider id %q: %w", id, err)
	}
	p.APIKey = apiKey.String
	p.OrgID = orgID.String
	p.ProjectID = projectID.String
	return &p, nil
}

func (r *sqlProviders) Get(ctx context.Context, id uuid.UUID) (*types.Provider, error) {
	query := r.s.bind(`SELECT ` + providerColumns + ` FROM providers WHERE id = ?`)
	p, err := scanProvider(r.s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "provider", id.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query provider", err)
	}
	return p, nil
}

func (r *sqlProviders) GetByName(ctx context.Context, name string) (*types.Provider, error) {
	query := r.s.bind(`SELECT ` + providerColumns + ` FROM providers WHERE name = ?`)
	p, err := scanProvider(r.s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "provider", name)
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query provider", err)
	}
	return p, nil
}

func (r *sqlProviders) Create(ctx context.Context, p *types.Provider) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	if p.ID == uuid.Nil {
		p.ID = types.NewID()
	}
	p.Touch(time.Now())
	return r.save(ctx, p, true)
}

func (r *sqlProviders) Update(ctx context.Context, p *types.Provider) error {
	if err := p.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	p.Touch(time.Now())
	return r.save(ctx, p, false)
}

func (r *sqlProviders) save(ctx context.Context, p *types.Provider, insert bool) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	check := r.s.bind(`SELECT COUNT(*) FROM providers WHERE name = ? AND id <> ?`)
	if err := tx.QueryRowContext(ctx, check, p.Name, p.ID.String()).Scan(&count); err != nil {
		return errdefs.NewInternal("storage", "failed to check provider name", err)
	}
	if count > 0 {
		return errdefs.NewAlreadyExists("storage", "provider", p.Name)
	}

	if p.IsDefault {
		demote := r.s.bind(`UPDATE providers SET is_default = ? WHERE id <> ?`)
		if _, err := tx.ExecContext(ctx, demote, false, p.ID.String()); err != nil {
			return errdefs.NewInternal("storage", "failed to demote default provider", err)
		}
	}

	if insert {
		query := r.s.bind(`INSERT INTO providers (` + providerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, query,
			p.ID.String(), p.Name, p.Type, p.BaseURL, p.APIKey, p.OrgID, p.ProjectID,
			p.IsActive, p.IsDefault, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to insert provider", err)
		}
	} else {
		query := r.s.bind(`UPDATE providers SET name = ?, type = ?, base_url = ?, api_key = ?, org_id = ?, project_id = ?, is_active = ?, is_default = ?, updated_at = ? WHERE id = ?`)
		res, err := tx.ExecContext(ctx, query,
			p.Name, p.Type, p.BaseURL, p.APIKey, p.OrgID, p.ProjectID,
			p.IsActive, p.IsDefault, p.UpdatedAt, p.ID.String(),
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to update provider", err)
		}
		if err := requireAffected(res, errdefs.NewNotFound("storage", "provider", p.ID.String())); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("storage", "failed to commit", err)
	}
	return nil
}

func (r *sqlProviders) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, r.s.bind(`DELETE FROM providers WHERE id = ?`), id.String())
	if err != nil {
		return errdefs.NewInternal("storage", "failed to delete provider", err)
	}
	if err := requireAffected(res, errdefs.NewNotFound("storage", "provider", id.String())); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.s.bind(`DELETE FROM models WHERE provider_id = ?`), id.String()); err != nil {
		return errdefs.NewInternal("storage", "failed to cascade provider delete", err)
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("storage", "failed to commit", err)
	}
	return nil
}

func (r *sqlProviders) List(ctx context.Context) ([]*types.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers ORDER BY created_at ASC`
	rows, err := r.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to list providers", err)
	}
	defer rows.Close()

	var out []*types.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, errdefs.NewInternal("storage", "failed to scan provider", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("storage", "error iterating providers", err)
	}
	return out, nil
}

func (r *sqlProviders) Default(ctx context.Context) (*types.Provider, error) {
	query := r.s.bind(`SELECT ` + providerColumns + ` FROM providers WHERE is_default = ?`)
	p, err := scanProvider(r.s.db.QueryRowContext(ctx, query, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "default provider", "system")
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query default provider", err)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Models
// ---------------------------------------------------------------------------

type sqlModels struct{ s *SQLStore }

const modelColumns = `id, provider_id, model_id, kind, timeout_ms, max_retries, batch_size, retry_delay_ms, concurrency_limit, stream, rate_limit, is_default, is_active, created_at, updated_at`

func scanModel(row rowScanner) (*types.Model, error) {
	var (
		m              types.Model
		id, providerID string
		timeoutMS      int64
		retryDelayMS   int64
	)
	if err := row.Scan(&id, &providerID, &m.ModelID, &m.Kind, &timeoutMS, &m.MaxRetries,
		&m.BatchSize, &retryDelayMS, &m.ConcurrencyLimit, &m.Stream, &m.RateLimit,
		&m.IsDefault, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid model id %q: %w", id, err)
	}
	if m.ProviderID, err = uuid.Parse(providerID); err != nil {
		return nil, fmt.Errorf("invalid model provider_id %q: %w", providerID, err)
	}
	m.Timeout = time.Duration(timeoutMS) * time.Millisecond
	m.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	return &m, nil
}

func (r *sqlModels) Get(ctx context.Context, id uuid.UUID) (*types.Model, error) {
	query := r.s.bind(`SELECT ` + modelColumns + ` FROM models WHERE id = ?`)
	m, err := scanModel(r.s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "model", id.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query model", err)
	}
	return m, nil
}

func (r *sqlModels) Create(ctx context.Context, m *types.Model) error {
	if err := m.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	if m.ID == uuid.Nil {
		m.ID = types.NewID()
	}
	m.Touch(time.Now())
	return r.save(ctx, m, true)
}

func (r *sqlModels) Update(ctx context.Context, m *types.Model) error {
	if err := m.Validate(); err != nil {
		return errdefs.NewValidation("storage", err.Error())
	}
	m.Touch(time.Now())
	return r.save(ctx, m, false)
}

func (r *sqlModels) save(ctx context.Context, m *types.Model, insert bool) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("storage", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.IsDefault {
		demote := r.s.bind(`UPDATE models SET is_default = ? WHERE provider_id = ? AND kind = ? AND id <> ?`)
		if _, err := tx.ExecContext(ctx, demote, false, m.ProviderID.String(), string(m.Kind), m.ID.String()); err != nil {
			return errdefs.NewInternal("storage", "failed to demote default model", err)
		}
	}

	if insert {
		query := r.s.bind(`INSERT INTO models (` + modelColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, query,
			m.ID.String(), m.ProviderID.String(), m.ModelID, string(m.Kind),
			m.Timeout.Milliseconds(), m.MaxRetries, m.BatchSize, m.RetryDelay.Milliseconds(),
			m.ConcurrencyLimit, m.Stream, m.RateLimit, m.IsDefault, m.IsActive,
			m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to insert model", err)
		}
	} else {
		query := r.s.bind(`UPDATE models SET provider_id = ?, model_id = ?, kind = ?, timeout_ms = ?, max_retries = ?, batch_size = ?, retry_delay_ms = ?, concurrency_limit = ?, stream = ?, rate_limit = ?, is_default = ?, is_active = ?, updated_at = ? WHERE id = ?`)
		res, err := tx.ExecContext(ctx, query,
			m.ProviderID.String(), m.ModelID, string(m.Kind), m.Timeout.Milliseconds(),
			m.MaxRetries, m.BatchSize, m.RetryDelay.Milliseconds(), m.ConcurrencyLimit,
			m.Stream, m.RateLimit, m.IsDefault, m.IsActive, m.UpdatedAt, m.ID.String(),
		)
		if err != nil {
			return errdefs.NewInternal("storage", "failed to update model", err)
		}
		if err := requireAffected(res, errdefs.NewNotFound("storage", "model", m.ID.String())); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("storage", "failed to commit", err)
	}
	return nil
}

func (r *sqlModels) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.s.db.ExecContext(ctx, r.s.bind(`DELETE FROM models WHERE id = ?`), id.String())
	if err != nil {
		return errdefs.NewInternal("storage", "failed to delete model", err)
	}
	return requireAffected(res, errdefs.NewNotFound("storage", "model", id.String()))
}

func (r *sqlModels) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]*types.Model, error) {
	query := r.s.bind(`SELECT ` + modelColumns + ` FROM models WHERE provider_id = ? ORDER BY created_at ASC`)
	rows, err := r.s.db.QueryContext(ctx, query, providerID.String())
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to list models", err)
	}
	defer rows.Close()

	var out []*types.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, errdefs.NewInternal("storage", "failed to scan model", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("storage", "error iterating models", err)
	}
	return out, nil
}

func (r *sqlModels) DefaultFor(ctx context.Context, providerID uuid.UUID, kind types.ModelKind) (*types.Model, error) {
	query := r.s.bind(`SELECT ` + modelColumns + ` FROM models WHERE provider_id = ? AND kind = ? AND is_default = ? AND is_active = ?`)
	m, err := scanModel(r.s.db.QueryRowContext(ctx, query, providerID.String(), string(kind), true, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("storage", "default model", string(kind))
	}
	if err != nil {
		return nil, errdefs.NewInternal("storage", "failed to query default model", err)
	}
	return m, nil
}

// requireAffected converts a zero-row update or delete into notFound.
func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errdefs.NewInternal("storage", "failed to read rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
