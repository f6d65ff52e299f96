package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/auth"
	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/config/provider"
	"github.com/nestor-ai/nestor/pkg/conversation"
	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/embedders"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/search"
	"github.com/nestor-ai/nestor/pkg/server"
	"github.com/nestor-ai/nestor/pkg/storage"
	"github.com/nestor-ai/nestor/pkg/templates"
	"github.com/nestor-ai/nestor/pkg/types"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port  int  `help:"Override the configured port."`
	Watch bool `help:"Watch the config file and reload settings on change."`
	Dev   bool `help:"Development mode: in-memory stores and auth bypass."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	if err := config.LoadEnvFiles(); err != nil {
		slog.Warn("Failed to load env files", "error", err)
	}

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Dev {
		cfg.Server.Auth.DevBypass = true
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	// Observability first so everything below records into it.
	var obs *observability.Manager
	if cfg.Server.Observability != nil {
		obs = observability.NewManager(*cfg.Server.Observability)
		if err := obs.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize observability: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	// Relational stores. Dev mode keeps everything in memory; otherwise the
	// entity store and the conversation store share one sql.DB pool.
	var (
		store     storage.Store
		convStore conversation.Store
	)
	if c.Dev {
		store = storage.NewMemoryStore()
		convStore = conversation.NewMemoryStore()
	} else {
		sqlStore, err := storage.OpenSQL(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		cs, err := conversation.NewSQLStore(sqlStore.DB(), cfg.Database.DriverName())
		if err != nil {
			_ = sqlStore.Close()
			return fmt.Errorf("failed to open conversation store: %w", err)
		}
		store = sqlStore
		convStore = cs
	}
	defer store.Close()

	tmpl := templates.NewService(store.Templates())
	if err := templates.SeedSystemDefaults(ctx, store.Templates()); err != nil {
		return fmt.Errorf("failed to seed system templates: %w", err)
	}

	// Providers and embedders from config. Anthropic has no embeddings API,
	// so it only registers a generator.
	providers := llms.NewRegistry()
	embeds := embedders.NewRegistry()
	for name, pc := range cfg.Providers {
		if !config.BoolValue(pc.Active, true) {
			continue
		}
		if _, err := providers.CreateFromConfig(name, pc); err != nil {
			return fmt.Errorf("failed to create provider %q: %w", name, err)
		}
		if pc.Type == config.ProviderAnthropic {
			continue
		}
		if model := embeddingModel(pc); model != nil {
			if _, err := embeds.CreateFromConfig(name, pc, model); err != nil {
				return fmt.Errorf("failed to create embedder %q: %w", name, err)
			}
		}
	}
	defer func() {
		for _, p := range providers.List() {
			_ = p.Close()
		}
	}()

	vectors := databases.NewRegistry()
	vectorName, vectorCfg, err := servingVectorStore(cfg)
	if err != nil {
		return err
	}
	vector, err := vectors.CreateFromConfig(vectorName, vectorCfg)
	if err != nil {
		return fmt.Errorf("failed to create vector store %q: %w", vectorName, err)
	}
	defer vector.Close()

	resolver := config.NewResolver(&cfg.Settings)

	searchSvc, err := search.NewService(search.Deps{
		Store:      store,
		Providers:  providers,
		Embedders:  embeds,
		Templates:  tmpl,
		Resolver:   resolver,
		Vector:     vector,
		VectorName: vectorName,
	})
	if err != nil {
		return fmt.Errorf("failed to create search service: %w", err)
	}

	llmSvc := llms.NewService(providers, store, tmpl)
	defer llmSvc.Close()

	conversations, err := conversation.NewManager(&conversation.Deps{
		Store:    convStore,
		Searcher: searchSvc,
		LLM:      llmSvc,
		Resolver: resolver,
		Model:    generationModel(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation manager: %w", err)
	}
	go conversations.RunSweeper(ctx)

	if c.Dev {
		if err := seedDevUser(ctx, store); err != nil {
			return fmt.Errorf("failed to seed dev user: %w", err)
		}
	}

	validator, err := auth.NewValidator(cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	srv, err := server.New(&cfg.Server, server.Deps{
		Search:        searchSvc,
		Conversations: conversations,
		Observability: obs,
		Validator:     validator,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	fmt.Printf("nestor ready on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Search:   POST /api/search\n")
	fmt.Printf("   Chat:     POST /api/chat/sessions\n")
	fmt.Printf("   Health:   GET  /health\n")
	if obs != nil && obs.MetricsEnabled() {
		fmt.Printf("   Metrics:  GET  /metrics\n")
	}
	if cfg.Server.Auth.DevBypass {
		fmt.Printf("   Auth:     dev bypass (user %s)\n", auth.DevUserID)
	}

	return srv.Start(ctx)
}

// loadConfig loads from the --config path when given, otherwise starts with
// the zero config and lets SetDefaults synthesize a provider and vector
// store from the environment.
func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("config validation failed: %w", err)
		}
		return cfg, nil, nil
	}

	p, err := provider.NewFileProvider(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open config file: %w", err)
	}
	loader := config.NewLoader(p, config.WithOnChange(func(_ *config.Config) {
		slog.Info("Settings reloaded; structural changes apply on restart")
	}))
	cfg, err := loader.Load(ctx)
	if err != nil {
		_ = loader.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// embeddingModel picks the provider's default embedding model, falling back
// to the only one declared.
func embeddingModel(pc *config.ProviderConfig) *config.ModelConfig {
	var only *config.ModelConfig
	count := 0
	for _, m := range pc.Models {
		if m.Type != config.ModelEmbedding || !config.BoolValue(m.Active, true) {
			continue
		}
		if m.Default {
			return m
		}
		only = m
		count++
	}
	if count == 1 {
		return only
	}
	return nil
}

// generationModel returns the default provider's default generation model
// id, used for token counting. Empty is fine; counting falls back to a
// character-ratio estimate.
func generationModel(cfg *config.Config) string {
	name, ok := cfg.DefaultProvider()
	if !ok {
		return ""
	}
	pc := cfg.Providers[name]
	var only string
	count := 0
	for _, m := range pc.Models {
		if m.Type != config.ModelGeneration || !config.BoolValue(m.Active, true) {
			continue
		}
		if m.Default {
			return m.Model
		}
		only = m.Model
		count++
	}
	if count == 1 {
		return only
	}
	return ""
}

// servingVectorStore picks the backend collections live in: "main" when
// declared, otherwise the first name in sorted order.
func servingVectorStore(cfg *config.Config) (string, *config.VectorStoreConfig, error) {
	if len(cfg.VectorStores) == 0 {
		return "", nil, fmt.Errorf("no vector stores configured")
	}
	if vc, ok := cfg.VectorStores["main"]; ok {
		return "main", vc, nil
	}
	names := make([]string, 0, len(cfg.VectorStores))
	for name := range cfg.VectorStores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0], cfg.VectorStores[names[0]], nil
}

// seedDevUser creates the fixed identity the auth bypass injects so dev
// sessions have an owner on first boot.
func seedDevUser(ctx context.Context, store storage.Store) error {
	id, err := uuid.Parse(auth.DevUserID)
	if err != nil {
		return err
	}
	user := &types.User{
		ID:    id,
		Email: "dev@localhost",
		Name:  "Developer",
		Role:  types.RoleAdmin,
	}
	if err := store.Users().Create(ctx, user); err != nil {
		if errdefs.KindOf(err) == errdefs.KindAlreadyExists {
			return nil
		}
		return err
	}
	return nil
}
