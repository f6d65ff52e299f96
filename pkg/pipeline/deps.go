package pipeline

import (
	"context"
	"fmt"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/embedders"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/templates"
	"github.com/nestor-ai/nestor/pkg/types"
)

// Output caps for the auxiliary model calls stages make. The main
// generation call keeps the caller-supplied limit.
const (
	expansionMaxTokens = 256
	rerankMaxTokens    = 256
	judgeMaxTokens     = 64
)

// Deps are the services the stages draw on. The caller resolves the
// pipeline configuration and builds provider, embedder and store instances
// before constructing the executor.
type Deps struct {
	Resolver  *config.Resolver
	Templates *templates.Service
	Provider  llms.Provider
	Embedder  embedders.Embedder
	Store     databases.VectorStore

	// StoreName labels vector search metrics, e.g. "qdrant".
	StoreName string

	// Params are the base generation parameters for this request. Stages
	// copy them and adjust MaxTokens for their own calls.
	Params llms.GenerationParams
}

func (d *Deps) validate() error {
	if d == nil {
		return fmt.Errorf("pipeline: deps are required")
	}
	if d.Resolver == nil {
		return fmt.Errorf("pipeline: config resolver is required")
	}
	if d.Templates == nil {
		return fmt.Errorf("pipeline: template service is required")
	}
	if d.Provider == nil {
		return fmt.Errorf("pipeline: llm provider is required")
	}
	if d.Embedder == nil {
		return fmt.Errorf("pipeline: embedder is required")
	}
	if d.Store == nil {
		return fmt.Errorf("pipeline: vector store is required")
	}
	return nil
}

func (d *Deps) storeName() string {
	if d.StoreName != "" {
		return d.StoreName
	}
	return "vector"
}

// retrieverKind resolves the retrieval path. Request metadata wins, then
// the pipeline column, then the configured default.
func (d *Deps) retrieverKind(pc *Context) types.RetrieverKind {
	if v, found := pc.Meta["retrieval_type"]; found {
		if s, isString := v.(string); isString && s != "" {
			return types.RetrieverKind(s)
		}
	}
	if pc.Pipeline != nil && pc.Pipeline.Retriever != "" {
		return pc.Pipeline.Retriever
	}
	return types.RetrieverKind(d.Resolver.String("retrieval_type", nil, string(types.RetrieverVector)))
}

// textGenerator adapts the provider to the prompt-in text-out calls the
// expansion, reranking and judging helpers make. Token counts spill into
// the request's usage tally.
type textGenerator struct {
	provider  llms.Provider
	params    llms.GenerationParams
	maxTokens int
	usage     *TokenUsage
}

func (d *Deps) textGenerator(pc *Context, maxTokens int) *textGenerator {
	return &textGenerator{provider: d.Provider, params: d.Params, maxTokens: maxTokens, usage: &pc.Usage}
}

func (g *textGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	params := g.params
	if g.maxTokens > 0 {
		params.MaxTokens = g.maxTokens
	}
	res, err := g.provider.Generate(ctx, prompt, params)
	if err != nil {
		return "", err
	}
	g.usage.add(res)
	return res.Text, nil
}

// budgetGenerator is the reasoning-engine flavor: the engine sets the
// output budget per call.
type budgetGenerator struct {
	provider llms.Provider
	params   llms.GenerationParams
	usage    *TokenUsage
}

func (d *Deps) budgetGenerator(pc *Context) *budgetGenerator {
	return &budgetGenerator{provider: d.Provider, params: d.Params, usage: &pc.Usage}
}

func (g *budgetGenerator) Generate(ctx context.Context, prompt string, maxNewTokens int) (string, error) {
	params := g.params
	params.MaxTokens = maxNewTokens
	res, err := g.provider.Generate(ctx, prompt, params)
	if err != nil {
		return "", err
	}
	g.usage.add(res)
	return res.Text, nil
}
