package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/rewrite"
	"github.com/nestor-ai/nestor/pkg/templates"
	"github.com/nestor-ai/nestor/pkg/types"
)

// generationStage renders the RAG query template over the retrieved
// passages and asks the model for the answer. When reasoning already
// produced a final answer it is taken as-is; its steps carry the context.
type generationStage struct {
	deps *Deps
}

func (s *generationStage) Name() string { return StageGeneration }

func (s *generationStage) Execute(ctx context.Context, pc *Context) StageResult {
	if pc.RetrievalDisabled {
		pc.Answer = ""
		return ok()
	}
	if pc.CoTUsed && pc.CoTOutput != nil && strings.TrimSpace(pc.CoTOutput.FinalAnswer) != "" {
		pc.Answer = strings.TrimSpace(pc.CoTOutput.FinalAnswer)
		if pc.OnDelta != nil {
			pc.OnDelta(pc.Answer)
		}
		return ok()
	}

	tmpl, err := s.deps.Templates.Resolve(ctx, pc.UserID, nil, types.TemplateRAGQuery)
	if err != nil {
		return fail(err)
	}

	contextBlock := assembleContext(pc.QueryResults, contextStrategy(tmpl, pc))
	vars := map[string]string{
		"context":  contextBlock,
		"question": pc.Question,
		"query":    pc.Question,
	}
	rendered, err := templates.Render(tmpl, vars, s.deps.Params.Model)
	if err != nil {
		return fail(err)
	}

	params := s.deps.Params
	if len(tmpl.StopSequences) > 0 {
		params.StopSequences = tmpl.StopSequences
	}

	var res *llms.Result
	if pc.OnDelta != nil {
		res, err = s.stream(ctx, rendered.Prompt, params, pc.OnDelta)
	} else {
		res, err = s.deps.Provider.Generate(ctx, rendered.Prompt, params)
	}
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(llms.ClassifyError(err))
	}

	pc.Answer = strings.TrimSpace(res.Text)
	pc.Usage.add(res)
	return ok()
}

// stream drains the provider's delta channel, forwarding each text chunk
// and folding the pieces back into one Result for the shared accounting
// path. A mid-stream error chunk fails the call with whatever arrived
// before it discarded.
func (s *generationStage) stream(ctx context.Context, prompt string, params llms.GenerationParams, onDelta func(string)) (*llms.Result, error) {
	ch, err := s.deps.Provider.GenerateStream(ctx, prompt, params)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	res := &llms.Result{}
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			b.WriteString(chunk.Text)
			onDelta(chunk.Text)
		case llms.ChunkDone:
			res.TotalTokens = chunk.Tokens
		case llms.ChunkError:
			return nil, chunk.Error
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Text = b.String()
	return res, nil
}

// contextStrategy picks the passage ordering: the template's strategy
// wins, then the pipeline's, then concatenation.
func contextStrategy(tmpl *types.PromptTemplate, pc *Context) types.ContextStrategy {
	if tmpl != nil && tmpl.ContextStrategy != "" {
		return tmpl.ContextStrategy
	}
	if pc.Pipeline != nil && pc.Pipeline.ContextStrategy != "" {
		return pc.Pipeline.ContextStrategy
	}
	return types.ContextConcatenate
}

// assembleContext folds hits into the numbered context block the template
// interpolates. Priority ordering puts the best-scoring passages first;
// concatenation keeps retrieval order.
func assembleContext(hits []databases.Hit, strategy types.ContextStrategy) string {
	ordered := hits
	if strategy == types.ContextPriority {
		ordered = make([]databases.Hit, len(hits))
		copy(ordered, hits)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })
	}

	var b strings.Builder
	for i, hit := range ordered {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, rewrite.Sanitize(hit.Text))
	}
	return b.String()
}
