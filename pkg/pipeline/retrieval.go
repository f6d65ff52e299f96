package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nestor-ai/nestor/pkg/databases"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/observability"
)

const defaultTopK = 10

// retrievalStage embeds the query variants and searches the vector store.
// A single variant is one search; multiple variants fan out concurrently
// and merge by score.
type retrievalStage struct {
	deps *Deps
}

func (s *retrievalStage) Name() string { return StageRetrieval }

func (s *retrievalStage) Execute(ctx context.Context, pc *Context) StageResult {
	topK := s.deps.Resolver.Int("number_of_results", pc.Meta, defaultTopK)
	if topK <= 0 {
		pc.QueryResults = []databases.Hit{}
		pc.RetrievalDisabled = true
		return ok()
	}

	queries := pc.QueryVariants
	if len(queries) == 0 {
		query := pc.RewrittenQuery
		if query == "" {
			query = pc.Question
		}
		queries = []string{query}
	}

	if len(queries) == 1 {
		hits, err := s.searchOne(ctx, pc, queries[0], topK)
		if err != nil {
			return fail(err)
		}
		pc.QueryResults = hits
		return ok()
	}

	results := make([][]databases.Hit, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, query := range queries {
		g.Go(func() error {
			hits, err := s.searchOne(gctx, pc, query, topK)
			if err != nil {
				return err
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	pc.QueryResults = mergeByScore(results, topK)
	return ok()
}

func (s *retrievalStage) searchOne(ctx context.Context, pc *Context, query string, k int) ([]databases.Hit, error) {
	vector, err := s.deps.Embedder.Embed(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llms.ClassifyError(err)
	}

	start := time.Now()
	hits, err := s.deps.Store.Search(ctx, pc.Collection, vector, k, nil)
	observability.GetGlobalMetrics().RecordVectorSearch(ctx, s.deps.storeName(), time.Since(start), len(hits), err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, searchFailure(pc.Collection, err)
	}
	return hits, nil
}

// searchFailure classifies raw store errors; chains that already carry a
// kind pass through.
func searchFailure(collection string, err error) error {
	var classified *errdefs.Error
	if errors.As(err, &classified) {
		return err
	}
	return errdefs.NewVectorStore("pipeline", fmt.Sprintf("search in collection %q failed", collection), err)
}

// mergeByScore folds fan-out results into one ranking. Duplicate ids keep
// their best score; ties keep first-seen order.
func mergeByScore(results [][]databases.Hit, topK int) []databases.Hit {
	best := make(map[string]databases.Hit)
	var order []string
	for _, hits := range results {
		for _, hit := range hits {
			current, seen := best[hit.ID]
			if !seen {
				best[hit.ID] = hit
				order = append(order, hit.ID)
				continue
			}
			if hit.Score > current.Score {
				best[hit.ID] = hit
			}
		}
	}

	merged := make([]databases.Hit, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}
