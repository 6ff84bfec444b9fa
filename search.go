package arbor

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// SearchMode selects a retrieval strategy.
type SearchMode string

const (
	// SearchHybrid fuses the FTS, vector, and graph arms with RRF.
	SearchHybrid SearchMode = "hybrid"
	// SearchRecent lists newest memories, no query needed.
	SearchRecent SearchMode = "recent"
	// SearchImportant lists highest-importance memories.
	SearchImportant SearchMode = "important"
	// SearchTyped lists memories of one type.
	SearchTyped SearchMode = "typed"
	// SearchSemantic is the vector arm alone.
	SearchSemantic SearchMode = "semantic"
)

// SearchConfig parameterizes one memory search.
type SearchConfig struct {
	Mode          SearchMode
	MemoryType    *MemoryType
	SortBy        MemorySort
	MaxResults    int
	MinScore      float64
	MaxGraphDepth int
	RRFK          float64
}

// DefaultSearchConfig returns the standard hybrid search configuration.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		Mode:          SearchHybrid,
		SortBy:        SortByImportance,
		MaxResults:    20,
		MinScore:      0,
		MaxGraphDepth: 2,
		RRFK:          60,
	}
}

// SearchResult is a memory with its fused relevance score and final rank.
type SearchResult struct {
	Memory Memory
	Score  float64
	Rank   int
}

// graphSeedThreshold is the minimum importance for graph-arm seeds.
const graphSeedThreshold = 0.8

// graphSeedLimit caps how many high-importance seeds are considered.
const graphSeedLimit = 20

// armFetchLimit is how many candidates each retrieval arm contributes
// before fusion.
const armFetchLimit = 50

// MemorySearchOption configures a MemorySearch.
type MemorySearchOption func(*MemorySearch)

// WithSearchLogger sets the structured logger for a MemorySearch.
func WithSearchLogger(l *slog.Logger) MemorySearchOption {
	return func(s *MemorySearch) { s.logger = l }
}

// MemorySearch runs hybrid lexical+vector+graph retrieval over a
// MemoryStore and its embedding index.
type MemorySearch struct {
	store    MemoryStore
	index    EmbeddingIndex
	embedder EmbeddingProvider
	logger   *slog.Logger
}

// NewMemorySearch composes the three retrieval arms. embedder and index
// may be nil, in which case the vector arm is skipped.
func NewMemorySearch(store MemoryStore, index EmbeddingIndex, embedder EmbeddingProvider, opts ...MemorySearchOption) *MemorySearch {
	s := &MemorySearch{store: store, index: index, embedder: embedder, logger: NopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store exposes the underlying memory store.
func (s *MemorySearch) Store() MemoryStore { return s.store }

// Index exposes the embedding index.
func (s *MemorySearch) Index() EmbeddingIndex { return s.index }

// WarmEmbedder pages in the embedding model by embedding the literal
// token "warmup".
func (s *MemorySearch) WarmEmbedder(ctx context.Context) error {
	if s.embedder == nil {
		return nil
	}
	_, err := s.embedder.Embed(ctx, []string{"warmup"})
	return err
}

// Search runs one retrieval pass. Surfaced memories get their access
// recorded. Non-hybrid modes are direct store listings.
func (s *MemorySearch) Search(ctx context.Context, query string, cfg SearchConfig) ([]SearchResult, error) {
	switch cfg.Mode {
	case SearchRecent:
		return s.listResults(ctx, SortByRecent, cfg)
	case SearchImportant:
		memories, err := s.store.GetHighImportance(ctx, 0, cfg.MaxResults)
		if err != nil {
			return nil, err
		}
		return plainResults(memories), nil
	case SearchTyped:
		if cfg.MemoryType == nil {
			return nil, &ErrMemory{Op: "search", Message: "typed mode requires a memory type"}
		}
		return s.listResults(ctx, cfg.SortBy, cfg)
	case SearchSemantic:
		arm, err := s.vectorArm(ctx, query)
		if err != nil {
			return nil, err
		}
		return s.finish(ctx, fuse([][]scoredMemory{arm}, cfg.RRFK), cfg), nil
	}
	return s.hybrid(ctx, query, cfg)
}

// listResults serves Recent and Typed modes from GetSorted.
func (s *MemorySearch) listResults(ctx context.Context, sortBy MemorySort, cfg SearchConfig) ([]SearchResult, error) {
	memories, err := s.store.GetSorted(ctx, sortBy, cfg.MaxResults, cfg.MemoryType)
	if err != nil {
		return nil, err
	}
	return plainResults(memories), nil
}

func plainResults(memories []Memory) []SearchResult {
	results := make([]SearchResult, len(memories))
	for i, m := range memories {
		results[i] = SearchResult{Memory: m, Score: float64(m.Importance), Rank: i + 1}
	}
	return results
}

// scoredMemory is an arm-internal candidate.
type scoredMemory struct {
	memory Memory
	score  float64
}

// hybrid runs the three arms and fuses with Reciprocal Rank Fusion.
func (s *MemorySearch) hybrid(ctx context.Context, query string, cfg SearchConfig) ([]SearchResult, error) {
	ftsArm, err := s.ftsArm(ctx, query)
	if err != nil {
		return nil, err
	}

	vectorArm, err := s.vectorArm(ctx, query)
	if err != nil {
		// The vector arm degrades gracefully — lexical and graph arms
		// still answer when the embedder is unavailable.
		s.logger.Warn("vector arm failed, continuing without it", "error", err)
		vectorArm = nil
	}

	graphArm, err := s.graphArm(ctx, query, cfg.MaxGraphDepth)
	if err != nil {
		s.logger.Warn("graph arm failed, continuing without it", "error", err)
		graphArm = nil
	}

	fused := fuse([][]scoredMemory{ftsArm, vectorArm, graphArm}, cfg.RRFK)
	return s.finish(ctx, fused, cfg), nil
}

// ftsArm: lexical match over content ranked by importance. Uses the
// store's FTS index when it has one, plain substring match otherwise.
func (s *MemorySearch) ftsArm(ctx context.Context, query string) ([]scoredMemory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	var memories []Memory
	var err error
	if fts, ok := s.store.(FTSSearcher); ok {
		memories, err = fts.SearchFTS(ctx, query, armFetchLimit)
	} else {
		memories, err = s.store.SearchContent(ctx, query, armFetchLimit)
	}
	if err != nil {
		return nil, err
	}
	arm := make([]scoredMemory, len(memories))
	for i, m := range memories {
		arm[i] = scoredMemory{memory: m, score: float64(m.Importance)}
	}
	return arm, nil
}

// vectorArm: cosine nearest neighbors on the embedding index.
func (s *MemorySearch) vectorArm(ctx context.Context, query string) ([]scoredMemory, error) {
	if s.embedder == nil || s.index == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, &ErrMemory{Op: "search", Message: "no embedding returned for query"}
	}
	neighbors, err := s.index.Search(ctx, vectors[0], armFetchLimit)
	if err != nil {
		return nil, err
	}
	var arm []scoredMemory
	for _, n := range neighbors {
		memory, ok, err := s.store.Load(ctx, n.ID)
		if err != nil || !ok || memory.Forgotten {
			continue
		}
		arm = append(arm, scoredMemory{memory: memory, score: float64(n.Similarity)})
	}
	return arm, nil
}

// graphArm seeds from high-importance memories whose content shares a
// case-folded whitespace token with the query, then walks associations
// outward. Each hop is scored importance × edge weight × relation
// multiplier; only RelatedTo and PartOf recurse.
func (s *MemorySearch) graphArm(ctx context.Context, query string, maxDepth int) ([]scoredMemory, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	seeds, err := s.store.GetHighImportance(ctx, graphSeedThreshold, graphSeedLimit)
	if err != nil {
		return nil, err
	}

	var arm []scoredMemory
	visited := make(map[string]bool)

	for _, seed := range seeds {
		content := strings.ToLower(seed.Content)
		matched := false
		for _, term := range terms {
			if strings.Contains(content, term) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if !visited[seed.ID] {
			visited[seed.ID] = true
			arm = append(arm, scoredMemory{memory: seed, score: float64(seed.Importance)})
		}
		if err := s.traverse(ctx, seed.ID, maxDepth, visited, &arm); err != nil {
			return nil, err
		}
	}
	return arm, nil
}

// traverse is an iterative BFS over the association graph.
func (s *MemorySearch) traverse(ctx context.Context, startID string, maxDepth int, visited map[string]bool, out *[]scoredMemory) error {
	type queued struct {
		id    string
		depth int
	}
	queue := []queued{{id: startID, depth: 0}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}

		associations, err := s.store.GetAssociations(ctx, current.id)
		if err != nil {
			return err
		}
		for _, assoc := range associations {
			relatedID := assoc.TargetID
			if relatedID == current.id {
				relatedID = assoc.SourceID
			}
			if visited[relatedID] {
				continue
			}
			visited[relatedID] = true

			memory, ok, err := s.store.Load(ctx, relatedID)
			if err != nil {
				return err
			}
			if !ok || memory.Forgotten {
				continue
			}

			score := float64(memory.Importance) * float64(assoc.Weight) * assoc.RelationType.TraversalMultiplier()
			*out = append(*out, scoredMemory{memory: memory, score: score})

			if assoc.RelationType.Recurses() {
				queue = append(queue, queued{id: relatedID, depth: current.depth + 1})
			}
		}
	}
	return nil
}

// fuse combines arm rankings with Reciprocal Rank Fusion: each appearance
// at rank r contributes 1/(k+r). Ties break by importance, then by newer
// updated_at.
func fuse(arms [][]scoredMemory, k float64) []scoredMemory {
	type entry struct {
		memory Memory
		score  float64
	}
	combined := make(map[string]*entry)

	for _, arm := range arms {
		for rank, candidate := range arm {
			e, ok := combined[candidate.memory.ID]
			if !ok {
				e = &entry{memory: candidate.memory}
				combined[candidate.memory.ID] = e
			}
			e.score += 1.0 / (k + float64(rank+1))
		}
	}

	fused := make([]scoredMemory, 0, len(combined))
	for _, e := range combined {
		fused = append(fused, scoredMemory{memory: e.memory, score: e.score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		if fused[i].memory.Importance != fused[j].memory.Importance {
			return fused[i].memory.Importance > fused[j].memory.Importance
		}
		return fused[i].memory.UpdatedAt.After(fused[j].memory.UpdatedAt)
	})
	return fused
}

// finish applies min-score filtering and truncation, assigns ranks, and
// records access for every surfaced memory.
func (s *MemorySearch) finish(ctx context.Context, fused []scoredMemory, cfg SearchConfig) []SearchResult {
	var results []SearchResult
	for _, candidate := range fused {
		if candidate.score < cfg.MinScore {
			continue
		}
		results = append(results, SearchResult{
			Memory: candidate.memory,
			Score:  candidate.score,
			Rank:   len(results) + 1,
		})
		if cfg.MaxResults > 0 && len(results) >= cfg.MaxResults {
			break
		}
	}
	for _, r := range results {
		if err := s.store.RecordAccess(ctx, r.Memory.ID); err != nil {
			s.logger.Warn("failed to record memory access", "memory_id", r.Memory.ID, "error", err)
		}
	}
	return results
}
