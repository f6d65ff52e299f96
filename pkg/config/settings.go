package config

import (
	"fmt"
	"time"
)

// RetrievalType identifies how passages are retrieved for a query.
type RetrievalType string

const (
	RetrievalVector  RetrievalType = "vector"
	RetrievalKeyword RetrievalType = "keyword"
	RetrievalHybrid  RetrievalType = "hybrid"
)

// RerankerType identifies the reranker implementation.
type RerankerType string

const (
	RerankerLLM  RerankerType = "llm"
	RerankerNoOp RerankerType = "noop"
)

// Settings holds the process-wide tunable defaults.
//
// Values are resolved in priority order: explicit YAML config, then
// environment variables, then built-in defaults. After start-up the struct
// is treated as immutable; per-request overrides go through the Resolver
// instead.
//
// Example:
//
//	settings:
//	  number_of_results: 5
//	  enable_reranking: true
//	  cot_max_reasoning_depth: 3
type Settings struct {
	// ChunkingStrategy is the default document chunking strategy.
	// Values: "simple", "overlapping", "semantic". Default: simple
	ChunkingStrategy string `yaml:"chunking_strategy,omitempty" json:"chunking_strategy,omitempty" jsonschema:"title=Chunking Strategy,enum=simple,enum=overlapping,enum=semantic,default=simple"`

	// MinChunkSize is the minimum chunk size in characters. Default: 100
	MinChunkSize int `yaml:"min_chunk_size,omitempty" json:"min_chunk_size,omitempty" jsonschema:"title=Min Chunk Size,minimum=1,default=100"`

	// MaxChunkSize is the maximum chunk size in characters. Default: 2000
	MaxChunkSize int `yaml:"max_chunk_size,omitempty" json:"max_chunk_size,omitempty" jsonschema:"title=Max Chunk Size,minimum=1,default=2000"`

	// ChunkOverlap is the overlap between consecutive chunks. Default: 100
	ChunkOverlap *int `yaml:"chunk_overlap,omitempty" json:"chunk_overlap,omitempty" jsonschema:"title=Chunk Overlap,minimum=0,default=100"`

	// RetrievalType selects vector, keyword, or hybrid retrieval.
	// Default: vector
	RetrievalType RetrievalType `yaml:"retrieval_type,omitempty" json:"retrieval_type,omitempty" jsonschema:"title=Retrieval Type,enum=vector,enum=keyword,enum=hybrid,default=vector"`

	// NumberOfResults is the default top-k for retrieval. Default: 10
	NumberOfResults int `yaml:"number_of_results,omitempty" json:"number_of_results,omitempty" jsonschema:"title=Number of Results,minimum=0,default=10"`

	// VectorWeight weighs the dense score in hybrid retrieval. Default: 0.7
	VectorWeight *float64 `yaml:"vector_weight,omitempty" json:"vector_weight,omitempty" jsonschema:"title=Vector Weight,minimum=0,maximum=1,default=0.7"`

	// KeywordWeight weighs the keyword score in hybrid retrieval.
	// Default: 0.3
	KeywordWeight *float64 `yaml:"keyword_weight,omitempty" json:"keyword_weight,omitempty" jsonschema:"title=Keyword Weight,minimum=0,maximum=1,default=0.3"`

	// EnableReranking turns the reranking stage on. Default: false
	EnableReranking *bool `yaml:"enable_reranking,omitempty" json:"enable_reranking,omitempty" jsonschema:"title=Enable Reranking,default=false"`

	// RerankerType selects the reranker implementation. Default: llm
	RerankerType RerankerType `yaml:"reranker_type,omitempty" json:"reranker_type,omitempty" jsonschema:"title=Reranker Type,enum=llm,enum=noop,default=llm"`

	// RerankerTopK limits how many candidates are reranked. Default: 20
	RerankerTopK int `yaml:"reranker_top_k,omitempty" json:"reranker_top_k,omitempty" jsonschema:"title=Reranker Top K,minimum=1,default=20"`

	// EnableQueryEnhancement turns the query rewriting stage on.
	// Default: true
	EnableQueryEnhancement *bool `yaml:"enable_query_enhancement,omitempty" json:"enable_query_enhancement,omitempty" jsonschema:"title=Enable Query Enhancement,default=true"`

	// EnableReasoning allows the chain-of-thought stage to run when the
	// question warrants it. Default: true
	EnableReasoning *bool `yaml:"enable_reasoning,omitempty" json:"enable_reasoning,omitempty" jsonschema:"title=Enable Reasoning,default=true"`

	// EnableEvaluation turns the evaluation stage on. Default: true
	EnableEvaluation *bool `yaml:"enable_evaluation,omitempty" json:"enable_evaluation,omitempty" jsonschema:"title=Enable Evaluation,default=true"`

	// PipelineRolloutPercent is the percentage of users routed to the
	// staged pipeline; the rest take the legacy monolithic path.
	// Default: 100
	PipelineRolloutPercent *int `yaml:"pipeline_rollout_percent,omitempty" json:"pipeline_rollout_percent,omitempty" jsonschema:"title=Pipeline Rollout Percent,minimum=0,maximum=100,default=100"`

	// CoTMaxReasoningDepth bounds decomposition depth. Default: 3
	CoTMaxReasoningDepth int `yaml:"cot_max_reasoning_depth,omitempty" json:"cot_max_reasoning_depth,omitempty" jsonschema:"title=CoT Max Reasoning Depth,minimum=1,default=3"`

	// CoTReasoningStrategy selects the decomposition strategy.
	// Default: decomposition
	CoTReasoningStrategy string `yaml:"cot_reasoning_strategy,omitempty" json:"cot_reasoning_strategy,omitempty" jsonschema:"title=CoT Reasoning Strategy,default=decomposition"`

	// CoTTokenBudgetMultiplier scales max_new_tokens into the per-question
	// reasoning budget. Default: 1.5
	CoTTokenBudgetMultiplier *float64 `yaml:"cot_token_budget_multiplier,omitempty" json:"cot_token_budget_multiplier,omitempty" jsonschema:"title=CoT Token Budget Multiplier,minimum=1,default=1.5"`

	// ContextWindowThreshold is the fraction of a session's context window
	// that triggers summarization. Default: 0.8
	ContextWindowThreshold *float64 `yaml:"context_window_threshold,omitempty" json:"context_window_threshold,omitempty" jsonschema:"title=Context Window Threshold,minimum=0,maximum=1,default=0.8"`

	// SessionTTL is how long an active session may stay idle before the
	// sweeper expires it. Default: 24h
	SessionTTL time.Duration `yaml:"session_ttl,omitempty" json:"session_ttl,omitempty" jsonschema:"title=Session TTL,default=24h"`

	// SessionSweepInterval is how often the expiry sweeper runs.
	// Default: 10m
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval,omitempty" json:"session_sweep_interval,omitempty" jsonschema:"title=Session Sweep Interval,default=10m"`

	// DefaultContextWindow is the token window for new sessions.
	// Default: 4096
	DefaultContextWindow int `yaml:"default_context_window,omitempty" json:"default_context_window,omitempty" jsonschema:"title=Default Context Window,minimum=1,default=4096"`

	// DefaultMaxMessages caps messages per session. Default: 50
	DefaultMaxMessages int `yaml:"default_max_messages,omitempty" json:"default_max_messages,omitempty" jsonschema:"title=Default Max Messages,minimum=1,default=50"`

	// SummarizationStrategy is the default strategy when a session
	// overflows its window. Default: recent_plus_summary
	SummarizationStrategy string `yaml:"summarization_strategy,omitempty" json:"summarization_strategy,omitempty" jsonschema:"title=Summarization Strategy,enum=recent_plus_summary,enum=key_points_only,enum=topic_based,enum=hierarchical,default=recent_plus_summary"`

	// EmbeddingModel is the model id used to embed queries and documents.
	// Required at start-up.
	EmbeddingModel string `yaml:"embedding_model,omitempty" json:"embedding_model,omitempty" jsonschema:"title=Embedding Model,description=Model id used for embeddings"`

	// TokenWarningInfo..Critical are usage fractions at which token
	// warnings are emitted. Defaults: 0.5, 0.8, 0.95
	TokenWarningInfo     *float64 `yaml:"token_warning_info,omitempty" json:"token_warning_info,omitempty" jsonschema:"title=Token Warning Info Fraction,default=0.5"`
	TokenWarningWarning  *float64 `yaml:"token_warning_warning,omitempty" json:"token_warning_warning,omitempty" jsonschema:"title=Token Warning Warning Fraction,default=0.8"`
	TokenWarningCritical *float64 `yaml:"token_warning_critical,omitempty" json:"token_warning_critical,omitempty" jsonschema:"title=Token Warning Critical Fraction,default=0.95"`
}

// SetDefaults fills zero-valued fields from environment variables, then
// built-in defaults. YAML-provided values are left untouched.
func (s *Settings) SetDefaults() {
	if s.ChunkingStrategy == "" {
		s.ChunkingStrategy = envString("NESTOR_CHUNKING_STRATEGY", "simple")
	}
	if s.MinChunkSize == 0 {
		s.MinChunkSize = envInt("NESTOR_MIN_CHUNK_SIZE", 100)
	}
	if s.MaxChunkSize == 0 {
		s.MaxChunkSize = envInt("NESTOR_MAX_CHUNK_SIZE", 2000)
	}
	if s.ChunkOverlap == nil {
		s.ChunkOverlap = IntPtr(envInt("NESTOR_CHUNK_OVERLAP", 100))
	}
	if s.RetrievalType == "" {
		s.RetrievalType = RetrievalType(envString("NESTOR_RETRIEVAL_TYPE", string(RetrievalVector)))
	}
	if s.NumberOfResults == 0 {
		s.NumberOfResults = envInt("NESTOR_NUMBER_OF_RESULTS", 10)
	}
	if s.VectorWeight == nil {
		s.VectorWeight = Float64Ptr(envFloat("NESTOR_VECTOR_WEIGHT", 0.7))
	}
	if s.KeywordWeight == nil {
		s.KeywordWeight = Float64Ptr(envFloat("NESTOR_KEYWORD_WEIGHT", 0.3))
	}
	if s.EnableReranking == nil {
		s.EnableReranking = BoolPtr(envBool("NESTOR_ENABLE_RERANKING", false))
	}
	if s.RerankerType == "" {
		s.RerankerType = RerankerType(envString("NESTOR_RERANKER_TYPE", string(RerankerLLM)))
	}
	if s.RerankerTopK == 0 {
		s.RerankerTopK = envInt("NESTOR_RERANKER_TOP_K", 20)
	}
	if s.EnableQueryEnhancement == nil {
		s.EnableQueryEnhancement = BoolPtr(envBool("NESTOR_ENABLE_QUERY_ENHANCEMENT", true))
	}
	if s.EnableReasoning == nil {
		s.EnableReasoning = BoolPtr(envBool("NESTOR_ENABLE_REASONING", true))
	}
	if s.EnableEvaluation == nil {
		s.EnableEvaluation = BoolPtr(envBool("NESTOR_ENABLE_EVALUATION", true))
	}
	if s.PipelineRolloutPercent == nil {
		s.PipelineRolloutPercent = IntPtr(envInt("NESTOR_PIPELINE_ROLLOUT_PERCENT", 100))
	}
	if s.CoTMaxReasoningDepth == 0 {
		s.CoTMaxReasoningDepth = envInt("NESTOR_COT_MAX_REASONING_DEPTH", 3)
	}
	if s.CoTReasoningStrategy == "" {
		s.CoTReasoningStrategy = envString("NESTOR_COT_REASONING_STRATEGY", "decomposition")
	}
	if s.CoTTokenBudgetMultiplier == nil {
		s.CoTTokenBudgetMultiplier = Float64Ptr(envFloat("NESTOR_COT_TOKEN_BUDGET_MULTIPLIER", 1.5))
	}
	if s.ContextWindowThreshold == nil {
		s.ContextWindowThreshold = Float64Ptr(envFloat("NESTOR_CONTEXT_WINDOW_THRESHOLD", 0.8))
	}
	if s.SessionTTL == 0 {
		s.SessionTTL = envDuration("NESTOR_SESSION_TTL", 24*time.Hour)
	}
	if s.SessionSweepInterval == 0 {
		s.SessionSweepInterval = envDuration("NESTOR_SESSION_SWEEP_INTERVAL", 10*time.Minute)
	}
	if s.DefaultContextWindow == 0 {
		s.DefaultContextWindow = envInt("NESTOR_DEFAULT_CONTEXT_WINDOW", 4096)
	}
	if s.DefaultMaxMessages == 0 {
		s.DefaultMaxMessages = envInt("NESTOR_DEFAULT_MAX_MESSAGES", 50)
	}
	if s.SummarizationStrategy == "" {
		s.SummarizationStrategy = envString("NESTOR_SUMMARIZATION_STRATEGY", "recent_plus_summary")
	}
	if s.EmbeddingModel == "" {
		s.EmbeddingModel = envString("NESTOR_EMBEDDING_MODEL", "")
	}
	if s.TokenWarningInfo == nil {
		s.TokenWarningInfo = Float64Ptr(envFloat("NESTOR_TOKEN_WARNING_INFO", 0.5))
	}
	if s.TokenWarningWarning == nil {
		s.TokenWarningWarning = Float64Ptr(envFloat("NESTOR_TOKEN_WARNING_WARNING", 0.8))
	}
	if s.TokenWarningCritical == nil {
		s.TokenWarningCritical = Float64Ptr(envFloat("NESTOR_TOKEN_WARNING_CRITICAL", 0.95))
	}
}

// Validate checks the settings for errors.
func (s *Settings) Validate() error {
	validChunking := map[string]bool{"simple": true, "overlapping": true, "semantic": true}
	if !validChunking[s.ChunkingStrategy] {
		return fmt.Errorf("invalid chunking_strategy %q (valid: simple, overlapping, semantic)", s.ChunkingStrategy)
	}
	if s.MinChunkSize <= 0 {
		return fmt.Errorf("min_chunk_size must be positive")
	}
	if s.MaxChunkSize < s.MinChunkSize {
		return fmt.Errorf("max_chunk_size must be >= min_chunk_size")
	}
	if s.ChunkOverlap != nil && (*s.ChunkOverlap < 0 || *s.ChunkOverlap >= s.MaxChunkSize) {
		return fmt.Errorf("chunk_overlap must be in [0, max_chunk_size)")
	}
	switch s.RetrievalType {
	case RetrievalVector, RetrievalKeyword, RetrievalHybrid:
	default:
		return fmt.Errorf("invalid retrieval_type %q (valid: vector, keyword, hybrid)", s.RetrievalType)
	}
	if s.NumberOfResults < 0 {
		return fmt.Errorf("number_of_results must be non-negative")
	}
	if s.VectorWeight != nil && (*s.VectorWeight < 0 || *s.VectorWeight > 1) {
		return fmt.Errorf("vector_weight must be between 0 and 1")
	}
	if s.KeywordWeight != nil && (*s.KeywordWeight < 0 || *s.KeywordWeight > 1) {
		return fmt.Errorf("keyword_weight must be between 0 and 1")
	}
	switch s.RerankerType {
	case RerankerLLM, RerankerNoOp:
	default:
		return fmt.Errorf("invalid reranker_type %q (valid: llm, noop)", s.RerankerType)
	}
	if s.RerankerTopK <= 0 {
		return fmt.Errorf("reranker_top_k must be positive")
	}
	if s.PipelineRolloutPercent != nil && (*s.PipelineRolloutPercent < 0 || *s.PipelineRolloutPercent > 100) {
		return fmt.Errorf("pipeline_rollout_percent must be between 0 and 100")
	}
	if s.CoTMaxReasoningDepth <= 0 {
		return fmt.Errorf("cot_max_reasoning_depth must be positive")
	}
	if s.CoTTokenBudgetMultiplier != nil && *s.CoTTokenBudgetMultiplier < 1 {
		return fmt.Errorf("cot_token_budget_multiplier must be >= 1")
	}
	if s.ContextWindowThreshold != nil && (*s.ContextWindowThreshold <= 0 || *s.ContextWindowThreshold > 1) {
		return fmt.Errorf("context_window_threshold must be in (0, 1]")
	}
	if s.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if s.SessionSweepInterval <= 0 {
		return fmt.Errorf("session_sweep_interval must be positive")
	}
	if s.DefaultContextWindow <= 0 {
		return fmt.Errorf("default_context_window must be positive")
	}
	if s.DefaultMaxMessages <= 0 {
		return fmt.Errorf("default_max_messages must be positive")
	}
	validSummarization := map[string]bool{
		"recent_plus_summary": true,
		"key_points_only":     true,
		"topic_based":         true,
		"hierarchical":        true,
	}
	if !validSummarization[s.SummarizationStrategy] {
		return fmt.Errorf("invalid summarization_strategy %q", s.SummarizationStrategy)
	}
	return nil
}

// Value returns the setting registered under a canonical snake_case key.
// The second return is false for unknown keys. Used by the Resolver; new
// tunables must be added here to be overridable per pipeline.
func (s *Settings) Value(key string) (any, bool) {
	switch key {
	case "chunking_strategy":
		return s.ChunkingStrategy, true
	case "min_chunk_size":
		return s.MinChunkSize, true
	case "max_chunk_size":
		return s.MaxChunkSize, true
	case "chunk_overlap":
		return *s.ChunkOverlap, true
	case "retrieval_type":
		return string(s.RetrievalType), true
	case "number_of_results":
		return s.NumberOfResults, true
	case "vector_weight":
		return *s.VectorWeight, true
	case "keyword_weight":
		return *s.KeywordWeight, true
	case "enable_reranking":
		return *s.EnableReranking, true
	case "reranker_type":
		return string(s.RerankerType), true
	case "reranker_top_k":
		return s.RerankerTopK, true
	case "enable_query_enhancement":
		return *s.EnableQueryEnhancement, true
	case "enable_reasoning":
		return *s.EnableReasoning, true
	case "enable_evaluation":
		return *s.EnableEvaluation, true
	case "pipeline_rollout_percent":
		return *s.PipelineRolloutPercent, true
	case "cot_max_reasoning_depth":
		return s.CoTMaxReasoningDepth, true
	case "cot_reasoning_strategy":
		return s.CoTReasoningStrategy, true
	case "cot_token_budget_multiplier":
		return *s.CoTTokenBudgetMultiplier, true
	case "context_window_threshold":
		return *s.ContextWindowThreshold, true
	case "session_ttl":
		return s.SessionTTL, true
	case "session_sweep_interval":
		return s.SessionSweepInterval, true
	case "default_context_window":
		return s.DefaultContextWindow, true
	case "default_max_messages":
		return s.DefaultMaxMessages, true
	case "summarization_strategy":
		return s.SummarizationStrategy, true
	case "embedding_model":
		return s.EmbeddingModel, true
	default:
		return nil, false
	}
}

// NewSettingsFromEnv builds Settings from environment variables alone.
func NewSettingsFromEnv() (*Settings, error) {
	s := &Settings{}
	s.SetDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
