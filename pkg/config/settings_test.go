package config

import (
	"os"
	"testing"
	"time"
)

func TestSettings_SetDefaults(t *testing.T) {
	s := &Settings{}
	s.SetDefaults()

	if s.ChunkingStrategy != "simple" {
		t.Errorf("ChunkingStrategy = %q, want simple", s.ChunkingStrategy)
	}
	if s.NumberOfResults != 10 {
		t.Errorf("NumberOfResults = %d, want 10", s.NumberOfResults)
	}
	if s.RetrievalType != RetrievalVector {
		t.Errorf("RetrievalType = %q, want vector", s.RetrievalType)
	}
	if *s.EnableReranking {
		t.Error("EnableReranking should default to false")
	}
	if !*s.EnableReasoning {
		t.Error("EnableReasoning should default to true")
	}
	if s.CoTMaxReasoningDepth != 3 {
		t.Errorf("CoTMaxReasoningDepth = %d, want 3", s.CoTMaxReasoningDepth)
	}
	if s.CoTReasoningStrategy != "decomposition" {
		t.Errorf("CoTReasoningStrategy = %q, want decomposition", s.CoTReasoningStrategy)
	}
	if *s.CoTTokenBudgetMultiplier != 1.5 {
		t.Errorf("CoTTokenBudgetMultiplier = %v, want 1.5", *s.CoTTokenBudgetMultiplier)
	}
	if *s.ContextWindowThreshold != 0.8 {
		t.Errorf("ContextWindowThreshold = %v, want 0.8", *s.ContextWindowThreshold)
	}
	if s.SessionTTL != 24*time.Hour {
		t.Errorf("SessionTTL = %v, want 24h", s.SessionTTL)
	}
	if s.SummarizationStrategy != "recent_plus_summary" {
		t.Errorf("SummarizationStrategy = %q, want recent_plus_summary", s.SummarizationStrategy)
	}
}

func TestSettings_EnvOverrides(t *testing.T) {
	os.Setenv("NESTOR_NUMBER_OF_RESULTS", "5")
	os.Setenv("NESTOR_ENABLE_RERANKING", "true")
	os.Setenv("NESTOR_SESSION_TTL", "1h")
	defer func() {
		os.Unsetenv("NESTOR_NUMBER_OF_RESULTS")
		os.Unsetenv("NESTOR_ENABLE_RERANKING")
		os.Unsetenv("NESTOR_SESSION_TTL")
	}()

	s := &Settings{}
	s.SetDefaults()

	if s.NumberOfResults != 5 {
		t.Errorf("NumberOfResults = %d, want 5 from env", s.NumberOfResults)
	}
	if !*s.EnableReranking {
		t.Error("EnableReranking should be true from env")
	}
	if s.SessionTTL != time.Hour {
		t.Errorf("SessionTTL = %v, want 1h from env", s.SessionTTL)
	}
}

func TestSettings_ExplicitValuesWinOverEnv(t *testing.T) {
	os.Setenv("NESTOR_NUMBER_OF_RESULTS", "5")
	defer os.Unsetenv("NESTOR_NUMBER_OF_RESULTS")

	s := &Settings{NumberOfResults: 7}
	s.SetDefaults()

	if s.NumberOfResults != 7 {
		t.Errorf("NumberOfResults = %d, want explicit 7", s.NumberOfResults)
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults are valid", func(s *Settings) {}, false},
		{"bad chunking strategy", func(s *Settings) { s.ChunkingStrategy = "magic" }, true},
		{"min above max", func(s *Settings) { s.MinChunkSize = 5000 }, true},
		{"overlap at max", func(s *Settings) { s.ChunkOverlap = IntPtr(2000) }, true},
		{"bad retrieval type", func(s *Settings) { s.RetrievalType = "graph" }, true},
		{"negative top k", func(s *Settings) { s.NumberOfResults = -1 }, true},
		{"vector weight above 1", func(s *Settings) { s.VectorWeight = Float64Ptr(1.2) }, true},
		{"bad reranker", func(s *Settings) { s.RerankerType = "cross" }, true},
		{"rollout above 100", func(s *Settings) { s.PipelineRolloutPercent = IntPtr(101) }, true},
		{"zero reasoning depth", func(s *Settings) { s.CoTMaxReasoningDepth = -1 }, true},
		{"multiplier below 1", func(s *Settings) { s.CoTTokenBudgetMultiplier = Float64Ptr(0.5) }, true},
		{"threshold above 1", func(s *Settings) { s.ContextWindowThreshold = Float64Ptr(1.5) }, true},
		{"bad summarization strategy", func(s *Settings) { s.SummarizationStrategy = "rollup" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Settings{}
			s.SetDefaults()
			tt.mutate(s)

			err := s.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSettings_Value(t *testing.T) {
	s := &Settings{}
	s.SetDefaults()

	v, ok := s.Value("number_of_results")
	if !ok || v != 10 {
		t.Errorf("number_of_results = %v ok=%v, want 10 true", v, ok)
	}

	v, ok = s.Value("cot_token_budget_multiplier")
	if !ok || v != 1.5 {
		t.Errorf("cot_token_budget_multiplier = %v ok=%v, want 1.5 true", v, ok)
	}

	v, ok = s.Value("retrieval_type")
	if !ok || v != "vector" {
		t.Errorf("retrieval_type = %v ok=%v, want vector true", v, ok)
	}

	if _, ok := s.Value("no_such_key"); ok {
		t.Error("unknown key should not resolve")
	}
}
