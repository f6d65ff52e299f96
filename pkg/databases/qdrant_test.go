package databases

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQdrantMatchTypes(t *testing.T) {
	tests := []struct {
		name  string
		value any
		check func(t *testing.T, m *qdrant.Match)
	}{
		{
			name:  "string",
			value: "doc-1",
			check: func(t *testing.T, m *qdrant.Match) {
				assert.Equal(t, "doc-1", m.GetKeyword())
			},
		},
		{
			name:  "int",
			value: 3,
			check: func(t *testing.T, m *qdrant.Match) {
				assert.Equal(t, int64(3), m.GetInteger())
			},
		},
		{
			name:  "int64",
			value: int64(7),
			check: func(t *testing.T, m *qdrant.Match) {
				assert.Equal(t, int64(7), m.GetInteger())
			},
		},
		{
			name:  "whole float from json",
			value: float64(4),
			check: func(t *testing.T, m *qdrant.Match) {
				assert.Equal(t, int64(4), m.GetInteger())
			},
		},
		{
			name:  "fractional float",
			value: 2.5,
			check: func(t *testing.T, m *qdrant.Match) {
				assert.Equal(t, "2.5", m.GetKeyword())
			},
		},
		{
			name:  "bool",
			value: true,
			check: func(t *testing.T, m *qdrant.Match) {
				assert.True(t, m.GetBoolean())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, qdrantMatch(tt.value))
		})
	}
}

func TestBuildQdrantFilter(t *testing.T) {
	filter := buildQdrantFilter(map[string]any{"document_id": "doc-1", "page_number": 3})

	require.Len(t, filter.Must, 2)
	keys := map[string]bool{}
	for _, cond := range filter.Must {
		field := cond.GetField()
		require.NotNil(t, field)
		keys[field.Key] = true
	}
	assert.True(t, keys["document_id"])
	assert.True(t, keys["page_number"])
}

func TestConvertQdrantPoints(t *testing.T) {
	points := []*qdrant.ScoredPoint{
		{
			Id:    &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: "11111111-0000-0000-0000-000000000001"}},
			Score: 0.92,
			Payload: map[string]*qdrant.Value{
				"text":          {Kind: &qdrant.Value_StringValue{StringValue: "Go ships a race detector."}},
				"document_name": {Kind: &qdrant.Value_StringValue{StringValue: "Go Guide"}},
				"page_number":   {Kind: &qdrant.Value_IntegerValue{IntegerValue: 3}},
				"confidence":    {Kind: &qdrant.Value_DoubleValue{DoubleValue: 0.75}},
				"published":     {Kind: &qdrant.Value_BoolValue{BoolValue: true}},
			},
		},
		{
			Id:    &qdrant.PointId{PointIdOptions: &qdrant.PointId_Num{Num: 42}},
			Score: 0.31,
			Payload: map[string]*qdrant.Value{
				"authors": {Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{
					Values: []*qdrant.Value{
						{Kind: &qdrant.Value_StringValue{StringValue: "Pike"}},
						{Kind: &qdrant.Value_StringValue{StringValue: "Thompson"}},
					},
				}}},
			},
		},
	}

	hits := convertQdrantPoints(points)
	require.Len(t, hits, 2)

	assert.Equal(t, "11111111-0000-0000-0000-000000000001", hits[0].ID)
	assert.InDelta(t, 0.92, float64(hits[0].Score), 1e-6)
	assert.Equal(t, "Go ships a race detector.", hits[0].Text)
	assert.NotContains(t, hits[0].Tags, "text")
	assert.Equal(t, "Go Guide", hits[0].Tags["document_name"])
	assert.Equal(t, int64(3), hits[0].Tags["page_number"])
	assert.Equal(t, 0.75, hits[0].Tags["confidence"])
	assert.Equal(t, true, hits[0].Tags["published"])

	assert.Equal(t, "42", hits[1].ID)
	assert.Equal(t, "", hits[1].Text)
	assert.Equal(t, []any{"Pike", "Thompson"}, hits[1].Tags["authors"])
}
