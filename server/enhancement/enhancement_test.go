package enhancement_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/server/enhancement"
	"github.com/teilomillet/formulate/server/mocks"
	"github.com/teilomillet/formulate/server/processing"
	"go.uber.org/zap/zaptest"
)

const (
	intentMarker  = "Analyze the following user query"
	enhanceMarker = "create a comprehensive, detailed query"
)

func newService(t *testing.T, completer *mocks.Completer) *enhancement.Service {
	cfg := config.DefaultConfig()
	proc, err := processing.NewProcessor(&cfg.Processing, completer, zaptest.NewLogger(t))
	require.NoError(t, err)
	return enhancement.NewService(proc, cfg.LLM.Temperatures, zaptest.NewLogger(t))
}

const fullAnalysis = `{
  "intent": "skincare",
  "target_audience": "sensitive skin",
  "product_type": "moisturizer",
  "specific_concerns": ["redness"],
  "ingredient_preferences": ["fragrance-free", "vegan"],
  "missing_context": [],
  "suggestions": ["Mention climate"],
  "complexity_level": "intermediate"
}`

func TestEnhance(t *testing.T) {
	completer := mocks.NewCompleter().
		On(intentMarker, "```json\n"+fullAnalysis+"\n```").
		On(enhanceMarker, "  A fragrance-free vegan moisturizer for sensitive skin.  ")
	svc := newService(t, completer)

	got, err := svc.Enhance(context.Background(), "moisturizer for sensitive skin")
	require.NoError(t, err)

	assert.Equal(t, "moisturizer for sensitive skin", got.OriginalQuery)
	assert.Equal(t, "A fragrance-free vegan moisturizer for sensitive skin.", got.EnhancedQuery)
	assert.Equal(t, "moisturizer", got.IntentAnalysis.ProductType)
	assert.Empty(t, got.MissingContext)
	assert.NotNil(t, got.MissingContext)
	assert.Equal(t, []string{"Mention climate"}, got.SuggestedImprovements)

	// The enhance prompt carries the analysis.
	calls := completer.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 0.3, calls[0].Temperature)
	assert.Equal(t, 0.4, calls[1].Temperature)
	assert.Contains(t, calls[1].Prompt(), `"product_type":"moisturizer"`)
}

func TestEnhanceFallsBackOnUnparseableIntent(t *testing.T) {
	completer := mocks.NewCompleter().
		On(intentMarker, "I think they want a cream.").
		On(enhanceMarker, "Enhanced")
	svc := newService(t, completer)

	got, err := svc.Enhance(context.Background(), "cream")
	require.NoError(t, err)
	assert.Equal(t, enhancement.FallbackAnalysis(), got.IntentAnalysis)
	assert.Equal(t, []string{"specific skin type", "product type", "specific concerns"}, got.MissingContext)
}

func TestEnhanceModelFailure(t *testing.T) {
	svc := newService(t, mocks.NewCompleter().Fail(intentMarker, fmt.Errorf("timeout")))
	_, err := svc.Enhance(context.Background(), "cream")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to enhance query")
}

func TestValidate(t *testing.T) {
	t.Run("sufficient", func(t *testing.T) {
		svc := newService(t, mocks.NewCompleter().On(intentMarker, fullAnalysis))
		v := svc.Validate(context.Background(), "q")
		assert.True(t, v.IsSufficient)
		assert.Empty(t, v.MissingInformation)
		assert.Equal(t, 1.0, v.ConfidenceScore)
		assert.Equal(t, []string{"Mention climate"}, v.Recommendations)
	})

	t.Run("missing context", func(t *testing.T) {
		svc := newService(t, mocks.NewCompleter().On(intentMarker,
			`{"intent":"hair care","missing_context":["hair type"],"suggestions":[]}`))
		v := svc.Validate(context.Background(), "q")
		assert.False(t, v.IsSufficient)
		assert.Equal(t, []string{"hair type"}, v.MissingInformation)
		assert.InDelta(t, 1.0/3, v.ConfidenceScore, 1e-9)
	})

	t.Run("model failure", func(t *testing.T) {
		svc := newService(t, mocks.NewCompleter().Fail(intentMarker, fmt.Errorf("down")))
		v := svc.Validate(context.Background(), "q")
		assert.False(t, v.IsSufficient)
		assert.Equal(t, []string{"Unable to analyze query"}, v.MissingInformation)
		assert.Equal(t, 0.0, v.ConfidenceScore)
		assert.Equal(t, []string{"Please provide more specific details"}, v.Recommendations)
	})
}

func TestSuggestions(t *testing.T) {
	svc := newService(t, mocks.NewCompleter().On(intentMarker, fullAnalysis))
	assert.Equal(t, []string{"Mention climate"}, svc.Suggestions(context.Background(), "q"))

	svc = newService(t, mocks.NewCompleter().Fail(intentMarker, fmt.Errorf("down")))
	assert.Equal(t, []string{"Please provide more specific details about your formulation needs"},
		svc.Suggestions(context.Background(), "q"))
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name     string
		analysis enhancement.IntentAnalysis
		want     float64
	}{
		{"empty", enhancement.IntentAnalysis{}, 0},
		{"two fields", enhancement.IntentAnalysis{Intent: "a", ProductType: "b"}, 2.0 / 3},
		{"bonus capped", enhancement.IntentAnalysis{Intent: "a", SpecificConcerns: []string{"1", "2", "3", "4", "5"}}, 1.0/3 + 0.3},
		{"total capped", enhancement.IntentAnalysis{Intent: "a", TargetAudience: "b", ProductType: "c", IngredientPreferences: []string{"x"}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, enhancement.Confidence(tt.analysis), 1e-9)
		})
	}
}
