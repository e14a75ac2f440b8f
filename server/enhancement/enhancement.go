// Package enhancement analyzes a formulation request for intent, rewrites it
// into a detailed query, and scores how complete it is.
package enhancement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/server/processing"
	"go.uber.org/zap"
)

// IntentAnalysis is the structured reading of a request.
type IntentAnalysis struct {
	Intent                string   `json:"intent"`
	TargetAudience        string   `json:"target_audience"`
	ProductType           string   `json:"product_type"`
	SpecificConcerns      []string `json:"specific_concerns"`
	IngredientPreferences []string `json:"ingredient_preferences"`
	MissingContext        []string `json:"missing_context"`
	Suggestions           []string `json:"suggestions"`
	ComplexityLevel       string   `json:"complexity_level"`
}

// Enhanced is the result of Enhance.
type Enhanced struct {
	OriginalQuery         string         `json:"original_query"`
	EnhancedQuery         string         `json:"enhanced_query"`
	IntentAnalysis        IntentAnalysis `json:"intent_analysis"`
	MissingContext        []string       `json:"missing_context"`
	SuggestedImprovements []string       `json:"suggested_improvements"`
}

// Validation reports whether a request is complete enough to formulate.
type Validation struct {
	IsSufficient       bool     `json:"is_sufficient"`
	MissingInformation []string `json:"missing_information"`
	ConfidenceScore    float64  `json:"confidence_score"`
	Recommendations    []string `json:"recommendations"`
}

const genericSuggestion = "Please provide more specific details about your formulation needs"

// FallbackAnalysis is used when the intent reply cannot be parsed.
func FallbackAnalysis() IntentAnalysis {
	return IntentAnalysis{
		Intent:                "general formulation",
		TargetAudience:        "general",
		ProductType:           "formulation",
		SpecificConcerns:      []string{},
		IngredientPreferences: []string{"natural", "clean"},
		MissingContext:        []string{"specific skin type", "product type", "specific concerns"},
		Suggestions:           []string{"Add skin type", "Specify product type", "Mention specific concerns"},
		ComplexityLevel:       "basic",
	}
}

// Service implements query enhancement on top of a Processor.
type Service struct {
	proc   *processing.Processor
	temps  config.TemperatureConfig
	logger *zap.Logger
}

// NewService creates an enhancement service.
func NewService(proc *processing.Processor, temps config.TemperatureConfig, logger *zap.Logger) *Service {
	return &Service{proc: proc, temps: temps, logger: logger}
}

// AnalyzeIntent asks the model for an IntentAnalysis. Unparseable replies
// yield FallbackAnalysis; only model call failures are returned as errors.
func (s *Service) AnalyzeIntent(ctx context.Context, query string) (IntentAnalysis, error) {
	resp, err := s.proc.Process(ctx, &processing.Request{
		Template:    processing.TemplateIntent,
		Data:        processing.PromptData{Text: query},
		Temperature: s.temps.Intent,
	})
	if err != nil {
		return IntentAnalysis{}, err
	}

	ex := s.proc.Extract(processing.TemplateIntent, resp.Content, processing.ShapeObject)
	if !ex.Parsed() {
		return FallbackAnalysis(), nil
	}

	var analysis IntentAnalysis
	if err := ex.Decode(&analysis); err != nil {
		s.logger.Debug("intent analysis has unexpected field types", zap.Error(err))
		return FallbackAnalysis(), nil
	}
	return analysis, nil
}

// Enhance analyzes query and rewrites it into a detailed formulation query.
func (s *Service) Enhance(ctx context.Context, query string) (*Enhanced, error) {
	analysis, err := s.AnalyzeIntent(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to enhance query: %w", err)
	}

	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("marshal intent analysis: %w", err)
	}

	resp, err := s.proc.Process(ctx, &processing.Request{
		Template: processing.TemplateEnhance,
		Data: processing.PromptData{
			Text:     query,
			Analysis: string(analysisJSON),
		},
		Temperature: s.temps.Enhance,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enhance query: %w", err)
	}

	return &Enhanced{
		OriginalQuery:         query,
		EnhancedQuery:         resp.Content,
		IntentAnalysis:        analysis,
		MissingContext:        nonNil(analysis.MissingContext),
		SuggestedImprovements: nonNil(analysis.Suggestions),
	}, nil
}

// Validate scores query. It never fails; a model failure produces an
// insufficient result.
func (s *Service) Validate(ctx context.Context, query string) Validation {
	analysis, err := s.AnalyzeIntent(ctx, query)
	if err != nil {
		s.logger.Warn("query validation failed", zap.Error(err))
		return Validation{
			IsSufficient:       false,
			MissingInformation: []string{"Unable to analyze query"},
			ConfidenceScore:    0,
			Recommendations:    []string{"Please provide more specific details"},
		}
	}

	missing := nonNil(analysis.MissingContext)
	return Validation{
		IsSufficient:       len(missing) == 0,
		MissingInformation: missing,
		ConfidenceScore:    Confidence(analysis),
		Recommendations:    nonNil(analysis.Suggestions),
	}
}

// Suggestions returns ways to improve query.
func (s *Service) Suggestions(ctx context.Context, query string) []string {
	analysis, err := s.AnalyzeIntent(ctx, query)
	if err != nil {
		s.logger.Warn("query suggestions failed", zap.Error(err))
		return []string{genericSuggestion}
	}
	return nonNil(analysis.Suggestions)
}

// Confidence scores an analysis: the three required fields share 1.0, each
// concern or preference adds 0.1 up to 0.3, and the total is capped at 1.
func Confidence(a IntentAnalysis) float64 {
	provided := 0
	for _, f := range []string{a.Intent, a.TargetAudience, a.ProductType} {
		if f != "" {
			provided++
		}
	}
	base := float64(provided) / 3

	bonus := float64(len(a.SpecificConcerns)+len(a.IngredientPreferences)) * 0.1
	if bonus > 0.3 {
		bonus = 0.3
	}

	if base+bonus > 1 {
		return 1
	}
	return base + bonus
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
