package formulation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Stream stages
const (
	StageEnhancement = "enhancement"
	StageEnhanced    = "enhanced"
	StageRetrieval   = "retrieval"
	StageRetrieved   = "retrieved"
	StageAnalysis    = "analysis"
	StageAnalyzed    = "analyzed"
	StageSynthesis   = "synthesis"
	StageDone        = "done"
	StageError       = "error"
)

// Event is one progress update of a streamed formulation.
type Event struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

const previewLength = 80

// Stream runs Generate step by step, reporting progress through emit. It
// stops at the first emit error. A model failure is reported as an error
// event and returned.
func (s *Service) Stream(ctx context.Context, query string, emit func(Event) error) error {
	if err := emit(Event{StageEnhancement, "Refining your formulation request for clarity…"}); err != nil {
		return err
	}

	enhanced, err := s.enhancer.Enhance(ctx, query)
	if err != nil {
		return s.fail(emit, err)
	}
	if err := emit(Event{StageEnhanced, fmt.Sprintf("Enhanced query: %s…", preview(enhanced.EnhancedQuery))}); err != nil {
		return err
	}

	if err := emit(Event{StageRetrieval, "Consulting the AI for the best natural ingredients…"}); err != nil {
		return err
	}
	ingredients, err := s.Ingredients(ctx, enhanced.EnhancedQuery)
	if err != nil {
		return s.fail(emit, err)
	}

	retrieved := "No ingredients found."
	if len(ingredients) > 0 {
		retrieved = fmt.Sprintf("Retrieved %d ingredients. Top: %s", len(ingredients), ingredients[0].Name)
	}
	if err := emit(Event{StageRetrieved, retrieved}); err != nil {
		return err
	}

	if err := emit(Event{StageAnalysis, fmt.Sprintf("Analyzing %d ingredients for safety and compatibility…", len(ingredients))}); err != nil {
		return err
	}
	analyzed := "All ingredients validated for safety."
	if missing := MissingSafety(ingredients); len(missing) > 0 {
		analyzed = fmt.Sprintf("Warning: No safety info for %s.", strings.Join(missing[:min(3, len(missing))], ", "))
	}
	if err := emit(Event{StageAnalyzed, analyzed}); err != nil {
		return err
	}

	if err := emit(Event{StageSynthesis, fmt.Sprintf("Composing your personalized formulation with %d ingredients…", len(ingredients))}); err != nil {
		return err
	}
	return emit(Event{StageDone, "Formulation complete!"})
}

func (s *Service) fail(emit func(Event) error, err error) error {
	s.logger.Warn("formulation stream failed", zap.Error(err))
	if emitErr := emit(Event{StageError, "Unable to generate formulation. Please try again."}); emitErr != nil {
		return emitErr
	}
	return err
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > previewLength {
		return string(r[:previewLength])
	}
	return s
}
