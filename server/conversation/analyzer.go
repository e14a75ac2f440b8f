package conversation

import (
	"context"
	"encoding/json"

	"github.com/elliotchance/pie/v2"
	"github.com/teilomillet/formulate/server/processing"
	"go.uber.org/zap"
)

// AnalyzeResponse asks the model what the latest reply provided and what is
// still missing. It never fails: on a model or parse failure it returns
// DefaultAnalysis and fallback is true.
func (s *Service) AnalyzeResponse(ctx context.Context, latest string, history []Turn, exchangeCount int) (analysis Analysis, fallback bool) {
	resp, err := s.proc.Process(ctx, &processing.Request{
		Template: processing.TemplateAnalysis,
		Data: processing.PromptData{
			Text:          latest,
			History:       history,
			ExchangeCount: exchangeCount,
			MaxExchanges:  s.maxExchanges,
		},
		Temperature: s.temps.Analysis,
	})
	if err != nil {
		s.logger.Warn("response analysis failed", zap.Error(err))
		return DefaultAnalysis(exchangeCount), true
	}

	ex := s.proc.Extract(processing.TemplateAnalysis, resp.Content, processing.ShapeObject)
	if !ex.Parsed() {
		return DefaultAnalysis(exchangeCount), true
	}

	if err := ex.Decode(&analysis); err != nil {
		s.logger.Debug("analysis has unexpected field types", zap.Error(err))
		return DefaultAnalysis(exchangeCount), true
	}

	if analysis.MissingInfo == nil {
		analysis.MissingInfo = StringList{}
	}
	analysis.Confidence = clamp(analysis.Confidence)
	analysis.ExchangeCount = exchangeCount
	return analysis, false
}

// DetectDimensions returns the dimensions text covers. Unknown names are
// dropped; any failure yields an empty set.
func (s *Service) DetectDimensions(ctx context.Context, text string) []Dimension {
	resp, err := s.proc.Process(ctx, &processing.Request{
		Template:    processing.TemplateDimensions,
		Data:        processing.PromptData{Text: text},
		Temperature: s.temps.Dimensions,
	})
	if err != nil {
		s.logger.Warn("dimension detection failed", zap.Error(err))
		return nil
	}

	ex := s.proc.Extract(processing.TemplateDimensions, resp.Content, processing.ShapeArray)
	if !ex.Parsed() {
		return nil
	}

	var names []any
	if err := json.Unmarshal(ex.Value, &names); err != nil {
		return nil
	}

	var covered []Dimension
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			continue
		}
		if d, ok := ParseDimension(name); ok && !pie.Contains(covered, d) {
			covered = append(covered, d)
		}
	}
	return covered
}

// shrink removes covered dimensions from remaining, preserving order.
func shrink(remaining, covered []Dimension) []Dimension {
	return pie.Filter(remaining, func(d Dimension) bool {
		return !pie.Contains(covered, d)
	})
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
