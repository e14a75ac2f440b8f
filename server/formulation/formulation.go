// Package formulation turns a formulation request into a list of natural
// ingredients.
package formulation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/server/enhancement"
	"github.com/teilomillet/formulate/server/processing"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Ingredient is one suggested ingredient. Attributes usually carries
// benefits, usage, safety, concentration, compatibility, contraindications,
// source and certification, but any keys the model returns are kept.
type Ingredient struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
}

// Formulation is the result of Generate.
type Formulation struct {
	Ingredients   []Ingredient          `json:"ingredients"`
	QueryAnalysis *enhancement.Enhanced `json:"query_analysis"`
	OriginalQuery string                `json:"original_query"`
	EnhancedQuery string                `json:"enhanced_query"`
}

// Enhancer rewrites a request into a detailed query.
type Enhancer interface {
	Enhance(ctx context.Context, query string) (*enhancement.Enhanced, error)
}

// ingredientSchema is what each element of the model's array must satisfy.
const ingredientSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "attributes": {"type": "object"}
  }
}`

// Service generates ingredient lists.
type Service struct {
	proc     *processing.Processor
	enhancer Enhancer
	temps    config.TemperatureConfig
	schema   *gojsonschema.Schema
	logger   *zap.Logger
}

// NewService creates a formulation service.
func NewService(proc *processing.Processor, enhancer Enhancer, temps config.TemperatureConfig, logger *zap.Logger) (*Service, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ingredientSchema))
	if err != nil {
		return nil, fmt.Errorf("compile ingredient schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		proc:     proc,
		enhancer: enhancer,
		temps:    temps,
		schema:   schema,
		logger:   logger,
	}, nil
}

// Generate enhances query and generates ingredients for the enhanced query.
func (s *Service) Generate(ctx context.Context, query string) (*Formulation, error) {
	enhanced, err := s.enhancer.Enhance(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate formulation: %w", err)
	}

	ingredients, err := s.Ingredients(ctx, enhanced.EnhancedQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to generate formulation: %w", err)
	}

	return &Formulation{
		Ingredients:   ingredients,
		QueryAnalysis: enhanced,
		OriginalQuery: query,
		EnhancedQuery: enhanced.EnhancedQuery,
	}, nil
}

// Ingredients asks the model for ingredients matching query. A reply that
// is not a JSON array is read line by line instead.
func (s *Service) Ingredients(ctx context.Context, query string) ([]Ingredient, error) {
	resp, err := s.proc.Process(ctx, &processing.Request{
		Template:    processing.TemplateIngredients,
		Data:        processing.PromptData{Text: query},
		Temperature: s.temps.Ingredients,
	})
	if err != nil {
		return nil, err
	}

	ex := s.proc.Extract(processing.TemplateIngredients, resp.Content, processing.ShapeArray)
	if !ex.Parsed() {
		return fromLines(resp.Content), nil
	}

	var items []json.RawMessage
	if err := ex.Decode(&items); err != nil {
		return fromLines(resp.Content), nil
	}
	return s.fromItems(items), nil
}

// fromItems keeps the array elements that satisfy ingredientSchema.
func (s *Service) fromItems(items []json.RawMessage) []Ingredient {
	ingredients := make([]Ingredient, 0, len(items))
	for i, item := range items {
		result, err := s.schema.Validate(gojsonschema.NewBytesLoader(item))
		if err != nil || !result.Valid() {
			s.logger.Debug("skipping malformed ingredient", zap.Int("index", i), zap.Strings("errors", schemaErrors(result, err)))
			continue
		}

		var ing Ingredient
		if err := json.Unmarshal(item, &ing); err != nil {
			continue
		}
		if ing.Attributes == nil {
			ing.Attributes = map[string]any{}
		}
		ingredients = append(ingredients, ing)
	}
	return ingredients
}

// fromLines makes one ingredient per non-empty line of text.
func fromLines(text string) []Ingredient {
	records := processing.ParseLines(text)
	ingredients := make([]Ingredient, 0, len(records))
	for _, r := range records {
		attrs := map[string]any{}
		if r.Description != "" {
			attrs["description"] = r.Description
		}
		ingredients = append(ingredients, Ingredient{Name: r.Name, Attributes: attrs})
	}
	return ingredients
}

func schemaErrors(result *gojsonschema.Result, err error) []string {
	if err != nil {
		return []string{err.Error()}
	}
	errs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		errs[i] = desc.String()
	}
	return errs
}

// MissingSafety returns the names of ingredients without a safety note.
func MissingSafety(ingredients []Ingredient) []string {
	var names []string
	for _, ing := range ingredients {
		if v, ok := ing.Attributes["safety"]; !ok || isBlank(v) {
			names = append(names, ing.Name)
		}
	}
	return names
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
