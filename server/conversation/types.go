// Package conversation implements the clarification dialogue: it counts
// exchanges, tracks which request dimensions are still uncovered, skips
// follow-ups on vague answers and decides when enough is known to formulate.
package conversation

import (
	"bytes"
	"encoding/json"

	"github.com/elliotchance/pie/v2"
	"github.com/teilomillet/formulate/server/enhancement"
	"github.com/teilomillet/formulate/server/provider"
)

// DefaultMaxExchanges is the exchange budget, the opening query included.
const DefaultMaxExchanges = 4

// Dimension is one facet of a formulation request.
type Dimension string

// Request dimensions
const (
	ProductType        Dimension = "product_type"
	AchievementGoal    Dimension = "achievement_goal"
	TargetAudience     Dimension = "target_audience"
	SpecialIngredients Dimension = "special_ingredients"
)

// Dimensions lists every dimension in question order.
var Dimensions = []Dimension{ProductType, AchievementGoal, TargetAudience, SpecialIngredients}

// ParseDimension reports whether name is a known dimension.
func ParseDimension(name string) (Dimension, bool) {
	d := Dimension(name)
	return d, pie.Contains(Dimensions, d)
}

// State is the dialogue state.
type State string

// Dialogue states
const (
	StateGathering State = "GATHERING"
	StateComplete  State = "COMPLETE"
)

// Turn is one message of a conversation.
type Turn = provider.Message

// Session is a snapshot of a conversation. The service takes a Session and
// returns an updated copy; it keeps no per-conversation state of its own.
type Session struct {
	ID                  string         `json:"id"`
	ExchangeCount       int            `json:"exchange_count"`
	RemainingDimensions []Dimension    `json:"remaining_dimensions"`
	GatheredInfo        map[string]any `json:"gathered_info"`
	History             []Turn         `json:"history"`
	State               State          `json:"state"`

	// FinalQuery is the reconstructed request once State is COMPLETE.
	FinalQuery string `json:"final_query,omitempty"`
}

// SessionFromHistory rebuilds a session when no snapshot is cached. Every
// user turn counts as one exchange.
func SessionFromHistory(id string, history []Turn) Session {
	users := pie.Filter(history, func(t Turn) bool { return t.Role == provider.RoleUser })
	return Session{
		ID:                  id,
		ExchangeCount:       len(users),
		RemainingDimensions: append([]Dimension(nil), Dimensions...),
		GatheredInfo:        map[string]any{},
		History:             append([]Turn(nil), history...),
		State:               StateGathering,
	}
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	c := s
	c.RemainingDimensions = append([]Dimension(nil), s.RemainingDimensions...)
	c.History = append([]Turn(nil), s.History...)
	c.GatheredInfo = make(map[string]any, len(s.GatheredInfo))
	for k, v := range s.GatheredInfo {
		c.GatheredInfo[k] = v
	}
	return c
}

// StringList decodes from a JSON array of strings or from a single string.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*l = StringList{}
		} else {
			*l = StringList{s}
		}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = items
	return nil
}

// Analysis is the model's reading of the latest reply. It is always
// well formed: failures produce DefaultAnalysis.
type Analysis struct {
	// ProvidedInfo is either an object keyed by dimension or free text
	ProvidedInfo          json.RawMessage `json:"provided_info,omitempty"`
	MissingInfo           StringList      `json:"missing_info"`
	NextQuestionRationale string          `json:"next_question_rationale"`
	Confidence            float64         `json:"confidence"`
	ReadyForFormulation   bool            `json:"ready_for_formulation"`
	ExchangeCount         int             `json:"exchange_count"`
}

// DefaultAnalysis is used when the model call or its parsing fails.
func DefaultAnalysis(exchangeCount int) Analysis {
	return Analysis{
		MissingInfo:           StringList{},
		NextQuestionRationale: "Continue gathering information",
		Confidence:            0,
		ReadyForFormulation:   false,
		ExchangeCount:         exchangeCount,
	}
}

// ProvidedMap returns ProvidedInfo when it is an object.
func (a Analysis) ProvidedMap() (map[string]any, bool) {
	if len(a.ProvidedInfo) == 0 {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(a.ProvidedInfo, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// Result is returned by Start and Continue.
type Result struct {
	ConversationID      string                      `json:"conversation_id"`
	CurrentQuery        string                      `json:"current_query"`
	IsSufficient        bool                        `json:"is_sufficient"`
	ConfidenceScore     float64                     `json:"confidence_score"`
	MissingInformation  []string                    `json:"missing_information,omitempty"`
	ConversationHistory []Turn                      `json:"conversation_history"`
	ReadyForFormulation bool                        `json:"ready_for_formulation"`
	NextQuestion        string                      `json:"next_question,omitempty"`
	Message             string                      `json:"message,omitempty"`
	QuestionsRemaining  int                         `json:"questions_remaining"`
	GatheredInfo        map[string]any              `json:"gathered_info"`
	ExchangeCount       int                         `json:"exchange_count"`
	EnhancedQuery       string                      `json:"enhanced_query,omitempty"`
	IntentAnalysis      *enhancement.IntentAnalysis `json:"intent_analysis,omitempty"`
	State               State                       `json:"state"`
}

// Intent is the four-dimension summary of a conversation.
type Intent struct {
	ProductType        string `json:"product_type"`
	AchievementGoal    string `json:"achievement_goal"`
	TargetAudience     string `json:"target_audience"`
	SpecialIngredients string `json:"special_ingredients"`
	FullIntent         string `json:"full_intent"`
}

// Summary reports how far a conversation has progressed.
type Summary struct {
	CurrentUnderstanding string   `json:"current_understanding"`
	ConfidenceScore      float64  `json:"confidence_score"`
	MissingInformation   []string `json:"missing_information"`
	ProgressPercentage   int      `json:"progress_percentage"`
	Suggestions          []string `json:"suggestions"`
}
