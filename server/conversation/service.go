package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/enhancement"
	"github.com/teilomillet/formulate/server/processing"
	"github.com/teilomillet/formulate/server/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Messages returned in place of model output that could not be produced.
const (
	FormulationApology = "There was an error generating your formulation. Please try again."
	QuestionApology    = "There was an error generating the next question. Please try again."
)

// Enhancer rewrites and scores requests. enhancement.Service implements it.
type Enhancer interface {
	Enhance(ctx context.Context, query string) (*enhancement.Enhanced, error)
	Validate(ctx context.Context, query string) enhancement.Validation
}

// Service runs the clarification dialogue. It is stateless between calls
// and safe for concurrent use.
type Service struct {
	proc         *processing.Processor
	enhancer     Enhancer
	temps        config.TemperatureConfig
	maxExchanges int
	streamBuffer int
	newID        func() string
	turns        *prometheus.CounterVec
	logger       *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithConfig applies the conversation section of the configuration.
func WithConfig(cfg config.ConversationConfig) Option {
	return func(s *Service) {
		if cfg.MaxExchanges > 0 {
			s.maxExchanges = cfg.MaxExchanges
		}
		if cfg.StreamBuffer > 0 {
			s.streamBuffer = cfg.StreamBuffer
		}
	}
}

// WithIDGenerator replaces the conversation ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithTurnCounter counts turns by resulting state.
func WithTurnCounter(c *prometheus.CounterVec) Option {
	return func(s *Service) { s.turns = c }
}

// NewService creates a conversation service.
func NewService(proc *processing.Processor, enhancer Enhancer, temps config.TemperatureConfig, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		proc:         proc,
		enhancer:     enhancer,
		temps:        temps,
		maxExchanges: DefaultMaxExchanges,
		streamBuffer: 16,
		newID:        uuid.NewString,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxExchanges returns the exchange budget.
func (s *Service) MaxExchanges() int {
	return s.maxExchanges
}

// Start opens a conversation with the user's initial query. Failing to
// produce the first question or the completion message is returned as a
// model call error; analysis failures degrade to defaults.
func (s *Service) Start(ctx context.Context, query string) (*Result, Session, error) {
	sess := Session{
		ID:                  s.newID(),
		ExchangeCount:       1,
		RemainingDimensions: append([]Dimension(nil), Dimensions...),
		GatheredInfo:        map[string]any{},
		State:               StateGathering,
	}
	logger := s.logger.With(zap.String("conversation_id", sess.ID))

	opening := []Turn{{Role: provider.RoleUser, Content: query}}

	var (
		analysis Analysis
		covered  []Dimension
		g        errgroup.Group
	)
	g.Go(func() error {
		analysis, _ = s.AnalyzeResponse(ctx, query, opening, sess.ExchangeCount)
		return nil
	})
	g.Go(func() error {
		covered = s.DetectDimensions(ctx, query)
		return nil
	})
	_ = g.Wait()

	s.merge(&sess, analysis, logger)
	sess.RemainingDimensions = shrink(sess.RemainingDimensions, covered)
	sess.History = []Turn{
		{Role: provider.RoleSystem, Content: s.proc.SystemPrompt(s.maxExchanges)},
		{Role: provider.RoleUser, Content: query},
	}

	if s.terminal(analysis, sess.ExchangeCount) {
		full, enhanced, completion, err := s.finalize(ctx, opening)
		if err != nil {
			return nil, Session{}, errors.NewModelCallError("", "failed to start conversation", err)
		}
		return s.completed(&sess, full, enhanced, completion), sess, nil
	}

	question, err := s.nextQuestion(ctx, opening, analysis, sess.ExchangeCount)
	if err != nil {
		return nil, Session{}, errors.NewModelCallError("", "failed to start conversation", err)
	}
	sess.History = append(sess.History, Turn{Role: provider.RoleAssistant, Content: question})

	logger.Debug("conversation started",
		zap.Int("remaining_dimensions", len(sess.RemainingDimensions)),
		zap.Float64("confidence", analysis.Confidence),
	)
	s.count(sess.State)

	return &Result{
		ConversationID:      sess.ID,
		CurrentQuery:        query,
		IsSufficient:        analysis.ReadyForFormulation,
		ConfidenceScore:     analysis.Confidence,
		MissingInformation:  analysis.MissingInfo,
		ConversationHistory: sess.History,
		ReadyForFormulation: false,
		NextQuestion:        question,
		QuestionsRemaining:  s.questionsRemaining(sess),
		GatheredInfo:        sess.GatheredInfo,
		ExchangeCount:       sess.ExchangeCount,
		State:               sess.State,
	}, sess, nil
}

// Continue records the user's reply and either asks the next question or
// completes the conversation. It never fails; model failures are replaced
// by defaults or apology messages.
func (s *Service) Continue(ctx context.Context, prev Session, reply string) (*Result, Session) {
	sess := prev.Clone()
	logger := s.logger.With(zap.String("conversation_id", sess.ID))

	// COMPLETE is terminal: further replies get the final result again.
	if sess.State == StateComplete {
		logger.Debug("conversation already complete, ignoring reply")
		return s.completedResult(&sess), sess
	}

	sess.ExchangeCount++
	sess.History = append(sess.History, Turn{Role: provider.RoleUser, Content: reply})
	sess.State = StateGathering

	var (
		vague    bool
		analysis Analysis
		g        errgroup.Group
	)
	g.Go(func() error {
		vague = s.IsVague(ctx, reply)
		return nil
	})
	g.Go(func() error {
		analysis, _ = s.AnalyzeResponse(ctx, reply, sess.History, sess.ExchangeCount)
		return nil
	})
	_ = g.Wait()

	s.merge(&sess, analysis, logger)

	if s.terminal(analysis, sess.ExchangeCount) {
		full, enhanced, completion, err := s.finalize(ctx, sess.History)
		if err != nil {
			errors.LogError(logger, errors.NewSessionTerminalError(sess.ID, err), "")
			full, enhanced, completion = "", nil, FormulationApology
		}
		return s.completed(&sess, full, enhanced, completion), sess
	}

	if vague {
		logger.Debug("vague reply, skipping dimension follow-up")
	} else {
		covered := s.DetectDimensions(ctx, reply)
		sess.RemainingDimensions = shrink(sess.RemainingDimensions, covered)
	}

	question, err := s.nextQuestion(ctx, sess.History, analysis, sess.ExchangeCount)
	if err != nil {
		logger.Warn("next question failed", zap.Error(err))
		question = QuestionApology
	}
	sess.History = append(sess.History, Turn{Role: provider.RoleAssistant, Content: question})

	current, err := s.Reconstruct(ctx, sess.History)
	if err != nil {
		logger.Warn("query reconstruction failed", zap.Error(err))
		current = UserStatements(sess.History)
	}
	s.count(sess.State)

	return &Result{
		ConversationID:      sess.ID,
		CurrentQuery:        current,
		IsSufficient:        false,
		ConfidenceScore:     analysis.Confidence,
		MissingInformation:  analysis.MissingInfo,
		ConversationHistory: sess.History,
		ReadyForFormulation: false,
		NextQuestion:        question,
		QuestionsRemaining:  s.questionsRemaining(sess),
		GatheredInfo:        sess.GatheredInfo,
		ExchangeCount:       sess.ExchangeCount,
		State:               sess.State,
	}, sess
}

// Restore rebuilds a session from client history when no usable snapshot
// is cached. Dimensions the user turns already cover stay covered.
func (s *Service) Restore(ctx context.Context, id string, history []Turn) Session {
	sess := SessionFromHistory(id, history)
	if statements := strings.TrimSpace(UserStatements(history)); statements != "" {
		sess.RemainingDimensions = shrink(sess.RemainingDimensions, s.DetectDimensions(ctx, statements))
	}
	return sess
}

// AggregateIntent summarizes history along the four dimensions.
func (s *Service) AggregateIntent(ctx context.Context, history []Turn) (*Intent, error) {
	var (
		reply string
		full  string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := s.proc.Process(gctx, &processing.Request{
			Template:    processing.TemplateAggregate,
			Data:        processing.PromptData{History: history},
			Temperature: s.temps.Aggregate,
		})
		if err != nil {
			return err
		}
		reply = resp.Content
		return nil
	})
	g.Go(func() error {
		var err error
		full, err = s.Reconstruct(gctx, history)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to aggregate conversation intent: %w", err)
	}

	intent := &Intent{
		ProductType:        "Product type not specified",
		AchievementGoal:    "Achievement goal not specified",
		TargetAudience:     "Target audience not specified",
		SpecialIngredients: "No special ingredients specified",
		FullIntent:         full,
	}

	ex := s.proc.Extract(processing.TemplateAggregate, reply, processing.ShapeObject)
	if !ex.Parsed() {
		return intent, nil
	}
	var fields map[string]any
	if err := ex.Decode(&fields); err != nil {
		return intent, nil
	}

	intent.ProductType = field(fields, ProductType)
	intent.AchievementGoal = field(fields, AchievementGoal)
	intent.TargetAudience = field(fields, TargetAudience)
	intent.SpecialIngredients = field(fields, SpecialIngredients)
	return intent, nil
}

// Summary reports the current understanding of history and how complete
// it is.
func (s *Service) Summary(ctx context.Context, history []Turn) (*Summary, error) {
	full, err := s.Reconstruct(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation summary: %w", err)
	}

	v := s.enhancer.Validate(ctx, full)
	return &Summary{
		CurrentUnderstanding: full,
		ConfidenceScore:      v.ConfidenceScore,
		MissingInformation:   v.MissingInformation,
		ProgressPercentage:   Progress(v.ConfidenceScore, len(v.MissingInformation)),
		Suggestions:          v.Recommendations,
	}, nil
}

// Progress converts a confidence score and the number of missing items
// into a percentage.
func Progress(confidence float64, missing int) int {
	p := int(confidence * 100)
	switch {
	case missing == 0:
		p = 100
	case missing <= 2:
		p = max(p, 70)
	case missing <= 4:
		p = max(p, 50)
	default:
		p = max(p, 30)
	}
	return min(p, 100)
}

func (s *Service) terminal(a Analysis, exchangeCount int) bool {
	return a.ReadyForFormulation || exchangeCount >= s.maxExchanges
}

func (s *Service) questionsRemaining(sess Session) int {
	if sess.State == StateComplete {
		return 0
	}
	return max(0, min(len(sess.RemainingDimensions), s.maxExchanges-sess.ExchangeCount))
}

// merge folds object-shaped provided info into the gathered info.
func (s *Service) merge(sess *Session, a Analysis, logger *zap.Logger) {
	provided, ok := a.ProvidedMap()
	if !ok {
		if len(a.ProvidedInfo) > 0 && string(a.ProvidedInfo) != "null" {
			logger.Debug("discarding non-object provided info")
		}
		return
	}
	for k, v := range provided {
		sess.GatheredInfo[k] = v
	}
}

// finalize reconstructs the request, enhances it and writes the completion
// message.
func (s *Service) finalize(ctx context.Context, history []Turn) (string, *enhancement.Enhanced, string, error) {
	full, err := s.Reconstruct(ctx, history)
	if err != nil {
		return "", nil, "", fmt.Errorf("reconstruct query: %w", err)
	}

	enhanced, err := s.enhancer.Enhance(ctx, full)
	if err != nil {
		return "", nil, "", err
	}

	resp, err := s.proc.Process(ctx, &processing.Request{
		Template:    processing.TemplateCompletion,
		Data:        processing.PromptData{Text: full, MaxExchanges: s.maxExchanges},
		WithSystem:  true,
		Temperature: s.temps.Completion,
	})
	if err != nil {
		return "", nil, "", err
	}
	return full, enhanced, resp.Content, nil
}

func (s *Service) completed(sess *Session, full string, enhanced *enhancement.Enhanced, completion string) *Result {
	sess.History = append(sess.History, Turn{Role: provider.RoleAssistant, Content: completion})
	sess.State = StateComplete
	sess.FinalQuery = full
	s.count(sess.State)

	res := s.completedResult(sess)
	if enhanced != nil {
		res.EnhancedQuery = enhanced.EnhancedQuery
		res.IntentAnalysis = &enhanced.IntentAnalysis
	}
	return res
}

// completedResult reports a COMPLETE session. Message is the last
// assistant turn, the completion message.
func (s *Service) completedResult(sess *Session) *Result {
	var message string
	for i := len(sess.History) - 1; i >= 0; i-- {
		if sess.History[i].Role == provider.RoleAssistant {
			message = sess.History[i].Content
			break
		}
	}
	return &Result{
		ConversationID:      sess.ID,
		CurrentQuery:        sess.FinalQuery,
		IsSufficient:        true,
		ConfidenceScore:     1.0,
		ConversationHistory: sess.History,
		ReadyForFormulation: true,
		Message:             message,
		QuestionsRemaining:  0,
		GatheredInfo:        sess.GatheredInfo,
		ExchangeCount:       sess.ExchangeCount,
		State:               sess.State,
	}
}

func (s *Service) nextQuestion(ctx context.Context, history []Turn, a Analysis, exchangeCount int) (string, error) {
	analysisJSON, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal analysis: %w", err)
	}

	resp, err := s.proc.Process(ctx, &processing.Request{
		Template: processing.TemplateQuestion,
		Data: processing.PromptData{
			History:            history,
			ExchangeCount:      exchangeCount,
			MaxExchanges:       s.maxExchanges,
			RemainingExchanges: s.maxExchanges - exchangeCount,
			Analysis:           string(analysisJSON),
		},
		WithSystem:  true,
		Temperature: s.temps.Question,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (s *Service) count(state State) {
	if s.turns != nil {
		s.turns.WithLabelValues(string(state)).Inc()
	}
}

func field(fields map[string]any, d Dimension) string {
	switch v := fields[string(d)].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
