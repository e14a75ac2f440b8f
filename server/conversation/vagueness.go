package conversation

import (
	"context"
	"strings"

	"github.com/teilomillet/formulate/server/processing"
	"go.uber.org/zap"
)

// IsVague reports whether reply is vague or non-committal. It fails closed:
// anything but a reply starting with "true" counts as not vague.
func (s *Service) IsVague(ctx context.Context, reply string) bool {
	resp, err := s.proc.Process(ctx, &processing.Request{
		Template:    processing.TemplateVagueness,
		Data:        processing.PromptData{Text: reply},
		Temperature: s.temps.Vagueness,
	})
	if err != nil {
		s.logger.Warn("vagueness check failed", zap.Error(err))
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp.Content)), "true")
}
