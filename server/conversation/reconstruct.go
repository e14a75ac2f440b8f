package conversation

import (
	"context"
	"strings"

	"github.com/elliotchance/pie/v2"
	"github.com/teilomillet/formulate/server/processing"
	"github.com/teilomillet/formulate/server/provider"
)

const maxParagraphLines = 4

var fillerPrefixes = []string{"please", "additionally", "request", "kindly"}

// Reconstruct condenses the user's side of history into one actionable
// paragraph.
func (s *Service) Reconstruct(ctx context.Context, history []Turn) (string, error) {
	resp, err := s.proc.Process(ctx, &processing.Request{
		Template: processing.TemplateReconstruct,
		Data: processing.PromptData{
			Text:    UserStatements(history),
			History: history,
		},
		Temperature: s.temps.Reconstruct,
	})
	if err != nil {
		return "", err
	}
	return FilterParagraph(resp.Content), nil
}

// UserStatements joins the user turns of history with single spaces.
func UserStatements(history []Turn) string {
	users := pie.Filter(history, func(t Turn) bool { return t.Role == provider.RoleUser })
	return strings.Join(pie.Map(users, func(t Turn) string { return t.Content }), " ")
}

// FilterParagraph keeps the first paragraph of text, dropping filler lines,
// and joins it into a single line.
func FilterParagraph(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if isFiller(trimmed) {
			continue
		}
		if trimmed == "" {
			if len(kept) > 0 {
				break
			}
			continue
		}
		kept = append(kept, trimmed)
		if len(kept) == maxParagraphLines {
			break
		}
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}

func isFiller(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range fillerPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
