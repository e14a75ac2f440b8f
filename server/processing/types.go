// Package processing renders prompt templates, sends them through the model
// gateway and turns free-text replies into structured values.
package processing

import (
	"github.com/teilomillet/formulate/server/provider"
)

// Request describes one templated model call.
type Request struct {
	// Template names the prompt template to render as the final user message
	Template string

	// Data is passed to the template
	Data PromptData

	// WithSystem prepends the assistant system prompt
	WithSystem bool

	// Temperature for this call
	Temperature float64
}

// PromptData is the value templates are executed against. Fields a
// template does not reference are ignored.
type PromptData struct {
	// Text is the latest user text (reply, query or answer under test)
	Text string

	// History is the conversation transcript, system turns included
	History []provider.Message

	ExchangeCount      int
	MaxExchanges       int
	RemainingExchanges int

	// Analysis is a JSON rendering of a previous analysis step
	Analysis string
}

// Response is the formatted model reply.
type Response struct {
	Content string `json:"content"`
}
