// Package validation decodes and validates API request bodies and keeps
// conversation history inside the model's context budget.
package validation

import (
	"github.com/teilomillet/formulate/server/provider"
)

// Message is one conversation turn as sent by clients.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

// Turns converts client messages to gateway messages.
func Turns(msgs []Message) []provider.Message {
	turns := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		turns[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return turns
}

// StartRequest opens a conversation.
type StartRequest struct {
	InitialQuery string `json:"initial_query" validate:"required"`
}

// ContinueRequest answers the last question of a conversation. The history
// is the client's copy and is authoritative when no snapshot is cached.
type ContinueRequest struct {
	ConversationID      string    `json:"conversation_id" validate:"required"`
	UserResponse        string    `json:"user_response" validate:"required"`
	ConversationHistory []Message `json:"conversation_history" validate:"dive"`
}

// HistoryRequest carries a full conversation for aggregation and summaries.
type HistoryRequest struct {
	ConversationHistory []Message `json:"conversation_history" validate:"required,min=1,dive"`
}

// StreamRequest carries the messages relayed to the streaming model call.
type StreamRequest struct {
	Messages []Message `json:"messages" validate:"required,min=1,dive"`
}

// QueryRequest carries a free-text formulation query.
type QueryRequest struct {
	Query string `json:"query" validate:"required"`
}

// budgeted is implemented by requests whose text is sent to the model.
type budgeted interface {
	texts() []string
}

func (r *StartRequest) texts() []string { return []string{r.InitialQuery} }

func (r *ContinueRequest) texts() []string {
	return append(contents(r.ConversationHistory), r.UserResponse)
}

func (r *HistoryRequest) texts() []string { return contents(r.ConversationHistory) }

func (r *StreamRequest) texts() []string { return contents(r.Messages) }

func (r *QueryRequest) texts() []string { return []string{r.Query} }

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
