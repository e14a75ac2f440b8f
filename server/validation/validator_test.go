package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/provider"
)

// wordTokenizer counts whitespace separated words.
type wordTokenizer struct{}

func (wordTokenizer) CountTokens(text string) int { return len(strings.Fields(text)) }

func jsonRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func fieldErrors(t *testing.T, err *errors.ServiceError) []FieldError {
	t.Helper()
	fields, ok := err.Details["errors"].([]FieldError)
	require.True(t, ok, "details: %v", err.Details)
	return fields
}

func TestDecode(t *testing.T) {
	v := New(NewTokenCounterWith(wordTokenizer{}), 100)

	tests := []struct {
		name      string
		body      string
		dst       func() any
		wantCode  int
		wantField string
		wantMsg   string
	}{
		{
			name:     "valid start",
			body:     `{"initial_query": "a calming serum"}`,
			dst:      func() any { return &StartRequest{} },
			wantCode: 0,
		},
		{
			name:      "missing initial query",
			body:      `{}`,
			dst:       func() any { return &StartRequest{} },
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "initial_query",
			wantMsg:   "field 'initial_query' is required",
		},
		{
			name:     "valid continue",
			body:     `{"conversation_id": "c1", "user_response": "teens", "conversation_history": [{"role": "user", "content": "a serum"}]}`,
			dst:      func() any { return &ContinueRequest{} },
			wantCode: 0,
		},
		{
			name:     "continue with empty history",
			body:     `{"conversation_id": "c1", "user_response": "teens", "conversation_history": []}`,
			dst:      func() any { return &ContinueRequest{} },
			wantCode: 0,
		},
		{
			name:      "bad role",
			body:      `{"conversation_id": "c1", "user_response": "teens", "conversation_history": [{"role": "robot", "content": "hi"}]}`,
			dst:       func() any { return &ContinueRequest{} },
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "conversation_history[0].role",
			wantMsg:   "role must be one of: user, assistant, system",
		},
		{
			name:      "empty summary history",
			body:      `{"conversation_history": []}`,
			dst:       func() any { return &HistoryRequest{} },
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "conversation_history",
			wantMsg:   "conversation_history must contain at least 1 item(s)",
		},
		{
			name:      "missing stream messages",
			body:      `{"messages": null}`,
			dst:       func() any { return &StreamRequest{} },
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "messages",
		},
		{
			name:      "malformed json",
			body:      `{"query": `,
			dst:       func() any { return &QueryRequest{} },
			wantCode:  http.StatusBadRequest,
			wantField: "body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Decode(jsonRequest(tt.body), "req-1", tt.dst())
			if tt.wantCode == 0 {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, errors.ValidationError, err.Type)
			assert.Equal(t, "req-1", err.RequestID)

			fields := fieldErrors(t, err)
			require.NotEmpty(t, fields)
			assert.Equal(t, tt.wantField, fields[0].Field)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, fields[0].Message)
			}
		})
	}
}

func TestDecodeContentType(t *testing.T) {
	v := New(nil, 0)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query": "x"}`))
	req.Header.Set("Content-Type", "text/plain")
	err := v.Decode(req, "", &QueryRequest{})
	require.NotNil(t, err)
	assert.Equal(t, http.StatusBadRequest, err.Code)
	assert.Equal(t, "invalid_content_type", fieldErrors(t, err)[0].Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query": "x"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	var q QueryRequest
	assert.Nil(t, v.Decode(req, "", &q))
	assert.Equal(t, "x", q.Query)
}

func TestTokenBudget(t *testing.T) {
	v := New(NewTokenCounterWith(wordTokenizer{}), 5)

	var ok ContinueRequest
	assert.Nil(t, v.Decode(jsonRequest(`{
		"conversation_id": "c1",
		"user_response": "for teens",
		"conversation_history": [{"role": "user", "content": "a calming serum"}]
	}`), "", &ok))

	var over ContinueRequest
	err := v.Decode(jsonRequest(`{
		"conversation_id": "c1",
		"user_response": "for teens with oily skin",
		"conversation_history": [{"role": "user", "content": "a calming serum"}]
	}`), "", &over)
	require.NotNil(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, err.Code)
	assert.Equal(t, "Token limit exceeded", err.Message)
	assert.Equal(t, "token_limit_exceeded", fieldErrors(t, err)[0].Code)
}

func TestTokenCounter(t *testing.T) {
	tc := NewTokenCounterWith(wordTokenizer{})
	assert.Equal(t, 5, tc.Count("one two", "three four five"))

	_, err := tc.Check(0, "x")
	assert.Error(t, err)

	total, err := tc.Check(2, "one two three")
	assert.Error(t, err)
	assert.Equal(t, 3, total)

	approx := ApproximateTokenCounter()
	assert.Equal(t, 0, approx.Count(""))
	assert.Equal(t, 1, approx.Count("abcd"))
	assert.Equal(t, 2, approx.Count("abcde"))
}

func TestTurns(t *testing.T) {
	turns := Turns([]Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}})
	assert.Equal(t, []provider.Message{
		{Role: provider.RoleUser, Content: "hi"},
		{Role: provider.RoleAssistant, Content: "hello"},
	}, turns)
}
