package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/teilomillet/formulate/server/provider"
)

var _ provider.Completer = (*Completer)(nil)

// Rule answers every call whose prompt contains Match.
type Rule struct {
	Match string
	Reply string
	Err   error
}

// Call records one request seen by a Completer.
type Call struct {
	Messages    []provider.Message
	Temperature float64
}

// Prompt returns the concatenated message contents of the call.
func (c Call) Prompt() string {
	var b strings.Builder
	for _, m := range c.Messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// Completer is a scripted provider.Completer. Rules are checked in the
// order they were added against the concatenated message contents; the
// first match wins. Unmatched calls return Default.
type Completer struct {
	mu      sync.Mutex
	rules   []Rule
	calls   []Call
	Default string

	// Fragments, when set, is what Stream emits instead of the matched reply.
	Fragments []string
}

// NewCompleter creates an empty scripted completer.
func NewCompleter() *Completer {
	return &Completer{}
}

// On adds a rule replying with reply.
func (c *Completer) On(match, reply string) *Completer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, Rule{Match: match, Reply: reply})
	return c
}

// Fail adds a rule failing with err.
func (c *Completer) Fail(match string, err error) *Completer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, Rule{Match: match, Err: err})
	return c
}

// Complete implements provider.Completer
func (c *Completer) Complete(ctx context.Context, messages []provider.Message, temperature float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	call := Call{Messages: append([]provider.Message(nil), messages...), Temperature: temperature}
	prompt := call.Prompt()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)

	for _, r := range c.rules {
		if strings.Contains(prompt, r.Match) {
			return r.Reply, r.Err
		}
	}
	return c.Default, nil
}

// Stream implements provider.Completer
func (c *Completer) Stream(ctx context.Context, messages []provider.Message, temperature float64, emit func(string) error) error {
	reply, err := c.Complete(ctx, messages, temperature)
	if err != nil {
		return err
	}

	c.mu.Lock()
	fragments := append([]string(nil), c.Fragments...)
	c.mu.Unlock()
	if len(fragments) == 0 {
		fragments = []string{reply}
	}

	for _, f := range fragments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

// Calls returns every recorded call.
func (c *Completer) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsMatching counts recorded calls whose prompt contains match.
func (c *Completer) CallsMatching(match string) int {
	n := 0
	for _, call := range c.Calls() {
		if strings.Contains(call.Prompt(), match) {
			n++
		}
	}
	return n
}
