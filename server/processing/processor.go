package processing

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/server/provider"
	"go.uber.org/zap"
)

// Processor renders named prompt templates, sends them through a
// provider.Completer and formats the reply according to configuration.
// It holds no per-request state and is safe for concurrent use.
type Processor struct {
	completer provider.Completer
	templates map[string]*template.Template
	config    *config.ProcessingConfig
	logger    *zap.Logger
	fallbacks *prometheus.CounterVec
}

var funcs = template.FuncMap{
	"transcript": Transcript,
}

// NewProcessor compiles the built-in templates plus any overrides from cfg.
// It fails fast on templates that do not parse.
func NewProcessor(cfg *config.ProcessingConfig, completer provider.Completer, logger *zap.Logger) (*Processor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("processing config is required")
	}
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sources := make(map[string]string, len(defaultTemplates))
	for name, src := range defaultTemplates {
		sources[name] = src
	}
	for name, src := range cfg.PromptTemplates {
		sources[name] = src
	}

	templates := make(map[string]*template.Template, len(sources))
	for name, src := range sources {
		t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		templates[name] = t
	}

	return &Processor{
		completer: completer,
		templates: templates,
		config:    cfg,
		logger:    logger,
	}, nil
}

// Render executes a named template.
func (p *Processor) Render(name string, data PromptData) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("no template found for name: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}
	return buf.String(), nil
}

// SystemPrompt renders the assistant system prompt.
func (p *Processor) SystemPrompt(maxExchanges int) string {
	s, err := p.Render(TemplateSystem, PromptData{MaxExchanges: maxExchanges})
	if err != nil {
		// Built-in template; only a broken override gets here.
		p.logger.Error("failed to render system prompt", zap.Error(err))
		return ""
	}
	return s
}

// Messages builds the message list for req without calling the model.
func (p *Processor) Messages(req *Request) ([]provider.Message, error) {
	content, err := p.Render(req.Template, req.Data)
	if err != nil {
		return nil, err
	}

	var messages []provider.Message
	if req.WithSystem {
		messages = append(messages, provider.Message{
			Role:    provider.RoleSystem,
			Content: p.SystemPrompt(req.Data.MaxExchanges),
		})
	}
	return append(messages, provider.Message{Role: provider.RoleUser, Content: content}), nil
}

// Process renders req, calls the model and formats the reply.
func (p *Processor) Process(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	messages, err := p.Messages(req)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("sending prompt",
		zap.String("template", req.Template),
		zap.Int("messages", len(messages)),
		zap.Float64("temperature", req.Temperature),
	)

	reply, err := p.completer.Complete(ctx, messages, req.Temperature)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Template, err)
	}

	return p.formatResponse(reply), nil
}

// SetFallbackCounter sets a counter, labelled by template, incremented
// whenever Extract falls back.
func (p *Processor) SetFallbackCounter(c *prometheus.CounterVec) {
	p.fallbacks = c
}

// Extract runs ExtractJSON on a reply produced by template and records
// fallbacks.
func (p *Processor) Extract(template, reply string, shape Shape) Extraction {
	ex := ExtractJSON(reply, shape)
	if !ex.Parsed() {
		p.logger.Debug("model output fell back",
			zap.String("template", template),
			zap.Error(ex.Err()),
		)
		if p.fallbacks != nil {
			p.fallbacks.WithLabelValues(template).Inc()
		}
	}
	return ex
}

// Stream relays a caller-supplied message list to the model.
func (p *Processor) Stream(ctx context.Context, messages []provider.Message, temperature float64, emit func(string) error) error {
	return p.completer.Stream(ctx, messages, temperature, emit)
}

func (p *Processor) formatResponse(content string) *Response {
	if p.config.ResponseFormatting.TrimWhitespace {
		content = strings.TrimSpace(content)
	}
	if p.config.ResponseFormatting.MaxLength > 0 && len(content) > p.config.ResponseFormatting.MaxLength {
		content = content[:p.config.ResponseFormatting.MaxLength]
	}
	return &Response{Content: content}
}

// Transcript renders the non-system turns of a history, one "role: content"
// line each.
func Transcript(history []provider.Message) string {
	var b strings.Builder
	for _, m := range history {
		if m.Role == provider.RoleSystem {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
