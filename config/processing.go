package config

// ProcessingConfig customizes prompt rendering and response formatting.
type ProcessingConfig struct {
	// PromptTemplates overrides built-in prompt templates by name
	// (e.g. "question", "reconstruct"). Values are text/template sources.
	PromptTemplates map[string]string `yaml:"prompt_templates"`

	// ResponseFormatting configures how model replies are post-processed
	ResponseFormatting ResponseFormattingConfig `yaml:"response_formatting"`
}

// ResponseFormattingConfig defines response formatting options
type ResponseFormattingConfig struct {
	// TrimWhitespace removes surrounding whitespace from replies
	TrimWhitespace bool `yaml:"trim_whitespace"`

	// MaxLength truncates replies longer than this many bytes; 0 disables
	MaxLength int `yaml:"max_length"`
}
