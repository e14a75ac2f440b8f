package processing

import (
	"encoding/json"
	"strings"

	"github.com/teilomillet/formulate/errors"
)

// Shape is the top-level JSON shape a caller expects.
type Shape int

const (
	ShapeObject Shape = iota
	ShapeArray
)

func (s Shape) delims() (byte, byte) {
	if s == ShapeArray {
		return '[', ']'
	}
	return '{', '}'
}

// Extraction is the result of ExtractJSON: either a parsed value or the
// reason parsing fell back.
type Extraction struct {
	// Value holds the parsed JSON when Reason is empty
	Value json.RawMessage

	// Reason explains why no value could be parsed
	Reason string
}

// Parsed reports whether a value was extracted.
func (e Extraction) Parsed() bool { return e.Reason == "" }

// Err returns the fallback as a malformed_model_output error, or nil when a
// value was parsed.
func (e Extraction) Err() error {
	if e.Parsed() {
		return nil
	}
	return errors.NewMalformedOutputError(e.Reason, nil)
}

// Decode unmarshals the parsed value into v.
func (e Extraction) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

// ExtractJSON finds the JSON value of the given shape inside a model reply.
// Markdown code fences are removed, then the text between the first opening
// and the last closing delimiter is parsed strictly. It never panics and
// never returns an error; failures are reported through Reason.
func ExtractJSON(raw string, shape Shape) Extraction {
	s := StripFences(raw)

	open, close := shape.delims()
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end < start {
		return Extraction{Reason: "no JSON " + shape.String() + " found"}
	}

	var v json.RawMessage
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return Extraction{Reason: "invalid JSON: " + err.Error()}
	}
	return Extraction{Value: v}
}

func (s Shape) String() string {
	if s == ShapeArray {
		return "array"
	}
	return "object"
}

// StripFences removes ```json and ``` markers and surrounding whitespace.
func StripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// LineRecord is one "name: description" line from a non-JSON reply.
type LineRecord struct {
	Name        string
	Description string
}

// ParseLines is the fallback for replies that contain no usable JSON. Each
// non-blank line that is not a comment becomes a record, split on its first
// colon. Lines without a colon yield a record with an empty Description.
func ParseLines(text string) []LineRecord {
	var records []LineRecord
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "```") {
			continue
		}

		name, desc, _ := strings.Cut(line, ":")
		records = append(records, LineRecord{
			Name:        strings.TrimSpace(name),
			Description: strings.TrimSpace(desc),
		})
	}
	return records
}
