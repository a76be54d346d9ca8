package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnparseable is returned when a response does not contain the expected JSON.
var ErrUnparseable = errors.New("unparseable LLM response")

// ExtractJSON returns the JSON object in an LLM reply, handling markdown code
// blocks and prose before or after the object.
func ExtractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}

	// Strip markdown code fences
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		if endIdx < 1 {
			return "", false
		}
		text = strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// ParseJSONResponse parses a JSON object from an LLM reply, or returns nil.
func ParseJSONResponse(text string) map[string]any {
	var result map[string]any
	if err := DecodeJSON(text, &result); err != nil {
		return nil
	}
	return result
}

// DecodeJSON unmarshals the JSON object in text into v. Every failure wraps
// ErrUnparseable.
func DecodeJSON(text string, v any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return fmt.Errorf("%w: no JSON object found", ErrUnparseable)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return nil
}

// Decode is the typed form of DecodeJSON.
func Decode[T any](text string) (T, error) {
	var v T
	if err := DecodeJSON(text, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
