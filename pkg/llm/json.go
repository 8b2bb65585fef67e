package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when a response contains no parseable JSON value.
var ErrNoJSON = errors.New("no valid JSON found in response")

// thinkTagPattern matches <think>...</think> blocks emitted by reasoning models.
var thinkTagPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// fencePattern matches a Markdown code fence with an optional language tag.
var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")

// StripCodeFences returns the body of the first fenced block, or the input
// unchanged when no fence is present.
func StripCodeFences(response string) string {
	if m := fencePattern.FindStringSubmatch(response); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	// An unterminated opening fence still wraps the payload.
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
			trimmed = trimmed[nl+1:]
		}
		return strings.TrimSpace(trimmed)
	}
	return response
}

// ExtractJSON extracts the first balanced JSON object or array from free text.
// Think tags and Markdown fences are removed first. Whichever of '{' or '['
// appears first is tried first.
func ExtractJSON(response string) (string, error) {
	cleaned := thinkTagPattern.ReplaceAllString(response, "")
	cleaned = StripCodeFences(cleaned)

	trimmed := strings.TrimSpace(cleaned)
	if trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	objStart := strings.IndexByte(cleaned, '{')
	arrStart := strings.IndexByte(cleaned, '[')

	candidates := []byte{'{', '['}
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		candidates = []byte{'[', '{'}
	}

	for _, open := range candidates {
		closeChar := byte('}')
		if open == '[' {
			closeChar = ']'
		}
		for offset := 0; offset < len(cleaned); {
			jsonStr, end, ok := extractBalancedJSON(cleaned[offset:], open, closeChar)
			if !ok {
				break
			}
			if json.Valid([]byte(jsonStr)) {
				return jsonStr, nil
			}
			offset += end
		}
	}

	return "", ErrNoJSON
}

// extractBalancedJSON finds the first balanced structure starting with openChar
// and returns it together with the index just past its opening bracket, so a
// caller can resume scanning after an invalid candidate.
func extractBalancedJSON(s string, openChar, closeChar byte) (string, int, bool) {
	start := strings.IndexByte(s, openChar)
	if start == -1 {
		return "", 0, false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return s[start : i+1], start + 1, true
			}
		}
	}

	return "", 0, false
}

// ParseJSONResponse extracts JSON from a response and unmarshals it into the target.
func ParseJSONResponse[T any](response string) (T, error) {
	var result T

	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return result, nil
}

// ParseJSONArrayOrEmpty parses a JSON array response, degrading to an empty
// slice when nothing parseable is present. Only use this where an empty result
// is a safe answer.
func ParseJSONArrayOrEmpty[T any](response string) []T {
	items, err := ParseJSONResponse[[]T](response)
	if err != nil {
		return []T{}
	}
	return items
}
