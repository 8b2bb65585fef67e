package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// trimString removes leading and trailing whitespace from a string.
func trimString(s string) string {
	return strings.TrimSpace(s)
}

// getOptionalString extracts an optional string argument from the request.
func getOptionalString(req mcp.CallToolRequest, key string) string {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return ""
	}
	val, _ := args[key].(string)
	return val
}

// getOptionalFloat extracts an optional number argument from the request.
func getOptionalFloat(req mcp.CallToolRequest, key string) (float64, bool) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return 0, false
	}
	val, ok := args[key].(float64)
	return val, ok
}

// getOptionalInt extracts an optional integer argument. JSON numbers arrive
// as float64; fractional values are rejected.
func getOptionalInt(req mcp.CallToolRequest, key string) (int, bool, error) {
	f, ok := getOptionalFloat(req, key)
	if !ok {
		return 0, false, nil
	}
	if f != float64(int(f)) {
		return 0, false, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return int(f), true, nil
}

// decodeArgument re-encodes an arbitrary argument into target.
func decodeArgument(req mcp.CallToolRequest, key string, target any) (bool, error) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return false, nil
	}
	raw, ok := args[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false, fmt.Errorf("parameter '%s' could not be read: %w", key, err)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return false, fmt.Errorf("parameter '%s' has the wrong shape: %w", key, err)
	}
	return true, nil
}
