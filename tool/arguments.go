package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeArguments parses the model's raw argument string. Strict JSON is
// tried first, then a repair pass for the usual model mistakes (trailing
// commas, single quotes, truncated objects). Anything still unparsable, or a
// non-object payload, is an argument error.
func DecodeArguments(toolName, raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, &ToolError{
			Tool:    toolName,
			Message: fmt.Sprintf("malformed arguments: %v", err),
			Code:    CodeArgumentError,
		}
	}

	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, &ToolError{
			Tool:    toolName,
			Message: fmt.Sprintf("arguments must be a JSON object: %v", err),
			Code:    CodeArgumentError,
		}
	}

	if args == nil {
		args = map[string]any{}
	}

	return args, nil
}
