package tool

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"github.com/dshills/marketgraph/graph/model"
)

// DecodeArguments normalizes tool-call arguments.
//
// Providers that return unparseable JSON leave the raw text under
// model.RawArgumentsKey; it is repaired with jsonrepair and decoded.
// Well-formed maps pass through unchanged. A nil input yields an empty map.
func DecodeArguments(input map[string]interface{}) (map[string]interface{}, error) {
	if input == nil {
		return map[string]interface{}{}, nil
	}
	raw, ok := input[model.RawArgumentsKey].(string)
	if !ok || len(input) != 1 {
		return input, nil
	}
	return ParseArguments(raw)
}

// ParseArguments decodes a JSON argument string, repairing common model
// mistakes such as unquoted keys, single quotes or truncation.
func ParseArguments(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}

	out := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair arguments: %w", err)
	}
	out = map[string]interface{}{}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return out, nil
}
