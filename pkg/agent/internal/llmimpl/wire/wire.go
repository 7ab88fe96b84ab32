// Package wire holds conversions shared by the provider bindings.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentflow/pkg/agent/msg"
)

// SplitSystem removes system messages from the history and joins their text.
func SplitSystem(messages []msg.ChatMessage) (string, []msg.ChatMessage) {
	var system []string
	rest := make([]msg.ChatMessage, 0, len(messages))
	for i := range messages {
		if messages[i].Role == msg.RoleSystem {
			system = append(system, messages[i].Content)
			continue
		}
		rest = append(rest, messages[i])
	}
	return strings.Join(system, "\n\n"), rest
}

// DecodeArguments parses a JSON arguments string as produced by OpenAI-style APIs. Empty means no arguments.
func DecodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("tool call arguments are not a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// EncodeArguments renders arguments as a JSON object string.
func EncodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Convert copies src into dst through JSON, for SDK types whose Go shape varies between versions.
func Convert(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
