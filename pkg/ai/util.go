package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

func stripDuplicateLeadingBrace(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		rest := strings.TrimSpace(s[1:])
		if strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}

// stripCodeFence removes a surrounding markdown code fence, which chat models
// like to wrap JSON answers in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// GenerateSchema creates a JSON Schema from the given Go type.
// It uses reflection to inspect the type structure and generates
// a schema suitable for use with AI structured output.
func GenerateSchema(value any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	v := reflect.New(t).Interface()
	return reflector.Reflect(v)
}

// UnmarshalFlexible attempts to unmarshal JSON into the target with multiple fallback strategies.
// It first tries standard JSON unmarshaling, then handles double-encoded JSON strings,
// and finally attempts to repair malformed JSON before parsing.
//
// This is useful for parsing AI-generated JSON which may be malformed or wrapped in strings.
//
// Example:
//
//	var result MyStruct
//	// All of these inputs would work:
//	UnmarshalFlexible(`{"name": "test"}`, &result)           // standard JSON
//	UnmarshalFlexible(`"{\"name\": \"test\"}"`, &result)     // double-encoded
//	UnmarshalFlexible(`{name: "test"}`, &result)             // malformed (repaired)
func UnmarshalFlexible(input string, out any) error {
	input = stripCodeFence(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		input = asString
	}

	input = stripDuplicateLeadingBrace(input)
	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w (input: %s)", err, input)
	}

	if err := json.Unmarshal([]byte(repaired), out); err == nil {
		return nil
	}

	return fmt.Errorf(
		"unmarshal failed after repair: input=%s repaired=%s",
		input, repaired,
	)
}

// CollectStream drains a chat stream into the full answer text. onChunk, if
// set, is called with the running character count after every content chunk.
func CollectStream(ctx context.Context, stream <-chan StreamEvent, onChunk func(chars int)) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return sb.String(), nil
			}
			if ev.Type != "content" || ev.Content == "" {
				continue
			}
			sb.WriteString(ev.Content)
			if onChunk != nil {
				onChunk(sb.Len())
			}
		}
	}
}

// NormalizeLabel standardizes concept labels for comparisons: whitespace is
// collapsed and the result upper-cased.
func NormalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.Join(strings.Fields(value), " ")
	return strings.ToUpper(value)
}
