package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

var schemas sync.Map

// GenerateSchema returns the JSON schema of the type of value, dereferencing
// pointers. Schemas are inlined and closed against additional properties so
// they can be passed as a structured output format. Results are cached per
// type.
func GenerateSchema(value any) any {
	t := reflect.TypeOf(value)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if s, ok := schemas.Load(t); ok {
		return s
	}
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	s, _ := schemas.LoadOrStore(t, reflector.Reflect(reflect.New(t).Interface()))
	return s
}

// UnmarshalFlexible decodes model output into out. Besides plain JSON it
// accepts output wrapped in a markdown code fence, a JSON document encoded as
// a string and malformed JSON that jsonrepair can fix.
func UnmarshalFlexible(input string, out any) error {
	input = stripFence(strings.TrimSpace(input))
	if json.Unmarshal([]byte(input), out) == nil {
		return nil
	}

	var inner string
	if json.Unmarshal([]byte(input), &inner) == nil {
		inner = stripFence(strings.TrimSpace(inner))
		if json.Unmarshal([]byte(inner), out) == nil {
			return nil
		}
		input = inner
	}

	input = collapseLeadingBrace(input)
	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w (input: %s)", err, input)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return errors.Join(fmt.Errorf("unmarshal failed after repair: input=%s repaired=%s", input, repaired), err)
	}
	return nil
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// collapseLeadingBrace turns "{ {" into "{", a frequent model glitch.
func collapseLeadingBrace(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "{"); ok {
		if rest = strings.TrimSpace(rest); strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}
