package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"student-query-agent/internal/domain"
)

const intentSchemaJSON = `{
  "type": "object",
  "properties": {
    "isSmallTalk": {"type": "boolean"},
    "response": {"type": "string"},
    "explanation": {"type": "string"}
  },
  "required": ["isSmallTalk", "response", "explanation"],
  "additionalProperties": false
}`

var (
	intentSchema   = mustSchema(intentSchemaJSON)
	analysisSchema = mustSchema(analysisSchemaJSON())
)

func analysisSchemaJSON() string {
	enum, _ := json.Marshal(domain.Sources)
	return `{
  "type": "object",
  "properties": {
    "requiredWorkers": {"type": "array", "items": {"type": "string", "enum": ` + string(enum) + `}},
    "parameters": {"type": "object", "additionalProperties": {"type": "object"}},
    "questionType": {"type": "string"},
    "complexity": {"type": "string"}
  },
  "required": ["requiredWorkers"],
  "additionalProperties": false
}`
}

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("usecase: compile schema: %v", err))
	}
	return schema
}

// decodeModelJSON validates raw model output against schema and decodes it
// strictly into out. Numbers are kept as json.Number.
func decodeModelJSON(raw string, schema *gojsonschema.Schema, out any) error {
	body := stripCodeFence(raw)
	if body == "" {
		return errors.New("empty output")
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return fmt.Errorf("parse output: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("schema violation: %s", strings.Join(problems, "; "))
	}

	dec := json.NewDecoder(bytes.NewBufferString(body))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("decode output: multiple JSON values")
		}
		return fmt.Errorf("decode output trailing data: %w", err)
	}
	return nil
}

// stripCodeFence removes a surrounding Markdown code fence, with or without
// a language tag.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
