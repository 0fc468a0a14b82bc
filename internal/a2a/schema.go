// schema.go validates the four structured A2A payload kinds named in
// §4.7 with github.com/santhosh-tekuri/jsonschema/v6, compiling each
// schema once from an in-memory resource (no file on disk) and caching
// the compiled validator for reuse across flows.
package a2a

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadKind is one of the four structured A2A payload shapes.
type PayloadKind string

const (
	PayloadTaskDelegation PayloadKind = "task_delegation"
	PayloadStatusReport   PayloadKind = "status_report"
	PayloadQuestion       PayloadKind = "question"
	PayloadAnswer         PayloadKind = "answer"
)

var payloadSchemas = map[PayloadKind]string{
	PayloadTaskDelegation: `{
		"type": "object",
		"required": ["taskId", "instructions"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"instructions": {"type": "string", "minLength": 1},
			"maxRetries": {"type": "integer", "minimum": 0}
		}
	}`,
	PayloadStatusReport: `{
		"type": "object",
		"required": ["status", "summary"],
		"properties": {
			"status": {"type": "string", "minLength": 1},
			"summary": {"type": "string", "minLength": 1},
			"blockers": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	PayloadQuestion: `{
		"type": "object",
		"required": ["question"],
		"properties": {
			"question": {"type": "string", "minLength": 1},
			"context": {"type": "string"}
		}
	}`,
	PayloadAnswer: `{
		"type": "object",
		"required": ["answer"],
		"properties": {
			"answer": {"type": "string", "minLength": 1},
			"questionRef": {"type": "string"}
		}
	}`,
}

var (
	compileOnce  sync.Once
	compiled     map[PayloadKind]*jsonschema.Schema
	compileError error
)

func compileSchemas() (map[PayloadKind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[PayloadKind]*jsonschema.Schema, len(payloadSchemas))
		for kind, raw := range payloadSchemas {
			url := "mem://" + string(kind) + ".json"
			var decoded any
			if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
				compileError = fmt.Errorf("a2a: decode schema %s: %w", kind, err)
				return
			}
			if err := c.AddResource(url, decoded); err != nil {
				compileError = fmt.Errorf("a2a: add schema resource %s: %w", kind, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileError = fmt.Errorf("a2a: compile schema %s: %w", kind, err)
				return
			}
			out[kind] = sch
		}
		compiled = out
	})
	return compiled, compileError
}

// ValidatePayload reports whether raw satisfies kind's schema. Per
// §4.7, an invalid or unrecognized payload is never a hard error to the
// caller — it degrades gracefully to free-text — so callers should treat
// a false return (or a non-nil err) as "drop the structured payload" and
// carry on with message alone.
func ValidatePayload(kind PayloadKind, raw json.RawMessage) (bool, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return false, err
	}
	sch, ok := schemas[kind]
	if !ok {
		return false, fmt.Errorf("a2a: unknown payload kind %q", kind)
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return false, nil
	}
	if err := sch.Validate(instance); err != nil {
		return false, nil
	}
	return true, nil
}
