package brief

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// documentSchema constrains brief documents before decoding. It validates
// shapes and ranges, not defaults; absent keys are handled by Parse.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id"],
  "properties": {
    "schema_version": {"type": "string"},
    "job_id": {"type": "string", "minLength": 1},
    "job_type": {"type": "string", "minLength": 1},
    "brand": {"type": "string"},
    "artist": {"type": "string"},
    "title": {"type": "string"},
    "tone_tags": {"type": "array", "items": {"type": "string"}},
    "constraints": {"type": "object"},
    "ig": {
      "type": "object",
      "properties": {
        "caption_count": {"type": "integer", "minimum": 1},
        "hashtag_count": {"type": "integer", "minimum": 0},
        "max_caption_chars": {"type": "integer", "minimum": 1},
        "include_cta": {"type": "boolean"},
        "include_emojis": {"type": "boolean"}
      }
    },
    "generation_mode": {"enum": ["single", "variants", "format"]},
    "caption_variants": {"type": "integer", "minimum": 1, "maximum": 20},
    "output_formats": {"type": "array", "items": {"enum": ["md", "json", "yaml"]}},
    "context_mode": {"enum": ["glob", "retrieve"]},
    "context_query": {"type": "string"},
    "retrieval_top_k": {"type": "integer", "minimum": 1, "maximum": 100},
    "retrieval_method": {"enum": ["keyword"]},
    "blocks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "content"],
        "properties": {
          "name": {"type": "string"},
          "kind": {"type": "string"},
          "content": {"type": "string"}
        }
      }
    },
    "inputs": {"type": "object", "additionalProperties": {"type": "string"}},
    "chain_inputs": {
      "type": "object",
      "required": ["prior_run_id"],
      "properties": {
        "prior_run_id": {"type": "string", "minLength": 1},
        "prior_stage": {"type": "string"},
        "required_outputs": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal brief schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("brief.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add brief schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("brief.schema.json")
	})
	return compiledSchema, schemaErr
}

// ValidateDocument checks a decoded brief document against the brief schema.
func ValidateDocument(doc map[string]any) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	// Round-trip through JSON so YAML-native types (int, map[string]any)
	// reach the validator as json.Number and map[string]any.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal brief document: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("reparse brief document: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("brief schema validation failed: %w", err)
	}
	return nil
}
