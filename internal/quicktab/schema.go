package quicktab

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema validates the unified v2 envelope before use. Legacy
// payloads never reach it; they go through migration first.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tabs"],
	"properties": {
		"tabs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "url", "originTabId"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"url": {"type": "string"},
					"position": {
						"type": "object",
						"properties": {
							"left": {"type": "integer"},
							"top": {"type": "integer"}
						}
					},
					"size": {
						"type": "object",
						"properties": {
							"width": {"type": "integer"},
							"height": {"type": "integer"}
						}
					},
					"originTabId": {"type": "integer"},
					"originContainerId": {"type": "string"},
					"minimized": {"type": "boolean"},
					"minimizedSnapshot": {
						"type": "object",
						"properties": {
							"left": {"type": "integer"},
							"top": {"type": "integer"},
							"width": {"type": "integer"},
							"height": {"type": "integer"},
							"originTabId": {"type": "integer"}
						}
					},
					"state": {"enum": ["visible", "minimized", "destroyed"]},
					"lastModified": {"type": "integer"},
					"saveId": {"type": "string"}
				}
			}
		},
		"saveId": {"type": "string"},
		"timestamp": {"type": "integer"}
	}
}`

var (
	envelopeSchemaOnce     sync.Once
	envelopeSchemaCompiled *jsonschema.Schema
	envelopeSchemaErr      error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			envelopeSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("quick_tabs_state_v2.json", doc); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchemaCompiled, envelopeSchemaErr = compiler.Compile("quick_tabs_state_v2.json")
	})
	return envelopeSchemaCompiled, envelopeSchemaErr
}

// ValidateEnvelopePayload checks a raw v2 payload against the envelope
// schema. Invalid payloads are rejected so a corrupt store entry degrades
// to empty state instead of crashing consumers.
func ValidateEnvelopePayload(payload []byte) error {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
