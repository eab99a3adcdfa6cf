package definition

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// workflowDefinitionSchema is the JSON schema raw workflow definitions are
// validated against before structural validation.
var workflowDefinitionSchema = map[string]any{
	"type":     "object",
	"required": []any{"id", "name", "tasks"},
	"properties": map[string]any{
		"id":          map[string]any{"type": "string", "minLength": 1},
		"name":        map[string]any{"type": "string", "minLength": 3},
		"description": map[string]any{"type": "string"},
		"tasks": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"id", "capability"},
				"properties": map[string]any{
					"id":          map[string]any{"type": "string", "minLength": 1},
					"name":        map[string]any{"type": "string"},
					"capability":  map[string]any{"type": "string", "minLength": 1},
					"payload":     map[string]any{"type": "object"},
					"retry_limit": map[string]any{"type": "integer", "minimum": 0},
					"upstream": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []any{"upstream_id"},
							"properties": map[string]any{
								"upstream_id": map[string]any{"type": "string", "minLength": 1},
								"on_error":    map[string]any{"type": "boolean"},
							},
						},
					},
				},
			},
		},
		"trigger": map[string]any{
			"type":     "object",
			"required": []any{"cron_expression"},
			"properties": map[string]any{
				"cron_expression": map[string]any{"type": "string", "minLength": 9},
				"run_delay":       map[string]any{"type": "integer", "minimum": 0},
			},
		},
	},
}

// ValidateRaw validates an unmarshaled workflow definition document against
// the JSON schema.
func ValidateRaw(document map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(workflowDefinitionSchema)
	documentLoader := gojsonschema.NewGoLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate workflow definition: %w", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			messages = append(messages, resultError.String())
		}

		return fmt.Errorf("workflow definition schema validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}
