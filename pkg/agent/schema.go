package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/comicbot/dailycomic/pkg/model"
)

// Compiled payload schemas, one per role. Validation happens at the submit
// boundary so invalid shapes never enter the run's data model.
var (
	scriptSchema     = mustCompile(scriptSchemaDoc())
	jokeSchema       = mustCompile(jokeSchemaDoc())
	evaluationSchema = mustCompile(evaluationSchemaDoc())
)

func mustCompile(doc map[string]interface{}) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("invalid payload schema: %v", err))
	}
	return schema
}

func scriptSchemaDoc() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"title", "description", "panels", "caption"},
		"properties": map[string]interface{}{
			"title":       map[string]interface{}{"type": "string", "minLength": 1},
			"description": map[string]interface{}{"type": "string"},
			"caption":     map[string]interface{}{"type": "string"},
			"panels": map[string]interface{}{
				"type":     "array",
				"minItems": model.PanelCount,
				"maxItems": model.PanelCount,
				"items": map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"description"},
					"properties": map[string]interface{}{
						"description": map[string]interface{}{"type": "string", "minLength": 1},
						"dialog": map[string]interface{}{
							"type":  "array",
							"items": map[string]interface{}{"type": "string"},
						},
						"narration": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
	}
}

func jokeSchemaDoc() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"title", "content"},
		"properties": map[string]interface{}{
			"title":   map[string]interface{}{"type": "string", "minLength": 1},
			"content": map[string]interface{}{"type": "string", "minLength": 1},
		},
	}
}

func evaluationSchemaDoc() map[string]interface{} {
	scoreProps := map[string]interface{}{}
	required := []interface{}{}
	for _, c := range model.Criteria {
		scoreProps[c.Name] = map[string]interface{}{
			"type":    "integer",
			"minimum": 0,
			"maximum": c.Max,
		}
		required = append(required, c.Name)
	}

	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"scores", "total_score"},
		"properties": map[string]interface{}{
			"scores": map[string]interface{}{
				"type":       "object",
				"required":   required,
				"properties": scoreProps,
			},
			"comments": map[string]interface{}{"type": "object"},
			"total_score": map[string]interface{}{
				"type":    "integer",
				"minimum": 0,
				"maximum": model.MaxTotal,
			},
			"overall": map[string]interface{}{"type": "string"},
		},
	}
}

// SchemaForRole returns the compiled terminal payload schema for a role.
func SchemaForRole(role Role) (*gojsonschema.Schema, error) {
	switch role {
	case RoleWriter:
		return scriptSchema, nil
	case RoleJokeWriter:
		return jokeSchema, nil
	case RoleJudge:
		return evaluationSchema, nil
	default:
		return nil, fmt.Errorf("unknown role: %s", role)
	}
}

// ValidatePayload checks a raw terminal payload against a schema and returns a
// readable list of violations on failure.
func ValidatePayload(schema *gojsonschema.Schema, payload json.RawMessage) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return fmt.Errorf("payload invalid: %s", strings.Join(issues, "; "))
}
