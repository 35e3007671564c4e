package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// actionSchemas holds the compiled action_config schema per action type.
// Types absent from the map accept any config.
var actionSchemas = map[ActionType]*jsonschema.Schema{}

func init() {
	sources := map[ActionType]string{
		ActionSendEmail: `{
			"type": "object",
			"required": ["to", "subject"],
			"properties": {
				"to": {"type": "string", "minLength": 1},
				"subject": {"type": "string", "minLength": 1},
				"body": {"type": "string"},
				"template_id": {"type": "string"}
			}
		}`,
		ActionWebhook: `{
			"type": "object",
			"required": ["url"],
			"properties": {
				"url": {"type": "string", "pattern": "^https?://"},
				"method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
				"headers": {"type": "object"},
				"body": {},
				"secret": {"type": "string"}
			}
		}`,
		ActionUpdateField: `{
			"type": "object",
			"required": ["field"],
			"properties": {
				"field": {"type": "string", "minLength": 1},
				"value": {}
			}
		}`,
		ActionUpdateRecord: `{
			"type": "object",
			"required": ["fields"],
			"properties": {
				"fields": {"type": "object", "minProperties": 1}
			}
		}`,
		ActionCreateRecord: `{
			"type": "object",
			"required": ["module_id", "fields"],
			"properties": {
				"module_id": {"type": "integer"},
				"fields": {"type": "object"}
			}
		}`,
		ActionAssignUser: `{
			"type": "object",
			"required": ["user_id"],
			"properties": {
				"user_id": {"type": "string", "minLength": 1}
			}
		}`,
		ActionAddTag: `{
			"type": "object",
			"required": ["tag"],
			"properties": {"tag": {"type": "string", "minLength": 1}}
		}`,
		ActionRemoveTag: `{
			"type": "object",
			"required": ["tag"],
			"properties": {"tag": {"type": "string", "minLength": 1}}
		}`,
		ActionDelay: `{
			"type": "object",
			"required": ["seconds"],
			"properties": {
				"seconds": {"type": "number", "minimum": 0, "maximum": 86400}
			}
		}`,
		ActionCondition: `{
			"type": "object",
			"properties": {
				"conditions": {},
				"on_true": {"type": "string"},
				"on_false": {"type": "string"}
			}
		}`,
		ActionSendNotification: `{
			"type": "object",
			"required": ["message"],
			"properties": {
				"message": {"type": "string", "minLength": 1},
				"user_ids": {"type": "array", "items": {"type": "string"}}
			}
		}`,
		ActionCreateTask: `{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"due_in_days": {"type": "integer", "minimum": 0},
				"assignee_id": {"type": "string"}
			}
		}`,
		ActionMoveStage: `{
			"type": "object",
			"required": ["stage"],
			"properties": {"stage": {"type": "string", "minLength": 1}}
		}`,
		ActionUpdateRelatedRecord: `{
			"type": "object",
			"required": ["relation", "fields"],
			"properties": {
				"relation": {"type": "string", "minLength": 1},
				"fields": {"type": "object", "minProperties": 1}
			}
		}`,
	}
	for actionType, src := range sources {
		compiler := jsonschema.NewCompiler()
		name := string(actionType) + ".json"
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("add schema %s: %v", actionType, err))
		}
		actionSchemas[actionType] = compiler.MustCompile(name)
	}
}

// ValidateActionConfig checks a step's action_config against the schema
// for its action type. It runs at authoring time so bad configs are
// rejected before an execution ever reaches the engine.
func ValidateActionConfig(actionType ActionType, cfg map[string]any) error {
	schema, ok := actionSchemas[actionType]
	if !ok {
		return nil
	}
	// Round-trip so numbers carry the types the validator expects.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal action config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal action config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("action config for %s: %w", actionType, err)
	}
	return nil
}
