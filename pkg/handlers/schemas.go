package handlers

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// requestSchemaRegistry compiles the request body schemas once. Validation
// failures are surfaced before any streaming begins.
type requestSchemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[string]*jsonschema.Schema
}

var requestSchemas requestSchemaRegistry

func initRequestSchemas() error {
	requestSchemas.once.Do(func() {
		sources := map[string]string{
			"create_artifact":   createArtifactSchema,
			"update_artifact":   updateArtifactSchema,
			"create_version":    createVersionSchema,
			"agent_permissions": agentPermissionsSchema,
		}
		requestSchemas.schemas = make(map[string]*jsonschema.Schema, len(sources))
		for name, source := range sources {
			compiled, err := jsonschema.CompileString(name, source)
			if err != nil {
				requestSchemas.initErr = err
				return
			}
			requestSchemas.schemas[name] = compiled
		}
	})
	return requestSchemas.initErr
}

// validateRequestBody checks raw against the named schema, then unmarshals
// it into dst.
func validateRequestBody(name string, raw []byte, dst any) error {
	if err := initRequestSchemas(); err != nil {
		return err
	}
	schema, ok := requestSchemas.schemas[name]
	if !ok {
		return fmt.Errorf("unknown request schema %q", name)
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

const createArtifactSchema = `{
  "type": "object",
  "required": ["title", "kind"],
  "properties": {
    "title": { "type": "string", "minLength": 1 },
    "kind": { "enum": ["table", "bar-chart", "line-chart", "pie-chart"] },
    "agentId": { "type": "string" },
    "args": { "type": "object" }
  },
  "additionalProperties": false
}`

const updateArtifactSchema = `{
  "type": "object",
  "properties": {
    "title": { "type": "string" },
    "content": { "type": "string" },
    "description": { "type": "string" },
    "agentId": { "type": "string" }
  },
  "additionalProperties": false
}`

const createVersionSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": { "type": "string", "minLength": 1 },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false
}`

const agentPermissionsSchema = `{
  "type": "object",
  "required": ["visibility"],
  "properties": {
    "visibility": { "enum": ["public", "private", "readonly", "admin-all", "admin-selective", "admin-shared"] },
    "userIds": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": false
}`
