package relaycache

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.trai.ch/zerr"
)

//go:embed schemas/*.json
var defaultSchemas embed.FS

const schemaBaseURL = "mem://relaycache/"

var createRequiredFields = map[EntityType][]string{
	EntityTask:    {"title"},
	EntityProject: {"name"},
	EntityMember:  {"name"},
	EntityTeam:    {"name"},
	EntityClient:  {"name"},
}

// PayloadValidator checks write payloads against per-entity JSON Schemas before they are queued.
// Creates additionally require the entity's naming field.
type PayloadValidator struct {
	update map[EntityType]*jsonschema.Schema
	create map[EntityType]*jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	return NewPayloadValidatorFromDir("")
}

// NewPayloadValidatorFromDir compiles the built-in schemas, replacing any "<entityType>.json"
// found in dir.
func NewPayloadValidatorFromDir(dir string) (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for _, entityType := range AllEntityTypes {
		data, err := schemaSource(dir, entityType)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "parse payload schema"), "entity_type", string(entityType))
		}
		if err := compiler.AddResource(schemaBaseURL+string(entityType)+".json", doc); err != nil {
			return nil, zerr.With(zerr.Wrap(err, "register payload schema"), "entity_type", string(entityType))
		}
		required := make([]any, 0, len(createRequiredFields[entityType]))
		for _, field := range createRequiredFields[entityType] {
			required = append(required, field)
		}
		createDoc := map[string]any{
			"allOf":    []any{map[string]any{"$ref": string(entityType) + ".json"}},
			"required": required,
		}
		if err := compiler.AddResource(schemaBaseURL+string(entityType)+".create.json", createDoc); err != nil {
			return nil, zerr.With(zerr.Wrap(err, "register create schema"), "entity_type", string(entityType))
		}
	}

	v := &PayloadValidator{
		update: map[EntityType]*jsonschema.Schema{},
		create: map[EntityType]*jsonschema.Schema{},
	}
	for _, entityType := range AllEntityTypes {
		updateSchema, err := compiler.Compile(schemaBaseURL + string(entityType) + ".json")
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "compile payload schema"), "entity_type", string(entityType))
		}
		createSchema, err := compiler.Compile(schemaBaseURL + string(entityType) + ".create.json")
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "compile create schema"), "entity_type", string(entityType))
		}
		v.update[entityType] = updateSchema
		v.create[entityType] = createSchema
	}
	return v, nil
}

func schemaSource(dir string, entityType EntityType) ([]byte, error) {
	name := string(entityType) + ".json"
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, zerr.With(zerr.Wrap(err, "read payload schema"), "path", filepath.Join(dir, name))
		}
	}
	return defaultSchemas.ReadFile("schemas/" + name)
}

func (v *PayloadValidator) Validate(entityType EntityType, op Operation, payload map[string]any) error {
	schemas := v.update
	if op == OperationCreate {
		schemas = v.create
	}
	schema, ok := schemas[entityType]
	if !ok {
		return invalidInput("no schema for entity type", "entity_type", string(entityType))
	}
	data, err := json.Marshal(stripMarkers(payload))
	if err != nil {
		return zerr.With(zerr.Wrap(ErrInvalidInput, "payload is not serializable: "+err.Error()), "entity_type", string(entityType))
	}
	if payload == nil {
		data = []byte("null")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return zerr.With(zerr.Wrap(ErrInvalidInput, "payload is not valid json: "+err.Error()), "entity_type", string(entityType))
	}
	if err := schema.Validate(instance); err != nil {
		return zerr.With(zerr.With(zerr.Wrap(ErrInvalidInput, "payload rejected: "+err.Error()),
			"entity_type", string(entityType)), "operation", string(op))
	}
	return nil
}
