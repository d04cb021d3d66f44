package cir

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed task.schema.json
var taskSchemaJSON []byte

var (
	schemaOnce sync.Once
	taskSchema *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// compiler requires.
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(taskSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal task schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("task.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add task schema resource: %w", err)
			return
		}
		taskSchema, schemaErr = c.Compile("task.schema.json")
	})
	return taskSchema, schemaErr
}

// ValidateDocument checks a mergeable-only task document against the task
// schema. Merge-tool output and flat-file adapter input both pass through
// here before being trusted.
func ValidateDocument(doc []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("document is not valid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("document does not match task schema: %w", err)
	}
	return nil
}
