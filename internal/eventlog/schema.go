package eventlog

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

// compileEventSchema compiles the embedded envelope schema.
func compileEventSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event-v1.schema.json", bytes.NewReader(eventSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	schema, err := compiler.Compile("event-v1.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return schema, nil
}

// envelope converts an event to the generic form the validator consumes.
func envelope(e *Event) map[string]any {
	m := map[string]any{
		"id":           e.ID,
		"type":         string(e.Type),
		"timestamp_ns": e.Time.UnixNano(),
		"description":  e.Description,
	}
	if e.Metadata != nil {
		meta := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		m["metadata"] = meta
	}
	if e.Latitude != nil {
		m["latitude"] = *e.Latitude
	}
	if e.Longitude != nil {
		m["longitude"] = *e.Longitude
	}
	if e.Accuracy != nil {
		m["accuracy_m"] = *e.Accuracy
	}
	if e.EvidencePath != "" {
		m["evidence_path"] = e.EvidencePath
	}
	return m
}
