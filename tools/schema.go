package tools

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// modelSchema builds the JSON Schema sent to the model. Object parameters
// list their documented fields so the model knows what to supply.
func modelSchema(params []Param) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		properties[p.Name] = paramSchema(p, true)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// validationSchema builds the schema arguments are checked against.
// Unknown top-level keys are rejected; the inside of object parameters is
// left to the handler, which reports its own errors.
func validationSchema(params []Param) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		properties[p.Name] = paramSchema(p, false)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func paramSchema(p Param, withFields bool) map[string]any {
	t := p.Type
	if t == "" {
		t = "string"
	}
	s := map[string]any{"type": t}
	if p.Description != "" {
		s["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if t == "array" {
		s["items"] = map[string]any{"type": "string"}
	}
	if t == "object" && withFields && len(p.Properties) > 0 {
		fields := make(map[string]any, len(p.Properties))
		for _, f := range p.Properties {
			fields[f.Name] = paramSchema(f, true)
		}
		s["properties"] = fields
	}
	return s
}

// validateArgs checks args against a compiled schema.
func validateArgs(schema *gojsonschema.Schema, args Args) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = Args{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(map[string]any(args)))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(errs, "; "))
	}
	return nil
}
