package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// PayloadValidationError reports a payload that does not match the JSON
// schema registered for its command type.
type PayloadValidationError struct {
	Type   string                `json:"type"`
	Errors []ValidationErrorItem `json:"validation_errors"`
}

func (e *PayloadValidationError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("payload for %s does not match schema", e.Type)
	}
	return fmt.Sprintf("payload for %s does not match schema: %s: %s", e.Type, e.Errors[0].Path, e.Errors[0].Message)
}

func (e *PayloadValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// PayloadSchemas holds compiled payload schemas keyed by command type.
type PayloadSchemas struct {
	schemas map[string]*gojsonschema.Schema
}

// NewPayloadSchemas compiles raw JSON schema documents keyed by command type.
func NewPayloadSchemas(raw map[string]string) (*PayloadSchemas, error) {
	p := &PayloadSchemas{schemas: make(map[string]*gojsonschema.Schema, len(raw))}
	for typ, doc := range raw {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("compile payload schema %s: %w", typ, err)
		}
		p.schemas[typ] = schema
	}
	return p, nil
}

// LoadPayloadSchemas reads every *.json file in dir; the file name without
// extension is the command type.
func LoadPayloadSchemas(dir string) (*PayloadSchemas, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	raw := make(map[string]string, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read payload schema: %w", err)
		}
		raw[strings.TrimSuffix(filepath.Base(f), ".json")] = string(b)
	}
	return NewPayloadSchemas(raw)
}

// Types returns the command types with a registered schema.
func (p *PayloadSchemas) Types() []string {
	out := make([]string, 0, len(p.schemas))
	for t := range p.schemas {
		out = append(out, t)
	}
	return out
}

// Validate checks payload against the schema for cmdType. Types without a
// schema accept any payload.
func (p *PayloadSchemas) Validate(cmdType string, payload json.RawMessage) error {
	if p == nil {
		return nil
	}
	schema, ok := p.schemas[cmdType]
	if !ok {
		return nil
	}
	doc := strings.TrimSpace(string(payload))
	if doc == "" {
		doc = "{}"
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return invalidArgument("validate payload for %s: %v", cmdType, err)
	}
	if res.Valid() {
		return nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
			Value:   item.Value(),
		})
	}
	return &PayloadValidationError{Type: cmdType, Errors: items}
}
