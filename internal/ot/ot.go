// Package ot adapts the prosemirror-go model and transform packages to the
// narrow surface the coordination core needs: build documents from a schema,
// apply serialized steps, and compose position maps for rebasing. Everything
// else in the repo goes through this package rather than importing
// prosemirror-go directly.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cozy/prosemirror-go/model"
	"github.com/cozy/prosemirror-go/transform"
)

// Schema is the document schema shared by server and clients.
type Schema = model.Schema

// Doc is an immutable document tree.
type Doc = model.Node

// Step is a single serializable document transformation.
type Step = transform.Step

// Mapping composes step position maps across intervening edits.
type Mapping = transform.Mapping

// ErrStepDropped is returned by MapStep when the mapped step was entirely
// deleted by the intervening edits.
var ErrStepDropped = errors.New("step dropped by mapping")

// defaultSchemaJSON is the minimal rich-text schema: a document of paragraphs
// of text. Kept as the standard prosemirror JSON spec form so it stays
// interchangeable with JS clients.
const defaultSchemaJSON = `{
	"nodes": {
		"doc": {"content": "block+"},
		"paragraph": {"content": "inline*", "group": "block"},
		"text": {"group": "inline"}
	},
	"marks": {}
}`

// DefaultSchema builds the shared document schema.
func DefaultSchema() (*Schema, error) {
	return SchemaFromJSON([]byte(defaultSchemaJSON))
}

// SchemaFromJSON builds a schema from a prosemirror schema-spec JSON object.
func SchemaFromJSON(raw []byte) (*Schema, error) {
	var spec model.SchemaSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse schema spec: %w", err)
	}
	schema, err := model.NewSchema(&spec)
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	return schema, nil
}

// EmptyDoc returns the version-0 document for a schema.
func EmptyDoc(schema *Schema) (*Doc, error) {
	return DocFromJSON(schema, []byte(`{"type":"doc","content":[{"type":"paragraph"}]}`))
}

// DocFromJSON deserializes a document.
func DocFromJSON(schema *Schema, raw []byte) (*Doc, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parse doc: %w", err)
	}
	doc, err := model.NodeFromJSON(schema, obj)
	if err != nil {
		return nil, fmt.Errorf("build doc: %w", err)
	}
	return doc, nil
}

// DocToJSON serializes a document for snapshot exchange.
func DocToJSON(doc *Doc) (json.RawMessage, error) {
	return json.Marshal(doc.ToJSON())
}

// StepFromJSON deserializes a step ({"stepType": ..., ...}).
func StepFromJSON(schema *Schema, raw []byte) (Step, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parse step: %w", err)
	}
	step, err := transform.StepFromJSON(schema, obj)
	if err != nil {
		return nil, fmt.Errorf("build step: %w", err)
	}
	return step, nil
}

// StepToJSON serializes a step back to its wire form.
func StepToJSON(step Step) (json.RawMessage, error) {
	return json.Marshal(step.ToJSON())
}

// ApplyStep applies one step, returning the new document. A failed
// application returns the reason from the transform layer.
func ApplyStep(doc *Doc, step Step) (*Doc, error) {
	res := step.Apply(doc)
	if res.Failed != "" {
		return nil, errors.New(res.Failed)
	}
	return res.Doc, nil
}

// ApplySteps applies a batch of serialized steps sequentially; step k sees
// the document produced by step k-1. Application is atomic: any failure
// returns an error and the input document is unchanged (documents are
// immutable, so the caller simply keeps its reference).
func ApplySteps(schema *Schema, doc *Doc, steps []json.RawMessage) (*Doc, error) {
	next := doc
	for i, raw := range steps {
		step, err := StepFromJSON(schema, raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		next, err = ApplyStep(next, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return next, nil
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &transform.Mapping{}
}

// AppendStep appends a step's position map to the mapping.
func AppendStep(m *Mapping, step Step) {
	m.AppendMap(step.GetMap())
}

// MappingFromSteps builds the mapping of a sequence of serialized server
// steps, in order.
func MappingFromSteps(schema *Schema, steps []json.RawMessage) (*Mapping, error) {
	m := NewMapping()
	for i, raw := range steps {
		step, err := StepFromJSON(schema, raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		AppendStep(m, step)
	}
	return m, nil
}

// MapStep transforms a step's positions through the mapping. ErrStepDropped
// means the edit no longer exists after the intervening changes.
func MapStep(step Step, m *Mapping) (Step, error) {
	mapped := step.Map(m)
	if mapped == nil {
		return nil, ErrStepDropped
	}
	return mapped, nil
}
