package ot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertAt(pos int, text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"stepType": "replace",
		"from":     pos,
		"to":       pos,
		"slice": map[string]interface{}{
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": text},
			},
		},
	})
	return raw
}

func TestDefaultSchemaAndEmptyDoc(t *testing.T) {
	schema, err := DefaultSchema()
	require.NoError(t, err)

	doc, err := EmptyDoc(schema)
	require.NoError(t, err)

	raw, err := DocToJSON(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph"}]}`, string(raw))
}

func TestDocRoundTrip(t *testing.T) {
	schema, err := DefaultSchema()
	require.NoError(t, err)

	src := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]}`
	doc, err := DocFromJSON(schema, []byte(src))
	require.NoError(t, err)

	raw, err := DocToJSON(doc)
	require.NoError(t, err)
	assert.JSONEq(t, src, string(raw))
}

func TestApplyStepsSequential(t *testing.T) {
	schema, err := DefaultSchema()
	require.NoError(t, err)
	doc, err := EmptyDoc(schema)
	require.NoError(t, err)

	// Each step applies against the document produced by the previous one.
	next, err := ApplySteps(schema, doc, []json.RawMessage{
		insertAt(1, "a"),
		insertAt(2, "b"),
	})
	require.NoError(t, err)

	raw, err := DocToJSON(next)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ab")

	// The input document is untouched.
	orig, err := DocToJSON(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"doc","content":[{"type":"paragraph"}]}`, string(orig))
}

func TestApplyStepsFailureIsAtomic(t *testing.T) {
	schema, err := DefaultSchema()
	require.NoError(t, err)
	doc, err := EmptyDoc(schema)
	require.NoError(t, err)

	_, err = ApplySteps(schema, doc, []json.RawMessage{
		insertAt(1, "a"),
		json.RawMessage(`{"stepType":"replace","from":500,"to":501}`),
	})
	assert.Error(t, err)
}

func TestStepFromJSONRejectsUnknownType(t *testing.T) {
	schema, err := DefaultSchema()
	require.NoError(t, err)

	_, err = StepFromJSON(schema, []byte(`{"stepType":"warp"}`))
	assert.Error(t, err)
}

func TestMappingShiftsConcurrentInsert(t *testing.T) {
	schema, err := DefaultSchema()
	require.NoError(t, err)

	// A server insert of one character at position 1...
	mapping, err := MappingFromSteps(schema, []json.RawMessage{insertAt(1, "x")})
	require.NoError(t, err)

	// ...pushes a concurrent local insert at position 1 to position 2.
	local, err := StepFromJSON(schema, insertAt(1, "y"))
	require.NoError(t, err)

	mapped, err := MapStep(local, mapping)
	require.NoError(t, err)

	raw, err := StepToJSON(mapped)
	require.NoError(t, err)

	var got struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 2, got.From)
	assert.Equal(t, 2, got.To)
}

func TestStepRoundTrip(t *testing.T) {
	schema, err := DefaultSchema()
	require.NoError(t, err)

	step, err := StepFromJSON(schema, insertAt(1, "q"))
	require.NoError(t, err)

	raw, err := StepToJSON(step)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "replace", got["stepType"])
}
