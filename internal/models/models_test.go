package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The version gate distinguishes "no version" from "version 0"; the field
// must survive both directions.
func TestVersionAbsentVersusZero(t *testing.T) {
	var absent Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"steps","roomId":"r","clientId":"c"}`), &absent))
	assert.Nil(t, absent.Version)

	var zero Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"steps","roomId":"r","clientId":"c","version":0}`), &zero))
	require.NotNil(t, zero.Version)
	assert.Equal(t, 0, *zero.Version)

	out, err := json.Marshal(&Message{Type: MsgTypeSteps, Version: IntPtr(0)})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"version":0`)

	out, err = json.Marshal(&Message{Type: MsgTypeSteps})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "version")
}
