package flow_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
)

func TestRegistryRegisterAndValidate(t *testing.T) {
	r := flow.NewRegistry()
	require.NoError(t, r.Register(flow.Definition{Name: "file_finder", ArgsSchema: fileFinderSchema}))
	require.NoError(t, r.Register(flow.Definition{Name: "interrogate"}))

	assert.True(t, r.Known("file_finder"))
	assert.False(t, r.Known("missing"))
	assert.Equal(t, []string{"file_finder", "interrogate"}, r.Names())

	tests := []struct {
		name     string
		flowType string
		args     string
		wantErr  error
	}{
		{"valid args", "file_finder", `{"paths": ["/tmp"]}`, nil},
		{"schemaless type accepts anything", "interrogate", `{"whatever": 1}`, nil},
		{"missing required field", "file_finder", `{}`, errors.ErrArgsSchemaViolation},
		{"extra field rejected", "file_finder", `{"paths": ["/tmp"], "bogus": true}`, errors.ErrArgsSchemaViolation},
		{"unknown type", "nope", `{}`, errors.ErrUnknownFlowType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateArgs(tt.flowType, json.RawMessage(tt.args))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRegistryRejectsDuplicatesAndBadSchemas(t *testing.T) {
	r := flow.NewRegistry()
	require.NoError(t, r.Register(flow.Definition{Name: "file_finder"}))

	err := r.Register(flow.Definition{Name: "file_finder"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = r.Register(flow.Definition{Name: "bad", ArgsSchema: `{"type": nonsense}`})
	require.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, flow.StateRunning.Terminal())
	assert.True(t, flow.StateTerminated.Terminal())
	assert.True(t, flow.StateError.Terminal())
	assert.True(t, flow.StateClientCrashed.Terminal())
	assert.False(t, flow.State("bogus").Valid())
}
