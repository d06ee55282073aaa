package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"simple", "agent-1", false},
		{"with dots", "validator.0", false},
		{"underscore", "client_foo", false},
		{"empty", "", true},
		{"leading dash", "-bad", true},
		{"too long", string(make([]byte, 65)), true},
		{"bad char", "agent!1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNodeKeyString(t *testing.T) {
	assert.Equal(t, "validator/0", NodeKey{Type: NodeTypeValidator, ID: "0"}.String())
	assert.Equal(t, "client/foo@ns", NodeKey{Type: NodeTypeClient, ID: "foo", Namespace: "ns"}.String())
}

func TestLabelSetSuperset(t *testing.T) {
	interner := NewLabelInterner()
	agentLabels := interner.InternAll([]string{"fast", "gpu"})
	required := interner.InternAll([]string{"fast"})
	assert.True(t, agentLabels.Superset(required))

	missing := interner.InternAll([]string{"fast", "rare"})
	assert.False(t, agentLabels.Superset(missing))
}
