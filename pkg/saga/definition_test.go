package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()

	def := &Definition{
		Name:  "provisioning",
		Steps: []Step{{Name: "reserve", Activity: okActivity(nil)}},
	}

	require.NoError(t, registry.Register(def))

	got, err := registry.Get("provisioning")
	require.NoError(t, err)
	assert.Equal(t, def, got)

	assert.Equal(t, []string{"provisioning"}, registry.Names())
}

func TestRegistry_GetUnknown(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get("nope")
	require.ErrorIs(t, err, ErrUnknownSaga)
}

func TestDefinition_Validate(t *testing.T) {
	registry := NewRegistry()

	tests := []struct {
		name string
		def  *Definition
	}{
		{
			name: "missing name",
			def:  &Definition{},
		},
		{
			name: "step without name",
			def: &Definition{
				Name:  "s",
				Steps: []Step{{Activity: okActivity(nil)}},
			},
		},
		{
			name: "step without activity",
			def: &Definition{
				Name:  "s",
				Steps: []Step{{Name: "a"}},
			},
		},
		{
			name: "duplicate step names",
			def: &Definition{
				Name: "s",
				Steps: []Step{
					{Name: "a", Activity: okActivity(nil)},
					{Name: "a", Activity: okActivity(nil)},
				},
			},
		},
		{
			name: "negative timeout",
			def: &Definition{
				Name:  "s",
				Steps: []Step{{Name: "a", Activity: okActivity(nil), Timeout: -time.Second}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.Register(tt.def)
			require.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestDefinition_SignalDeadlineDefault(t *testing.T) {
	def := &Definition{Name: "s"}
	assert.Equal(t, DefaultSignalDeadline, def.signalDeadline())

	def.SignalDeadline = time.Minute
	assert.Equal(t, time.Minute, def.signalDeadline())
}
