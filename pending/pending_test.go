package pending

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateFor(t *testing.T) {
	required := []string{"lat", "lon"}

	assert.Equal(t, StateEmpty, stateFor(nil, required))
	assert.Equal(t, StatePartial, stateFor(map[string]any{"lat": 1.0}, required))
	assert.Equal(t, StateReady, stateFor(map[string]any{"lat": 1.0, "lon": -1.0}, required))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "partial", StatePartial.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "emitted", StateEmitted.String())
}
