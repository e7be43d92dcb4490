package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWakeGatePrefixStripsWord(t *testing.T) {
	g := &WakeGate{Word: "nano", Enabled: true, Fallback: fallbackPrompt}

	text, ok := g.Gate("nano wie spät ist es")
	assert.True(t, ok)
	assert.Equal(t, "wie spät ist es", text)
}

func TestWakeGateBareWordFallsBack(t *testing.T) {
	g := &WakeGate{Word: "nano", Enabled: true, Fallback: fallbackPrompt}

	text, ok := g.Gate("nano")
	assert.True(t, ok)
	assert.Equal(t, "hallo", text)
}

func TestWakeGateRejectsNonPrefix(t *testing.T) {
	g := &WakeGate{Word: "nano", Enabled: true, Fallback: fallbackPrompt}

	_, ok := g.Gate("hallo nano")
	assert.False(t, ok)

	_, ok = g.Gate("wie spät ist es")
	assert.False(t, ok)

	_, ok = g.Gate("")
	assert.False(t, ok)
}

func TestWakeGateDisabledPassesThrough(t *testing.T) {
	g := &WakeGate{Word: "nano", Enabled: false, Fallback: fallbackPrompt}

	text, ok := g.Gate("wie spät ist es")
	assert.True(t, ok)
	assert.Equal(t, "wie spät ist es", text)
}

func TestNewWakeGateFromEnv(t *testing.T) {
	t.Setenv("WAKE_WORD", "")
	t.Setenv("USE_WAKE_WORD", "")
	g := NewWakeGateFromEnv()
	assert.Equal(t, "nano", g.Word)
	assert.True(t, g.Enabled)

	t.Setenv("USE_WAKE_WORD", "false")
	g = NewWakeGateFromEnv()
	assert.False(t, g.Enabled)
}
