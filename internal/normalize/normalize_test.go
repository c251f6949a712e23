package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"basic", "Steel Widget", "steel widget"},
		{"punctuation", "Steel-Widget (Large), 10mm!", "steel widget large 10mm"},
		{"stop words", "Box of 5 pieces Steel Widget per unit", "box steel widget"},
		{"unit words", "Widget 12 Nos Qty", "widget 12"},
		{"extra whitespace", "  steel   widget  ", "steel widget"},
		{"single chars dropped", "a b widget c", "widget"},
		{"empty", "", ""},
		{"only noise", "a & ! -", ""},
		{"unicode stripped", "naïve café widget", "na ve caf widget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.in))
		})
	}
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("Industrial Steel Widget, 10mm (Pack of 5)")
	b := Key("Industrial Steel Widget, 10mm (Pack of 5)")
	assert.Equal(t, a, b)
}

func TestKey_Idempotent(t *testing.T) {
	inputs := []string{
		"Industrial Steel Widget, 10mm (Pack of 5)",
		"THE Premium A4 Paper - 500 sheets",
		"consulting services for Q3",
		"",
		"   lots   of   space   ",
	}
	for _, in := range inputs {
		once := Key(in)
		assert.Equal(t, once, Key(once), "Key must be idempotent for %q", in)
	}
}
