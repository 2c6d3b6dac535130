package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSalvageCorpus(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"clean", `{"workflow_confirmed": true, "confidence": 0.8}`},
		{"fenced", "Here is the analysis:\n```json\n{\"workflow_confirmed\": true, \"confidence\": 0.8}\n```\nLet me know!"},
		{"fenced no lang", "```\n{\"workflow_confirmed\": true, \"confidence\": 0.8}\n```"},
		{"prefixed prose", `Sure! The result is {"workflow_confirmed": true, "confidence": 0.8} as requested.`},
		{"bare keys", `{workflow_confirmed: true, confidence: 0.8}`},
		{"trailing comma", `{"workflow_confirmed": true, "confidence": 0.8,}`},
		{"bare keys and trailing comma", `{workflow_confirmed: true, confidence: 0.8,}`},
		{"nested with braces in strings", `{"summary": "use {braces} carefully", "confidence": 0.8, "workflow_confirmed": true}`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			obj, err := Salvage(c.raw)
			require.NoError(t, err)
			require.NotNil(t, obj["confidence"])
		})
	}
}

func TestSalvageRejectsHopelessOutput(t *testing.T) {
	for _, raw := range []string{
		"",
		"I am unable to analyze this email.",
		"{ totally broken",
		"[1, 2, 3]",
	} {
		_, err := Salvage(raw)
		require.ErrorIs(t, err, ErrResponseShape, raw)
	}
}

func TestSalvagePrefersFencedBlock(t *testing.T) {
	raw := "{\"decoy\": 1} wait, actually:\n```json\n{\"real\": true}\n```"
	obj, err := Salvage(raw)
	require.NoError(t, err)
	require.Equal(t, true, obj["real"])
	require.Nil(t, obj["decoy"])
}

func TestQuoteBareKeysLeavesStringsAlone(t *testing.T) {
	obj, err := Salvage(`{note: "colons: inside, strings: stay", confidence: 0.5}`)
	require.NoError(t, err)
	require.Equal(t, "colons: inside, strings: stay", obj["note"])
}
