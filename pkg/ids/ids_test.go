package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataflowIDRoundTrip(t *testing.T) {
	id := NewDataflowID()
	text, err := id.MarshalText()
	require.NoError(t, err)

	var parsed DataflowID
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, id, parsed)
}

func TestParseDataflowIDRejectsGarbage(t *testing.T) {
	_, err := ParseDataflowID("not-a-uuid")
	assert.Error(t, err)
}

func TestDropTokenSourceNeverIssuesZero(t *testing.T) {
	var src DropTokenSource
	seen := make(map[DropToken]bool)
	for i := 0; i < 100; i++ {
		tok := src.Next()
		assert.NotZero(t, tok)
		assert.False(t, seen[tok], "drop tokens must be unique")
		seen[tok] = true
	}
}

func TestOutputIDAndInputIDString(t *testing.T) {
	out := OutputID{Node: "p", Output: "x"}
	assert.Equal(t, "p/x", out.String())

	in := InputID{Node: "a", Input: "in"}
	assert.Equal(t, "a/in", in.String())
}
