package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestExtractObjectFenced(t *testing.T) {
	text := "Here is the plan:\n```json\n{\"name\": \"x\", \"count\": 2}\n```\nDone."
	var p payload
	require.True(t, ExtractObject(text, &p))
	assert.Equal(t, "x", p.Name)
	assert.Equal(t, 2, p.Count)
}

func TestExtractObjectBareFence(t *testing.T) {
	text := "```\n{\"name\": \"y\"}\n```"
	var p payload
	require.True(t, ExtractObject(text, &p))
	assert.Equal(t, "y", p.Name)
}

func TestExtractObjectEmbeddedInProse(t *testing.T) {
	text := `Sure! The result is {"name": "z", "count": 7} as requested.`
	var p payload
	require.True(t, ExtractObject(text, &p))
	assert.Equal(t, "z", p.Name)
	assert.Equal(t, 7, p.Count)
}

func TestExtractObjectRawJSON(t *testing.T) {
	var p payload
	require.True(t, ExtractObject(`{"name": "raw"}`, &p))
	assert.Equal(t, "raw", p.Name)
}

func TestExtractObjectMalformed(t *testing.T) {
	var p payload
	assert.False(t, ExtractObject("no json here at all", &p))
	assert.Equal(t, payload{}, p)
	assert.False(t, ExtractObject(`{"name": unterminated`, &p))
}

func TestExtractArray(t *testing.T) {
	text := "Queries:\n```json\n[{\"name\": \"a\"}, {\"name\": \"b\"}]\n```"
	var items []payload
	require.True(t, ExtractArray(text, &items))
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[1].Name)
}

func TestExtractArrayEmbedded(t *testing.T) {
	var items []payload
	require.True(t, ExtractArray(`here you go: [{"name": "only"}] enjoy`, &items))
	require.Len(t, items, 1)
}
