package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexivion.com/docsearch/internal/retrieval"
)

func TestParseAnswer(t *testing.T) {
	raw := "```json\n{\"answer\": \"Revenue grew.\", \"sections\": [{\"title\": \"Revenue\", \"chunk_ids\": [3, \"7\", \"x\"], \"text\": \"Up 10%.\"}]}\n```"
	answer, err := parseAnswer(raw)
	require.NoError(t, err)
	assert.Equal(t, "Revenue grew.", answer.Answer)
	require.Len(t, answer.Sections, 1)
	assert.Equal(t, []int64{3, 7}, answer.Sections[0].ChunkIDs)
	assert.Equal(t, "Revenue", answer.Sections[0].Title)

	answer, err = parseAnswer(`{"answer": "No data."}`)
	require.NoError(t, err)
	assert.Empty(t, answer.Sections)

	_, err = parseAnswer("not json")
	assert.Error(t, err)
	_, err = parseAnswer("   ")
	assert.Error(t, err)
}

func TestBuildAnswerPrompt(t *testing.T) {
	prompt := buildAnswerPrompt("What changed?", []retrieval.Segment{
		{ChunkID: 11, PageNumber: 2, Content: "Prices rose."},
		{ChunkID: 12, PageNumber: 3, Content: "   "},
	})
	assert.Contains(t, prompt, "[Chunk ID: 11, Page: 2]\nPrices rose.")
	assert.NotContains(t, prompt, "Chunk ID: 12")
	assert.Contains(t, prompt, "Question: What changed?")
}

func TestFallbackAnswer(t *testing.T) {
	answer := FallbackAnswer("q", []retrieval.Segment{
		{ChunkID: 1, Content: "first"},
		{ChunkID: 2, Content: "second"},
	})
	assert.Equal(t, "fallback", answer.Source)
	require.Len(t, answer.Sections, 2)
	assert.Equal(t, []int64{2}, answer.Sections[1].ChunkIDs)
	assert.Contains(t, answer.Answer, "first\n\nsecond")

	assert.Equal(t, "retriever", NoContextAnswer().Source)
}
