package chunker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/embedpipe/internal/model"
)

func TestChunkEmptyInput_ReturnsNoChunks(t *testing.T) {
	c := New(nil)
	require.Empty(t, c.Chunk(context.Background(), "", model.SourceTypeCode, model.ChunkMetadata{}))
	require.Empty(t, c.Chunk(context.Background(), "   \n\t  ", model.SourceTypeConversation, model.ChunkMetadata{}))
}

func TestChunkSmallInput_SingleChunk(t *testing.T) {
	c := New(nil)
	chunks := c.Chunk(context.Background(), "function foo() { return 1 }", model.SourceTypeCode, model.ChunkMetadata{SourceID: "f1"})
	require.Len(t, chunks, 1)
	require.Equal(t, 0, chunks[0].Metadata.ChunkIndex)
	require.Equal(t, 1, chunks[0].Metadata.TotalChunks)
	require.Equal(t, model.SourceTypeCode, chunks[0].Metadata.SourceType)
	require.Equal(t, "f1", chunks[0].Metadata.SourceID)
	require.Equal(t, HashText(chunks[0].Text), chunks[0].ContentHash)
}

func TestChunkIndexSequence(t *testing.T) {
	c := New(nil)
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString("The quick brown fox jumps over the lazy dog again and again. ")
	}
	chunks := c.Chunk(context.Background(), sb.String(), model.SourceTypeConversation, model.ChunkMetadata{})
	require.NotEmpty(t, chunks)
	total := chunks[0].Metadata.TotalChunks
	require.Len(t, chunks, total)
	for i, ch := range chunks {
		require.Equal(t, i, ch.Metadata.ChunkIndex)
		require.Equal(t, total, ch.Metadata.TotalChunks)
	}
}

func TestChunkHardCeiling(t *testing.T) {
	c := New(nil)
	for _, st := range []model.SourceType{
		model.SourceTypeCode,
		model.SourceTypeConversation,
		model.SourceTypeToolResult,
		model.SourceTypeLearning,
		model.SourceTypeDocumentation,
	} {
		sizing := defaultSizing[st]
		maxChars := sizing.MaxTokens * 4
		input := strings.Repeat("word soup with plenty of boundaries to cut at ", 500)
		chunks := c.Chunk(context.Background(), input, st, model.ChunkMetadata{})
		require.NotEmpty(t, chunks)
		for _, ch := range chunks {
			require.LessOrEqual(t, len(ch.Text), maxChars*3/2, "type %s", st)
		}
	}
}

func TestChunkCodeBoundaries(t *testing.T) {
	c := New(nil)
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("func handler() error {\n\treturn process(input)\n}\n\n")
		sb.WriteString("// some trailing explanation that pads the function body a little bit more\n\n")
	}
	chunks := c.Chunk(context.Background(), sb.String(), model.SourceTypeCode, model.ChunkMetadata{})
	require.Greater(t, len(chunks), 1)
	// Boundary splits should start chunks at declarations, not mid-body.
	require.True(t, strings.HasPrefix(chunks[0].Text, "func handler()"))
}

func TestChunkConversationSpeakerBoundaries(t *testing.T) {
	c := New(nil)
	var sb strings.Builder
	for i := 0; i < 60; i++ {
		sb.WriteString("user: can you explain how the cache invalidation works in this system?\n")
		sb.WriteString("assistant: the cache is keyed by model and content hash, and a digest change purges the model's entries.\n")
	}
	chunks := c.Chunk(context.Background(), sb.String(), model.SourceTypeConversation, model.ChunkMetadata{})
	require.Greater(t, len(chunks), 1)
}

func TestChunkDocumentationHeadings(t *testing.T) {
	c := New(nil)
	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("## Section\n\n")
		sb.WriteString(strings.Repeat("Documentation prose that fills the section with useful details. ", 10))
		sb.WriteString("\n\n")
	}
	chunks := c.Chunk(context.Background(), sb.String(), model.SourceTypeDocumentation, model.ChunkMetadata{})
	require.Greater(t, len(chunks), 1)
	require.True(t, strings.HasPrefix(chunks[0].Text, "## Section"))
}

func TestChunkOverlapPreserved(t *testing.T) {
	c := New(nil)
	input := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta iota kappa. ", 100)
	chunks := c.Chunk(context.Background(), input, model.SourceTypeConversation, model.ChunkMetadata{})
	require.Greater(t, len(chunks), 1)
	// The second chunk carries the tail of the first.
	firstTail := chunks[0].Text[len(chunks[0].Text)-40:]
	words := strings.Fields(firstTail)
	require.NotEmpty(t, words)
	require.Contains(t, chunks[1].Text, words[len(words)-1])
}

func TestChunkDeterministicHash(t *testing.T) {
	c := New(nil)
	input := "some stable content to hash"
	a := c.Chunk(context.Background(), input, model.SourceTypeLearning, model.ChunkMetadata{})
	b := c.Chunk(context.Background(), input, model.SourceTypeLearning, model.ChunkMetadata{})
	require.Equal(t, a[0].ContentHash, b[0].ContentHash)
	require.Equal(t, HashText(input), a[0].ContentHash)
}

func TestChunkSizingOverride(t *testing.T) {
	c := New(map[model.SourceType]Sizing{
		model.SourceTypeToolResult: {MaxTokens: 50, OverlapTokens: 5},
	})
	input := strings.Repeat("tool output line with some detail in it. ", 50)
	chunks := c.Chunk(context.Background(), input, model.SourceTypeToolResult, model.ChunkMetadata{})
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		require.LessOrEqual(t, len(ch.Text), 50*4*3/2)
	}
}
