package social

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage_ShortPassesThrough(t *testing.T) {
	chunks := SplitMessage("Sent 0.5 SOL.", MaxPostLength)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Sent 0.5 SOL.", chunks[0])
}

func TestSplitMessage_ParagraphsMergeWhenTheyFit(t *testing.T) {
	chunks := SplitMessage("First line.\n\nSecond line.", MaxPostLength)
	require.Len(t, chunks, 1)
	assert.Equal(t, "First line.\n\nSecond line.", chunks[0])
}

func TestSplitMessage_LongTextRespectsLimit(t *testing.T) {
	text := strings.Repeat("Every transfer gets a confirmation link. ", 20)
	chunks := SplitMessage(text, MaxPostLength)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), MaxPostLength, "chunk %d", i)
		assert.NotEmpty(t, c)
	}
	// Nothing lost: rejoining recovers every word in order.
	assert.Equal(t, strings.Fields(text), strings.Fields(strings.Join(chunks, " ")))
}

func TestSplitMessage_SplitsOnSentences(t *testing.T) {
	a := strings.Repeat("a", 150) + "."
	b := strings.Repeat("b", 150) + "."
	chunks := SplitMessage(a+" "+b, MaxPostLength)
	require.Len(t, chunks, 2)
	assert.Equal(t, a, chunks[0])
	assert.Equal(t, b, chunks[1])
}

func TestSplitMessage_EmptyInput(t *testing.T) {
	assert.Empty(t, SplitMessage("", MaxPostLength))
	assert.Empty(t, SplitMessage("\n\n  \n\n", MaxPostLength))
}

func TestConversationID_OrderIndependent(t *testing.T) {
	assert.Equal(t, ConversationID("123", "456"), ConversationID("456", "123"))
	assert.Equal(t, "123-456", ConversationID("456", "123"))
}
