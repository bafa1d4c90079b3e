package engine_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ushauri/voicegateway/engine"
)

func TestChunkSpeechShortTextSingleChunk(t *testing.T) {
	chunks := engine.ChunkSpeech("A will is a legal document.", 400)
	require.Equal(t, []string{"A will is a legal document."}, chunks)
}

func TestChunkSpeechEmptyText(t *testing.T) {
	require.Empty(t, engine.ChunkSpeech("", 400))
}

func TestChunkSpeechPrefersSentenceBoundaries(t *testing.T) {
	text := "First sentence here. Second sentence here! Third sentence here?"
	chunks := engine.ChunkSpeech(text, 25)

	require.Equal(t, []string{
		"First sentence here. ",
		"Second sentence here! ",
		"Third sentence here?",
	}, chunks)
}

func TestChunkSpeechLosslessRoundTrip(t *testing.T) {
	texts := []string{
		"One. Two. Three. Four. Five. Six. Seven. Eight. Nine. Ten.",
		"No terminal punctuation at all just a long run of words that keeps going",
		"Mixed!   Extra   spacing?  And trailing space. ",
		"Ellipsis... then more... and a tail",
		strings.Repeat("A fairly long sentence that will need packing. ", 30),
	}
	for _, text := range texts {
		for _, maxLen := range []int{10, 25, 400} {
			chunks := engine.ChunkSpeech(text, maxLen)
			require.Equal(t, text, strings.Join(chunks, ""), "maxLen=%d", maxLen)
			for _, c := range chunks {
				require.NotEmpty(t, c)
				require.LessOrEqual(t, len([]rune(c)), maxLen)
			}
		}
	}
}

func TestChunkSpeechHardSplitsOversizedSentence(t *testing.T) {
	text := strings.Repeat("x", 95) + ". Short one."
	chunks := engine.ChunkSpeech(text, 40)

	require.Equal(t, text, strings.Join(chunks, ""))
	require.Len(t, chunks, 3)
	require.Equal(t, strings.Repeat("x", 40), chunks[0])
	require.Equal(t, strings.Repeat("x", 40), chunks[1])
}

func TestChunkSpeechDefaultsMaxLen(t *testing.T) {
	text := strings.Repeat("Sentence number one goes right here. ", 30)
	chunks := engine.ChunkSpeech(text, 0)

	require.Equal(t, text, strings.Join(chunks, ""))
	for _, c := range chunks {
		require.LessOrEqual(t, len([]rune(c)), engine.DefaultMaxChunkLen)
	}
}
