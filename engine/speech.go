package engine

import (
	"unicode"
)

// DefaultMaxChunkLen is the longest text passed to a single Say verb. Long
// answers are split so the gateway never rejects an oversized speak request.
const DefaultMaxChunkLen = 400

// Spoken copy for the voice flow. Kept together so the whole call script can
// be reviewed in one place.
const (
	greetingText     = "Welcome to the Ushauri legal assistant. How may I help you today?"
	noInputText      = "I didn't hear anything. Please call back when you're ready to speak. Goodbye."
	repromptText     = "I'm sorry, I couldn't understand what you said. Could you please repeat that?"
	stillWorkingText = "I'm still working on your previous question. Please hold."
	reassuranceText  = "Still processing your question, please continue to hold."
	apologyText      = "I apologize for the technical issue. Please ask your question again."
	orphanedText     = "I'm sorry, but I can't find your conversation. Please call again."
)

// followUpPrompts are rotated by turn number after each answer.
var followUpPrompts = []string{
	"Do you have any other questions?",
	"Is there anything else you would like to ask?",
	"Do you have another legal question I can help with?",
}

func followUpPrompt(turnNumber int) string {
	if turnNumber < 1 {
		turnNumber = 1
	}
	return followUpPrompts[(turnNumber-1)%len(followUpPrompts)]
}

// ChunkSpeech splits text into speakable segments of at most maxLen runes,
// preferring sentence boundaries. Sentences keep their terminal punctuation
// and trailing whitespace, so concatenating the chunks reproduces text
// exactly. A single sentence longer than maxLen is hard-split into
// fixed-length slices. No chunk is empty.
func ChunkSpeech(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLen
	}
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	var current []rune
	for _, sentence := range splitSentences(runes) {
		if len(current) > 0 && len(current)+len(sentence) > maxLen {
			chunks = append(chunks, string(current))
			current = nil
		}
		for len(sentence) > maxLen {
			chunks = append(chunks, string(sentence[:maxLen]))
			sentence = sentence[maxLen:]
		}
		current = append(current, sentence...)
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}

// splitSentences cuts runes after each run of sentence-terminal punctuation
// followed by whitespace. The whitespace stays attached to the preceding
// sentence so the split is lossless.
func splitSentences(runes []rune) [][]rune {
	var out [][]rune
	start := 0
	i := 0
	for i < len(runes) {
		if !isSentenceTerminal(runes[i]) {
			i++
			continue
		}
		for i < len(runes) && isSentenceTerminal(runes[i]) {
			i++
		}
		if i < len(runes) && unicode.IsSpace(runes[i]) {
			for i < len(runes) && unicode.IsSpace(runes[i]) {
				i++
			}
			out = append(out, runes[start:i])
			start = i
		}
	}
	if start < len(runes) {
		out = append(out, runes[start:])
	}
	return out
}

func isSentenceTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
