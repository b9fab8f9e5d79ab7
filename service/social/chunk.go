package social

import (
	"regexp"
	"strings"
)

// MaxPostLength is the platform's per-post character limit.
const MaxPostLength = 280

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+|[^.!?]+$`)

// SplitMessage breaks reply text into post-sized chunks, preferring paragraph
// boundaries, then sentence boundaries, then word boundaries.
func SplitMessage(content string, maxLength int) []string {
	var chunks []string
	var current string

	for _, paragraph := range strings.Split(content, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		joined := paragraph
		if current != "" {
			joined = current + "\n\n" + paragraph
		}
		if len(joined) <= maxLength {
			current = joined
			continue
		}

		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
		if len(paragraph) <= maxLength {
			current = paragraph
			continue
		}

		parts := splitParagraph(paragraph, maxLength)
		chunks = append(chunks, parts[:len(parts)-1]...)
		current = parts[len(parts)-1]
	}

	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// splitParagraph breaks one over-long paragraph on sentence boundaries,
// falling back to words for sentences that still do not fit.
func splitParagraph(paragraph string, maxLength int) []string {
	sentences := sentenceRe.FindAllString(paragraph, -1)
	if sentences == nil {
		sentences = []string{paragraph}
	}

	var chunks []string
	var current string

	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}

	appendPiece := func(piece string) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			return
		}
		joined := piece
		if current != "" {
			joined = current + " " + piece
		}
		if len(joined) <= maxLength {
			current = joined
			return
		}
		flush()
		current = piece
	}

	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if len(sentence) <= maxLength {
			appendPiece(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			appendPiece(word)
		}
	}
	flush()

	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}
