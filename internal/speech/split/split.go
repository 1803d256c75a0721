// Package split turns raw utterance text into an ordered list of sentences
// for the narration pipeline.
package split

import (
	"regexp"
	"strings"
	"time"
)

// Sentence is one unit of narration. Index is its position in playback
// order; the sequence produced by Split is total and gap-free.
type Sentence struct {
	Index int
	Text  string
}

// Periods inside these tokens never end a sentence. Closed list on purpose:
// heuristic growth here causes far more mis-splits than it fixes.
var abbreviationRe = regexp.MustCompile(
	`(?i)\b(?:mr|mrs|ms|dr|prof|rev|hon|gen|sen|rep|st|sr|jr|ph\.d|` +
		`e\.g|i\.e|etc|vs|cf|al|inc|ltd|co|corp|dept|est|` +
		`no|vol|fig|pp|approx)\.`)

var terminatorRe = regexp.MustCompile(`[.!?]+(\s+|$)`)

// maskRune stands in for periods that terminate an abbreviation rather
// than a sentence.
const maskRune = '\x01'

// Split returns the trimmed, non-empty sentences of text in order.
// Input with no sentence-terminal punctuation comes back as a single
// sentence; Split never returns zero sentences for non-empty input.
func Split(text string) []Sentence {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	masked := abbreviationRe.ReplaceAllStringFunc(trimmed, func(m string) string {
		return strings.ReplaceAll(m, ".", string(maskRune))
	})

	var sentences []Sentence
	appendPiece := func(piece string) {
		piece = strings.TrimSpace(strings.ReplaceAll(piece, string(maskRune), "."))
		if piece != "" {
			sentences = append(sentences, Sentence{Index: len(sentences), Text: piece})
		}
	}

	last := 0
	for _, loc := range terminatorRe.FindAllStringIndex(masked, -1) {
		appendPiece(masked[last:loc[1]])
		last = loc[1]
	}
	if last < len(masked) {
		appendPiece(masked[last:])
	}

	if len(sentences) == 0 {
		return []Sentence{{Index: 0, Text: trimmed}}
	}
	return sentences
}

// EstimateDuration guesses how long text takes to speak at the given speed
// multiplier, assuming 150 words per minute at speed 1.0. Used for the
// sentence-start duration hint and the remote sink's completion deadline.
func EstimateDuration(text string, speed float64) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	if speed <= 0 {
		speed = 1.0
	}
	seconds := float64(words) * 60.0 / (150.0 * speed)
	return time.Duration(seconds * float64(time.Second))
}
