// Package turns decides when an English-speaking caller has finished a turn.
package turns

import (
	"strings"
	"time"
	"unicode"
)

// Params configures the endpointing delays
type Params struct {
	// MinEndpointDelay is waited after a transcript that looks like a complete turn
	MinEndpointDelay time.Duration
	// MaxEndpointDelay is waited after a transcript that looks unfinished
	MaxEndpointDelay time.Duration
}

// DefaultParams returns the delays used for telephony calls
func DefaultParams() Params {
	return Params{
		MinEndpointDelay: 500 * time.Millisecond,
		MaxEndpointDelay: 3 * time.Second,
	}
}

// Words that leave an utterance hanging when they come last
var continuationWords = map[string]bool{
	"and": true, "but": true, "or": true, "so": true, "because": true,
	"the": true, "a": true, "an": true, "to": true, "of": true, "in": true,
	"for": true, "with": true, "at": true, "on": true, "my": true, "your": true,
	"is": true, "was": true, "if": true, "then": true, "like": true,
	"um": true, "uh": true, "er": true, "hmm": true, "well": true,
	"what's": true, "whats": true, "about": true, "than": true, "that": true,
}

// Detector is an English end-of-turn heuristic
type Detector struct {
	params Params
}

// NewDetector creates a detector, filling zero delays with defaults
func NewDetector(params Params) *Detector {
	def := DefaultParams()
	if params.MinEndpointDelay <= 0 {
		params.MinEndpointDelay = def.MinEndpointDelay
	}
	if params.MaxEndpointDelay < params.MinEndpointDelay {
		params.MaxEndpointDelay = params.MinEndpointDelay
	}
	return &Detector{params: params}
}

// EndOfTurn reports whether text reads as a finished utterance
func (d *Detector) EndOfTurn(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	last := lastWord(text)
	if continuationWords[last] {
		return false
	}

	r := []rune(text)
	switch r[len(r)-1] {
	case '.', '?', '!':
		return true
	case ',', ';', ':', '-':
		return false
	}

	// Short unpunctuated answers ("yes", "no thanks") are complete turns
	return len(strings.Fields(text)) <= 3
}

// Delay returns how long to wait for more speech before committing the turn
func (d *Detector) Delay(text string) time.Duration {
	if d.EndOfTurn(text) {
		return d.params.MinEndpointDelay
	}
	return d.params.MaxEndpointDelay
}

func lastWord(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimFunc(fields[len(fields)-1], func(r rune) bool {
		return unicode.IsPunct(r) && r != '\''
	})
}
