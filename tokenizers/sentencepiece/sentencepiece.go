// Package sentencepiece implements an api.TokenizerWithSpans based on the
// SentencePiece tokenizer, loaded from a local "tokenizer.model" proto file.
package sentencepiece

import (
	"strings"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
	"github.com/squadqa/go-squadqa/tokenizers/api"
)

// NewFromFile creates a SentencePiece tokenizer from a local model file,
// which must be a SentencePiece Model proto.
func NewFromFile(path string) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", path)
	}
	return &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
	}, nil
}

// Tokenizer implements api.TokenizerWithSpans based on SentencePiece tokenizer by Google.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

// Compile time assert that sentencepiece.Tokenizer implements api.Tokenizer interface.
var _ api.Tokenizer = &Tokenizer{}

// Compile time assert that sentencepiece.Tokenizer implements api.TokenizerWithSpans interface.
var _ api.TokenizerWithSpans = &Tokenizer{}

// Encode returns the text encoded into a sequence of ids.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(text)
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return ids
}

// EncodeWithSpans returns the text encoded into a sequence of ids along with their byte spans.
// It implements api.TokenizerWithSpans.
func (p *Tokenizer) EncodeWithSpans(text string) api.EncodingResult {
	tokens := p.Processor.Encode(text)
	ids := make([]int, len(tokens))
	spans := make([]api.TokenSpan, len(tokens))

	// Track position in original text by matching token pieces.
	pos := 0
	for i, tok := range tokens {
		ids[i] = tok.ID
		piece := tok.Text

		// SentencePiece uses U+2581 (lower one eighth block) as the space
		// replacement; strip it before matching back to the original text.
		matchPiece := piece
		hasLeadingSpace := false
		if len(matchPiece) >= 3 && matchPiece[0] == '\xe2' &&
			matchPiece[1] == '\x96' && matchPiece[2] == '\x81' {
			matchPiece = matchPiece[3:]
			hasLeadingSpace = true
		}

		// Skip any whitespace in the original text before this token.
		if hasLeadingSpace {
			for pos < len(text) && (text[pos] == ' ' || text[pos] == '\t' || text[pos] == '\n' || text[pos] == '\r') {
				pos++
			}
		}

		start := pos
		if matchPiece == "" {
			// Token represents just the space.
			if hasLeadingSpace && start > 0 {
				start = start - 1
				spans[i] = api.TokenSpan{Start: start, End: pos}
			} else {
				spans[i] = api.TokenSpan{Start: pos, End: pos}
			}
		} else {
			// Find the piece in the text starting from the current position.
			foundAt := findSubstring(text, matchPiece, pos)
			if foundAt >= 0 {
				start = foundAt
				pos = foundAt + len(matchPiece)
			} else {
				// Fallback: advance by piece length.
				pos += len(matchPiece)
				if pos > len(text) {
					pos = len(text)
				}
			}
			spans[i] = api.TokenSpan{Start: start, End: pos}
		}
	}

	return api.EncodingResult{
		IDs:   ids,
		Spans: spans,
	}
}

// findSubstring finds the first occurrence of substr in s starting from position start.
// Returns the byte position of the match, or -1 if not found.
func findSubstring(s, substr string, start int) int {
	if start >= len(s) {
		return -1
	}
	idx := strings.Index(s[start:], substr)
	if idx < 0 {
		return -1
	}
	return start + idx
}

// Decode returns the text from a sequence of ids.
func (p *Tokenizer) Decode(ids []int) string {
	return p.Processor.Decode(ids)
}

// SpecialTokenID returns the id for the given special token, or an error if not known.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return p.Info.UnknownID, nil
	case api.TokPad:
		return p.Info.PadID, nil
	case api.TokBeginningOfSentence:
		return p.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return p.Info.EndOfSentenceID, nil
	default:
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}
