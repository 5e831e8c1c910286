// Package qa implements the preprocessing core for extractive question
// answering over contexts longer than the model input: splitting an encoded
// (question, context) pair into overlapping token windows, aligning gold
// character spans to token-level training labels, and building inference
// features that map token predictions back to character ranges.
//
// Everything in this package is a pure transformation over immutable inputs.
// Each window is one Encoding record; labels and features are new records,
// never in-place edits of shared arrays.
package qa

import (
	"github.com/pkg/errors"
)

// CharSpan is a byte range [Start, End) into the original context text.
// Positions that do not map back to the context (special tokens, question
// tokens, padding) carry NotApplicable.
type CharSpan struct {
	Start int
	End   int
}

// NotApplicable marks a token position with no context offset.
var NotApplicable = CharSpan{Start: -1, End: -1}

// Applicable reports whether the span maps back into the context text.
func (s CharSpan) Applicable() bool {
	return s.Start >= 0 && s.End >= s.Start
}

// Segment tags each token position of an Encoding with its origin.
type Segment int8

const (
	SegmentSpecial Segment = iota // special tokens and padding
	SegmentQuestion
	SegmentContext
)

// Answer is one gold answer: its text and the byte offset of its first
// character in the context.
type Answer struct {
	Text      string
	StartChar int
}

// Example is one (question, context) pair with an optional set of gold
// answers. An empty answer set means the question is unanswerable.
type Example struct {
	ID       string
	Question string
	Context  string
	Answers  []Answer
}

// Answerable reports whether the example carries at least one gold answer.
func (e Example) Answerable() bool {
	return len(e.Answers) > 0
}

// Encoding is one tokenized, length-bounded window of a (question, context)
// pair: token ids, per-token segment tags, per-token character offsets into
// the context (NotApplicable outside it), and the index of the anchor token
// used to label "no answer in this window".
type Encoding struct {
	IDs         []int
	Segments    []Segment
	Offsets     []CharSpan
	AnchorIndex int
}

// Validate checks the internal length invariants of the encoding.
func (e Encoding) Validate() error {
	if len(e.Segments) != len(e.IDs) {
		return errors.Errorf("encoding has %d segment tags for %d tokens", len(e.Segments), len(e.IDs))
	}
	if len(e.Offsets) != len(e.IDs) {
		return errors.Errorf("encoding has %d offsets for %d tokens", len(e.Offsets), len(e.IDs))
	}
	if e.AnchorIndex < 0 || e.AnchorIndex >= len(e.IDs) {
		return errors.Errorf("anchor index %d out of range for %d tokens", e.AnchorIndex, len(e.IDs))
	}
	return nil
}

// ContextBounds returns the first and last token positions tagged as context.
// A window without a single context token violates the tokenizer contract.
func (e Encoding) ContextBounds() (first, last int, err error) {
	first, last = -1, -1
	for i, seg := range e.Segments {
		if seg != SegmentContext {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return 0, 0, errors.New("encoding contains no context tokens")
	}
	return first, last, nil
}

// Feature is one inference-time window, tagged with a back-reference to its
// source example so candidates from all windows of one example can be pooled.
type Feature struct {
	ExampleIndex int
	ExampleID    string
	Encoding
}

// TrainFeature is one training-time window with its aligned token-level
// answer label. Both positions equal the anchor index when the window holds
// no answer.
type TrainFeature struct {
	Feature
	StartPosition int
	EndPosition   int
}
