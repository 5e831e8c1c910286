package qa

import (
	"github.com/pkg/errors"
)

// AlignTrainingLabels converts the gold character span of an example into
// token-level (start, end) labels for each of its windows.
//
// Only the first gold answer is used. A window that does not fully contain
// the answer, and every window of an unanswerable example, is labeled with
// the anchor index on both positions: that is the "no answer in this window"
// label, not an error. A window without context tokens is an upstream
// tokenizer contract violation and fails loudly.
func AlignTrainingLabels(exampleIndex int, ex Example, windows []Encoding) ([]TrainFeature, error) {
	feats := make([]TrainFeature, 0, len(windows))
	for wi, enc := range windows {
		start, end, err := alignLabel(ex, enc)
		if err != nil {
			return nil, errors.WithMessagef(err, "example %q window %d", ex.ID, wi)
		}
		feats = append(feats, TrainFeature{
			Feature: Feature{
				ExampleIndex: exampleIndex,
				ExampleID:    ex.ID,
				Encoding:     enc,
			},
			StartPosition: start,
			EndPosition:   end,
		})
	}
	return feats, nil
}

// alignLabel computes the label for a single window.
func alignLabel(ex Example, enc Encoding) (start, end int, err error) {
	if err := enc.Validate(); err != nil {
		return 0, 0, err
	}
	anchor := enc.AnchorIndex
	if !ex.Answerable() {
		return anchor, anchor, nil
	}

	gold := ex.Answers[0]
	startChar := gold.StartChar
	endChar := startChar + len(gold.Text)

	tokenStart, tokenEnd, err := enc.ContextBounds()
	if err != nil {
		return 0, 0, err
	}
	firstContext, lastContext := tokenStart, tokenEnd

	// Answer not fully inside this window: label it with the anchor.
	if !(enc.Offsets[tokenStart].Start <= startChar && enc.Offsets[tokenEnd].End >= endChar) {
		return anchor, anchor, nil
	}

	// Move both indices to the two ends of the answer. The loops stay inside
	// the context region so an answer ending on the last context token cannot
	// run into the trailing separator.
	for tokenStart <= lastContext && enc.Offsets[tokenStart].Start <= startChar {
		tokenStart++
	}
	start = tokenStart - 1
	for tokenEnd >= firstContext && enc.Offsets[tokenEnd].End >= endChar {
		tokenEnd--
	}
	end = tokenEnd + 1

	if start > end || start < firstContext || end > lastContext {
		return 0, 0, errors.Errorf("aligned label [%d, %d] fell outside the context region [%d, %d] for answer %q at char %d",
			start, end, firstContext, lastContext, gold.Text, gold.StartChar)
	}
	return start, end, nil
}
