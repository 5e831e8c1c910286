// Package metrics implements the span-extraction scoring contract: per
// example, a prediction row {id, prediction_text} (plus no_answer_probability
// when negative answers are enabled) is compared against the reference row
// {id, answers} with exact-match and token-overlap F1, taking the best score
// over the gold answers.
package metrics

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/squadqa/go-squadqa/qa"
	"golang.org/x/text/unicode/norm"
)

// Prediction is one scored row in the metric exchange format.
type Prediction struct {
	ID                  string  `json:"id"`
	PredictionText      string  `json:"prediction_text"`
	NoAnswerProbability float64 `json:"no_answer_probability,omitempty"`
}

// Reference is one gold row in the metric exchange format. An empty answer
// set marks the question unanswerable.
type Reference struct {
	ID      string      `json:"id"`
	Answers []qa.Answer `json:"answers"`
}

// References builds the reference rows for a slice of examples.
func References(examples []qa.Example) []Reference {
	out := make([]Reference, 0, len(examples))
	for _, ex := range examples {
		out = append(out, Reference{ID: ex.ID, Answers: ex.Answers})
	}
	return out
}

// Result aggregates exact-match and F1 over a split, with the answerable /
// unanswerable breakdown used for SQuAD v2.
type Result struct {
	ExactMatch float64
	F1         float64
	Total      int

	HasAnswerExact float64
	HasAnswerF1    float64
	HasAnswerTotal int

	NoAnswerExact float64
	NoAnswerF1    float64
	NoAnswerTotal int
}

// Evaluate scores predictions against references, matched by id. Every
// reference must have exactly one prediction.
func Evaluate(preds []Prediction, refs []Reference) (Result, error) {
	byID := make(map[string]Prediction, len(preds))
	for _, p := range preds {
		if _, dup := byID[p.ID]; dup {
			return Result{}, errors.Errorf("duplicate prediction for id %q", p.ID)
		}
		byID[p.ID] = p
	}

	var res Result
	var sumExact, sumF1 float64
	var hasExact, hasF1, noExact, noF1 float64
	for _, ref := range refs {
		pred, ok := byID[ref.ID]
		if !ok {
			return Result{}, errors.Errorf("missing prediction for id %q", ref.ID)
		}
		exact, f1 := scoreOne(pred.PredictionText, ref.Answers)
		sumExact += exact
		sumF1 += f1
		if len(ref.Answers) > 0 {
			res.HasAnswerTotal++
			hasExact += exact
			hasF1 += f1
		} else {
			res.NoAnswerTotal++
			noExact += exact
			noF1 += f1
		}
	}

	res.Total = len(refs)
	if res.Total > 0 {
		res.ExactMatch = 100 * sumExact / float64(res.Total)
		res.F1 = 100 * sumF1 / float64(res.Total)
	}
	if res.HasAnswerTotal > 0 {
		res.HasAnswerExact = 100 * hasExact / float64(res.HasAnswerTotal)
		res.HasAnswerF1 = 100 * hasF1 / float64(res.HasAnswerTotal)
	}
	if res.NoAnswerTotal > 0 {
		res.NoAnswerExact = 100 * noExact / float64(res.NoAnswerTotal)
		res.NoAnswerF1 = 100 * noF1 / float64(res.NoAnswerTotal)
	}
	return res, nil
}

// scoreOne computes best-over-golds exact match and F1 for one example.
// For an unanswerable reference, both scores are 1 exactly when the
// prediction normalizes to the empty string.
func scoreOne(prediction string, answers []qa.Answer) (exact, f1 float64) {
	predTokens := normalizedTokens(prediction)
	if len(answers) == 0 {
		if len(predTokens) == 0 {
			return 1, 1
		}
		return 0, 0
	}
	for _, gold := range answers {
		goldTokens := normalizedTokens(gold.Text)
		if e := exactMatch(predTokens, goldTokens); e > exact {
			exact = e
		}
		if f := tokenF1(predTokens, goldTokens); f > f1 {
			f1 = f
		}
	}
	return exact, f1
}

func exactMatch(pred, gold []string) float64 {
	if len(pred) != len(gold) {
		return 0
	}
	for i := range pred {
		if pred[i] != gold[i] {
			return 0
		}
	}
	return 1
}

// tokenF1 is the harmonic mean of token precision and recall.
func tokenF1(pred, gold []string) float64 {
	if len(pred) == 0 || len(gold) == 0 {
		// F1 degenerates to exact match when either side is empty.
		return exactMatch(pred, gold)
	}
	counts := make(map[string]int, len(gold))
	for _, t := range gold {
		counts[t]++
	}
	common := 0
	for _, t := range pred {
		if counts[t] > 0 {
			counts[t]--
			common++
		}
	}
	if common == 0 {
		return 0
	}
	precision := float64(common) / float64(len(pred))
	recall := float64(common) / float64(len(gold))
	return 2 * precision * recall / (precision + recall)
}

// normalizedTokens applies the SQuAD answer normalization: NFKC fold,
// lowercase, punctuation removal, article removal, whitespace split.
func normalizedTokens(s string) []string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	fields := strings.Fields(b.String())
	out := fields[:0]
	for _, tok := range fields {
		if tok == "a" || tok == "an" || tok == "the" {
			continue
		}
		out = append(out, tok)
	}
	return out
}
