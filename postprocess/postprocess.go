// Package postprocess converts per-token start/end scores back into ranked
// character-level answers: it pools the candidates of every window belonging
// to one example, re-ranks them with a fully specified tie-break, and decides
// between the best span and "no answer" when negative answers are enabled.
//
// For fixed inputs the output is bit-identical across runs and across
// parallel execution strategies.
package postprocess

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/squadqa/go-squadqa/qa"
	"k8s.io/klog/v2"
)

// Config is the answer-extraction configuration surface.
type Config struct {
	// NBestSize is the number of top start and end indices shortlisted per
	// window, and the length of the ranked candidate list kept per example.
	NBestSize int
	// MaxAnswerLength caps the token span of a candidate answer.
	MaxAnswerLength int
	// Version2WithNegative enables the no-answer decision (SQuAD v2 style).
	Version2WithNegative bool
	// NullScoreDiffThreshold selects "no answer" when the null score exceeds
	// the best non-null score by more than this value. Only meaningful when
	// Version2WithNegative is set.
	NullScoreDiffThreshold float64
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		NBestSize:       20,
		MaxAnswerLength: 30,
	}
}

// Validate rejects configurations under which extraction is meaningless.
func (c Config) Validate() error {
	if c.NBestSize <= 0 {
		return errors.Errorf("n-best size must be positive, got %d", c.NBestSize)
	}
	if c.MaxAnswerLength <= 0 {
		return errors.Errorf("max answer length must be positive, got %d", c.MaxAnswerLength)
	}
	return nil
}

// Logits holds the model's start and end score vectors for one window.
// Both must have exactly one entry per window token.
type Logits struct {
	Start []float32
	End   []float32
}

// Candidate is one scored answer proposal for an example.
type Candidate struct {
	Text        string
	Score       float64
	Probability float64
	StartLogit  float32
	EndLogit    float32
	// Span is the derived byte range in the context text; NotApplicable for
	// the null answer and the pseudo-answer.
	Span qa.CharSpan
	// WindowOrder is the candidate's window position among the example's
	// windows; -1 for the null answer and the pseudo-answer.
	WindowOrder int
	StartIndex  int
	EndIndex    int
	// Null marks the anchor-derived no-answer entry. A span candidate whose
	// offsets collapse to an empty string is not Null.
	Null bool
}

// null reports whether the candidate carries no answer text.
func (c Candidate) null() bool {
	return c.Null || c.Text == ""
}

// Prediction is the final answer for one example plus its ranked candidates.
type Prediction struct {
	ExampleID string
	// Text is the selected answer; empty means "no answer".
	Text        string
	Score       float64
	Probability float64
	// ScoreDiff is nullScore − bestNonNullScore; only set in negative mode.
	ScoreDiff float64
	// NoAnswerProbability is the null entry's probability within the n-best
	// pool; only set in negative mode.
	NoAnswerProbability float64
	NBest               []Candidate
}

// ExtractAnswers runs answer extraction for every example.
//
// features and logits are parallel: logits[i] scores features[i]. Every
// feature references its source example by index; all windows of one example
// are pooled before its answer is decided. An example with no windows, or a
// logit vector whose length disagrees with its window's token count, is a
// contract violation and aborts the run.
func ExtractAnswers(examples []qa.Example, features []qa.Feature, logits []Logits, cfg Config) ([]Prediction, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(logits) != len(features) {
		return nil, errors.Errorf("got logits for %d windows but %d features", len(logits), len(features))
	}

	// Group windows by example with one linear pass over the arena.
	perExample := make([][]int, len(examples))
	for fi, f := range features {
		if f.ExampleIndex < 0 || f.ExampleIndex >= len(examples) {
			return nil, errors.Errorf("feature %d references example index %d outside [0, %d)", fi, f.ExampleIndex, len(examples))
		}
		perExample[f.ExampleIndex] = append(perExample[f.ExampleIndex], fi)
	}

	preds := make([]Prediction, 0, len(examples))
	for ei, ex := range examples {
		if len(perExample[ei]) == 0 {
			return nil, errors.Errorf("example %q has no windows; chunking guarantees at least one", ex.ID)
		}
		pred, err := extractOne(ex, perExample[ei], features, logits, cfg)
		if err != nil {
			return nil, errors.WithMessagef(err, "example %q", ex.ID)
		}
		preds = append(preds, pred)
	}
	klog.V(1).Infof("extracted answers for %d examples from %d windows", len(examples), len(features))
	return preds, nil
}

// extractOne decides the answer for a single example from all of its windows.
func extractOne(ex qa.Example, windowFeatures []int, features []qa.Feature, logits []Logits, cfg Config) (Prediction, error) {
	var (
		prelim        []Candidate
		nullScore     float64
		haveNullScore bool
		nullCandidate Candidate
	)

	for order, fi := range windowFeatures {
		feat := features[fi]
		lg := logits[fi]
		if len(lg.Start) != len(feat.IDs) || len(lg.End) != len(feat.IDs) {
			return Prediction{}, errors.Errorf("window %d has %d tokens but %d start / %d end logits",
				order, len(feat.IDs), len(lg.Start), len(lg.End))
		}

		// The anchor token's scores are this window's "no answer" evidence;
		// the example's null score is the minimum over its windows.
		anchor := feat.AnchorIndex
		windowNull := float64(lg.Start[anchor]) + float64(lg.End[anchor])
		if !haveNullScore || windowNull < nullScore {
			haveNullScore = true
			nullScore = windowNull
			nullCandidate = Candidate{
				Score:       windowNull,
				StartLogit:  lg.Start[anchor],
				EndLogit:    lg.End[anchor],
				Span:        qa.NotApplicable,
				WindowOrder: -1,
				StartIndex:  anchor,
				EndIndex:    anchor,
				Null:        true,
			}
		}

		startIdx := topIndices(lg.Start, cfg.NBestSize)
		endIdx := topIndices(lg.End, cfg.NBestSize)
		for _, si := range startIdx {
			for _, ei := range endIdx {
				if !feat.Offsets[si].Applicable() || !feat.Offsets[ei].Applicable() {
					continue
				}
				if ei < si || ei-si+1 > cfg.MaxAnswerLength {
					continue
				}
				prelim = append(prelim, Candidate{
					Score:       float64(lg.Start[si]) + float64(lg.End[ei]),
					StartLogit:  lg.Start[si],
					EndLogit:    lg.End[ei],
					Span:        qa.CharSpan{Start: feat.Offsets[si].Start, End: feat.Offsets[ei].End},
					WindowOrder: order,
					StartIndex:  si,
					EndIndex:    ei,
				})
			}
		}
	}

	if cfg.Version2WithNegative {
		prelim = append(prelim, nullCandidate)
	}

	// Deterministic ranking: score descending, then window order, then start
	// index, then end index.
	sort.Slice(prelim, func(i, j int) bool {
		a, b := prelim[i], prelim[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.WindowOrder != b.WindowOrder {
			return a.WindowOrder < b.WindowOrder
		}
		if a.StartIndex != b.StartIndex {
			return a.StartIndex < b.StartIndex
		}
		return a.EndIndex < b.EndIndex
	})
	if len(prelim) > cfg.NBestSize {
		prelim = prelim[:cfg.NBestSize]
	}

	nbest := finalizeCandidates(ex, prelim, nullCandidate, cfg)
	softmaxScores(nbest)

	pred := Prediction{
		ExampleID: ex.ID,
		NBest:     nbest,
	}
	if !cfg.Version2WithNegative {
		best := nbest[0]
		pred.Text = best.Text
		pred.Score = best.Score
		pred.Probability = best.Probability
		return pred, nil
	}

	// Negative mode: compare the null score against the best non-null span.
	bestNonNull, ok := firstNonNull(nbest)
	if !ok {
		// finalizeCandidates always inserts a usable candidate.
		return Prediction{}, errors.New("candidate pool has no non-null entry")
	}
	pred.ScoreDiff = nullScore - float64(bestNonNull.StartLogit) - float64(bestNonNull.EndLogit)
	for _, c := range nbest {
		if c.Null {
			pred.NoAnswerProbability = c.Probability
			break
		}
	}
	if pred.ScoreDiff > cfg.NullScoreDiffThreshold {
		pred.Text = ""
		pred.Score = nullScore
		pred.Probability = pred.NoAnswerProbability
	} else {
		pred.Text = bestNonNull.Text
		pred.Score = bestNonNull.Score
		pred.Probability = bestNonNull.Probability
	}
	return pred, nil
}

// finalizeCandidates derives candidate texts from the context, collapses
// empty-text candidates into a single no-answer entry, re-adds the null
// answer when negative mode dropped it from the cut, and guarantees at least
// one usable candidate.
func finalizeCandidates(ex qa.Example, prelim []Candidate, nullCandidate Candidate, cfg Config) []Candidate {
	nbest := make([]Candidate, 0, len(prelim)+1)
	seenEmpty := false
	for _, c := range prelim {
		if c.Span.Applicable() {
			c.Text = ex.Context[c.Span.Start:c.Span.End]
		}
		if c.Text == "" {
			// In negative mode the anchor-derived null entry is the one
			// no-answer signal: zero-width span matches duplicate it and are
			// dropped, so NoAnswerProbability always reports the null score.
			if cfg.Version2WithNegative && !c.Null {
				continue
			}
			if seenEmpty {
				continue
			}
			seenEmpty = true
			c.Span = qa.NotApplicable
			c.WindowOrder = -1
		}
		nbest = append(nbest, c)
	}

	if cfg.Version2WithNegative && !seenEmpty {
		nbest = append(nbest, nullCandidate)
		seenEmpty = true
	}

	// A pool that is empty, or holds nothing but the empty answer, gets a
	// non-empty pseudo-answer so selection always has a usable candidate.
	if len(nbest) == 0 || (len(nbest) == 1 && nbest[0].Text == "") {
		pseudo := Candidate{
			Text:        "empty",
			Span:        qa.NotApplicable,
			WindowOrder: -1,
		}
		nbest = append([]Candidate{pseudo}, nbest...)
	}
	return nbest
}

// firstNonNull returns the best-ranked candidate with non-empty text.
func firstNonNull(nbest []Candidate) (Candidate, bool) {
	for _, c := range nbest {
		if !c.null() {
			return c, true
		}
	}
	return Candidate{}, false
}

// topIndices returns the indices of the k largest values, ties broken by
// lower index.
func topIndices(values []float32, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return values[idx[a]] > values[idx[b]]
	})
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}

// softmaxScores fills in each candidate's probability from the pooled scores.
// Selection stays score-argmax; softmax is monotonic so both agree.
func softmaxScores(nbest []Candidate) {
	if len(nbest) == 0 {
		return
	}
	maxScore := nbest[0].Score
	for _, c := range nbest[1:] {
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}
	var sum float64
	exps := make([]float64, len(nbest))
	for i, c := range nbest {
		exps[i] = math.Exp(c.Score - maxScore)
		sum += exps[i]
	}
	for i := range nbest {
		nbest[i].Probability = exps[i] / sum
	}
}
