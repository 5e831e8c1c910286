// Package squad models the SQuAD v1.1 / v2.0 JSON dataset format and
// flattens it into the examples the QA core consumes.
package squad

import (
	"encoding/json"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/squadqa/go-squadqa/qa"
	"k8s.io/klog/v2"
)

// Dataset is the top-level SQuAD JSON document.
type Dataset struct {
	Version string    `json:"version"`
	Data    []Article `json:"data"`
}

// Article groups the paragraphs of one source article.
type Article struct {
	Title      string      `json:"title"`
	Paragraphs []Paragraph `json:"paragraphs"`
}

// Paragraph is one context with its questions.
type Paragraph struct {
	Context string `json:"context"`
	QAs     []QA   `json:"qas"`
}

// QA is one question over a paragraph's context.
type QA struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	Answers      []Answer `json:"answers"`
	IsImpossible bool     `json:"is_impossible"`
	// PlausibleAnswers are the v2.0 distractor answers of impossible
	// questions. They are never used as labels.
	PlausibleAnswers []Answer `json:"plausible_answers,omitempty"`
}

// Answer is one gold answer: text plus the character offset of its start in
// the context.
type Answer struct {
	Text        string `json:"text"`
	AnswerStart int    `json:"answer_start"`
}

// Load reads a SQuAD JSON file from disk.
func Load(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset %q", path)
	}
	defer f.Close()
	ds, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", path)
	}
	return ds, nil
}

// Read parses a SQuAD JSON document.
func Read(r io.Reader) (*Dataset, error) {
	var ds Dataset
	dec := json.NewDecoder(r)
	if err := dec.Decode(&ds); err != nil {
		return nil, errors.Wrap(err, "failed to parse SQuAD JSON")
	}
	return &ds, nil
}

// Examples flattens the dataset into core examples, in document order.
// Impossible questions become unanswerable examples (empty answer set).
// Rows without an id get a synthesized one so downstream grouping and
// reporting stay keyed.
func (d *Dataset) Examples() []qa.Example {
	var out []qa.Example
	synthesized := 0
	for _, article := range d.Data {
		for _, para := range article.Paragraphs {
			for _, item := range para.QAs {
				id := item.ID
				if id == "" {
					id = uuid.NewString()
					synthesized++
				}
				ex := qa.Example{
					ID:       id,
					Question: item.Question,
					Context:  para.Context,
				}
				if !item.IsImpossible {
					for _, ans := range item.Answers {
						ex.Answers = append(ex.Answers, qa.Answer{
							Text:      ans.Text,
							StartChar: ans.AnswerStart,
						})
					}
				}
				out = append(out, ex)
			}
		}
	}
	if synthesized > 0 {
		klog.Warningf("synthesized ids for %d dataset rows without one", synthesized)
	}
	return out
}
