package qa

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/squadqa/go-squadqa/tokenizers/api"
	"k8s.io/klog/v2"
)

// Preprocessor turns raw examples into model-ready features: it tokenizes the
// question and context, splits the pair into windows, and either aligns
// training labels or builds inference features.
//
// Examples are independent of each other, so preprocessing fans out over
// Workers goroutines partitioned by example. The output is concatenated in
// input order regardless of worker scheduling.
type Preprocessor struct {
	Tokenizer api.TokenizerWithSpans
	Chunker   *Chunker
	// Workers bounds the preprocessing concurrency. Values below 1 mean serial.
	Workers int
}

// NewPreprocessor builds a Preprocessor with a validated chunker.
func NewPreprocessor(tok api.TokenizerWithSpans, cfg ChunkerConfig, workers int) (*Preprocessor, error) {
	ids, err := ResolveSpecialIDs(tok)
	if err != nil {
		return nil, err
	}
	chunker, err := NewChunker(cfg, ids)
	if err != nil {
		return nil, err
	}
	return &Preprocessor{Tokenizer: tok, Chunker: chunker, Workers: workers}, nil
}

// Windows tokenizes one example and splits it into windows.
func (p *Preprocessor) Windows(ex Example) ([]Encoding, error) {
	question := p.Tokenizer.EncodeWithSpans(ex.Question)
	context := p.Tokenizer.EncodeWithSpans(ex.Context)
	windows, err := p.Chunker.Split(question, context)
	if err != nil {
		return nil, errors.WithMessagef(err, "example %q", ex.ID)
	}
	return windows, nil
}

// TrainingFeatures preprocesses all examples into labeled training features,
// in input order.
func (p *Preprocessor) TrainingFeatures(examples []Example) ([]TrainFeature, error) {
	perExample := make([][]TrainFeature, len(examples))
	err := p.forEachExample(examples, func(i int, ex Example) error {
		windows, err := p.Windows(ex)
		if err != nil {
			return err
		}
		feats, err := AlignTrainingLabels(i, ex, windows)
		if err != nil {
			return err
		}
		perExample[i] = feats
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []TrainFeature
	for _, feats := range perExample {
		out = append(out, feats...)
	}
	klog.V(1).Infof("built %d training features from %d examples", len(out), len(examples))
	return out, nil
}

// EvalFeatures preprocesses all examples into inference features, in input order.
func (p *Preprocessor) EvalFeatures(examples []Example) ([]Feature, error) {
	perExample := make([][]Feature, len(examples))
	err := p.forEachExample(examples, func(i int, ex Example) error {
		windows, err := p.Windows(ex)
		if err != nil {
			return err
		}
		perExample[i] = BuildEvalFeatures(i, ex, windows)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Feature
	for _, feats := range perExample {
		out = append(out, feats...)
	}
	klog.V(1).Infof("built %d eval features from %d examples", len(out), len(examples))
	return out, nil
}

// forEachExample runs fn over every example with bounded concurrency.
// The first error aborts the whole run: partially skipping examples would
// silently distort downstream evaluation.
func (p *Preprocessor) forEachExample(examples []Example, fn func(i int, ex Example) error) error {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	if workers == 1 {
		for i, ex := range examples {
			if err := fn(i, ex); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	errs := make([]error, len(examples))
	for i, ex := range examples {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, ex Example) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = fn(i, ex)
		}(i, ex)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
