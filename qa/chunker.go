package qa

import (
	"github.com/pkg/errors"
	"github.com/squadqa/go-squadqa/tokenizers/api"
	"k8s.io/klog/v2"
)

// ChunkerConfig controls how an over-long context is split into windows.
type ChunkerConfig struct {
	// MaxSeqLength is the maximum total token count of one window,
	// question and special tokens included.
	MaxSeqLength int
	// DocStride is the token overlap between consecutive context windows.
	DocStride int
	// PadOnRight places the context after the question when true
	// ([CLS] question [SEP] context [SEP]), before it otherwise.
	PadOnRight bool
	// PadToMaxLength pads every window with pad tokens up to MaxSeqLength.
	PadToMaxLength bool
}

// DefaultChunkerConfig returns the configuration the reference BERT QA setup uses.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MaxSeqLength:   384,
		DocStride:      128,
		PadOnRight:     true,
		PadToMaxLength: true,
	}
}

// Validate rejects configurations that cannot produce a bounded chunking.
func (c ChunkerConfig) Validate() error {
	if c.MaxSeqLength <= 0 {
		return errors.Errorf("max sequence length must be positive, got %d", c.MaxSeqLength)
	}
	if c.DocStride < 0 {
		return errors.Errorf("doc stride must be non-negative, got %d", c.DocStride)
	}
	return nil
}

// ClampMaxSeqLength lowers MaxSeqLength to the tokenizer's model maximum when
// it exceeds it, logging a warning with both values.
func (c ChunkerConfig) ClampMaxSeqLength(modelMax int) ChunkerConfig {
	if modelMax > 0 && c.MaxSeqLength > modelMax {
		klog.Warningf("max sequence length %d is larger than the model maximum %d, using %d",
			c.MaxSeqLength, modelMax, modelMax)
		c.MaxSeqLength = modelMax
	}
	return c
}

// SpecialIDs holds the resolved ids of the special tokens a window layout needs.
type SpecialIDs struct {
	ClsID int
	SepID int
	PadID int
}

// ResolveSpecialIDs resolves the window special tokens from a tokenizer.
// Tokenizers without a dedicated classification token fall back to their
// beginning-of-sentence token as the anchor, mirroring BERT-style models
// where CLS doubles as both.
func ResolveSpecialIDs(tok api.Tokenizer) (SpecialIDs, error) {
	var ids SpecialIDs
	cls, err := tok.SpecialTokenID(api.TokClassification)
	if err != nil {
		cls, err = tok.SpecialTokenID(api.TokBeginningOfSentence)
		if err != nil {
			return ids, errors.WithMessage(err, "tokenizer provides neither a classification nor a beginning-of-sentence token")
		}
	}
	sep, err := tok.SpecialTokenID(api.TokEndOfSentence)
	if err != nil {
		return ids, errors.WithMessage(err, "tokenizer provides no separator token")
	}
	pad, err := tok.SpecialTokenID(api.TokPad)
	if err != nil {
		// Padding is only needed with PadToMaxLength; NewChunker checks.
		pad = -1
	}
	ids.ClsID = cls
	ids.SepID = sep
	ids.PadID = pad
	return ids, nil
}

// windowOverhead is the number of special tokens added around question and
// context: [CLS] ... [SEP] ... [SEP].
const windowOverhead = 3

// Chunker splits one encoded (question, context) pair into overlapping token
// windows. It is a pure function of tokenizer output: it only consumes token
// ids and byte spans, never the tokenizer itself.
type Chunker struct {
	cfg ChunkerConfig
	ids SpecialIDs
}

// NewChunker validates the configuration and returns a Chunker.
func NewChunker(cfg ChunkerConfig, ids SpecialIDs) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PadToMaxLength && ids.PadID < 0 {
		return nil, errors.New("pad-to-max-length requested but tokenizer has no pad token")
	}
	return &Chunker{cfg: cfg, ids: ids}, nil
}

// Split produces one or more windows covering the whole context.
//
// Every window holds the full question plus a context slice of at most
// maxSeqLength − len(question) − 3 tokens; consecutive windows overlap by
// DocStride context tokens. A stride that is not strictly smaller than the
// context capacity would never advance the window, so it is rejected as a
// configuration error rather than looping.
func (c *Chunker) Split(question, context api.EncodingResult) ([]Encoding, error) {
	if len(question.Spans) != len(question.IDs) || len(context.Spans) != len(context.IDs) {
		return nil, errors.Errorf("tokenizer returned %d/%d spans for %d/%d tokens",
			len(question.Spans), len(context.Spans), len(question.IDs), len(context.IDs))
	}

	capacity := c.cfg.MaxSeqLength - len(question.IDs) - windowOverhead
	if capacity <= 0 {
		return nil, errors.Errorf("question length %d leaves no room for context under max sequence length %d",
			len(question.IDs), c.cfg.MaxSeqLength)
	}
	if c.cfg.DocStride >= capacity {
		return nil, errors.Errorf("doc stride %d must be smaller than the context window capacity %d (max sequence length %d minus question length %d)",
			c.cfg.DocStride, capacity, c.cfg.MaxSeqLength, len(question.IDs))
	}

	step := capacity - c.cfg.DocStride
	var windows []Encoding
	for start := 0; ; start += step {
		end := start + capacity
		if end > len(context.IDs) {
			end = len(context.IDs)
		}
		windows = append(windows, c.buildWindow(question, context, start, end))
		if end >= len(context.IDs) {
			break
		}
	}
	return windows, nil
}

// buildWindow assembles one window over context tokens [start, end).
func (c *Chunker) buildWindow(question, context api.EncodingResult, start, end int) Encoding {
	size := len(question.IDs) + (end - start) + windowOverhead
	total := size
	if c.cfg.PadToMaxLength {
		total = c.cfg.MaxSeqLength
	}

	enc := Encoding{
		IDs:         make([]int, 0, total),
		Segments:    make([]Segment, 0, total),
		Offsets:     make([]CharSpan, 0, total),
		AnchorIndex: 0, // CLS leads the window in both layouts
	}

	appendSpecial := func(id int) {
		enc.IDs = append(enc.IDs, id)
		enc.Segments = append(enc.Segments, SegmentSpecial)
		enc.Offsets = append(enc.Offsets, NotApplicable)
	}
	appendQuestion := func() {
		for i, id := range question.IDs {
			enc.IDs = append(enc.IDs, id)
			enc.Segments = append(enc.Segments, SegmentQuestion)
			// Question offsets point into the question text; the inference
			// feature builder masks them before span reconstruction.
			enc.Offsets = append(enc.Offsets, CharSpan{Start: question.Spans[i].Start, End: question.Spans[i].End})
		}
	}
	appendContext := func() {
		for i := start; i < end; i++ {
			enc.IDs = append(enc.IDs, context.IDs[i])
			enc.Segments = append(enc.Segments, SegmentContext)
			enc.Offsets = append(enc.Offsets, CharSpan{Start: context.Spans[i].Start, End: context.Spans[i].End})
		}
	}

	appendSpecial(c.ids.ClsID)
	if c.cfg.PadOnRight {
		appendQuestion()
		appendSpecial(c.ids.SepID)
		appendContext()
	} else {
		appendContext()
		appendSpecial(c.ids.SepID)
		appendQuestion()
	}
	appendSpecial(c.ids.SepID)

	if c.cfg.PadToMaxLength {
		for len(enc.IDs) < c.cfg.MaxSeqLength {
			appendSpecial(c.ids.PadID)
		}
	}
	return enc
}
