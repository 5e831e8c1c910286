package qa

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExamples(n int) []Example {
	examples := make([]Example, n)
	for i := range examples {
		context := manyWords(30 + i%7)
		examples[i] = Example{
			ID:       fmt.Sprintf("ex-%03d", i),
			Question: "who is it",
			Context:  context,
			Answers:  []Answer{{Text: "waa", StartChar: 0}},
		}
	}
	return examples
}

func TestPreprocessorParallelMatchesSerial(t *testing.T) {
	cfg := ChunkerConfig{MaxSeqLength: 16, DocStride: 4, PadOnRight: true, PadToMaxLength: true}
	examples := testExamples(25)

	// A shared tokenizer keeps the vocabulary identical across both runs.
	tok := newSpaceTokenizer()
	serial, err := NewPreprocessor(tok, cfg, 1)
	require.NoError(t, err)
	parallel, err := NewPreprocessor(tok, cfg, 8)
	require.NoError(t, err)

	serialFeats, err := serial.TrainingFeatures(examples)
	require.NoError(t, err)
	parallelFeats, err := parallel.TrainingFeatures(examples)
	require.NoError(t, err)
	assert.Equal(t, serialFeats, parallelFeats)

	serialEval, err := serial.EvalFeatures(examples)
	require.NoError(t, err)
	parallelEval, err := parallel.EvalFeatures(examples)
	require.NoError(t, err)
	assert.Equal(t, serialEval, parallelEval)
}

func TestPreprocessorOutputInInputOrder(t *testing.T) {
	cfg := ChunkerConfig{MaxSeqLength: 16, DocStride: 4, PadOnRight: true}
	examples := testExamples(12)
	pre, err := NewPreprocessor(newSpaceTokenizer(), cfg, 4)
	require.NoError(t, err)

	feats, err := pre.EvalFeatures(examples)
	require.NoError(t, err)
	require.NotEmpty(t, feats)

	lastIndex := 0
	for _, f := range feats {
		assert.GreaterOrEqual(t, f.ExampleIndex, lastIndex)
		lastIndex = f.ExampleIndex
		assert.Equal(t, examples[f.ExampleIndex].ID, f.ExampleID)
	}
	assert.Equal(t, len(examples)-1, lastIndex)
}

func TestPreprocessorPropagatesConfigurationErrors(t *testing.T) {
	// Stride equals window capacity: chunking can never advance.
	cfg := ChunkerConfig{MaxSeqLength: 16, DocStride: 10, PadOnRight: true}
	pre, err := NewPreprocessor(newSpaceTokenizer(), cfg, 4)
	require.NoError(t, err)

	_, err = pre.TrainingFeatures(testExamples(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stride")

	_, err = pre.EvalFeatures(testExamples(3))
	require.Error(t, err)
}
