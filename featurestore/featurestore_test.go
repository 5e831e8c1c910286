package featurestore

import (
	"path/filepath"
	"testing"

	"github.com/squadqa/go-squadqa/qa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEncoding() qa.Encoding {
	return qa.Encoding{
		IDs:      []int{1, 40, 2, 50, 51, 2},
		Segments: []qa.Segment{qa.SegmentSpecial, qa.SegmentQuestion, qa.SegmentSpecial, qa.SegmentContext, qa.SegmentContext, qa.SegmentSpecial},
		Offsets: []qa.CharSpan{
			qa.NotApplicable,
			qa.NotApplicable,
			qa.NotApplicable,
			{Start: 0, End: 5},
			{Start: 6, End: 8},
			qa.NotApplicable,
		},
		AnchorIndex: 0,
	}
}

func TestTrainingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.parquet")
	feats := []qa.TrainFeature{
		{
			Feature:       qa.Feature{ExampleIndex: 0, ExampleID: "q1", Encoding: sampleEncoding()},
			StartPosition: 3,
			EndPosition:   4,
		},
		{
			Feature:       qa.Feature{ExampleIndex: 1, ExampleID: "q2", Encoding: sampleEncoding()},
			StartPosition: 0,
			EndPosition:   0,
		},
	}

	require.NoError(t, WriteTraining(path, feats))
	got, err := ReadTraining(path)
	require.NoError(t, err)
	assert.Equal(t, feats, got)

	// Unapplicable offsets survive the -1 round trip.
	assert.False(t, got[0].Offsets[0].Applicable())
	assert.True(t, got[0].Offsets[3].Applicable())
}

func TestEvalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.parquet")
	feats := []qa.Feature{
		{ExampleIndex: 0, ExampleID: "q1", Encoding: sampleEncoding()},
		{ExampleIndex: 0, ExampleID: "q1", Encoding: sampleEncoding()},
		{ExampleIndex: 1, ExampleID: "q2", Encoding: sampleEncoding()},
	}

	require.NoError(t, WriteEval(path, feats))
	got, err := ReadEval(path)
	require.NoError(t, err)
	assert.Equal(t, feats, got)
}

func TestReadMissingFile(t *testing.T) {
	_, err := ReadTraining(filepath.Join(t.TempDir(), "absent.parquet"))
	require.Error(t, err)
	_, err = ReadEval(filepath.Join(t.TempDir(), "absent.parquet"))
	require.Error(t, err)
}

func TestUnflattenRejectsRaggedRow(t *testing.T) {
	_, err := unflattenEncoding([]int32{1, 2}, []int32{0}, []int32{-1, -1}, []int32{-1, -1}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ragged")
}
