// Package featurestore persists preprocessed QA features as parquet row
// groups, so a split only has to be tokenized and aligned once per
// configuration and workers can exchange features through files.
package featurestore

import (
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/squadqa/go-squadqa/qa"
	"k8s.io/klog/v2"
)

// TrainRow is the flattened parquet shape of one labeled training feature.
// Offsets are stored as parallel start/end lists with -1 marking positions
// that carry no context offset.
type TrainRow struct {
	ExampleIndex  int32   `parquet:"example_index"`
	ExampleID     string  `parquet:"example_id"`
	InputIDs      []int32 `parquet:"input_ids,list"`
	Segments      []int32 `parquet:"segments,list"`
	OffsetStarts  []int32 `parquet:"offset_starts,list"`
	OffsetEnds    []int32 `parquet:"offset_ends,list"`
	AnchorIndex   int32   `parquet:"anchor_index"`
	StartPosition int32   `parquet:"start_position"`
	EndPosition   int32   `parquet:"end_position"`
}

// EvalRow is the flattened parquet shape of one inference feature.
type EvalRow struct {
	ExampleIndex int32   `parquet:"example_index"`
	ExampleID    string  `parquet:"example_id"`
	InputIDs     []int32 `parquet:"input_ids,list"`
	Segments     []int32 `parquet:"segments,list"`
	OffsetStarts []int32 `parquet:"offset_starts,list"`
	OffsetEnds   []int32 `parquet:"offset_ends,list"`
	AnchorIndex  int32   `parquet:"anchor_index"`
}

// WriteTraining writes labeled training features to a parquet file.
func WriteTraining(path string, feats []qa.TrainFeature) error {
	rows := make([]TrainRow, 0, len(feats))
	for _, f := range feats {
		row := TrainRow{
			ExampleIndex:  int32(f.ExampleIndex),
			ExampleID:     f.ExampleID,
			AnchorIndex:   int32(f.AnchorIndex),
			StartPosition: int32(f.StartPosition),
			EndPosition:   int32(f.EndPosition),
		}
		row.InputIDs, row.Segments, row.OffsetStarts, row.OffsetEnds = flattenEncoding(f.Encoding)
		rows = append(rows, row)
	}
	return writeRows(path, rows)
}

// ReadTraining reads labeled training features back from a parquet file.
func ReadTraining(path string) ([]qa.TrainFeature, error) {
	rows, err := parquet.ReadFile[TrainRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read training features from %q", path)
	}
	feats := make([]qa.TrainFeature, 0, len(rows))
	for i, row := range rows {
		enc, err := unflattenEncoding(row.InputIDs, row.Segments, row.OffsetStarts, row.OffsetEnds, row.AnchorIndex)
		if err != nil {
			return nil, errors.WithMessagef(err, "row %d of %q", i, path)
		}
		feats = append(feats, qa.TrainFeature{
			Feature: qa.Feature{
				ExampleIndex: int(row.ExampleIndex),
				ExampleID:    row.ExampleID,
				Encoding:     enc,
			},
			StartPosition: int(row.StartPosition),
			EndPosition:   int(row.EndPosition),
		})
	}
	return feats, nil
}

// WriteEval writes inference features to a parquet file.
func WriteEval(path string, feats []qa.Feature) error {
	rows := make([]EvalRow, 0, len(feats))
	for _, f := range feats {
		row := EvalRow{
			ExampleIndex: int32(f.ExampleIndex),
			ExampleID:    f.ExampleID,
			AnchorIndex:  int32(f.AnchorIndex),
		}
		row.InputIDs, row.Segments, row.OffsetStarts, row.OffsetEnds = flattenEncoding(f.Encoding)
		rows = append(rows, row)
	}
	return writeRows(path, rows)
}

// ReadEval reads inference features back from a parquet file.
func ReadEval(path string) ([]qa.Feature, error) {
	rows, err := parquet.ReadFile[EvalRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read eval features from %q", path)
	}
	feats := make([]qa.Feature, 0, len(rows))
	for i, row := range rows {
		enc, err := unflattenEncoding(row.InputIDs, row.Segments, row.OffsetStarts, row.OffsetEnds, row.AnchorIndex)
		if err != nil {
			return nil, errors.WithMessagef(err, "row %d of %q", i, path)
		}
		feats = append(feats, qa.Feature{
			ExampleIndex: int(row.ExampleIndex),
			ExampleID:    row.ExampleID,
			Encoding:     enc,
		})
	}
	return feats, nil
}

func writeRows[T any](path string, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write rows to %q", path)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to finish parquet file %q", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", path)
	}
	klog.V(1).Infof("wrote %d feature rows to %s", len(rows), path)
	return nil
}

func flattenEncoding(enc qa.Encoding) (ids, segments, starts, ends []int32) {
	ids = make([]int32, len(enc.IDs))
	segments = make([]int32, len(enc.IDs))
	starts = make([]int32, len(enc.IDs))
	ends = make([]int32, len(enc.IDs))
	for i := range enc.IDs {
		ids[i] = int32(enc.IDs[i])
		segments[i] = int32(enc.Segments[i])
		starts[i] = int32(enc.Offsets[i].Start)
		ends[i] = int32(enc.Offsets[i].End)
	}
	return ids, segments, starts, ends
}

func unflattenEncoding(ids, segments, starts, ends []int32, anchor int32) (qa.Encoding, error) {
	if len(segments) != len(ids) || len(starts) != len(ids) || len(ends) != len(ids) {
		return qa.Encoding{}, errors.Errorf("ragged feature row: %d ids, %d segments, %d/%d offsets",
			len(ids), len(segments), len(starts), len(ends))
	}
	enc := qa.Encoding{
		IDs:         make([]int, len(ids)),
		Segments:    make([]qa.Segment, len(ids)),
		Offsets:     make([]qa.CharSpan, len(ids)),
		AnchorIndex: int(anchor),
	}
	for i := range ids {
		enc.IDs[i] = int(ids[i])
		enc.Segments[i] = qa.Segment(segments[i])
		enc.Offsets[i] = qa.CharSpan{Start: int(starts[i]), End: int(ends[i])}
	}
	if err := enc.Validate(); err != nil {
		return qa.Encoding{}, err
	}
	return enc, nil
}
