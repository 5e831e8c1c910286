// Package logits reads model logit dumps produced by an external model
// runner. A dump uses the safetensors layout:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header]
//	[remaining bytes: raw tensor data]
//
// with two F32 tensors, "start_logits" and "end_logits", each shaped
// [numWindows, seqLen]. Rows are read on demand through a memory map, so a
// full split's logits never need to fit in memory at once.
package logits

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// StartTensorName and EndTensorName are the tensor keys a dump must contain.
const (
	StartTensorName = "start_logits"
	EndTensorName   = "end_logits"
)

// tensorMeta is the per-tensor metadata in the JSON header.
type tensorMeta struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// File provides row access to one logit dump.
type File struct {
	reader     *mmap.ReaderAt
	dataOffset int64
	start      *tensorMeta
	end        *tensorMeta
	rows       int
	cols       int
}

// Open memory-maps a logit dump and validates its header.
func Open(path string) (*File, error) {
	start, end, dataOffset, err := parseHeader(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "logits file %q", path)
	}

	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %q", path)
	}
	if need := dataOffset + end.DataOffsets[1]; int64(reader.Len()) < need {
		reader.Close()
		return nil, errors.Errorf("logits file %q is truncated: header claims %d bytes, file has %d", path, need, reader.Len())
	}
	return &File{
		reader:     reader,
		dataOffset: dataOffset,
		start:      start,
		end:        end,
		rows:       start.Shape[0],
		cols:       start.Shape[1],
	}, nil
}

// Close releases the memory map.
func (f *File) Close() error {
	return f.reader.Close()
}

// NumWindows returns the number of logit rows (one per window).
func (f *File) NumWindows() int { return f.rows }

// SeqLen returns the token count each row scores.
func (f *File) SeqLen() int { return f.cols }

// StartLogits reads row i of the start-logit matrix.
func (f *File) StartLogits(i int) ([]float32, error) {
	return f.row(f.start, StartTensorName, i)
}

// EndLogits reads row i of the end-logit matrix.
func (f *File) EndLogits(i int) ([]float32, error) {
	return f.row(f.end, EndTensorName, i)
}

func (f *File) row(meta *tensorMeta, name string, i int) ([]float32, error) {
	if i < 0 || i >= f.rows {
		return nil, errors.Errorf("row %d out of range for %q with %d rows", i, name, f.rows)
	}
	buf := make([]byte, f.cols*4)
	offset := f.dataOffset + meta.DataOffsets[0] + int64(i)*int64(f.cols)*4
	if _, err := f.reader.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrapf(err, "failed to read row %d of %q", i, name)
	}
	row := make([]float32, f.cols)
	for j := range row {
		row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
	}
	return row, nil
}

// parseHeader reads and validates the safetensors-style header.
func parseHeader(path string) (start, end *tensorMeta, dataOffset int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "failed to open")
	}
	defer f.Close()

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return nil, nil, 0, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > 100*1024*1024 { // Sanity check: 100MB max header.
		return nil, nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, nil, 0, errors.Wrap(err, "failed to read header JSON")
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}

	get := func(name string) (*tensorMeta, error) {
		raw, ok := rawHeader[name]
		if !ok {
			return nil, errors.Errorf("tensor %q not found in header", name)
		}
		var tm tensorMeta
		if err := json.Unmarshal(raw, &tm); err != nil {
			return nil, errors.Wrapf(err, "failed to parse metadata for %q", name)
		}
		if tm.Dtype != "F32" {
			return nil, errors.Errorf("tensor %q has dtype %q, want F32", name, tm.Dtype)
		}
		if len(tm.Shape) != 2 {
			return nil, errors.Errorf("tensor %q has rank %d, want 2", name, len(tm.Shape))
		}
		if size := tm.DataOffsets[1] - tm.DataOffsets[0]; size != int64(tm.Shape[0])*int64(tm.Shape[1])*4 {
			return nil, errors.Errorf("tensor %q claims %d data bytes for shape %v", name, size, tm.Shape)
		}
		return &tm, nil
	}

	start, err = get(StartTensorName)
	if err != nil {
		return nil, nil, 0, err
	}
	end, err = get(EndTensorName)
	if err != nil {
		return nil, nil, 0, err
	}
	if start.Shape[0] != end.Shape[0] || start.Shape[1] != end.Shape[1] {
		return nil, nil, 0, errors.Errorf("start shape %v disagrees with end shape %v", start.Shape, end.Shape)
	}
	return start, end, int64(8 + headerSize), nil
}

// Write dumps start and end logit matrices to path in the format Open reads.
// Both matrices must be rectangular and of identical shape.
func Write(path string, start, end [][]float32) error {
	if len(start) != len(end) {
		return errors.Errorf("start has %d rows but end has %d", len(start), len(end))
	}
	cols := 0
	if len(start) > 0 {
		cols = len(start[0])
	}
	for i := range start {
		if len(start[i]) != cols || len(end[i]) != cols {
			return errors.Errorf("row %d is ragged: start %d, end %d, want %d", i, len(start[i]), len(end[i]), cols)
		}
	}

	tensorBytes := int64(len(start)) * int64(cols) * 4
	header := map[string]tensorMeta{
		StartTensorName: {Dtype: "F32", Shape: []int{len(start), cols}, DataOffsets: [2]int64{0, tensorBytes}},
		EndTensorName:   {Dtype: "F32", Shape: []int{len(start), cols}, DataOffsets: [2]int64{tensorBytes, 2 * tensorBytes}},
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := f.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	writeMatrix := func(m [][]float32) error {
		buf := make([]byte, cols*4)
		for _, row := range m {
			for j, v := range row {
				binary.LittleEndian.PutUint32(buf[j*4:], math.Float32bits(v))
			}
			if _, err := f.Write(buf); err != nil {
				return errors.Wrap(err, "failed to write tensor data")
			}
		}
		return nil
	}
	if err := writeMatrix(start); err != nil {
		return err
	}
	if err := writeMatrix(end); err != nil {
		return err
	}
	return f.Close()
}
