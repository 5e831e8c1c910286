package logits

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval_logits.safetensors")
	start := [][]float32{
		{0.5, -1.25, 3},
		{2, 0, -0.5},
	}
	end := [][]float32{
		{1, 1, 1},
		{-3.5, 0.25, 7},
	}
	require.NoError(t, Write(path, start, end))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, 2, f.NumWindows())
	assert.Equal(t, 3, f.SeqLen())

	for i := range start {
		gotStart, err := f.StartLogits(i)
		require.NoError(t, err)
		assert.Equal(t, start[i], gotStart)

		gotEnd, err := f.EndLogits(i)
		require.NoError(t, err)
		assert.Equal(t, end[i], gotEnd)
	}
}

func TestRowOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logits.safetensors")
	require.NoError(t, Write(path, [][]float32{{1, 2}}, [][]float32{{3, 4}}))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.StartLogits(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
	_, err = f.EndLogits(-1)
	require.Error(t, err)
}

func TestWriteRejectsRaggedInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logits.safetensors")
	err := Write(path, [][]float32{{1, 2}, {3}}, [][]float32{{1, 2}, {3, 4}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ragged")

	err = Write(path, [][]float32{{1}}, [][]float32{{1}, {2}})
	require.Error(t, err)
}

func TestOpenRejectsMalformedFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.safetensors"))
	require.Error(t, err)

	// Truncated: header size promises more bytes than exist.
	truncated := filepath.Join(dir, "truncated.safetensors")
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], 1024)
	require.NoError(t, os.WriteFile(truncated, sizeBytes[:], 0o644))
	_, err = Open(truncated)
	require.Error(t, err)

	// Valid JSON header missing the end tensor.
	missingTensor := filepath.Join(dir, "partial.safetensors")
	header := `{"start_logits": {"dtype": "F32", "shape": [1, 2], "data_offsets": [0, 8]}}`
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(header)))
	require.NoError(t, os.WriteFile(missingTensor, append(sizeBytes[:], header...), 0o644))
	_, err = Open(missingTensor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end_logits")

	// Wrong dtype.
	badDtype := filepath.Join(dir, "dtype.safetensors")
	header = `{"start_logits": {"dtype": "F16", "shape": [1, 2], "data_offsets": [0, 4]},` +
		` "end_logits": {"dtype": "F16", "shape": [1, 2], "data_offsets": [4, 8]}}`
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(header)))
	require.NoError(t, os.WriteFile(badDtype, append(sizeBytes[:], header...), 0o644))
	_, err = Open(badDtype)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "F32")

	// Shape disagreement between the two tensors.
	badShape := filepath.Join(dir, "shape.safetensors")
	header = `{"start_logits": {"dtype": "F32", "shape": [1, 2], "data_offsets": [0, 8]},` +
		` "end_logits": {"dtype": "F32", "shape": [2, 2], "data_offsets": [8, 24]}}`
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(header)))
	require.NoError(t, os.WriteFile(badShape, append(sizeBytes[:], header...), 0o644))
	_, err = Open(badShape)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape")
}

func TestOpenRejectsTruncatedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, Write(path, [][]float32{{1, 2, 3}}, [][]float32{{4, 5, 6}}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-4))

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestOpenRejectsDataSizeMismatch(t *testing.T) {
	// Header shape promises more elements than the data offsets hold.
	path := filepath.Join(t.TempDir(), "mismatch.safetensors")
	header := `{"start_logits": {"dtype": "F32", "shape": [2, 2], "data_offsets": [0, 8]},` +
		` "end_logits": {"dtype": "F32", "shape": [2, 2], "data_offsets": [8, 16]}}`
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(header)))
	require.NoError(t, os.WriteFile(path, append(sizeBytes[:], header...), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data bytes")
}

func TestWriteEmptyMatrices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.safetensors")
	require.NoError(t, Write(path, nil, nil))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 0, f.NumWindows())
}
