package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/quantize"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func sampleResult(t *testing.T) *quantize.Result {
	src := make([]float16.Float16, 8)
	for i, v := range []float32{1.0, -2.0, 0.5} {
		src[i] = float16.Fromfloat32(v)
	}
	res, err := quantize.Quantize(tensor.New2D(tensor.Float16, tensor.Dense, 2, 4), src)
	require.NoError(t, err)
	return res
}

func TestBuildRecordBatch(t *testing.T) {
	pool := memory.NewGoAllocator()
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		_, err := builder.BuildRecordBatch(nil)
		assert.Error(t, err)
	})

	t.Run("Valid input", func(t *testing.T) {
		res := sampleResult(t)
		rb, err := builder.BuildRecordBatch([]NamedResult{{Name: "conv1", Result: res}})
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(1), rb.NumRows())
		assert.Equal(t, int64(6), rb.NumCols())
		assert.Equal(t, "name", rb.ColumnName(0))

		dims := rb.Column(2).(*array.List)
		assert.Equal(t, []int32{2, 4}, dims.ListValues().(*array.Int32).Int32Values())

		scales := rb.Column(3).(*array.List).ListValues().(*array.Float32)
		assert.Equal(t, float32(63.5), scales.Value(0))

		data := rb.Column(4).(*array.List)
		assert.Equal(t, []int32{0, 8}, data.Offsets())
	})

	t.Run("Round trip", func(t *testing.T) {
		res := sampleResult(t)
		rb, err := builder.BuildRecordBatch([]NamedResult{{Name: "a", Result: res}, {Name: "b", Result: res}})
		require.NoError(t, err)
		defer rb.Release()

		decoded, err := DecodeQuantizedRecord(rb)
		require.NoError(t, err)
		require.Len(t, decoded, 2)
		assert.Equal(t, "b", decoded[1].Name)
		assert.Equal(t, res.Data, decoded[1].Result.Data)
		assert.Equal(t, res.Scales, decoded[1].Result.Scales)
		assert.Equal(t, res.Desc, decoded[1].Result.Desc)
	})
}

func TestSourceRecordRoundTrip(t *testing.T) {
	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	desc := tensor.New4D(tensor.Float16, tensor.BlockTransformed, 8, 1, 6, 6)
	data := make([]float16.Float16, desc.NumElements())
	for i := range data {
		data[i] = float16.Fromfloat32(float32(i%7) - 3)
	}

	rb, err := builder.BuildSourceRecordBatch([]SourceTensor{{Name: "wino", Desc: desc, Data: data}})
	require.NoError(t, err)
	defer rb.Release()

	got, err := DecodeSourceRecord(rb)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wino", got[0].Name)
	assert.Equal(t, desc, got[0].Desc)
	assert.Equal(t, data, got[0].Data)

	_, err = DecodeQuantizedRecord(rb)
	assert.Error(t, err)
}

func TestDecodeSourceRecord_RejectsOverflowingDims(t *testing.T) {
	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	// The element count of these dims wraps around int to 128.
	desc := tensor.New4D(tensor.Float16, tensor.BlockTransformed, 1283723912, 399158692, 6, 6)
	rb, err := builder.BuildSourceRecordBatch([]SourceTensor{{Name: "huge", Desc: desc, Data: make([]float16.Float16, 128)}})
	require.NoError(t, err)
	defer rb.Release()

	_, err = DecodeSourceRecord(rb)
	assert.Error(t, err)
}
