package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/quantize"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

func writeTensorFile(t *testing.T, vals []float32) string {
	t.Helper()
	src := make([]float16.Float16, len(vals))
	for i, v := range vals {
		src[i] = float16.Fromfloat32(v)
	}
	path := filepath.Join(t.TempDir(), "tensor.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, weights.WriteFloat16(f, src))
	require.NoError(t, f.Close())
	return path
}

func TestRunOnce_ArrowStream(t *testing.T) {
	path := writeTensorFile(t, []float32{1.0, -2.0, 0.5, 0, 0, 0, 0, 0})

	var out bytes.Buffer
	err := runOnce(context.Background(), testConfig(), job{input: path, shape: "1,8", name: "conv1", verify: true}, nil, &out)
	require.NoError(t, err)

	reader, err := ipc.NewReader(&out)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	decoded, err := client.DecodeQuantizedRecord(reader.Record())
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "conv1", decoded[0].Name)
	assert.Equal(t, []float32{63.5}, decoded[0].Result.Scales)
	assert.Equal(t, []int8{63, -127, 32, 0, 0, 0, 0, 0}, decoded[0].Result.Data)
}

func TestRunOnce_Flight(t *testing.T) {
	path := writeTensorFile(t, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	mfc := &mockFlightClient{}
	mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil)

	var out bytes.Buffer
	err := runOnce(context.Background(), testConfig(), job{input: path, shape: "2,4", prior: 50}, mfc, &out)
	require.NoError(t, err)
	assert.Zero(t, out.Len())
	mfc.AssertExpectations(t)
}

func TestRunOnce_Errors(t *testing.T) {
	path := writeTensorFile(t, []float32{1, 2, 3, 4})
	cfg := testConfig()

	t.Run("Missing input", func(t *testing.T) {
		err := runOnce(context.Background(), cfg, job{shape: "1,8"}, nil, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("Too few elements", func(t *testing.T) {
		err := runOnce(context.Background(), cfg, job{input: path, shape: "1,4"}, nil, &bytes.Buffer{})
		assert.ErrorIs(t, err, quantize.ErrShapeMismatch)
	})

	t.Run("File size mismatch", func(t *testing.T) {
		err := runOnce(context.Background(), cfg, job{input: path, shape: "1,8"}, nil, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("Infinite prior", func(t *testing.T) {
		err := runOnce(context.Background(), cfg, job{input: path, shape: "1,4", prior: float32(math.Inf(1))}, nil, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("Overflowing shape", func(t *testing.T) {
		err := runOnce(context.Background(), cfg, job{input: path, shape: "1283723912,399158692,6,6", layout: "hwncn8c4"}, nil, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("Bad layout", func(t *testing.T) {
		err := runOnce(context.Background(), cfg, job{input: path, shape: "1,8", layout: "nhwc"}, nil, &bytes.Buffer{})
		assert.Error(t, err)
	})
}
