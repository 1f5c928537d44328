package main

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/calibration"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/quantize"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func startIngestServer(t *testing.T, srv *Server) string {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewQuiverFlightServer(srv))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return server.Addr().String()
}

func TestFlightServer_DoPut(t *testing.T) {
	mfc := &mockFlightClient{}
	mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()
	store := calibration.NewMapStore()
	store.Observe("dense", 100)
	addr := startIngestServer(t, NewServer(store, mfc, testConfig()))

	dense := tensor.New2D(tensor.Float16, tensor.Dense, 1, 8)
	wino := tensor.New4D(tensor.Float16, tensor.BlockTransformed, 8, 1, 6, 6)
	winoData := make([]float16.Float16, wino.NumElements())
	for i := range winoData {
		winoData[i] = float16.Fromfloat32(float32(quantize.TileIndex(1, i)+1) * 0.25)
	}
	denseData := make([]float16.Float16, 8)
	for i, v := range []float32{1.0, -2.0, 0.5} {
		denseData[i] = float16.Fromfloat32(v)
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildSourceRecordBatch([]client.SourceTensor{
		{Name: "dense", Desc: dense, Data: denseData},
		{Name: "wino", Desc: wino, Data: winoData},
	})
	require.NoError(t, err)
	defer rec.Release()

	fc, err := client.NewFlightClient(addr, nil)
	require.NoError(t, err)
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, fc.DoPut(ctx, "ingest", rec))

	mfc.AssertExpectations(t)
	forwarded := mfc.Calls[0].Arguments.Get(2).(arrow.RecordBatch)
	assert.Equal(t, int64(2), forwarded.NumRows())

	// The stored floor of 100 beats the observed 63.5.
	scale, ok := store.Get("dense")
	assert.True(t, ok)
	assert.Equal(t, float32(100), scale)

	// Tiled tensors do not feed the calibration store.
	_, ok = store.Get("wino")
	assert.False(t, ok)
}

func TestFlightServer_RejectsBadTensor(t *testing.T) {
	addr := startIngestServer(t, NewServer(calibration.NewMapStore(), nil, testConfig()))

	wino := tensor.New4D(tensor.Float16, tensor.BlockTransformed, 8, 1, 6, 6)
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildSourceRecordBatch([]client.SourceTensor{
		{Name: "zero", Desc: wino, Data: make([]float16.Float16, wino.NumElements())},
	})
	require.NoError(t, err)
	defer rec.Release()

	fc, err := client.NewFlightClient(addr, nil)
	require.NoError(t, err)
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = fc.DoPut(ctx, "ingest", rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all zero")
}
