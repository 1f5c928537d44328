package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu       sync.Mutex
	datasets []string
	records  []arrow.RecordBatch
}

func (s *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.mu.Lock()
		if desc := reader.LatestFlightDescriptor(); desc != nil {
			s.datasets = append(s.datasets, desc.Path...)
		}
		s.records = append(s.records, rec)
		s.mu.Unlock()
	}
	return reader.Err()
}

func (s *mockFlightServer) received() ([]string, []arrow.RecordBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.datasets, s.records
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)
	require.NoError(t, server.Init("localhost:0"))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr, nil)
	require.NoError(t, err)
	defer client.Close()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).
		BuildRecordBatch([]NamedResult{{Name: "conv1", Result: sampleResult(t)}})
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.DoPut(ctx, "test-dataset", rb))

	datasets, records := mockServer.received()
	require.Len(t, records, 1)
	assert.Equal(t, []string{"test-dataset"}, datasets)
	assert.True(t, records[0].Schema().Equal(QuantizedSchema))

	decoded, err := DecodeQuantizedRecord(records[0])
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "conv1", decoded[0].Name)
	assert.Equal(t, []float32{63.5}, decoded[0].Result.Scales)
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_BreakerOpens(t *testing.T) {
	// Nothing listens on this address.
	client, err := NewFlightClient("127.0.0.1:1", NewCircuitBreaker(2, time.Hour))
	require.NoError(t, err)
	defer client.Close()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).
		BuildRecordBatch([]NamedResult{{Name: "conv1", Result: sampleResult(t)}})
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		err := client.DoPut(ctx, "test-dataset", rb)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}
	assert.Equal(t, StateOpen, client.Breaker().State())
	assert.ErrorIs(t, client.DoPut(ctx, "test-dataset", rb), ErrCircuitOpen)
}
