package main

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/quantize"
)

// QuiverFlightServer accepts fp16 tensors over DoPut, one client.SourceSchema
// record at a time, and answers each record with a PutResult.
type QuiverFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewQuiverFlightServer(srv *Server) *QuiverFlightServer {
	return &QuiverFlightServer{srv: srv}
}

func (s *QuiverFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoPut", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "reading stream: %v", err)
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		tensors, err := client.DecodeSourceRecord(rec)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "%v", err)
		}
		log.Info().Int64("rows", rec.NumRows()).Msg("DoPut received batch")
		span.AddEvent("batch", trace.WithAttributes(attribute.Int64("rows", rec.NumRows())))

		results := make([]client.NamedResult, 0, len(tensors))
		for _, st := range tensors {
			res, err := s.srv.quantizeTensor(ctx, st.Name, st.Desc, st.Data, 0)
			if err != nil {
				span.RecordError(err)
				return status.Errorf(grpcCode(err), "tensor %q: %v", st.Name, err)
			}
			results = append(results, client.NamedResult{Name: st.Name, Result: res})
		}
		tensorsServed.WithLabelValues("flight").Add(float64(len(results)))

		if err := s.srv.forwardToLongbow(ctx, results); err != nil {
			log.Error().Err(err).Msg("Error forwarding batch to Longbow")
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: []byte(fmt.Sprintf("quantized %d tensors", len(results)))}); err != nil {
			return err
		}
	}
	return reader.Err()
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, errBusy):
		return codes.ResourceExhausted
	case errors.Is(err, quantize.ErrUnsupported):
		return codes.FailedPrecondition
	case errors.Is(err, quantize.ErrShapeMismatch), errors.Is(err, quantize.ErrNullPointer):
		return codes.InvalidArgument
	}
	return codes.Internal
}

func StartFlightServer(addr string, srv *Server) error {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewQuiverFlightServer(srv))

	if err := server.Init(addr); err != nil {
		return fmt.Errorf("init flight server: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Starting Quiver Flight Server")
	return server.Serve()
}
