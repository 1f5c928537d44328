package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-quiver/internal/calibration"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/quantize"
	"github.com/23skdu/longbow-quiver/internal/tensor"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

var (
	tensorsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_server_tensors_total",
		Help: "Tensors quantized by the server, by transport",
	}, []string{"transport"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent serving requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// errBusy is returned when a tensor exceeds the admission budget.
var errBusy = errors.New("server busy")

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// quantizeRequest is the CBOR body of POST /quantize. Data holds fp16 bit patterns.
type quantizeRequest struct {
	Name   string   `cbor:"name"`
	Layout string   `cbor:"layout"`
	Dims   []int    `cbor:"dims"`
	Data   []uint16 `cbor:"data"`
	Prior  float32  `cbor:"prior,omitempty"`
}

type quantizeResponse struct {
	Dims    []int     `cbor:"dims"`
	Layout  string    `cbor:"layout"`
	DType   string    `cbor:"dtype"`
	Scales  []float32 `cbor:"scales"`
	Data    []int8    `cbor:"data"`
	Clamped bool      `cbor:"clamped"`
}

type Server struct {
	store         calibration.Store
	flightClient  FlightClientInterface
	datasetName   string
	defaultLayout tensor.Layout
	workers       int
	alloc         memory.Allocator
	sem           *semaphore.Weighted
	capacity      int64
}

func NewServer(store calibration.Store, fc FlightClientInterface, cfg config.Config) *Server {
	layout, err := tensor.ParseLayout(cfg.DefaultLayout)
	if err != nil {
		layout = tensor.Dense
	}
	return &Server{
		store:         store,
		flightClient:  fc,
		datasetName:   cfg.Dataset,
		defaultLayout: layout,
		workers:       cfg.TileWorkers,
		alloc:         memory.NewGoAllocator(),
		sem:           semaphore.NewWeighted(cfg.MaxConcurrentElements),
		capacity:      cfg.MaxConcurrentElements,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/quantize", s.handleQuantize)
	mux.HandleFunc("/calibration", s.handleCalibration)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) error {
	log.Info().Str("addr", addr).Msg("Starting Quiver Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding to Longbow at specified server address")
	}
	return http.ListenAndServe(addr, srv.routes())
}

var tracer = otel.Tracer("quiver-server")

// quantizeTensor quantizes src with a floor of the larger of prior and the
// stored scale for name, then records the resulting scale. It holds weight
// len(src) of the admission budget while running.
func (s *Server) quantizeTensor(ctx context.Context, name string, desc tensor.Desc, src []float16.Float16, prior float32) (*quantize.Result, error) {
	if err := quantize.CheckSize(desc); err != nil {
		return nil, err
	}

	weight := int64(len(src))
	if weight > s.capacity {
		return nil, fmt.Errorf("%w: %d elements exceed the limit of %d", errBusy, weight, s.capacity)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("%w: %v", errBusy, err)
	}
	defer s.sem.Release(weight)

	if name != "" {
		if stored, ok := s.store.Get(name); ok {
			prior = max(prior, stored)
		}
	}

	res, err := quantize.Quantize(desc, src, quantize.WithPriorScale(prior), quantize.WithWorkers(s.workers))
	if err != nil {
		return nil, err
	}
	// An all-zero tensor carries no range information.
	if name != "" && !res.Tiled() && !res.Zero {
		s.store.Observe(name, res.Scale())
	}
	return res, nil
}

func (s *Server) forwardToLongbow(ctx context.Context, results []client.NamedResult) error {
	if s.flightClient == nil || len(results) == 0 {
		return nil
	}
	rb, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(results)
	if err != nil {
		return err
	}
	defer rb.Release()
	return s.flightClient.DoPut(ctx, s.datasetName, rb)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, quantize.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, quantize.ErrShapeMismatch), errors.Is(err, quantize.ErrNullPointer):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleQuantize(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleQuantize", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("quantize").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req quantizeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	if req.Prior != 0 && !quantize.ValidScale(req.Prior) {
		http.Error(w, fmt.Sprintf("Bad Request: prior must be finite and positive, got %v", req.Prior), http.StatusBadRequest)
		return
	}

	layout := s.defaultLayout
	if req.Layout != "" {
		var err error
		if layout, err = tensor.ParseLayout(req.Layout); err != nil {
			http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
			return
		}
	}
	desc, err := tensor.FromDims(tensor.Float16, layout, req.Dims)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Data) != desc.NumElements() {
		http.Error(w, fmt.Sprintf("Bad Request: %d values for %s", len(req.Data), desc), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.String("tensor", req.Name),
		attribute.String("layout", layout.String()),
		attribute.Int("elements", desc.NumElements()),
	)

	res, err := s.quantizeTensor(ctx, req.Name, desc, weights.FromBits(req.Data), req.Prior)
	if err != nil {
		span.RecordError(err)
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			log.Error().Err(err).Str("tensor", req.Name).Msg("Quantization failed")
		}
		http.Error(w, err.Error(), code)
		return
	}
	tensorsServed.WithLabelValues("http").Inc()

	if err := s.forwardToLongbow(ctx, []client.NamedResult{{Name: req.Name, Result: res}}); err != nil {
		log.Error().Err(err).Str("tensor", req.Name).Msg("Error forwarding tensor to Longbow")
	}

	body, err := cbor.Marshal(quantizeResponse{
		Dims:    res.Desc.Shape(),
		Layout:  res.Desc.Layout().String(),
		DType:   res.Desc.DataType().String(),
		Scales:  res.Scales,
		Data:    res.Data,
		Clamped: res.Clamped,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleCalibration returns the store as a CBOR map on GET and forgets a
// tensor's scale on DELETE ?name=.
func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		body, err := cbor.Marshal(s.store.Snapshot())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(body)
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "Bad Request: name is required", http.StatusBadRequest)
			return
		}
		s.store.Reset(name)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
