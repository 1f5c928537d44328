package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/calibration"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/quantize"
	"github.com/23skdu/longbow-quiver/internal/tensor"
	"github.com/23skdu/longbow-quiver/internal/weights"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	inputPath  = flag.String("input", "", "Path to a raw little-endian fp16 tensor file")
	shape      = flag.String("shape", "", "Tensor dimensions, outermost first (e.g. 8,4,6,6)")
	layoutName = flag.String("layout", "", "Tensor layout: nchw or hwncn8c4 (default from -default-layout)")
	tensorName = flag.String("name", "", "Tensor name (defaults to the input file name)")
	priorScale = flag.Float64("prior", 0, "Scale from an earlier calibration pass (0 for none)")
	verify     = flag.Bool("verify", false, "Check the result against a float64 reference")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
)

type job struct {
	input  string
	shape  string
	layout string
	name   string
	prior  float32
	verify bool
}

func main() {
	cfg := config.Default()
	flag.StringVar(&cfg.ServerAddr, "server", "", "Longbow server address (e.g., localhost:3000)")
	flag.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "Target dataset name on server")
	flag.StringVar(&cfg.ListenAddr, "listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flag.StringVar(&cfg.FlightAddr, "flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	flag.Int64Var(&cfg.MaxConcurrentElements, "max-elements", cfg.MaxConcurrentElements, "Maximum fp16 elements quantized concurrently")
	flag.IntVar(&cfg.TileWorkers, "tile-workers", cfg.TileWorkers, "Tiles quantized in parallel per tensor")
	flag.StringVar(&cfg.DefaultLayout, "default-layout", cfg.DefaultLayout, "Layout assumed when a request names none")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console, json)")
	flag.BoolVar(&cfg.EnableOTel, "otel", false, "Enable OpenTelemetry tracing (stdout)")
	flag.IntVar(&cfg.BreakerMaxFailures, "breaker-failures", cfg.BreakerMaxFailures, "Consecutive Flight failures before the circuit opens")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.EnableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	var fcInterface FlightClientInterface
	if cfg.ServerAddr != "" {
		fc, err := client.NewFlightClient(cfg.ServerAddr, client.NewCircuitBreaker(cfg.BreakerMaxFailures, 30*time.Second))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", cfg.ServerAddr).Msg("Connected to Flight Server")
		fcInterface = fc
	}

	if cfg.IsServer() {
		srv := NewServer(calibration.NewMapStore(), fcInterface, cfg)
		serve(cfg, srv)
		return
	}

	j := job{
		input:  *inputPath,
		shape:  *shape,
		layout: *layoutName,
		name:   *tensorName,
		prior:  float32(*priorScale),
		verify: *verify,
	}
	if err := runOnce(context.Background(), cfg, j, fcInterface, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Quantization failed")
	}
}

func serve(cfg config.Config, srv *Server) {
	errc := make(chan error, 2)
	if cfg.ListenAddr != "" {
		go func() { errc <- startServer(cfg.ListenAddr, srv) }()
	}
	if cfg.FlightAddr != "" {
		go func() { errc <- StartFlightServer(cfg.FlightAddr, srv) }()
	}
	if err := <-errc; err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// runOnce quantizes a single tensor file and writes the result as an Arrow
// IPC stream to out, or ships it to Longbow when fc is set.
func runOnce(ctx context.Context, cfg config.Config, j job, fc FlightClientInterface, out io.Writer) error {
	if j.input == "" || j.shape == "" {
		return errors.New("-input and -shape are required outside server mode")
	}
	if j.prior != 0 && !quantize.ValidScale(j.prior) {
		return fmt.Errorf("-prior must be finite and positive, got %v", j.prior)
	}
	dims, err := tensor.ParseDims(j.shape)
	if err != nil {
		return err
	}
	layoutStr := j.layout
	if layoutStr == "" {
		layoutStr = cfg.DefaultLayout
	}
	layout, err := tensor.ParseLayout(layoutStr)
	if err != nil {
		return err
	}
	desc, err := tensor.FromDims(tensor.Float16, layout, dims)
	if err != nil {
		return err
	}
	if err := quantize.CheckSize(desc); err != nil {
		return err
	}

	src, err := weights.LoadFile(j.input, desc)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := quantize.Quantize(desc, src, quantize.WithPriorScale(j.prior), quantize.WithWorkers(cfg.TileWorkers))
	if err != nil {
		return err
	}
	log.Info().
		Str("tensor", desc.String()).
		Int("scales", len(res.Scales)).
		Float32("scale", res.Scale()).
		Bool("clamped", res.Clamped).
		Dur("elapsed", time.Since(start)).
		Msg("Quantized tensor")

	if j.verify {
		rep, err := quantize.Compare(res, src, float64(j.prior))
		if err != nil {
			return err
		}
		log.Info().
			Float64("max_abs_error", rep.MaxAbsError).
			Float64("max_scale_drift", rep.MaxScaleDrift).
			Int("saturated", rep.Saturated).
			Int("violations", rep.Violations).
			Msg("Verification")
		if !rep.OK() {
			return fmt.Errorf("verification failed: %d elements outside rounding bound, scale drift %g", rep.Violations, rep.MaxScaleDrift)
		}
	}

	name := j.name
	if name == "" {
		name = j.input
	}
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).
		BuildRecordBatch([]client.NamedResult{{Name: name, Result: res}})
	if err != nil {
		return err
	}
	defer rec.Release()

	if fc != nil {
		log.Info().Str("tensor", name).Str("dataset", cfg.Dataset).Msg("Sending tensor to Longbow")
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fc.DoPut(ctx, cfg.Dataset, rec); err != nil {
			return fmt.Errorf("flight DoPut: %w", err)
		}
		log.Info().Msg("Successfully sent tensor to Longbow")
		return nil
	}
	return writeArrowStream(out, rec)
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
