package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/handler"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/loadgen"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/logging"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/profiling"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/quarantine"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/transform"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/worker"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

var (
	batches        = flag.Int("batches", 1000, "Number of invocations to run")
	batchSize      = flag.Int("batch-size", 500, "Records per invocation")
	concurrency    = flag.Int("concurrency", 4, "Concurrent invocations")
	workers        = flag.Int("workers", 0, "Worker pool size (0 = GOMAXPROCS)")
	malformedRatio = flag.Float64("malformed", 0.05, "Share of records that fail to transform")
	invalidB64     = flag.Float64("invalid-base64", 0.25, "Share of malformed records sent without base64")
	targetRate     = flag.Float64("rate", 0, "Invocations per second, 0 = unlimited")
	target         = flag.String("target", "", "POST to this transform URL instead of running in-process")
	emit           = flag.Bool("emit", false, "Print one generated event as JSON and exit")
	seed           = flag.Int64("seed", 0, "Generator seed (0 = time based)")
	cpuProfile     = flag.String("cpuprofile", "", "Write a CPU profile to this file")
	reportInterval = flag.Duration("interval", 5*time.Second, "Report interval")
)

// Stats tracks load test statistics
type Stats struct {
	invocations uint64
	records     uint64
	ok          uint64
	failed      uint64
	errors      uint64
	startTime   time.Time
}

func (s *Stats) add(out types.TransformationEvent) {
	atomic.AddUint64(&s.invocations, 1)
	atomic.AddUint64(&s.records, uint64(len(out.Records)))
	for _, r := range out.Records {
		if r.Result == types.ResultOk {
			atomic.AddUint64(&s.ok, 1)
		} else {
			atomic.AddUint64(&s.failed, 1)
		}
	}
}

func (s *Stats) Report() {
	elapsed := time.Since(s.startTime).Seconds()
	invocations := atomic.LoadUint64(&s.invocations)
	records := atomic.LoadUint64(&s.records)
	ok := atomic.LoadUint64(&s.ok)
	failed := atomic.LoadUint64(&s.failed)
	errs := atomic.LoadUint64(&s.errors)

	fmt.Printf("\n=== Load Test Statistics ===\n")
	fmt.Printf("Duration: %.2f seconds\n", elapsed)
	fmt.Printf("Invocations: %d (%.0f/sec)\n", invocations, float64(invocations)/elapsed)
	fmt.Printf("Records: %d (%.0f/sec)\n", records, float64(records)/elapsed)
	fmt.Printf("Ok: %d\n", ok)
	fmt.Printf("ProcessingFailed: %d\n", failed)
	fmt.Printf("Invocation Errors: %d\n", errs)
	if records > 0 {
		fmt.Printf("Success Rate: %.2f%%\n", float64(ok)/float64(records)*100)
	}
	fmt.Printf("============================\n\n")
}

func main() {
	flag.Parse()

	gen := loadgen.New(loadgen.Config{
		BatchSize:          *batchSize,
		MalformedRatio:     *malformedRatio,
		InvalidBase64Ratio: *invalidB64,
		Seed:               *seed,
	})

	if *emit {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(gen.Event()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := logging.New(logging.Config{
		Level:  "info",
		Format: "console",
	})

	fmt.Printf("Starting load test...\n")
	fmt.Printf("Invocations: %d x %d records\n", *batches, *batchSize)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Malformed Ratio: %.2f\n", *malformedRatio)
	if *target != "" {
		fmt.Printf("Target: %s\n", *target)
	}
	fmt.Println()

	if err := run(logger, gen); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *logging.Logger, gen *loadgen.Generator) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *cpuProfile != "" {
		stopProfile, err := profiling.StartCPUProfile(*cpuProfile)
		if err != nil {
			return err
		}
		defer func() {
			if err := stopProfile(); err != nil {
				logger.Error().Err(err).Msg("Failed to write CPU profile")
			}
		}()
	}

	invoke, cleanup := newInvoker(logger)
	defer cleanup()

	var limiter *rate.Limiter
	if *targetRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(*targetRate), 1)
	}

	stats := &Stats{startTime: time.Now()}

	reportCtx, cancelReport := context.WithCancel(ctx)
	defer cancelReport()
	go func() {
		ticker := time.NewTicker(*reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-reportCtx.Done():
				return
			case <-ticker.C:
				stats.Report()
			}
		}
	}()

	// The generator is not safe for concurrent use
	var genMu sync.Mutex
	next := func() types.FirehoseEvent {
		genMu.Lock()
		defer genMu.Unlock()
		return gen.Event()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	for i := 0; i < *batches; i++ {
		if limiter != nil {
			if err := limiter.Wait(gctx); err != nil {
				break
			}
		}
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			out, err := invoke(gctx, next())
			if err != nil {
				atomic.AddUint64(&stats.errors, 1)
				logger.Warn().Err(err).Msg("Invocation failed")
				return nil
			}
			stats.add(out)
			return nil
		})
	}

	err := g.Wait()
	stats.Report()
	return err
}

type invokeFunc func(context.Context, types.FirehoseEvent) (types.TransformationEvent, error)

// newInvoker runs in-process unless -target is set
func newInvoker(logger *logging.Logger) (invokeFunc, func()) {
	if *target != "" {
		client := &http.Client{Timeout: 30 * time.Second}
		return func(ctx context.Context, event types.FirehoseEvent) (types.TransformationEvent, error) {
			return post(ctx, client, *target, event)
		}, func() {}
	}

	pool := worker.NewWorkerPool(worker.PoolConfig{NumWorkers: *workers})
	h := handler.New(handler.Config{
		Transformer: transform.New(transform.Config{Pool: pool}),
		Sink:        quarantine.NopSink{},
		Logger:      &logging.Logger{Logger: logger.Level(zerolog.WarnLevel)},
	})

	return h.Handle, pool.Stop
}

func post(ctx context.Context, client *http.Client, url string, event types.FirehoseEvent) (types.TransformationEvent, error) {
	var out types.TransformationEvent

	body, err := json.Marshal(event)
	if err != nil {
		return out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}
