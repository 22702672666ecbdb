package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/config"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/handler"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/health"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/logging"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/metrics"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/quarantine"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/reliability"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/security"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/server"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/tracing"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/transform"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/worker"
)

var (
	configFile = flag.String("config", os.Getenv(config.EnvConfigFile), "Path to configuration file (optional)")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "accesslog-transformer",
	})
	logging.SetGlobal(logger)

	logger.Info().
		Str("version", version).
		Str("mode", string(cfg.Mode)).
		Msg("Starting access log transformer")

	ctx := context.Background()

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.GetGlobalCollector()
	}

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	pool := worker.NewWorkerPool(worker.PoolConfig{
		NumWorkers: cfg.WorkerPool.NumWorkers,
		QueueSize:  cfg.WorkerPool.QueueSize,
		OnPanic: func(i int, recovered interface{}) {
			if m != nil {
				m.WorkerPoolPanics.Inc()
			}
			logger.Error().
				Int("index", i).
				Interface("panic", recovered).
				Msg("Record transformation panicked")
		},
	})
	if m != nil {
		m.WorkerPoolSize.Set(float64(pool.Size()))
	}

	checker := health.NewChecker(0)
	checker.Register("worker_pool", health.WorkerPoolCheck(pool))

	sink, closeSink, err := newSink(ctx, cfg, m, checker)
	if err != nil {
		pool.Stop()
		return err
	}

	var extractor *metrics.Extractor
	if m != nil && cfg.Metrics.Traffic {
		extractor = m.NewExtractor()
	}

	tracker := &health.WriteTracker{}
	h := handler.New(handler.Config{
		Transformer: transform.New(transform.Config{
			Pool:      pool,
			Metrics:   m,
			Logger:    logger,
			Extractor: extractor,
		}),
		Sink:              sink,
		Tracker:           tracker,
		Metrics:           m,
		Logger:            logger,
		Tracer:            tp.Tracer(),
		QuarantineTimeout: cfg.Quarantine.Timeout,
	})

	logger.Info().
		Int("workers", pool.Size()).
		Str("quarantine", sink.Name()).
		Bool("metrics", m != nil).
		Bool("tracing", cfg.Tracing.Enabled).
		Msg("Transformer initialized")

	if cfg.Mode == config.ModeLambda {
		// Never returns; the runtime freezes the process between invocations
		lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
			logger.Info().Msg("Lambda runtime shutting down")
			pool.Stop()
			_ = closeSink()
			_ = tp.Shutdown(context.Background())
		}))
		return nil
	}

	checker.Register("quarantine", tracker.Check())

	srvCfg := server.Config{
		Address:       cfg.Server.Address,
		TransformPath: cfg.Server.TransformPath,
		MetricsPath:   cfg.Metrics.Path,
		RateLimit:     cfg.Server.RateLimit,
		MaxBodySize:   cfg.Server.MaxBodySize,
		EnablePprof:   cfg.Server.Pprof,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		Handler:       h,
		Metrics:       m,
		HealthChecker: checker,
		Pool:          pool,
		Logger:        logger,
	}
	if m != nil {
		srvCfg.MetricsRegistry = m.Registry()
	}
	if tlsCfg := securityConfig(cfg.Server.TLS); tlsCfg.ServerEnabled() {
		srvCfg.TLS, err = security.ServerTLSConfig(tlsCfg)
		if err != nil {
			pool.Stop()
			_ = closeSink()
			return fmt.Errorf("failed to load server TLS: %w", err)
		}
	}

	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		pool.Stop()
		_ = closeSink()
		return err
	}

	shutdownMgr := shutdown.New(shutdown.Config{Logger: logger})
	shutdownMgr.RegisterFunc("server", srv.Stop)
	shutdownMgr.RegisterFunc("worker_pool", func(context.Context) error {
		pool.Stop()
		return nil
	})
	shutdownMgr.RegisterFunc("quarantine", func(context.Context) error {
		return closeSink()
	})
	shutdownMgr.RegisterFunc("tracing", tp.Shutdown)

	return shutdownMgr.WaitForSignal()
}

// newSink builds the quarantine destinations from configuration. The
// returned close function releases producer connections.
func newSink(ctx context.Context, cfg *config.Config, m *metrics.Collector, checker *health.Checker) (quarantine.Sink, func() error, error) {
	noClose := func() error { return nil }
	if !cfg.Quarantine.Enabled {
		return quarantine.NopSink{}, noClose, nil
	}

	q := cfg.Quarantine
	var sinks []quarantine.Sink

	if q.Bucket != "" {
		s3Sink, err := quarantine.NewS3Sink(ctx, quarantine.S3Config{
			Bucket:       q.Bucket,
			Region:       q.Region,
			Prefix:       q.Prefix,
			Compression:  quarantine.CompressionType(q.Compression),
			StorageClass: q.StorageClass,
			Endpoint:     q.Endpoint,
			UsePathStyle: q.UsePathStyle,
			Retry: reliability.RetryConfig{
				MaxRetries:     q.Retry.MaxRetries,
				InitialBackoff: q.Retry.InitialBackoff,
				MaxBackoff:     q.Retry.MaxBackoff,
				Multiplier:     q.Retry.Multiplier,
				Jitter:         q.Retry.Jitter,
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create S3 quarantine sink: %w", err)
		}
		sinks = append(sinks, s3Sink.WithMetrics(m))
	}

	if q.Dir != "" {
		fileSink, err := quarantine.NewFileSink(quarantine.FileConfig{
			Dir:         q.Dir,
			Compression: quarantine.CompressionType(q.Compression),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file quarantine sink: %w", err)
		}
		sinks = append(sinks, fileSink)
	}

	if len(q.Elasticsearch.Addresses) > 0 || q.Elasticsearch.CloudID != "" {
		es := q.Elasticsearch
		esSink, err := quarantine.NewElasticsearchSink(quarantine.ElasticsearchConfig{
			Addresses:     es.Addresses,
			CloudID:       es.CloudID,
			Username:      es.Username,
			Password:      es.Password,
			APIKey:        es.APIKey,
			Index:         es.Index,
			IndexRotation: es.IndexRotation,
			Pipeline:      es.Pipeline,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create elasticsearch quarantine sink: %w", err)
		}
		sinks = append(sinks, esSink)
	}

	closer := noClose
	if len(q.Kafka.Brokers) > 0 {
		k := q.Kafka
		var kafkaTLS *tls.Config
		if k.EnableTLS {
			var err error
			kafkaTLS, err = security.ClientTLSConfig(securityConfig(k.TLS))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load kafka TLS: %w", err)
			}
		}
		kafkaSink, err := quarantine.NewKafkaSink(quarantine.KafkaConfig{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			RequiredAcks: k.RequiredAcks,
			Compression:  k.Compression,
			ClientID:     k.ClientID,
			Version:      k.Version,
			EnableTLS:    k.EnableTLS,
			TLS:          kafkaTLS,
			SASLEnabled:  k.SASLEnabled,
			SASLUsername: k.SASLUsername,
			SASLPassword: k.SASLPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka quarantine sink: %w", err)
		}
		sinks = append(sinks, kafkaSink)
		closer = kafkaSink.Close
	}

	guarded := make([]quarantine.Sink, len(sinks))
	for i, sink := range sinks {
		g := quarantine.NewGuardedSink(sink, quarantine.BreakerConfig{
			FailureThreshold: q.CircuitBreaker.FailureThreshold,
			Timeout:          q.CircuitBreaker.Timeout,
			OnStateChange: func(name string, from, to reliability.State) {
				if m != nil {
					m.QuarantineCircuit.WithLabelValues(name).Set(float64(to))
				}
				logging.Global().Warn().
					Str("sink", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Quarantine circuit changed state")
			},
		})
		guarded[i] = g
		checker.Register("quarantine_"+g.Name(), health.BreakerCheck(g.State))
	}

	return quarantine.NewFanout(guarded...), closer, nil
}

func securityConfig(c config.TLSConfig) security.TLSConfig {
	return security.TLSConfig{
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		CAFile:             c.CAFile,
		ClientAuth:         c.ClientAuth,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         c.MinVersion,
	}
}
