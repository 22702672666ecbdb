package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/logging"
)

// Manager runs cleanup stages once a shutdown is requested
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu     sync.Mutex
	stages []stage

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	err          error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type stage struct {
	name string
	fn   ShutdownFunc
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc adds a stage. Stages run one after another in registration
// order, so register the front door first and the exporters last.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage{name: name, fn: fn})
}

// WaitForSignal blocks until SIGINT or SIGTERM (or the given signals), or
// until Shutdown is called elsewhere, then returns the shutdown error
func (m *Manager) WaitForSignal(signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		m.Shutdown()
	case <-m.shutdownCh:
	}

	<-m.gracefulDone
	return m.Err()
}

// Shutdown runs every stage once; later calls are no-ops
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.performShutdown()
	})
}

func (m *Manager) performShutdown() {
	m.mu.Lock()
	stages := append([]stage(nil), m.stages...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("stages", len(stages)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, s := range stages {
		if err := s.fn(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("stage", s.name).
				Msg("Shutdown stage failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m.logger.Debug().Str("stage", s.name).Msg("Shutdown stage completed")
	}

	m.err = errors.Join(errs...)
	if m.err != nil {
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed successfully")
	}

	close(m.gracefulDone)
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.gracefulDone
}

// Err returns the joined stage errors once Done is closed
func (m *Manager) Err() error {
	select {
	case <-m.gracefulDone:
		return m.err
	default:
		return nil
	}
}
