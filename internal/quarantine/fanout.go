package quarantine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Fanout writes every batch to all of its sinks concurrently
type Fanout struct {
	sinks []Sink
}

// NewFanout combines sinks. A single sink is returned unwrapped and no
// sinks at all yields a NopSink.
func NewFanout(sinks ...Sink) Sink {
	switch len(sinks) {
	case 0:
		return NopSink{}
	case 1:
		return sinks[0]
	}
	return &Fanout{sinks: sinks}
}

// Name lists the wrapped sinks, e.g. "s3+kafka"
func (f *Fanout) Name() string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

// Write returns the joined errors of the sinks that failed. A failing sink
// does not stop the others.
func (f *Fanout) Write(ctx context.Context, batch *Batch) error {
	errs := make([]error, len(f.sinks))

	var g errgroup.Group
	for i, s := range f.sinks {
		i, s := i, s
		g.Go(func() error {
			if err := s.Write(ctx, batch); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
