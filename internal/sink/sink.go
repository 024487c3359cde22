// Package sink delivers detection records to their destinations.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
	"github.com/sentinel-dpa/telegram-sentinel/internal/metrics"
)

// Sink appends one detection record. A failed Append is reported to the
// caller and must not stop further appends.
type Sink interface {
	Name() string
	Append(ctx context.Context, ev event.DetectionEvent) error
}

// PartialError is returned by Multi when some sinks failed but at least one
// took the record.
type PartialError struct {
	Delivered []string
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partially delivered (ok: %s): %v", strings.Join(e.Delivered, ", "), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Delivered reports whether an Append that returned err still left the
// record in at least one sink.
func Delivered(err error) bool {
	if err == nil {
		return true
	}
	var pe *PartialError
	return errors.As(err, &pe) && len(pe.Delivered) > 0
}

// Multi fans one record out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Append(ctx context.Context, ev event.DetectionEvent) error {
	var (
		errs      []error
		delivered []string
	)
	for _, s := range m {
		if err := s.Append(ctx, ev); err != nil {
			metrics.EventsWritten.WithLabelValues(s.Name(), "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.EventsWritten.WithLabelValues(s.Name(), "ok").Inc()
		delivered = append(delivered, s.Name())
	}
	err := errors.Join(errs...)
	if err != nil && len(delivered) > 0 {
		return &PartialError{Delivered: delivered, Err: err}
	}
	return err
}
