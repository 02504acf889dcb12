package observability

import (
	"context"
	"errors"
	"time"

	"botfleet/internal/models"
	"botfleet/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStorage wraps a storage.Storage implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStorage records a span, a latency sample and (on failure) an
// error count for every call. storage.ErrNotFound is an expected outcome for
// the pool's assignment checks and is not counted as an error.
func NewInstrumentedStorage(inner storage.Storage) (*InstrumentedStorage, error) {
	tracer := otel.Tracer("botfleet/storage")
	meter := otel.Meter("botfleet/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
}

func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, storage.ErrNotFound):
		span.SetAttributes(attribute.Bool("storage.not_found", true))
		span.SetStatus(codes.Ok, "")
	default:
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func (s *InstrumentedStorage) SaveWorker(ctx context.Context, rec *models.WorkerRecord) error {
	ctx, span := s.startSpan(ctx, "SaveWorker",
		attribute.String("instance_id", rec.InstanceID),
		attribute.String("status", rec.Status),
	)
	start := time.Now()
	err := s.inner.SaveWorker(ctx, rec)
	s.record(ctx, span, "SaveWorker", start, err)
	return err
}

func (s *InstrumentedStorage) GetWorker(ctx context.Context, instanceID string) (*models.WorkerRecord, error) {
	ctx, span := s.startSpan(ctx, "GetWorker", attribute.String("instance_id", instanceID))
	start := time.Now()
	result, err := s.inner.GetWorker(ctx, instanceID)
	s.record(ctx, span, "GetWorker", start, err)
	return result, err
}

func (s *InstrumentedStorage) ListWorkers(ctx context.Context, owner string) ([]*models.WorkerRecord, error) {
	ctx, span := s.startSpan(ctx, "ListWorkers", attribute.String("owner", owner))
	start := time.Now()
	result, err := s.inner.ListWorkers(ctx, owner)
	s.record(ctx, span, "ListWorkers", start, err)
	return result, err
}

func (s *InstrumentedStorage) DeleteWorker(ctx context.Context, instanceID string) error {
	ctx, span := s.startSpan(ctx, "DeleteWorker", attribute.String("instance_id", instanceID))
	start := time.Now()
	err := s.inner.DeleteWorker(ctx, instanceID)
	s.record(ctx, span, "DeleteWorker", start, err)
	return err
}

func (s *InstrumentedStorage) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	ctx, span := s.startSpan(ctx, "SaveAssignment",
		attribute.String("credential_id", a.CredentialID),
		attribute.String("owner", a.Owner),
	)
	start := time.Now()
	err := s.inner.SaveAssignment(ctx, a)
	s.record(ctx, span, "SaveAssignment", start, err)
	return err
}

func (s *InstrumentedStorage) GetAssignment(ctx context.Context, credentialID string) (*models.Assignment, error) {
	ctx, span := s.startSpan(ctx, "GetAssignment", attribute.String("credential_id", credentialID))
	start := time.Now()
	result, err := s.inner.GetAssignment(ctx, credentialID)
	s.record(ctx, span, "GetAssignment", start, err)
	return result, err
}

func (s *InstrumentedStorage) GetAssignmentByOwner(ctx context.Context, owner string) (*models.Assignment, error) {
	ctx, span := s.startSpan(ctx, "GetAssignmentByOwner", attribute.String("owner", owner))
	start := time.Now()
	result, err := s.inner.GetAssignmentByOwner(ctx, owner)
	s.record(ctx, span, "GetAssignmentByOwner", start, err)
	return result, err
}

func (s *InstrumentedStorage) DeleteAssignment(ctx context.Context, credentialID string) error {
	ctx, span := s.startSpan(ctx, "DeleteAssignment", attribute.String("credential_id", credentialID))
	start := time.Now()
	err := s.inner.DeleteAssignment(ctx, credentialID)
	s.record(ctx, span, "DeleteAssignment", start, err)
	return err
}

func (s *InstrumentedStorage) ListAssignments(ctx context.Context) ([]*models.Assignment, error) {
	ctx, span := s.startSpan(ctx, "ListAssignments")
	start := time.Now()
	result, err := s.inner.ListAssignments(ctx)
	s.record(ctx, span, "ListAssignments", start, err)
	return result, err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
