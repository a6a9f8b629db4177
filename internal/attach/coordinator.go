package attach

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mrzor/late-attach/internal/eligibility"
	"github.com/mrzor/late-attach/internal/marker"
	"github.com/mrzor/late-attach/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

var (
	// ErrSnapshot wraps any failure to obtain the initial snapshot.
	ErrSnapshot = errors.New("attach: taking unit snapshot")
	// ErrPassInProgress is returned when Run is called while a pass is running.
	ErrPassInProgress = errors.New("attach: pass already in progress")
	// ErrInterrupted wraps context cancellation observed mid-pass.
	ErrInterrupted = errors.New("attach: pass interrupted")
	// ErrNoPort is returned by New without a transformation port.
	ErrNoPort = errors.New("attach: transformation port is required")
	// ErrUnitPanic wraps a panic raised while handling a single unit.
	ErrUnitPanic = errors.New("attach: panic while handling unit")
)

// Config wires a Coordinator. Only Port is required; nil Filter, Registry
// and Marker fall back to the default filter and the process-wide instances.
type Config struct {
	Port     Port
	Filter   *eligibility.Filter
	Registry *registry.Registry
	Marker   *marker.Marker
	Logger   *zap.Logger
	Tracer   trace.Tracer
}

// Coordinator runs attach passes.
type Coordinator struct {
	port     Port
	filter   *eligibility.Filter
	registry *registry.Registry
	marker   *marker.Marker
	logger   *zap.Logger
	tracer   trace.Tracer

	running atomic.Bool
	now     func() time.Time
}

// New creates a Coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Port == nil {
		return nil, ErrNoPort
	}

	c := &Coordinator{
		port:     cfg.Port,
		filter:   cfg.Filter,
		registry: cfg.Registry,
		marker:   cfg.Marker,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		now:      time.Now,
	}
	if c.filter == nil {
		c.filter = eligibility.NewDefault()
	}
	if c.registry == nil {
		c.registry = registry.Default()
	}
	if c.marker == nil {
		c.marker = marker.Active()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("late-attach")
	}
	return c, nil
}

// Registry returns the registry the coordinator records into.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Marker returns the marker the coordinator publishes.
func (c *Coordinator) Marker() *marker.Marker {
	return c.marker
}

// Run executes one attach pass against host.
//
// Per-unit faults are collected in the returned Report and never returned as
// an error. An error is returned only when the snapshot cannot be taken, the
// context is cancelled mid-pass, or another pass is running; in those cases
// the marker is left untouched. Records committed before an interruption stay.
func (c *Coordinator) Run(ctx context.Context, host Host) (Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Report{}, ErrPassInProgress
	}
	defer c.running.Store(false)

	report := Report{
		PassID:    uuid.NewString(),
		StartedAt: c.now(),
	}
	log := c.logger.With(zap.String("pass_id", report.PassID))

	ctx, span := c.tracer.Start(ctx, "attach.pass", trace.WithAttributes(
		attribute.String("attach.pass_id", report.PassID),
		attribute.String("attach.marker", c.marker.Name()),
	))
	defer span.End()

	units, err := host.Snapshot(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSnapshot, err)
		report.FinishedAt = c.now()
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		log.Error("Attach pass aborted", zap.Error(err))
		return report, err
	}
	log.Debug("Snapshot taken", zap.Int("units", len(units)))

	checker, _ := host.(ModifiabilityChecker)
	report.Results = make([]Result, 0, len(units))

	for _, u := range units {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err := fmt.Errorf("%w after %d of %d units: %w", ErrInterrupted, len(report.Results), len(units), ctxErr)
			report.FinishedAt = c.now()
			span.RecordError(err)
			span.SetStatus(codes.Error, "interrupted")
			log.Error("Attach pass aborted", zap.Error(err))
			return report, err
		}

		res := c.visit(ctx, host, checker, u)
		report.Results = append(report.Results, res)

		switch res.Outcome {
		case OutcomeFaulted:
			span.AddEvent("unit.fault", trace.WithAttributes(
				attribute.String("unit.id", u.ID),
				attribute.String("error", res.Err.Error()),
			))
			log.Warn("Unit transformation failed", zap.String("unit", u.ID), zap.Error(res.Err))
		case OutcomeApplied:
			log.Debug("Unit transformed", zap.String("unit", u.ID))
		}
	}

	report.MarkerPublished = c.marker.Set()
	report.FinishedAt = c.now()

	span.SetAttributes(
		attribute.Int("attach.units", len(units)),
		attribute.Int("attach.applied", report.Count(OutcomeApplied)),
		attribute.Int("attach.faulted", report.Count(OutcomeFaulted)),
		attribute.Int("attach.skipped_recorded", report.Count(OutcomeRecorded)),
		attribute.Bool("attach.marker_published", report.MarkerPublished),
	)
	log.Info("Attach pass complete",
		zap.Int("units", len(units)),
		zap.Int("applied", report.Count(OutcomeApplied)),
		zap.Int("faulted", report.Count(OutcomeFaulted)),
		zap.Int("not_needed", report.Count(OutcomeNotNeeded)),
		zap.Int("already_recorded", report.Count(OutcomeRecorded)),
		zap.Int("ineligible", report.Count(OutcomeIneligible)),
		zap.Int("unmodifiable", report.Count(OutcomeUnmodifiable)),
		zap.Bool("marker_published", report.MarkerPublished),
		zap.Duration("duration", report.Duration()),
	)

	return report, nil
}

// visit decides and, if needed, applies the transformation for one unit.
// Any error or panic becomes an OutcomeFaulted result.
func (c *Coordinator) visit(ctx context.Context, host Host, checker ModifiabilityChecker, u Unit) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Unit: u, Outcome: OutcomeFaulted, Err: fmt.Errorf("%w: %v", ErrUnitPanic, r)}
		}
	}()

	done := func(o Outcome) Result { return Result{Unit: u, Outcome: o} }
	fault := func(err error) Result { return Result{Unit: u, Outcome: OutcomeFaulted, Err: err} }

	if !u.Modifiable {
		return done(OutcomeUnmodifiable)
	}
	if !c.filter.Eligible(u.ID) {
		return done(OutcomeIneligible)
	}
	if c.registry.IsRecorded(u.ID) {
		return done(OutcomeRecorded)
	}

	// The snapshot may be stale by now; let the host re-check before we
	// spend a policy evaluation on the unit.
	if checker != nil {
		ok, err := checker.Modifiable(ctx, u)
		if err != nil {
			return fault(fmt.Errorf("checking modifiability: %w", err))
		}
		if !ok {
			return done(OutcomeUnmodifiable)
		}
	}

	needs, err := c.port.NeedsTransformation(ctx, u)
	if err != nil {
		return fault(fmt.Errorf("querying transformation need: %w", err))
	}
	if !needs {
		return done(OutcomeNotNeeded)
	}

	if err := host.Apply(ctx, u); err != nil {
		return fault(fmt.Errorf("applying transformation: %w", err))
	}

	if created := c.registry.Record(u.ID); !created {
		c.logger.Debug("Unit recorded concurrently", zap.String("unit", u.ID))
	}
	return done(OutcomeApplied)
}
