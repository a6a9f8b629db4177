package attach

import (
	"context"
	"errors"
	"testing"

	"github.com/mrzor/late-attach/internal/eligibility"
	"github.com/mrzor/late-attach/internal/marker"
	"github.com/mrzor/late-attach/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	unitA    = "/opt/app/bin/server@100:1"
	unitB    = "/opt/app/bin/worker@101:1"
	unitC    = "/opt/app/bin/cron@102:1"
	reserved = "/usr/sbin/sshd@1:1"
)

type harness struct {
	coord    *Coordinator
	registry *registry.Registry
	marker   *marker.Marker
	port     *fakePort
	logs     *observer.ObservedLogs
	spans    *tracetest.SpanRecorder
}

func newHarness(t *testing.T, needs map[ID]bool) *harness {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := &harness{
		registry: registry.New(),
		marker:   marker.New("test.active"),
		port:     newFakePort(needs),
		logs:     logs,
		spans:    spans,
	}

	coord, err := New(Config{
		Port:     h.port,
		Filter:   eligibility.New([]string{"/usr/sbin/", "/sbin/"}),
		Registry: h.registry,
		Marker:   h.marker,
		Logger:   zap.New(core),
		Tracer:   tp.Tracer("test"),
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func outcomes(r Report) map[ID]Outcome {
	out := make(map[ID]Outcome, len(r.Results))
	for _, res := range r.Results {
		out[res.Unit.ID] = res.Outcome
	}
	return out
}

// Snapshot = [A(needs), B(no need)]: A recorded, B not, marker set.
func TestRun_AppliesOnlyWhereNeeded(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true, unitB: false})
	host := newFakeHost(Unit{ID: unitA, Modifiable: true}, Unit{ID: unitB, Modifiable: true})

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.True(t, h.registry.IsRecorded(unitA))
	assert.False(t, h.registry.IsRecorded(unitB))
	assert.True(t, h.marker.IsSet())
	assert.True(t, report.MarkerPublished)
	assert.Equal(t, map[ID]Outcome{unitA: OutcomeApplied, unitB: OutcomeNotNeeded}, outcomes(report))
	assert.Equal(t, []ID{unitA}, report.Applied())
	assert.Equal(t, 1, host.applySuccess[unitA])
	assert.Zero(t, host.applyCalls[unitB])
}

// Snapshot = [A(non-modifiable)]: nothing applied, marker still set.
func TestRun_SkipsUnmodifiable(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true})
	host := newFakeHost(Unit{ID: unitA, Modifiable: false})

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.False(t, h.registry.IsRecorded(unitA))
	assert.True(t, h.marker.IsSet())
	assert.Zero(t, host.totalApplyCalls())
	assert.False(t, h.port.wasQueried(unitA))
	assert.Equal(t, 1, report.Count(OutcomeUnmodifiable))
}

// Snapshot = [A(apply fails)]: A not recorded, one fault, marker set.
func TestRun_ApplyFaultIsReportedNotReturned(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true})
	host := newFakeHost(Unit{ID: unitA, Modifiable: true})
	hostErr := errors.New("process exited")
	host.applyErr[unitA] = hostErr

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.False(t, h.registry.IsRecorded(unitA))
	assert.True(t, h.marker.IsSet())

	faults := report.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, unitA, faults[0].Unit.ID)
	assert.ErrorIs(t, faults[0].Err, hostErr)

	warnings := h.logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.String("unit", unitA))
	assert.Equal(t, 1, warnings.Len())
}

// Two sequential passes over [A(needs)]: one apply in total.
func TestRun_SecondPassAppliesNothing(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true, unitB: true})
	host := newFakeHost(Unit{ID: unitA, Modifiable: true}, Unit{ID: unitB, Modifiable: true})

	first, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Count(OutcomeApplied))
	require.Equal(t, 2, host.totalApplyCalls())

	second, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.Equal(t, 2, host.totalApplyCalls(), "second pass must not apply again")
	assert.Equal(t, 2, second.Count(OutcomeRecorded))
	assert.False(t, second.MarkerPublished, "marker was already published by the first pass")
	assert.True(t, h.marker.IsSet())
	assert.NotEqual(t, first.PassID, second.PassID)
}

// Snapshot = [R(reserved)]: never queried, never applied.
func TestRun_ReservedNamespaceNeverReachesPortOrHost(t *testing.T) {
	h := newHarness(t, map[ID]bool{reserved: true})
	host := newFakeHost(Unit{ID: reserved, Modifiable: true})

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.False(t, h.port.wasQueried(reserved))
	assert.Zero(t, host.totalApplyCalls())
	assert.Equal(t, OutcomeIneligible, report.Results[0].Outcome)
	assert.True(t, h.marker.IsSet())
}

func TestRun_FaultDoesNotStopLaterUnits(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true, unitB: true, unitC: true})
	host := newFakeHost(
		Unit{ID: unitA, Modifiable: true},
		Unit{ID: unitB, Modifiable: true},
		Unit{ID: unitC, Modifiable: true},
	)
	host.applyErr[unitB] = errors.New("text segment busy")

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.True(t, h.port.wasQueried(unitC))
	assert.True(t, h.registry.IsRecorded(unitA))
	assert.False(t, h.registry.IsRecorded(unitB))
	assert.True(t, h.registry.IsRecorded(unitC))
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeFaulted, OutcomeApplied},
		[]Outcome{report.Results[0].Outcome, report.Results[1].Outcome, report.Results[2].Outcome},
		"results keep snapshot order")
}

func TestRun_FaultedUnitRetriedOnNextPass(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true})
	host := newFakeHost(Unit{ID: unitA, Modifiable: true})
	host.applyErr[unitA] = errors.New("transient")

	_, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)
	require.False(t, h.registry.IsRecorded(unitA))

	delete(host.applyErr, unitA)
	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.True(t, h.registry.IsRecorded(unitA))
	assert.Equal(t, 2, host.applyCalls[unitA])
	assert.Equal(t, 1, host.applySuccess[unitA])
	assert.Equal(t, []ID{unitA}, report.Applied())
}

func TestRun_ExactlyOnceAcrossManyPasses(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true, unitB: true})
	host := newFakeHost(Unit{ID: unitA, Modifiable: true})

	for i := 0; i < 5; i++ {
		_, err := h.coord.Run(context.Background(), host)
		require.NoError(t, err)
		if i == 1 {
			// B starts between passes.
			host.units = append(host.units, Unit{ID: unitB, Modifiable: true})
		}
	}

	assert.Equal(t, 1, host.applyCalls[unitA])
	assert.Equal(t, 1, host.applyCalls[unitB])
}

func TestRun_SnapshotFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.Record(unitA)
	host := newFakeHost()
	cause := errors.New("procfs not mounted")
	host.snapshotErr = cause

	_, err := h.coord.Run(context.Background(), host)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrSnapshot)
	assert.ErrorIs(t, err, cause)
	assert.False(t, h.marker.IsSet(), "marker must not be published after a fatal pass")
	assert.True(t, h.registry.IsRecorded(unitA), "earlier records survive")

	spans := h.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "attach.pass", spans[0].Name())
	assert.Equal(t, "snapshot failed", spans[0].Status().Description)
}

func TestRun_PortErrorIsUnitFault(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitB: true})
	h.port.errs[unitA] = errors.New("cannot read environ")
	host := newFakeHost(Unit{ID: unitA, Modifiable: true}, Unit{ID: unitB, Modifiable: true})

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.Equal(t, map[ID]Outcome{unitA: OutcomeFaulted, unitB: OutcomeApplied}, outcomes(report))
	assert.Zero(t, host.applyCalls[unitA])
}

func TestRun_PanicsAreContainedPerUnit(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true, unitB: true, unitC: true})
	h.port.panics[unitA] = "policy blew up"
	host := newFakeHost(
		Unit{ID: unitA, Modifiable: true},
		Unit{ID: unitB, Modifiable: true},
		Unit{ID: unitC, Modifiable: true},
	)
	host.applyPanic[unitB] = "host blew up"

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	faults := report.Faults()
	require.Len(t, faults, 2)
	for _, f := range faults {
		assert.ErrorIs(t, f.Err, ErrUnitPanic)
	}
	assert.True(t, h.registry.IsRecorded(unitC))
	assert.True(t, h.marker.IsSet())
}

func TestRun_LiveModifiabilityRecheck(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true, unitB: true, unitC: true})
	host := &checkingHost{
		fakeHost: newFakeHost(
			Unit{ID: unitA, Modifiable: true},
			Unit{ID: unitB, Modifiable: true},
			Unit{ID: unitC, Modifiable: true},
		),
		live:    map[ID]bool{unitA: false},
		liveErr: map[ID]error{unitB: errors.New("gone")},
	}

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.Equal(t, map[ID]Outcome{
		unitA: OutcomeUnmodifiable,
		unitB: OutcomeFaulted,
		unitC: OutcomeApplied,
	}, outcomes(report))
	assert.False(t, h.port.wasQueried(unitA))
	assert.False(t, h.port.wasQueried(unitB))
}

func TestRun_InterruptionAbortsWithoutMarker(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true, unitB: true})
	host := newFakeHost(Unit{ID: unitA, Modifiable: true}, Unit{ID: unitB, Modifiable: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host.onApply = func(Unit) { cancel() }

	report, err := h.coord.Run(ctx, host)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.marker.IsSet())
	assert.True(t, h.registry.IsRecorded(unitA), "record written before the interruption is kept")
	assert.Zero(t, host.applyCalls[unitB])
	assert.Len(t, report.Results, 1)
}

// reentrantHost calls back into the coordinator from inside a pass.
type reentrantHost struct {
	*fakeHost
	coord *Coordinator
	inner error
}

func (h *reentrantHost) Snapshot(ctx context.Context) ([]Unit, error) {
	_, h.inner = h.coord.Run(ctx, h.fakeHost)
	return h.fakeHost.Snapshot(ctx)
}

func TestRun_ReentrantPassIsRejected(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true})
	host := &reentrantHost{fakeHost: newFakeHost(Unit{ID: unitA, Modifiable: true}), coord: h.coord}

	_, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	assert.ErrorIs(t, host.inner, ErrPassInProgress)
	assert.Equal(t, 1, host.applyCalls[unitA])

	// The guard is released once the pass returns.
	_, err = h.coord.Run(context.Background(), host.fakeHost)
	assert.NoError(t, err)
}

func TestRun_SpanCarriesFaultEvents(t *testing.T) {
	h := newHarness(t, map[ID]bool{unitA: true})
	host := newFakeHost(Unit{ID: unitA, Modifiable: true})
	host.applyErr[unitA] = errors.New("denied")

	report, err := h.coord.Run(context.Background(), host)
	require.NoError(t, err)

	spans := h.spans.Ended()
	require.Len(t, spans, 1)
	span := spans[0]

	events := span.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "unit.fault", events[0].Name)

	attrs := make(map[string]string)
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, report.PassID, attrs["attach.pass_id"])
	assert.Equal(t, "1", attrs["attach.faulted"])
	assert.Equal(t, "true", attrs["attach.marker_published"])
}

func TestRun_EmptySnapshotStillPublishes(t *testing.T) {
	h := newHarness(t, nil)

	report, err := h.coord.Run(context.Background(), newFakeHost())
	require.NoError(t, err)

	assert.Empty(t, report.Results)
	assert.True(t, report.MarkerPublished)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestNew_RequiresPort(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoPort)
}

func TestNew_DefaultsToProcessWideState(t *testing.T) {
	c, err := New(Config{Port: newFakePort(nil)})
	require.NoError(t, err)

	assert.Same(t, registry.Default(), c.Registry())
	assert.Same(t, marker.Active(), c.Marker())
}
