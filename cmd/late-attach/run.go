package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrzor/late-attach/internal/attach"
	"github.com/mrzor/late-attach/internal/bpfloader"
	"github.com/mrzor/late-attach/internal/config"
	"github.com/mrzor/late-attach/internal/eligibility"
	"github.com/mrzor/late-attach/internal/marker"
	"github.com/mrzor/late-attach/internal/otel"
	"github.com/mrzor/late-attach/internal/policy"
	"github.com/mrzor/late-attach/internal/procfs"
	"github.com/mrzor/late-attach/internal/registry"
)

var (
	repeatEvery time.Duration
	verbose     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enroll running processes with the tracer",
	Long: `Checks that the tracker map is reachable, then runs an attach pass over
every running process. With --repeat the pass is re-run on an interval until
interrupted; processes enrolled by an earlier pass are not enrolled again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return attachLoop(cmd.Context(), cmd.OutOrStdout(), cfg, cfg.DryRun, repeatEvery)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Show what run would enroll without touching the tracker map",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return attachLoop(cmd.Context(), cmd.OutOrStdout(), cfg, true, 0)
	},
}

func init() {
	runCmd.Flags().DurationVar(&repeatEvery, "repeat", 0, "re-run the pass at this interval until interrupted (0 runs once)")
	for _, c := range []*cobra.Command{runCmd, scanCmd} {
		c.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every process and its outcome")
	}
}

// tracker is what the host enrolls into; Close releases kernel resources.
type tracker interface {
	procfs.Tracker
	io.Closer
}

type nopCloser struct{ *procfs.DryRunTracker }

func (nopCloser) Close() error { return nil }

// openTracker returns the pinned tracked_pids map, a private map when none is
// pinned, or an in-memory tracker for dry runs.
func openTracker(c *config.Config, dryRun bool, log *zap.Logger) (tracker, error) {
	if dryRun {
		log.Info("Dry run, enrollments are kept in memory")
		return nopCloser{procfs.NewDryRunTracker()}, nil
	}

	l, err := bpfloader.Open(c.PinnedMap)
	if err == nil {
		log.Info("Using pinned tracked_pids map", zap.String("path", l.PinPath()))
		return l, nil
	}
	if !errors.Is(err, bpfloader.ErrMapUnavailable) {
		return nil, err
	}

	log.Warn("Pinned map unavailable, falling back to a private map",
		zap.String("path", c.PinnedMap), zap.Error(err))
	l, err = bpfloader.New(c.MaxTracked)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func attachLoop(ctx context.Context, out io.Writer, c *config.Config, dryRun bool, every time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := otel.NewProvider(ctx, &c.OTEL, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}()

	pol, err := policy.Compile(c.Policy)
	if err != nil {
		return err
	}

	tr, err := openTracker(c, dryRun, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Warn("Closing tracker failed", zap.Error(err))
		}
	}()

	host, err := procfs.NewHost(procfs.Config{
		ProcRoot: c.ProcRoot,
		Tracker:  tr,
		Logger:   logger.Named("procfs"),
	})
	if err != nil {
		return err
	}
	port, err := procfs.NewPort(host, pol)
	if err != nil {
		return err
	}

	// A dry run enrolls nothing, so it must not leave records that would
	// make a later real pass in this process skip those units.
	reg := registry.Default()
	if dryRun {
		reg = registry.New()
	}
	coord, err := attach.New(attach.Config{
		Port:     port,
		Filter:   eligibility.New(c.ReservedPrefixes),
		Registry: reg,
		Marker:   marker.Named(c.Marker),
		Logger:   logger.Named("attach"),
		Tracer:   provider.Tracer(),
	})
	if err != nil {
		return err
	}

	if err := host.Register(ctx); err != nil {
		return err
	}

	var ticker *time.Ticker
	if every > 0 {
		ticker = time.NewTicker(every)
		defer ticker.Stop()
	}

	for {
		report, err := coord.Run(ctx, host)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Stopping on signal")
				return nil
			}
			return err
		}
		printReport(out, report, verbose)

		if ticker == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			logger.Info("Stopping on signal")
			return nil
		case <-ticker.C:
		}
	}
}

var outcomeOrder = []attach.Outcome{
	attach.OutcomeApplied,
	attach.OutcomeFaulted,
	attach.OutcomeNotNeeded,
	attach.OutcomeRecorded,
	attach.OutcomeIneligible,
	attach.OutcomeUnmodifiable,
}

func printReport(out io.Writer, r attach.Report, all bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "pass %s\t%d processes\t%s\n", r.PassID, len(r.Results), r.Duration().Round(time.Millisecond))
	for _, o := range outcomeOrder {
		fmt.Fprintf(w, "  %s\t%d\n", o, r.Count(o))
	}
	if r.MarkerPublished {
		fmt.Fprintf(w, "  marker published\t\n")
	}
	_ = w.Flush()

	for _, f := range r.Faults() {
		fmt.Fprintf(out, "fault %s: %v\n", f.Unit.ID, f.Err)
	}
	if all {
		for _, res := range r.Results {
			fmt.Fprintf(w, "%s\t%s\n", res.Outcome, res.Unit.ID)
		}
		_ = w.Flush()
	}
}
