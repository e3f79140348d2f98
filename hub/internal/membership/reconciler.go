package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/csi-portal/portal/hub/internal/config"
	"github.com/csi-portal/portal/hub/internal/store"
)

// SweepResult reports how many members a sweep demoted and how many it could not.
type SweepResult struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Aborted reports whether err means the sweep stopped early, as opposed to
// finishing with some per-user demotions failed.
func Aborted(err error) bool {
	return errors.Is(err, ErrListExpired) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Reconciler demotes members whose window has passed.
type Reconciler struct {
	store     store.Store
	batchSize int
	workers   int
	logger    *slog.Logger
	metrics   *reconcilerMetrics
	tracer    trace.Tracer
}

// NewReconciler creates a Reconciler. reg may be nil.
func NewReconciler(st store.Store, cfg config.MembershipConfig, logger *slog.Logger, reg prometheus.Registerer) *Reconciler {
	batch := cfg.SweepBatchSize
	if batch <= 0 {
		batch = 200
	}
	workers := cfg.SweepWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Reconciler{
		store:     st,
		batchSize: batch,
		workers:   workers,
		logger:    logger.With("component", "reconciler"),
		metrics:   newReconcilerMetrics(reg),
		tracer:    otel.Tracer(tracerName),
	}
}

// Sweep demotes every ExecutiveMember whose end date is before now. Each
// demotion is atomic on its own; a failure for one user does not stop the
// others and is reported in the joined error. Running Sweep again with the
// same now updates nobody.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	ctx, span := r.tracer.Start(ctx, "membership.Sweep")
	defer span.End()
	start := time.Now()
	defer func() { r.metrics.duration.Observe(time.Since(start).Seconds()) }()
	r.metrics.sweeps.Inc()

	var (
		mu      sync.Mutex
		updated int
		errs    []error
		failed  = make(map[string]bool)
	)

	for {
		ids, err := r.store.ListExpiredMembers(ctx, now, r.batchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrListExpired, err))
			break
		}

		pending := ids[:0:0]
		for _, id := range ids {
			if !failed[id] {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(r.workers)
		for _, id := range pending {
			g.Go(func() error {
				ok, err := r.store.DemoteIfExpired(ctx, id, now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed[id] = true
					errs = append(errs, fmt.Errorf("demote %s: %w", id, err))
					return nil
				}
				if ok {
					updated++
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(ids) < r.batchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
	}

	r.metrics.demoted.Add(float64(updated))
	r.metrics.failures.Add(float64(len(failed)))
	span.SetAttributes(attribute.Int("membership.demoted", updated))

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep incomplete")
		r.logger.Error("expiry sweep finished with errors", "updated", updated, "failed", len(failed), "error", err)
	} else if updated > 0 {
		r.logger.Info("expiry sweep demoted members", "updated", updated)
	}
	if updated > 0 {
		RecordAudit(ctx, r.store, r.logger, "membership.expired", "", map[string]any{
			"source":  "sweep",
			"updated": updated,
			"now":     now,
		})
	}
	return SweepResult{Updated: updated, Failed: len(failed)}, err
}

// Run sweeps every interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, time.Now()); err != nil && ctx.Err() == nil {
				r.logger.Warn("scheduled sweep failed", "error", err)
			}
		}
	}
}
