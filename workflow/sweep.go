package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/metrics"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// SweepWindow optionally limits a sweep to obligations whose reference date
// falls in [From, To].
type SweepWindow struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

type SweepReport struct {
	Channel       models.PaymentChannel `json:"channel"`
	Evaluated     int                   `json:"evaluated"`
	Reconciled    int                   `json:"reconciled"`
	Flagged       int                   `json:"flagged"`
	Suspended     int                   `json:"suspended"`
	Unchanged     int                   `json:"unchanged"`
	Failed        int                   `json:"failed"`
	Conflicts     int                   `json:"conflicts"`
	AdvancesBound int                   `json:"advances_bound"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
}

func (r *SweepReport) add(out Outcome, err error) string {
	r.Evaluated++
	r.Conflicts += out.Conflicts
	switch {
	case err != nil:
		r.Failed++
		return "failed"
	case !out.Changed:
		r.Unchanged++
		return "unchanged"
	case out.To == models.ObligationStateReconciled:
		r.Reconciled++
		return "reconciled"
	case out.To == models.ObligationStateSuspended:
		r.Suspended++
		return "suspended"
	case out.To.IsFlagged():
		r.Flagged++
		return "flagged"
	}
	r.Unchanged++
	return "unchanged"
}

// RunSweep evaluates every confirmed or suspended obligation of channel.
// Each obligation is its own transaction; one failure is logged and counted
// without stopping the others. Running it again with no new data changes
// nothing. Cancelling ctx stops the sweep between obligations.
func (c *Coordinator) RunSweep(ctx context.Context, channel models.PaymentChannel, window SweepWindow) (*SweepReport, error) {
	if !channel.IsConfirmable() {
		return nil, fmt.Errorf("channel %q: %w", channel, models.ErrInvalidChannel)
	}
	ctx, span := c.tracer.Start(ctx, "RunSweep")
	defer span.End()
	span.SetAttributes(attribute.String("channel", string(channel)))

	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	key := fmt.Sprintf("lock:sweep:%s:%s", businessId, channel)
	if release, err := c.SweepLocker.Obtain(ctx, key, c.LockTTL); err != nil {
		c.Logger.WithFields(logrus.Fields{
			"field":       "Sweep",
			"business_id": businessId,
			"channel":     channel,
		}).Warn("could not obtain sweep lock; proceeding without lock: " + err.Error())
	} else {
		defer release()
	}

	report := &SweepReport{Channel: channel, StartedAt: time.Now().UTC()}
	bound, conflicts, err := c.sweepAdvances(ctx, channel)
	if err != nil {
		config.LogError(c.Logger, "Sweep", "RunSweep", "advance payments", channel, err)
	}
	report.AdvancesBound, report.Conflicts = bound, conflicts

	obligations, err := c.Store.ListObligations(ctx, models.ObligationFilter{
		States:        []models.ObligationState{channel.ConfirmedState(), models.ObligationStateSuspended},
		Channel:       channel,
		ReferenceFrom: window.From,
		ReferenceTo:   window.To,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("obligations listed", trace.WithAttributes(attribute.Int("count", len(obligations))))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := c.SweepConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, o := range obligations {
		if gctx.Err() != nil {
			break
		}
		id := o.ID
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := c.evaluate(gctx, id, false)
			if err != nil {
				config.LogError(c.Logger, "Sweep", "RunSweep", "evaluate obligation", id, err)
			}
			mu.Lock()
			outcome := report.add(out, err)
			mu.Unlock()
			metrics.SweepObligations.WithLabelValues(outcome).Inc()
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now().UTC()
	metrics.SweepDuration.WithLabelValues(string(channel)).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	c.Logger.WithFields(logrus.Fields{
		"field":       "Sweep",
		"business_id": businessId,
		"channel":     channel,
		"evaluated":   report.Evaluated,
		"reconciled":  report.Reconciled,
		"flagged":     report.Flagged,
		"suspended":   report.Suspended,
		"failed":      report.Failed,
		"conflicts":   report.Conflicts,
	}).Info("sweep finished")
	return report, ctx.Err()
}
