package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/models"
	"github.com/mmdatafocus/books_reconciliation/utils"
)

// StatementImport is one imported statement: the period it covers and its lines.
type StatementImport struct {
	Channel    models.PaymentChannel `json:"channel" validate:"required"`
	AccountRef string                `json:"account_ref" validate:"max=64"`
	PeriodFrom time.Time             `json:"period_from" validate:"required"`
	PeriodTo   time.Time             `json:"period_to" validate:"required"`
	Source     string                `json:"source" validate:"max=100"`
	Movements  []models.NewMovement  `json:"movements" validate:"dive"`
}

type StatementResult struct {
	Period  *models.StatementPeriod `json:"period"`
	Created int                     `json:"created"`
	Skipped int                     `json:"skipped"`
	Sweep   *SweepReport            `json:"sweep,omitempty"`
	// SweepError is set when the import committed but the follow-up sweep
	// failed. The next sweep of the channel picks the movements up.
	SweepError string `json:"sweep_error,omitempty"`
}

// RegisterStatement stores the coverage period and its movements in one
// transaction, skipping lines already imported under the same external
// reference, then sweeps the channel. Once the movements are committed the
// import has succeeded: a failing sweep is reported in the result, never as
// an error, so callers do not retry the import and store the lines twice.
func (c *Coordinator) RegisterStatement(ctx context.Context, imp StatementImport) (*StatementResult, error) {
	ctx, span := c.tracer.Start(ctx, "RegisterStatement")
	defer span.End()

	if err := validateStatement(imp); err != nil {
		return nil, err
	}
	res := &StatementResult{
		Period: &models.StatementPeriod{
			Channel:       imp.Channel,
			AccountRef:    imp.AccountRef,
			PeriodFrom:    utils.DateOnly(imp.PeriodFrom),
			PeriodTo:      utils.DateOnly(imp.PeriodTo),
			Source:        imp.Source,
			MovementCount: len(imp.Movements),
		},
	}
	err := c.Store.Transaction(ctx, func(tx models.Store) error {
		res.Created, res.Skipped = 0, 0
		if err := tx.CreateStatementPeriod(ctx, res.Period); err != nil {
			return err
		}
		for _, in := range imp.Movements {
			m := &models.Movement{
				Channel:           imp.Channel,
				AccountRef:        in.AccountRef,
				PostingDate:       utils.DateOnly(in.PostingDate),
				Amount:            in.Amount,
				Description:       in.Description,
				StatementPeriodId: intPtr(res.Period.ID),
			}
			if ref := strings.TrimSpace(in.ExternalRef); ref != "" {
				m.ExternalRef = &ref
				_, err := tx.FindMovementByExternalRef(ctx, imp.Channel, ref)
				if err == nil {
					res.Skipped++
					continue
				}
				if !errors.Is(err, utils.ErrorRecordNotFound) {
					return err
				}
			}
			if m.AccountRef == "" {
				m.AccountRef = imp.AccountRef
			}
			if err := tx.CreateMovement(ctx, m); err != nil {
				if errors.Is(err, models.ErrDuplicateKey) {
					res.Skipped++
					continue
				}
				return err
			}
			res.Created++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sweep, err := c.RunSweep(ctx, imp.Channel, SweepWindow{})
	if err != nil {
		config.LogError(c.Logger, "Coordinator", "RegisterStatement", "sweep after import", res.Period, err)
		res.SweepError = err.Error()
		return res, nil
	}
	res.Sweep = sweep
	return res, nil
}

func validateStatement(imp StatementImport) error {
	if !imp.Channel.IsConfirmable() {
		return fmt.Errorf("channel %q: %w", imp.Channel, models.ErrInvalidChannel)
	}
	if err := utils.ValidateStruct(imp); err != nil {
		return err
	}
	from, to := utils.DateOnly(imp.PeriodFrom), utils.DateOnly(imp.PeriodTo)
	if to.Before(from) {
		return fmt.Errorf("period ends %s before it starts %s: %w", to.Format(utils.DateLayout), from.Format(utils.DateLayout), utils.ErrorValidation)
	}
	for i, m := range imp.Movements {
		d := utils.DateOnly(m.PostingDate)
		if d.Before(from) || d.After(to) {
			return fmt.Errorf("movement %d posted %s outside the statement period: %w", i, d.Format(utils.DateLayout), utils.ErrorValidation)
		}
	}
	return nil
}

// DeleteMovement removes a statement line nothing has consumed.
func (c *Coordinator) DeleteMovement(ctx context.Context, id int, reason string) error {
	return c.Store.Transaction(ctx, func(tx models.Store) error {
		mv, err := tx.GetMovement(ctx, id)
		if err != nil {
			return err
		}
		if mv.IsConsumed() {
			return fmt.Errorf("movement %d consumed by %s %d: %w", id, mv.ConsumerType, mv.ConsumerId, models.ErrDeletionBlocked)
		}
		rec := c.newRecord(ctx, nil, models.RecordActionMovementDeleted, models.ReconciliationMethodManual)
		rec.BusinessId = mv.BusinessId
		rec.MovementIds = models.IntList{mv.ID}
		rec.Justification = reason
		rec.Details = detailsJSON(mv)
		if err := tx.AppendRecord(ctx, rec); err != nil {
			return err
		}
		return tx.DeleteMovement(ctx, id)
	})
}
