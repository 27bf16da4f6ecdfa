// Package worker hosts the AMQP consumers: payment-report export and
// resident notifications.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"condominio/internal/amqp"
	"condominio/internal/core"
	"condominio/internal/export"
	"condominio/internal/storage"
)

// ReportWorker exports settled obligations to the external report.
type ReportWorker struct {
	storage   *storage.SQLiteRepository
	report    export.ReportWriter
	batchSize int
}

func NewReportWorker(store *storage.SQLiteRepository, report export.ReportWriter, batchSize int) *ReportWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &ReportWorker{
		storage:   store,
		report:    report,
		batchSize: batchSize,
	}
}

// HandleReportMessage exports one settled obligation. The row is fetched
// fresh from the database, so a stale or duplicate message never exports
// stale amounts; already-reported obligations are acked silently.
func (w *ReportWorker) HandleReportMessage(ctx context.Context, msg *amqp.PaymentReportMessage) error {
	o, err := w.storage.GetObligation(ctx, msg.ObligationID)
	if errors.Is(err, core.ErrObligationNotFound) {
		slog.WarnContext(ctx, "Report message for unknown obligation, dropping",
			"obligation_id", msg.ObligationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get obligation from storage: %w", err)
	}

	if o.Status != core.StatusPaid {
		slog.WarnContext(ctx, "Report message for unsettled obligation, dropping",
			"obligation_id", o.ID, "status", string(o.Status))
		return nil
	}

	reported, err := w.storage.IsReported(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("check reported: %w", err)
	}
	if reported {
		// Duplicate delivery of an already-exported obligation.
		return nil
	}

	return w.exportOne(ctx, o)
}

// SweepUnreported exports rows that settled while the worker was down.
// Runs at startup before consuming; returns how many rows were exported.
func (w *ReportWorker) SweepUnreported(ctx context.Context) (int, error) {
	exported := 0
	for {
		pending, err := w.storage.ListUnreportedValidated(ctx, w.batchSize)
		if err != nil {
			return exported, fmt.Errorf("list unreported: %w", err)
		}
		if len(pending) == 0 {
			return exported, nil
		}
		for _, o := range pending {
			if err := w.exportOne(ctx, o); err != nil {
				return exported, err
			}
			exported++
		}
		if len(pending) < w.batchSize {
			return exported, nil
		}
	}
}

func (w *ReportWorker) exportOne(ctx context.Context, o core.Obligation) error {
	if w.report == nil {
		// No writer configured; leave reported_at unset so a future
		// startup sweep picks the row up once export is enabled.
		slog.WarnContext(ctx, "No report writer configured, skipping export",
			"obligation_id", o.ID)
		return nil
	}
	rowRef, err := w.report.AppendPayment(ctx, o)
	if err != nil {
		return fmt.Errorf("append payment row: %w", err)
	}
	if err := w.storage.MarkReported(ctx, o.ID); err != nil {
		// The row is in the sheet but unmarked; the next sweep re-exports
		// it, which duplicates a row instead of losing one.
		return fmt.Errorf("mark reported: %w", err)
	}

	slog.InfoContext(ctx, "Exported payment to report",
		"obligation_id", o.ID,
		"resident_id", o.ResidentID,
		"paid_cents", o.Paid.Cents,
		"row", rowRef)
	return nil
}
