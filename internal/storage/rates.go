package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"condominio/internal/core"
)

// SaveRate persists a successfully fetched exchange rate so the resolver
// can fall back to the last known value when every provider is down.
func (r *SQLiteRepository) SaveRate(ctx context.Context, rate float64, source string) error {
	if rate <= 0 {
		return core.ErrInvalidAmount
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO exchange_rates (rate, source, fetched_at) VALUES (?, ?, ?)`,
		rate, source, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save rate: %w", err)
	}
	return nil
}

// LastRate returns the most recently persisted exchange rate.
func (r *SQLiteRepository) LastRate(ctx context.Context) (core.Rate, error) {
	var out core.Rate
	err := r.db.QueryRowContext(ctx,
		`SELECT rate, source, fetched_at FROM exchange_rates
		 ORDER BY fetched_at DESC, id DESC LIMIT 1`).
		Scan(&out.Rate, &out.Source, &out.FetchedAt)
	if err == sql.ErrNoRows {
		return core.Rate{}, sql.ErrNoRows
	}
	if err != nil {
		return core.Rate{}, fmt.Errorf("last rate: %w", err)
	}
	return out, nil
}

// ListUnreportedValidated returns settled obligations not yet exported to
// the external report, oldest first. The report worker sweeps these at
// startup to catch rows that settled while it was down.
func (r *SQLiteRepository) ListUnreportedValidated(ctx context.Context, limit int) ([]core.Obligation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations
		 WHERE status = 'paid' AND reported_at IS NULL
		 ORDER BY paid_date ASC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unreported: %w", err)
	}
	defer rows.Close()
	return collectObligations(rows)
}

// MarkReported stamps an obligation as exported. Idempotent.
func (r *SQLiteRepository) MarkReported(ctx context.Context, obligationID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE obligations SET reported_at = ? WHERE id = ? AND reported_at IS NULL`,
		time.Now().UTC(), obligationID)
	if err != nil {
		return fmt.Errorf("mark reported: %w", err)
	}
	return nil
}

// IsReported reports whether an obligation was already exported.
func (r *SQLiteRepository) IsReported(ctx context.Context, obligationID string) (bool, error) {
	var reported int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM obligations WHERE id = ? AND reported_at IS NOT NULL`,
		obligationID).Scan(&reported)
	if err != nil {
		return false, fmt.Errorf("check reported: %w", err)
	}
	return reported > 0, nil
}
