package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"condominio/internal/core"

	"github.com/google/uuid"
)

// AvailableCredit returns the resident's unconsumed carried-forward
// excess. Always >= 0.
func (r *SQLiteRepository) AvailableCredit(ctx context.Context, residentID string) (core.Money, error) {
	var cents int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM credit_entries
		 WHERE resident_id = ? AND consumed = 0`, residentID).Scan(&cents)
	if err != nil {
		return core.Money{}, fmt.Errorf("available credit: %w", err)
	}
	return core.Money{Cents: cents}, nil
}

// ListCreditEntries returns the resident's full ledger, oldest first.
func (r *SQLiteRepository) ListCreditEntries(ctx context.Context, residentID string) ([]core.CreditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, resident_id, amount_cents, source_obligation_id, consumed, consumed_by, created_at
		 FROM credit_entries WHERE resident_id = ? ORDER BY created_at ASC, id ASC`, residentID)
	if err != nil {
		return nil, fmt.Errorf("list credit entries: %w", err)
	}
	defer rows.Close()

	var out []core.CreditEntry
	for rows.Next() {
		var e core.CreditEntry
		if err := rows.Scan(&e.ID, &e.ResidentID, &e.Amount.Cents, &e.SourceObligationID,
			&e.Consumed, &e.ConsumedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ApplyCredit consumes the resident's credit entries oldest-first against
// the target obligation, capped by both the requested amount and the
// obligation's remaining balance. Ledger consumption and the obligation
// update commit together; a partial failure rolls back both sides.
//
// Entries are never mutated in amount: consuming part of an entry marks
// it consumed and appends a fresh entry for the leftover, so the ledger
// stays append-only and auditable.
func (r *SQLiteRepository) ApplyCredit(ctx context.Context, residentID, obligationID string, requested core.Money) (core.Money, core.Obligation, error) {
	if requested.Cents <= 0 {
		return core.Money{}, core.Obligation{}, core.ErrInvalidAmount
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Money{}, core.Obligation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, obligationID)
	o, err := scanObligation(row)
	if err == sql.ErrNoRows {
		return core.Money{}, core.Obligation{}, core.ErrObligationNotFound
	}
	if err != nil {
		return core.Money{}, core.Obligation{}, fmt.Errorf("read obligation: %w", err)
	}
	if o.ResidentID != residentID {
		return core.Money{}, core.Obligation{}, core.ErrObligationNotFound
	}
	if o.Terminal() {
		return core.Money{}, core.Obligation{}, core.ErrAlreadyFinalized
	}

	var splits int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM obligations WHERE original_obligation_id = ?`, obligationID).
		Scan(&splits); err != nil {
		return core.Money{}, core.Obligation{}, fmt.Errorf("check remainder: %w", err)
	}
	if splits > 0 {
		return core.Money{}, core.Obligation{}, core.ErrAlreadyFinalized
	}

	limit := requested.Min(o.Remaining())
	if limit.Cents <= 0 {
		return core.Money{}, o, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, amount_cents, source_obligation_id FROM credit_entries
		 WHERE resident_id = ? AND consumed = 0 ORDER BY created_at ASC, id ASC`, residentID)
	if err != nil {
		return core.Money{}, core.Obligation{}, fmt.Errorf("read credit entries: %w", err)
	}
	type entry struct {
		id     string
		cents  int64
		source string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.cents, &e.source); err != nil {
			rows.Close()
			return core.Money{}, core.Obligation{}, fmt.Errorf("scan credit entry: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return core.Money{}, core.Obligation{}, fmt.Errorf("iterate credit entries: %w", err)
	}

	need := limit.Cents
	for _, e := range entries {
		if need <= 0 {
			break
		}
		consumeRes, err := tx.ExecContext(ctx,
			`UPDATE credit_entries SET consumed = 1, consumed_by = ? WHERE id = ? AND consumed = 0`,
			obligationID, e.id)
		if err != nil {
			return core.Money{}, core.Obligation{}, fmt.Errorf("consume credit entry: %w", err)
		}
		// An entry consumed out from under us (another writer on the same
		// file) must not be counted as applied.
		if n, _ := consumeRes.RowsAffected(); n == 0 {
			continue
		}
		if e.cents > need {
			// Leftover stays on the ledger as a fresh entry from the
			// same source obligation.
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO credit_entries (id, resident_id, amount_cents, source_obligation_id, consumed, consumed_by, created_at)
				 VALUES (?, ?, ?, ?, 0, '', ?)`,
				uuid.NewString(), residentID, e.cents-need, e.source, now); err != nil {
				return core.Money{}, core.Obligation{}, fmt.Errorf("split credit entry: %w", err)
			}
			need = 0
		} else {
			need -= e.cents
		}
	}

	applied := core.Money{Cents: limit.Cents - need}
	if applied.Cents == 0 {
		return core.Money{}, o, nil
	}

	newPaid := o.Paid.Add(applied)
	newStatus := core.DeriveStatus(o.Owed(), newPaid, false, o.DueDate, now)

	settlement := o.SettlementReason
	var paidDate sql.NullTime
	if newStatus == core.StatusPaid {
		paidDate = sql.NullTime{Time: now, Valid: true}
		settlement = SettledByCredit
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE obligations
		 SET paid_cents = ?, status = ?, paid_date = ?, settlement_reason = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		newPaid.Cents, string(newStatus), paidDate, settlement, obligationID, o.Version)
	if err != nil {
		return core.Money{}, core.Obligation{}, fmt.Errorf("apply credit to obligation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Money{}, core.Obligation{}, core.ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return core.Money{}, core.Obligation{}, fmt.Errorf("commit: %w", err)
	}

	o.Paid = newPaid
	o.Status = newStatus
	o.SettlementReason = settlement
	if paidDate.Valid {
		o.PaidDate = now
	}
	o.Version++

	slog.InfoContext(ctx, "Credit applied",
		"resident_id", residentID,
		"obligation_id", obligationID,
		"requested_cents", requested.Cents,
		"applied_cents", applied.Cents,
		"status", string(newStatus))
	return applied, o, nil
}

// SetGroupParticipants stamps the member count on every row of a group.
// Bulk creation pre-counts eligible residents before any row exists and
// reconciles here once the real created tally is known. The version
// counter is left alone: the count is metadata, and bumping it would
// fail an unrelated validation racing with the bulk run.
func (r *SQLiteRepository) SetGroupParticipants(ctx context.Context, groupID string, participants int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE obligations SET group_participants = ? WHERE group_id = ?`,
		participants, groupID)
	if err != nil {
		return fmt.Errorf("set group participants: %w", err)
	}
	return nil
}

// GroupProgress aggregates a distributed fixed expense. The target is
// read once from any member and never recomputed from the current
// participant set; collection is weighted by money, not headcount.
func (r *SQLiteRepository) GroupProgress(ctx context.Context, groupID string) (core.GroupProgress, error) {
	var target int64
	err := r.db.QueryRowContext(ctx,
		`SELECT group_target_cents FROM obligations WHERE group_id = ? LIMIT 1`, groupID).
		Scan(&target)
	if err == sql.ErrNoRows {
		return core.GroupProgress{}, core.ErrGroupNotFound
	}
	if err != nil {
		return core.GroupProgress{}, fmt.Errorf("read group target: %w", err)
	}

	// Remainders split from a member inherit the group, so their payments
	// count toward collected. The member total counts only the original
	// assignment; a split chain still contributes at most one paid row,
	// because the links before the settled end stay partially_paid.
	var collected int64
	var total, paid int
	err = r.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status IN ('paid', 'partially_paid') THEN paid_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN original_obligation_id = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'paid' THEN 1 ELSE 0 END), 0)
		 FROM obligations WHERE group_id = ?`, groupID).
		Scan(&collected, &total, &paid)
	if err != nil {
		return core.GroupProgress{}, fmt.Errorf("aggregate group: %w", err)
	}

	p := core.GroupProgress{
		GroupID:           groupID,
		Target:            core.Money{Cents: target},
		Collected:         core.Money{Cents: collected},
		ParticipantsPaid:  paid,
		ParticipantsTotal: total,
	}
	p.Percentage = core.ProgressPercent(p.Collected, p.Target)
	return p, nil
}
