package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"condominio/internal/core"

	"github.com/google/uuid"
)

// SettledByCredit is the structured settlement reason stamped when carried
// credit, not submitted evidence, closes an obligation.
const SettledByCredit = "settled by carried credit"

// ValidationResult reports the effect of one approval: the updated
// obligation, the amount actually applied, the excess recorded as credit,
// and the remainder obligation when one was split off.
type ValidationResult struct {
	Obligation core.Obligation
	Applied    core.Money
	Excess     core.Money
	Remainder  *core.Obligation
	NoOp       bool // set when the obligation was already paid
}

// ApproveValidation finalizes the submitted claim against the obligation.
// The capped application, excess recording and remainder creation are one
// transaction; the version check makes concurrent validations of the same
// obligation serialize instead of both applying against a stale balance.
func (r *SQLiteRepository) ApproveValidation(ctx context.Context, obligationID string) (ValidationResult, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, obligationID)
	o, err := scanObligation(row)
	if err == sql.ErrNoRows {
		return ValidationResult{}, core.ErrObligationNotFound
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("read obligation: %w", err)
	}

	// Re-validating a settled obligation changes nothing.
	if o.Status == core.StatusPaid {
		return ValidationResult{Obligation: o, NoOp: true}, nil
	}
	if o.Status == core.StatusRejected {
		return ValidationResult{}, core.ErrAlreadyFinalized
	}
	if !o.HasOpenSubmission() {
		return ValidationResult{}, core.ErrNoEvidence
	}

	claimed := o.Submission.ClaimedAmount
	remaining := o.Remaining()
	applied := claimed.Min(remaining)
	excess := claimed.Sub(applied)

	newPaid := o.Paid.Add(applied)
	newStatus := core.DeriveStatus(o.Owed(), newPaid, false, o.DueDate, now)
	newExcess := o.Excess.Add(excess)

	var paidDate sql.NullTime
	if newStatus == core.StatusPaid {
		paidDate = sql.NullTime{Time: now, Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE obligations
		 SET paid_cents = ?, status = ?, excess_cents = ?, paid_date = ?,
		     validated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		newPaid.Cents, string(newStatus), newExcess.Cents, paidDate,
		now, obligationID, o.Version)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("apply validation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ValidationResult{}, core.ErrVersionConflict
	}

	result := ValidationResult{Applied: applied, Excess: excess}

	if excess.Cents > 0 {
		entry := core.CreditEntry{
			ID:                 uuid.NewString(),
			ResidentID:         o.ResidentID,
			Amount:             excess,
			SourceObligationID: o.ID,
			CreatedAt:          now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credit_entries (id, resident_id, amount_cents, source_obligation_id, consumed, consumed_by, created_at)
			 VALUES (?, ?, ?, ?, 0, '', ?)`,
			entry.ID, entry.ResidentID, entry.Amount.Cents, entry.SourceObligationID, entry.CreatedAt); err != nil {
			return ValidationResult{}, fmt.Errorf("record excess: %w", err)
		}
	}

	// Partial payment of an administrator-assigned obligation moves the
	// unpaid balance into a fresh sibling obligation. Self-reported ones
	// stay partially_paid and keep accepting evidence directly. The
	// remainder inherits the group, so money paid on it still counts
	// toward the group's collected total.
	if newStatus == core.StatusPartiallyPaid && o.Origin == core.OriginAdmin {
		rem := core.Obligation{
			ID:                   uuid.NewString(),
			ResidentID:           o.ResidentID,
			UnitID:               o.UnitID,
			CondominiumID:        o.CondominiumID,
			Concept:              o.Concept,
			Origin:               core.OriginAdmin,
			DueDate:              o.DueDate,
			CreatedAt:            now,
			GroupID:              o.GroupID,
			GroupTarget:          o.GroupTarget,
			GroupParticipants:    o.GroupParticipants,
			OriginalObligationID: o.ID,
			Version:              1,
		}
		outstanding := o.Owed().Sub(newPaid)
		if o.Amount.Cents > 0 {
			rem.Amount = outstanding
		} else {
			rem.AmountUSD = outstanding
		}
		rem.Status = core.DeriveStatus(rem.Owed(), rem.Paid, false, rem.DueDate, now)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO obligations (id, resident_id, unit_id, condominium_id, concept, origin,
				amount_cents, amount_usd_cents, paid_cents, status, due_date, created_at,
				group_id, group_target_cents, group_participants,
				original_obligation_id, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, 1)`,
			rem.ID, rem.ResidentID, rem.UnitID, rem.CondominiumID, rem.Concept, string(rem.Origin),
			rem.Amount.Cents, rem.AmountUSD.Cents, string(rem.Status), nullTime(rem.DueDate), rem.CreatedAt,
			rem.GroupID, rem.GroupTarget.Cents, rem.GroupParticipants,
			rem.OriginalObligationID); err != nil {
			return ValidationResult{}, fmt.Errorf("create remainder: %w", err)
		}
		result.Remainder = &rem
	}

	if err := tx.Commit(); err != nil {
		return ValidationResult{}, fmt.Errorf("commit: %w", err)
	}

	o.Paid = newPaid
	o.Status = newStatus
	o.Excess = newExcess
	if paidDate.Valid {
		o.PaidDate = now
	}
	o.Submission.ValidatedAt = now
	o.Version++
	result.Obligation = o

	slog.InfoContext(ctx, "Validation approved",
		"obligation_id", o.ID,
		"resident_id", o.ResidentID,
		"claimed_cents", claimed.Cents,
		"applied_cents", applied.Cents,
		"excess_cents", excess.Cents,
		"status", string(newStatus),
		"remainder", result.Remainder != nil)
	return result, nil
}

// RejectValidation marks the submitted claim as rejected. Amounts never
// change; the resident may resubmit, which clears the submission fields.
func (r *SQLiteRepository) RejectValidation(ctx context.Context, obligationID, reason string) (core.Obligation, error) {
	if strings.TrimSpace(reason) == "" {
		return core.Obligation{}, core.ErrInvalidRejection
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Obligation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, obligationID)
	o, err := scanObligation(row)
	if err == sql.ErrNoRows {
		return core.Obligation{}, core.ErrObligationNotFound
	}
	if err != nil {
		return core.Obligation{}, fmt.Errorf("read obligation: %w", err)
	}

	if o.Status == core.StatusPaid {
		return core.Obligation{}, core.ErrAlreadyFinalized
	}
	if o.Status == core.StatusRejected {
		return o, nil
	}
	if !o.HasOpenSubmission() {
		return core.Obligation{}, core.ErrNoEvidence
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE obligations
		 SET status = ?, rejection_reason = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(core.StatusRejected), reason, obligationID, o.Version)
	if err != nil {
		return core.Obligation{}, fmt.Errorf("reject validation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Obligation{}, core.ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return core.Obligation{}, fmt.Errorf("commit: %w", err)
	}

	o.Status = core.StatusRejected
	o.RejectionReason = reason
	o.Version++

	slog.InfoContext(ctx, "Validation rejected",
		"obligation_id", o.ID,
		"resident_id", o.ResidentID,
		"reason", reason)
	return o, nil
}
