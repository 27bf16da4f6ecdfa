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

const obligationColumns = `id, resident_id, unit_id, condominium_id, concept, origin,
	amount_cents, amount_usd_cents, paid_cents, status, due_date, paid_date, created_at,
	reference, method, note, evidence_blob_id, claimed_cents, submitted_at, validated_at,
	group_id, group_target_cents, group_participants,
	excess_cents, rejection_reason, settlement_reason, original_obligation_id, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(s rowScanner) (core.Obligation, error) {
	var (
		o                               core.Obligation
		origin, status                  string
		dueDate, paidDate               sql.NullTime
		submittedAt, validatedAt        sql.NullTime
		reference, method, note, blobID string
		claimedCents                    int64
	)
	err := s.Scan(&o.ID, &o.ResidentID, &o.UnitID, &o.CondominiumID, &o.Concept, &origin,
		&o.Amount.Cents, &o.AmountUSD.Cents, &o.Paid.Cents, &status, &dueDate, &paidDate, &o.CreatedAt,
		&reference, &method, &note, &blobID, &claimedCents, &submittedAt, &validatedAt,
		&o.GroupID, &o.GroupTarget.Cents, &o.GroupParticipants,
		&o.Excess.Cents, &o.RejectionReason, &o.SettlementReason, &o.OriginalObligationID, &o.Version)
	if err != nil {
		return core.Obligation{}, err
	}
	o.Origin = core.Origin(origin)
	o.Status = core.Status(status)
	if dueDate.Valid {
		o.DueDate = dueDate.Time
	}
	if paidDate.Valid {
		o.PaidDate = paidDate.Time
	}
	if reference != "" || claimedCents > 0 {
		o.Submission = &core.Submission{
			Reference:      reference,
			Method:         method,
			Note:           note,
			EvidenceBlobID: blobID,
			ClaimedAmount:  core.Money{Cents: claimedCents},
		}
		if submittedAt.Valid {
			o.Submission.SubmittedAt = submittedAt.Time
		}
		if validatedAt.Valid {
			o.Submission.ValidatedAt = validatedAt.Time
		}
	}
	return o, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// CreateObligation inserts a new obligation. An unresolved obligation with
// the same concept for the same resident fails with ErrDuplicateConcept;
// bulk callers count the skip instead of propagating it.
func (r *SQLiteRepository) CreateObligation(ctx context.Context, o *core.Obligation) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.Status = core.DeriveStatus(o.Owed(), o.Paid, false, o.DueDate, now)
	o.Version = 1

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var unresolved int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM obligations
		 WHERE resident_id = ? AND concept = ? AND status NOT IN ('paid', 'rejected')`,
		o.ResidentID, o.Concept).Scan(&unresolved)
	if err != nil {
		return fmt.Errorf("check duplicate concept: %w", err)
	}
	if unresolved > 0 {
		return core.ErrDuplicateConcept
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO obligations (id, resident_id, unit_id, condominium_id, concept, origin,
			amount_cents, amount_usd_cents, paid_cents, status, due_date, created_at,
			group_id, group_target_cents, group_participants, original_obligation_id, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ResidentID, o.UnitID, o.CondominiumID, o.Concept, string(o.Origin),
		o.Amount.Cents, o.AmountUSD.Cents, o.Paid.Cents, string(o.Status), nullTime(o.DueDate), o.CreatedAt,
		o.GroupID, o.GroupTarget.Cents, o.GroupParticipants, o.OriginalObligationID, o.Version)
	if err != nil {
		return fmt.Errorf("insert obligation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	slog.InfoContext(ctx, "Obligation created",
		"id", o.ID,
		"resident_id", o.ResidentID,
		"concept", o.Concept,
		"amount_cents", o.Amount.Cents,
		"amount_usd_cents", o.AmountUSD.Cents,
		"origin", string(o.Origin))
	return nil
}

// GetObligation fetches one obligation by id.
func (r *SQLiteRepository) GetObligation(ctx context.Context, id string) (core.Obligation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, id)
	o, err := scanObligation(row)
	if err == sql.ErrNoRows {
		return core.Obligation{}, core.ErrObligationNotFound
	}
	if err != nil {
		return core.Obligation{}, fmt.Errorf("get obligation: %w", err)
	}
	return o, nil
}

// ListObligationsByResident returns every obligation of a resident,
// newest first.
func (r *SQLiteRepository) ListObligationsByResident(ctx context.Context, residentID string) ([]core.Obligation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations
		 WHERE resident_id = ? ORDER BY created_at DESC`, residentID)
	if err != nil {
		return nil, fmt.Errorf("list obligations: %w", err)
	}
	defer rows.Close()
	return collectObligations(rows)
}

// ListOpenByResident returns the resident's unresolved obligations ordered
// oldest due date first, ties broken by creation time. Obligations whose
// balance already moved to a remainder are excluded.
func (r *SQLiteRepository) ListOpenByResident(ctx context.Context, residentID string) ([]core.Obligation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations o
		 WHERE o.resident_id = ? AND o.status IN ('pending', 'partially_paid', 'overdue')
		   AND NOT EXISTS (SELECT 1 FROM obligations rem WHERE rem.original_obligation_id = o.id)
		 ORDER BY o.due_date IS NULL, o.due_date ASC, o.created_at ASC`, residentID)
	if err != nil {
		return nil, fmt.Errorf("list open obligations: %w", err)
	}
	defer rows.Close()
	return collectObligations(rows)
}

func collectObligations(rows *sql.Rows) ([]core.Obligation, error) {
	var out []core.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obligation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SubmitEvidence attaches resident evidence to an obligation. The checks
// and the write happen in one transaction so concurrent submissions
// cannot both pass the already-submitted gate. Submission never mutates
// amounts; those change only at validation.
func (r *SQLiteRepository) SubmitEvidence(ctx context.Context, obligationID string, sub core.Submission) (core.Obligation, error) {
	if err := sub.Validate(); err != nil {
		return core.Obligation{}, err
	}
	now := time.Now().UTC()

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
	if o.HasOpenSubmission() {
		return core.Obligation{}, core.ErrAlreadySubmitted
	}

	// An original whose unpaid balance moved to a remainder is resolved
	// for its own share; new evidence belongs on the remainder.
	var splits int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM obligations WHERE original_obligation_id = ?`, obligationID).
		Scan(&splits); err != nil {
		return core.Obligation{}, fmt.Errorf("check remainder: %w", err)
	}
	if splits > 0 {
		return core.Obligation{}, core.ErrAlreadyFinalized
	}

	// A rejected obligation re-enters the workflow here: submission fields
	// are replaced wholesale and the rejection reason is cleared.
	newStatus := core.DeriveStatus(o.Owed(), o.Paid, false, o.DueDate, now)

	resUpdate, err := tx.ExecContext(ctx,
		`UPDATE obligations
		 SET reference = ?, method = ?, note = ?, evidence_blob_id = ?, claimed_cents = ?,
		     submitted_at = ?, validated_at = NULL, status = ?, rejection_reason = '', version = version + 1
		 WHERE id = ? AND version = ?`,
		sub.Reference, sub.Method, sub.Note, sub.EvidenceBlobID, sub.ClaimedAmount.Cents,
		now, string(newStatus), obligationID, o.Version)
	if err != nil {
		return core.Obligation{}, fmt.Errorf("store submission: %w", err)
	}
	if n, _ := resUpdate.RowsAffected(); n == 0 {
		return core.Obligation{}, core.ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return core.Obligation{}, fmt.Errorf("commit: %w", err)
	}

	sub.SubmittedAt = now
	o.Submission = &sub
	o.Status = newStatus
	o.RejectionReason = ""
	o.Version++

	slog.InfoContext(ctx, "Evidence submitted",
		"obligation_id", o.ID,
		"resident_id", o.ResidentID,
		"claimed_cents", sub.ClaimedAmount.Cents,
		"method", sub.Method)
	return o, nil
}
