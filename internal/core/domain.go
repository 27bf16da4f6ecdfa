package core

import (
	"errors"
	"strings"
	"time"
)

const (
	StatusPending       Status = "pending"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusRejected      Status = "rejected"
	StatusOverdue       Status = "overdue"
)

const (
	// OriginAdmin marks obligations assigned by an administrator (bulk or
	// individually). Partial payments against them spawn remainder obligations.
	OriginAdmin Origin = "admin"
	// OriginSelf marks obligations self-reported by a resident. They stay
	// partially_paid and keep accepting evidence instead of splitting.
	OriginSelf Origin = "self"
)

const (
	RoleResident Role = "resident"
	RoleAdmin    Role = "admin"
)

type (
	Status string
	Origin string
	Role   string

	// Condominium is a managed building whose active residents can be
	// bulk-assigned obligations.
	Condominium struct {
		ID        string
		Name      string
		CreatedAt time.Time
	}

	// Resident is the canonical user record. Role claims from the request
	// are re-verified against it before privileged operations.
	Resident struct {
		ID            string
		Name          string
		UnitID        string
		CondominiumID string
		Role          Role
		Active        bool
		CreatedAt     time.Time
	}

	Money struct {
		Cents int64
	}

	// Submission holds the resident-supplied evidence for a payment claim.
	// It is write-once until the obligation is rejected and resubmitted.
	Submission struct {
		Reference      string
		Method         string
		Note           string
		EvidenceBlobID string
		ClaimedAmount  Money
		SubmittedAt    time.Time
		ValidatedAt    time.Time // set when an administrator consumed the claim
	}

	// Obligation is a single monetary charge owed by one resident for one unit.
	Obligation struct {
		ID            string
		ResidentID    string
		UnitID        string
		CondominiumID string
		Concept       string
		Origin        Origin

		Amount    Money
		AmountUSD Money // optional secondary denomination, zero when unset
		Paid      Money

		Status    Status
		DueDate   time.Time
		PaidDate  time.Time
		CreatedAt time.Time

		Submission *Submission

		// Group fields are set only for members of a distributed fixed expense.
		GroupID           string
		GroupTarget       Money // fixed at group creation, never recomputed
		GroupParticipants int

		// Structured validation facts. Never encoded in free text.
		Excess               Money
		RejectionReason      string
		SettlementReason     string
		OriginalObligationID string // set on remainders, references the split source

		// Version is the optimistic-lock counter bumped on every mutation.
		Version int64
	}

	// CreditEntry is one append-only record of carried-forward excess.
	CreditEntry struct {
		ID                 string
		ResidentID         string
		Amount             Money
		SourceObligationID string
		Consumed           bool
		ConsumedBy         string // obligation that absorbed this entry
		CreatedAt          time.Time
	}

	// GroupProgress is the aggregate collection state of a distributed
	// fixed expense.
	GroupProgress struct {
		GroupID           string
		Target            Money
		Collected         Money
		Percentage        float64
		ParticipantsPaid  int
		ParticipantsTotal int
	}

	// Rate is a display exchange rate for USD-denominated amounts.
	Rate struct {
		Rate      float64
		Source    string
		IsLive    bool
		FetchedAt time.Time
	}
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrEmptyConcept       = errors.New("empty concept")
	ErrDuplicateConcept   = errors.New("unresolved obligation with same concept exists")
	ErrAlreadyFinalized   = errors.New("obligation already finalized")
	ErrAlreadySubmitted   = errors.New("evidence already submitted")
	ErrMissingUnit        = errors.New("resident has no unit association")
	ErrInvalidRejection   = errors.New("rejection requires a non-empty reason")
	ErrNoEvidence         = errors.New("no evidence submitted for this obligation")
	ErrObligationNotFound = errors.New("obligation not found")
	ErrGroupNotFound      = errors.New("distributed group not found")
	ErrResidentNotFound   = errors.New("resident not found")
	ErrVersionConflict    = errors.New("obligation modified concurrently")
	ErrNotAdministrator   = errors.New("caller is not an administrator")
)

// Owed returns the canonical charged amount: the local-currency amount
// when set, otherwise the USD amount. Paid and claimed values are tracked
// in the same denomination.
func (o Obligation) Owed() Money {
	if o.Amount.Cents > 0 {
		return o.Amount
	}
	return o.AmountUSD
}

// Remaining returns the unpaid balance of the obligation.
func (o Obligation) Remaining() Money {
	return o.Owed().Sub(o.Paid)
}

// Terminal reports whether the obligation accepts no further evidence.
// A remainder, if any, is a different obligation.
func (o Obligation) Terminal() bool {
	return o.Status == StatusPaid || o.Status == StatusRejected
}

// HasOpenSubmission reports whether evidence is awaiting validation.
// Validated or rejected submissions no longer block a new one.
func (o Obligation) HasOpenSubmission() bool {
	return o.Submission != nil && o.Submission.ValidatedAt.IsZero() && o.Status != StatusRejected
}

// DeriveStatus is the single place the persisted status enum is computed
// from amounts and dates. Every caller that needs a storage or display
// status goes through here; nothing compares paid to amount ad hoc.
func DeriveStatus(amount, paid Money, rejected bool, due, now time.Time) Status {
	switch {
	case rejected:
		return StatusRejected
	case paid.Cents >= amount.Cents:
		return StatusPaid
	case paid.Cents > 0:
		return StatusPartiallyPaid
	case !due.IsZero() && due.Before(now):
		return StatusOverdue
	default:
		return StatusPending
	}
}

// DisplayAmount resolves the local-currency amount to present for an
// obligation. USD-denominated obligations (local amount unset) are
// converted with the supplied display rate.
func DisplayAmount(o Obligation, rate float64) Money {
	if o.Amount.Cents > 0 {
		return o.Amount
	}
	return Money{Cents: int64(float64(o.AmountUSD.Cents)*rate + 0.5)}
}

// ProgressPercent computes collection progress clamped to [0, 100].
func ProgressPercent(collected, target Money) float64 {
	if target.Cents <= 0 {
		return 0
	}
	pct := float64(collected.Cents) / float64(target.Cents) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Validate checks the fields a new obligation must carry before it is
// persisted. One of Amount or AmountUSD must be positive.
func (o Obligation) Validate() error {
	if strings.TrimSpace(o.ResidentID) == "" {
		return errors.New("empty resident id")
	}
	if strings.TrimSpace(o.UnitID) == "" {
		return ErrMissingUnit
	}
	if len(strings.TrimSpace(o.Concept)) == 0 {
		return ErrEmptyConcept
	}
	if len(o.Concept) > 200 {
		return errors.New("concept too long (max 200 characters)")
	}
	if o.Amount.Cents <= 0 && o.AmountUSD.Cents <= 0 {
		return ErrInvalidAmount
	}
	if o.Amount.Cents < 0 || o.AmountUSD.Cents < 0 {
		return ErrInvalidAmount
	}
	switch o.Origin {
	case OriginAdmin, OriginSelf:
	default:
		return errors.New("invalid origin")
	}
	if o.GroupID != "" && o.GroupTarget.Cents <= 0 {
		return errors.New("group member without group target")
	}
	return nil
}

// Validate checks a submission before it is attached to an obligation.
func (s Submission) Validate() error {
	if strings.TrimSpace(s.Reference) == "" {
		return errors.New("empty payment reference")
	}
	if strings.TrimSpace(s.Method) == "" {
		return errors.New("empty payment method")
	}
	if s.ClaimedAmount.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
