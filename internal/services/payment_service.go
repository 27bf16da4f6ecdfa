// Package services orchestrates the reconciliation workflow across the
// SQLite store, the evidence blob store, AMQP and the rate resolver.
// Amount arithmetic lives in storage transactions; this layer adds role
// verification and best-effort side effects.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"condominio/internal/amqp"
	"condominio/internal/blob"
	"condominio/internal/core"
	"condominio/internal/identity"
	"condominio/internal/rate"
	"condominio/internal/storage"
)

// PaymentService is the entry point for every obligation operation.
type PaymentService struct {
	storage    *storage.SQLiteRepository
	amqpClient *amqp.Client
	blobs      *blob.Store
	identity   *identity.Verifier
	rates      *rate.Resolver
}

func NewPaymentService(store *storage.SQLiteRepository, amqpClient *amqp.Client, blobs *blob.Store, rates *rate.Resolver) *PaymentService {
	var verifier *identity.Verifier
	if store != nil {
		verifier = identity.NewVerifier(store)
	}
	return &PaymentService{
		storage:    store,
		amqpClient: amqpClient,
		blobs:      blobs,
		identity:   verifier,
		rates:      rates,
	}
}

// CreateObligation creates a single obligation. Administrator-assigned
// obligations require the caller to be a verified administrator;
// self-reported ones must belong to the caller.
func (s *PaymentService) CreateObligation(ctx context.Context, callerID string, o core.Obligation) (core.Obligation, error) {
	switch o.Origin {
	case core.OriginAdmin:
		if _, err := s.identity.RequireAdministrator(ctx, callerID); err != nil {
			return core.Obligation{}, err
		}
	case core.OriginSelf:
		if o.ResidentID != callerID {
			return core.Obligation{}, core.ErrNotAdministrator
		}
		if _, err := s.identity.RequireResident(ctx, callerID); err != nil {
			return core.Obligation{}, err
		}
	}

	if err := s.storage.CreateObligation(ctx, &o); err != nil {
		return core.Obligation{}, err
	}

	s.notify(ctx, o.ResidentID, "obligation_created",
		fmt.Sprintf("Nueva obligación: %s", o.Concept))
	return o, nil
}

// SubmitEvidence stores the evidence payload and attaches the claim to
// the obligation. The blob write happens before the money transaction;
// an orphaned blob from a failed submission is harmless.
func (s *PaymentService) SubmitEvidence(ctx context.Context, callerID, obligationID string, sub core.Submission, evidence []byte, mime string) (core.Obligation, error) {
	if _, err := s.identity.RequireResident(ctx, callerID); err != nil {
		return core.Obligation{}, err
	}
	existing, err := s.storage.GetObligation(ctx, obligationID)
	if err != nil {
		return core.Obligation{}, err
	}
	if existing.ResidentID != callerID {
		return core.Obligation{}, core.ErrObligationNotFound
	}

	if len(evidence) > 0 {
		blobID, err := s.blobs.Save(evidence, mime)
		if err != nil {
			return core.Obligation{}, fmt.Errorf("store evidence: %w", err)
		}
		sub.EvidenceBlobID = blobID
	}

	updated, err := s.storage.SubmitEvidence(ctx, obligationID, sub)
	if err != nil {
		return core.Obligation{}, err
	}

	s.notify(ctx, updated.ResidentID, "evidence_received",
		fmt.Sprintf("Comprobante recibido para %s", updated.Concept))
	return updated, nil
}

// Validate is the human gate: an administrator approves or rejects the
// resident's claim. Approval arithmetic is mechanical; the administrator
// never types an amount.
func (s *PaymentService) Validate(ctx context.Context, callerID, obligationID string, approve bool, reason string) (storage.ValidationResult, error) {
	if _, err := s.identity.RequireAdministrator(ctx, callerID); err != nil {
		return storage.ValidationResult{}, err
	}

	if !approve {
		o, err := s.storage.RejectValidation(ctx, obligationID, reason)
		if err != nil {
			return storage.ValidationResult{}, err
		}
		s.notify(ctx, o.ResidentID, "validation_rejected",
			fmt.Sprintf("Pago rechazado: %s", reason))
		return storage.ValidationResult{Obligation: o}, nil
	}

	result, err := s.storage.ApproveValidation(ctx, obligationID)
	if err != nil {
		return storage.ValidationResult{}, err
	}
	if result.NoOp {
		return result, nil
	}

	s.notify(ctx, result.Obligation.ResidentID, "validation_approved",
		fmt.Sprintf("Pago validado para %s", result.Obligation.Concept))
	if result.Obligation.Status == core.StatusPaid {
		s.publishReport(ctx, result.Obligation.ID, result.Obligation.Version)
	}
	return result, nil
}

// ApplyCredit spends the caller's carried credit against one obligation.
func (s *PaymentService) ApplyCredit(ctx context.Context, callerID, obligationID string, amount core.Money) (core.Money, core.Obligation, error) {
	if _, err := s.identity.RequireResident(ctx, callerID); err != nil {
		return core.Money{}, core.Obligation{}, err
	}

	applied, o, err := s.storage.ApplyCredit(ctx, callerID, obligationID, amount)
	if err != nil {
		return core.Money{}, core.Obligation{}, err
	}
	if applied.Cents > 0 {
		s.notify(ctx, callerID, "credit_applied",
			fmt.Sprintf("Saldo a favor aplicado a %s", o.Concept))
		if o.Status == core.StatusPaid {
			s.publishReport(ctx, o.ID, o.Version)
		}
	}
	return applied, o, nil
}

// ApplyCreditAuto spreads the caller's available credit over their open
// obligations, oldest due date first, until the credit runs out.
func (s *PaymentService) ApplyCreditAuto(ctx context.Context, callerID string) (core.Money, []core.Obligation, error) {
	if _, err := s.identity.RequireResident(ctx, callerID); err != nil {
		return core.Money{}, nil, err
	}

	available, err := s.storage.AvailableCredit(ctx, callerID)
	if err != nil {
		return core.Money{}, nil, err
	}
	if available.IsZero() {
		return core.Money{}, nil, nil
	}

	open, err := s.storage.ListOpenByResident(ctx, callerID)
	if err != nil {
		return core.Money{}, nil, err
	}

	var totalApplied core.Money
	var touched []core.Obligation
	for _, o := range open {
		if available.Cents <= 0 {
			break
		}
		applied, updated, err := s.storage.ApplyCredit(ctx, callerID, o.ID, available)
		if err != nil {
			slog.WarnContext(ctx, "Auto credit application skipped obligation",
				"obligation_id", o.ID, "error", err)
			continue
		}
		if applied.Cents == 0 {
			continue
		}
		available = available.Sub(applied)
		totalApplied = totalApplied.Add(applied)
		touched = append(touched, updated)
		if updated.Status == core.StatusPaid {
			s.publishReport(ctx, updated.ID, updated.Version)
		}
	}

	if totalApplied.Cents > 0 {
		s.notify(ctx, callerID, "credit_applied",
			fmt.Sprintf("Saldo a favor distribuido entre %d obligaciones", len(touched)))
	}
	return totalApplied, touched, nil
}

// AvailableCredit returns the caller's unconsumed carried credit.
func (s *PaymentService) AvailableCredit(ctx context.Context, callerID string) (core.Money, error) {
	return s.storage.AvailableCredit(ctx, callerID)
}

// ListCreditEntries returns the caller's full credit ledger.
func (s *PaymentService) ListCreditEntries(ctx context.Context, callerID string) ([]core.CreditEntry, error) {
	return s.storage.ListCreditEntries(ctx, callerID)
}

// GetObligation fetches one obligation.
func (s *PaymentService) GetObligation(ctx context.Context, id string) (core.Obligation, error) {
	return s.storage.GetObligation(ctx, id)
}

// ListObligations returns all obligations of a resident, newest first.
func (s *PaymentService) ListObligations(ctx context.Context, residentID string) ([]core.Obligation, error) {
	return s.storage.ListObligationsByResident(ctx, residentID)
}

// GroupProgress aggregates a distributed fixed expense.
func (s *PaymentService) GroupProgress(ctx context.Context, groupID string) (core.GroupProgress, error) {
	return s.storage.GroupProgress(ctx, groupID)
}

// CurrentRate resolves the display exchange rate. Never fails.
func (s *PaymentService) CurrentRate(ctx context.Context) core.Rate {
	if s.rates == nil {
		return core.Rate{Rate: rate.DefaultRate, Source: "default", FetchedAt: time.Now().UTC()}
	}
	return s.rates.CurrentRate(ctx)
}

// DisplayAmount resolves the local-currency amount shown for an
// obligation, converting USD-denominated ones at the current rate.
func (s *PaymentService) DisplayAmount(ctx context.Context, o core.Obligation) core.Money {
	return core.DisplayAmount(o, s.CurrentRate(ctx).Rate)
}

func (s *PaymentService) notify(ctx context.Context, residentID, kind, message string) {
	if s.amqpClient == nil {
		return
	}
	msg := amqp.NewNotificationMessage(residentID, kind, message)
	if err := s.amqpClient.PublishNotification(ctx, msg); err != nil {
		// Notifications are best-effort; the money transaction already
		// committed.
		slog.ErrorContext(ctx, "Failed to publish notification",
			"resident_id", residentID, "kind", kind, "error", err)
	}
}

func (s *PaymentService) publishReport(ctx context.Context, obligationID string, version int64) {
	if s.amqpClient == nil {
		return
	}
	msg := amqp.NewPaymentReportMessage(obligationID, version)
	if err := s.amqpClient.PublishPaymentReport(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to publish payment report",
			"obligation_id", obligationID, "error", err)
	}
}

func (s *PaymentService) Close() error {
	if s.amqpClient != nil {
		s.amqpClient.Close()
	}
	if s.storage != nil {
		return s.storage.Close()
	}
	return nil
}
