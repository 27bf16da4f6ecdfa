package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"condominio/internal/core"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func newGroupID() string {
	return "grp-" + uuid.NewString()
}

// BulkCounts tallies one condominium's share of a bulk creation.
type BulkCounts struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// BulkResult is the outcome of a bulk creation. Never an error: each
// resident is an independent unit and failures are counted, not raised.
type BulkResult struct {
	Created        int                   `json:"created"`
	Skipped        int                   `json:"skipped"`
	Failed         int                   `json:"failed"`
	PerCondominium map[string]BulkCounts `json:"per_condominium"`
}

// BulkRequest describes the obligation assigned to every active resident
// in scope. An empty CondominiumID targets all condominiums.
type BulkRequest struct {
	CondominiumID string
	Concept       string
	Amount        core.Money
	AmountUSD     core.Money
	DueDate       time.Time
	GroupTarget   core.Money // >0 turns the batch into a distributed fixed expense
}

// CreateObligationsBulk assigns the obligation to every active resident
// in scope. Condominiums are processed concurrently; residents within
// one condominium sequentially. A duplicate unresolved concept counts as
// skipped, a missing unit as failed; neither aborts the batch.
func (s *PaymentService) CreateObligationsBulk(ctx context.Context, callerID string, req BulkRequest) (BulkResult, error) {
	if _, err := s.identity.RequireAdministrator(ctx, callerID); err != nil {
		return BulkResult{}, err
	}

	var scope []core.Condominium
	if req.CondominiumID != "" {
		scope = []core.Condominium{{ID: req.CondominiumID}}
	} else {
		all, err := s.storage.ListCondominiums(ctx)
		if err != nil {
			return BulkResult{}, err
		}
		scope = all
	}

	groupID := ""
	participants := 0
	if req.GroupTarget.Cents > 0 {
		groupID = newGroupID()
		for _, c := range scope {
			residents, err := s.storage.ListActiveResidents(ctx, c.ID)
			if err != nil {
				return BulkResult{}, err
			}
			participants += len(residents)
		}
	}

	result := BulkResult{PerCondominium: make(map[string]BulkCounts)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, c := range scope {
		g.Go(func() error {
			counts, err := s.bulkForCondominium(gctx, c.ID, req, groupID, participants)
			if err != nil {
				return fmt.Errorf("condominium %s: %w", c.ID, err)
			}
			mu.Lock()
			result.PerCondominium[c.ID] = counts
			result.Created += counts.Created
			result.Skipped += counts.Skipped
			result.Failed += counts.Failed
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BulkResult{}, err
	}

	// The pre-count includes residents later skipped for a duplicate
	// concept; reconcile the stored member count to what was created.
	if groupID != "" && result.Created != participants {
		if err := s.storage.SetGroupParticipants(ctx, groupID, result.Created); err != nil {
			slog.ErrorContext(ctx, "Failed to reconcile group participant count",
				"group_id", groupID, "created", result.Created, "error", err)
		}
	}

	slog.InfoContext(ctx, "Bulk obligation creation finished",
		"concept", req.Concept,
		"condominiums", len(scope),
		"created", result.Created,
		"skipped", result.Skipped,
		"failed", result.Failed)
	return result, nil
}

func (s *PaymentService) bulkForCondominium(ctx context.Context, condominiumID string, req BulkRequest, groupID string, participants int) (BulkCounts, error) {
	residents, err := s.storage.ListActiveResidents(ctx, condominiumID)
	if err != nil {
		return BulkCounts{}, err
	}

	var counts BulkCounts
	for _, res := range residents {
		o := core.Obligation{
			ResidentID:        res.ID,
			UnitID:            res.UnitID,
			CondominiumID:     condominiumID,
			Concept:           req.Concept,
			Origin:            core.OriginAdmin,
			Amount:            req.Amount,
			AmountUSD:         req.AmountUSD,
			DueDate:           req.DueDate,
			GroupID:           groupID,
			GroupTarget:       req.GroupTarget,
			GroupParticipants: participants,
		}
		err := s.storage.CreateObligation(ctx, &o)
		switch {
		case err == nil:
			counts.Created++
			s.notify(ctx, res.ID, "obligation_created",
				fmt.Sprintf("Nueva obligación: %s", req.Concept))
		case errors.Is(err, core.ErrDuplicateConcept):
			counts.Skipped++
			slog.InfoContext(ctx, "Skipped resident with unresolved duplicate concept",
				"resident_id", res.ID, "concept", req.Concept)
		default:
			counts.Failed++
			slog.ErrorContext(ctx, "Failed to create obligation in bulk",
				"resident_id", res.ID, "concept", req.Concept, "error", err)
		}
	}
	return counts, nil
}
