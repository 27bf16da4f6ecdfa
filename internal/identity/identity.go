// Package identity re-verifies caller roles against the canonical
// resident record. Client role claims are never trusted for privileged
// operations.
package identity

import (
	"context"

	"condominio/internal/core"
)

// ResidentReader is the slice of the store the verifier needs.
type ResidentReader interface {
	GetResident(ctx context.Context, id string) (*core.Resident, error)
}

// Verifier answers role questions at the time of the operation, not
// from a cached claim.
type Verifier struct {
	residents ResidentReader
}

func NewVerifier(residents ResidentReader) *Verifier {
	return &Verifier{residents: residents}
}

// RequireAdministrator returns the caller's record when they are an
// active administrator, ErrNotAdministrator otherwise.
func (v *Verifier) RequireAdministrator(ctx context.Context, callerID string) (*core.Resident, error) {
	r, err := v.residents.GetResident(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if r.Role != core.RoleAdmin || !r.Active {
		return nil, core.ErrNotAdministrator
	}
	return r, nil
}

// RequireResident returns the caller's record when they are active.
func (v *Verifier) RequireResident(ctx context.Context, callerID string) (*core.Resident, error) {
	r, err := v.residents.GetResident(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if !r.Active {
		return nil, core.ErrResidentNotFound
	}
	return r, nil
}
