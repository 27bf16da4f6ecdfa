// Package export defines the outbound port for the payment report.
package export

import (
	"context"

	"condominio/internal/core"
)

// ReportWriter appends one settled obligation to the external report.
type ReportWriter interface {
	AppendPayment(ctx context.Context, o core.Obligation) (rowRef string, err error)
}
