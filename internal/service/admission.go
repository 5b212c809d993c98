package service

import (
	"fmt"
	"strings"

	"github.com/punchamoorthee/remitgate/internal/domain"
)

// AdmissionRules are per-remittance checks applied after a remittance is
// initiated and before it reaches a rail. The Gate decides whether a scope
// releases at all; these decide whether one remittance may.
type AdmissionRules struct {
	// MaxAmount in minor units. Zero disables the limit.
	MaxAmount            int64
	BlockedBeneficiaries []string
}

// Check returns the reason r is refused, or "" when it is admitted.
func (a AdmissionRules) Check(r domain.Remittance) string {
	if a.MaxAmount > 0 && r.Amount > a.MaxAmount {
		return fmt.Sprintf("amount %d exceeds limit %d", r.Amount, a.MaxAmount)
	}
	for _, b := range a.BlockedBeneficiaries {
		if strings.EqualFold(strings.TrimSpace(b), r.Beneficiary) {
			return fmt.Sprintf("beneficiary %s is blocked", r.Beneficiary)
		}
	}
	return ""
}
