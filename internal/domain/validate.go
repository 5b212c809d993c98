package domain

import (
	"fmt"
	"strings"
)

// Validate normalizes and checks the fields of a new remittance.
func (n NewRemittance) Validate() (NewRemittance, error) {
	n.Scope = strings.TrimSpace(n.Scope)
	n.Currency = strings.ToUpper(strings.TrimSpace(n.Currency))
	n.Beneficiary = strings.TrimSpace(n.Beneficiary)
	n.Method = Method(strings.ToUpper(strings.TrimSpace(string(n.Method))))

	if n.Scope == "" {
		return n, fmt.Errorf("%w: scope is required", ErrInvalidRemittance)
	}
	if n.Scope == GlobalScope {
		return n, fmt.Errorf("%w: scope %q is reserved", ErrInvalidRemittance, GlobalScope)
	}
	if n.Amount <= 0 {
		return n, fmt.Errorf("%w: amount must be positive", ErrInvalidRemittance)
	}
	if len(n.Currency) != 3 {
		return n, fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidRemittance)
	}
	if n.Beneficiary == "" {
		return n, fmt.Errorf("%w: beneficiary is required", ErrInvalidRemittance)
	}
	if n.Method == "" {
		n.Method = MethodPayTo
	}
	if n.Attempt <= 0 {
		n.Attempt = 1
	}
	return n, nil
}
