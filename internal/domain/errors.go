package domain

import "errors"

var (
	ErrRemittanceNotFound = errors.New("remittance not found")
	ErrInvalidRemittance  = errors.New("invalid remittance")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyQueued      = errors.New("remittance already queued")
	ErrInvalidGateState   = errors.New("invalid gate state")

	ErrReceiptConflict = errors.New("receipt chain position already taken")
	ErrKeyNotFound     = errors.New("key version not found")
	ErrKeyExists       = errors.New("key version already exists")
)
