// Package rpt mints and verifies Receipt Proof Tokens: signed audit records
// linked into a per-scope hash chain.
//
// A receipt's hash is the hex SHA-256 of its canonical payload. The signature
// is ed25519 over the ASCII bytes of hash followed by prev_hash (empty for the
// first record of a chain).
package rpt

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/remitgate/internal/domain"
)

// Chain verification failure reasons.
const (
	ReasonPrevHashMismatch  = "prev_hash mismatch"
	ReasonHashMismatch      = "hash mismatch"
	ReasonBadSignature      = "bad signature"
	ReasonUnknownKeyVersion = "unknown key version"
	ReasonPublicKeyMismatch = "public key mismatch"
	ReasonSequenceGap       = "sequence gap"
)

// Signer is the active signing key.
type Signer interface {
	Name() string
	Version() int
	PublicKey() ed25519.PublicKey
	Sign(msg []byte) []byte
}

// KeyResolver returns the public key of a historical key version.
type KeyResolver interface {
	PublicKey(ctx context.Context, name string, version int) (ed25519.PublicKey, error)
}

type MintParams struct {
	ID       string
	Scope    string
	Seq      uint64
	Payload  any
	PrevHash string
	Signer   Signer
	Now      time.Time
}

// Mint builds a signed receipt over p.Payload.
func Mint(p MintParams) (domain.Receipt, error) {
	if p.Signer == nil {
		return domain.Receipt{}, errors.New("signer is required")
	}
	canonical, err := Canonicalize(p.Payload)
	if err != nil {
		return domain.Receipt{}, err
	}
	hash := digest(canonical)
	sig := p.Signer.Sign(signingMessage(hash, p.PrevHash))

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return domain.Receipt{
		ID:         id,
		Scope:      p.Scope,
		Seq:        p.Seq,
		Payload:    canonical,
		Hash:       hash,
		PrevHash:   p.PrevHash,
		Signature:  base64.StdEncoding.EncodeToString(sig),
		KeyName:    p.Signer.Name(),
		KeyVersion: p.Signer.Version(),
		PublicKey:  base64.StdEncoding.EncodeToString(p.Signer.PublicKey()),
		MintedAt:   now,
	}, nil
}

// Verify reports whether rec's payload still hashes to rec.Hash and the
// signature over (hash, prev_hash) checks out under pub.
func Verify(rec domain.Receipt, pub ed25519.PublicKey) bool {
	return verifyReason(rec, pub) == ""
}

func verifyReason(rec domain.Receipt, pub ed25519.PublicKey) string {
	canonical, err := Canonicalize(rec.Payload)
	if err != nil || digest(canonical) != rec.Hash {
		return ReasonHashMismatch
	}
	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ReasonBadSignature
	}
	if !ed25519.Verify(pub, signingMessage(rec.Hash, rec.PrevHash), sig) {
		return ReasonBadSignature
	}
	return ""
}

// ChainReport locates the first broken link. Index is -1 when OK.
type ChainReport struct {
	OK     bool   `json:"ok"`
	Index  int    `json:"index"`
	Reason string `json:"reason,omitempty"`
}

// VerifyChain reports whether recs form an intact chain. See VerifyChainReport.
func VerifyChain(ctx context.Context, recs []domain.Receipt, keys KeyResolver) bool {
	return VerifyChainReport(ctx, recs, keys).OK
}

// VerifyChainReport checks linkage and every record's signature. Seq is not
// signed and is not checked here; Ledger.Verify checks the numbering. With a
// KeyResolver each record is verified against the registered key for its
// declared version, and a declared public key that differs is a failure.
// With a nil resolver the embedded public key is trusted.
func VerifyChainReport(ctx context.Context, recs []domain.Receipt, keys KeyResolver) ChainReport {
	prevHash := ""
	for i, rec := range recs {
		if rec.PrevHash != prevHash {
			return ChainReport{Index: i, Reason: ReasonPrevHashMismatch}
		}

		declared, err := base64.StdEncoding.DecodeString(rec.PublicKey)
		if err != nil {
			return ChainReport{Index: i, Reason: ReasonBadSignature}
		}
		pub := ed25519.PublicKey(declared)
		if keys != nil {
			registered, err := keys.PublicKey(ctx, rec.KeyName, rec.KeyVersion)
			if err != nil {
				return ChainReport{Index: i, Reason: ReasonUnknownKeyVersion}
			}
			if !registered.Equal(pub) {
				return ChainReport{Index: i, Reason: ReasonPublicKeyMismatch}
			}
			pub = registered
		}
		if reason := verifyReason(rec, pub); reason != "" {
			return ChainReport{Index: i, Reason: reason}
		}
		prevHash = rec.Hash
	}
	return ChainReport{OK: true, Index: -1}
}

// DecodePublicKey parses the PublicKey field of a receipt.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func digest(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func signingMessage(hash, prevHash string) []byte {
	return []byte(hash + prevHash)
}
