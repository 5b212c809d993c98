package rpt

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"

	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/keys"
)

func TestCanonicalizeIsOrderIndependent(t *testing.T) {
	a, err := Canonicalize(json.RawMessage(`{"b":1,"a":{"z":true,"y":[3,1,2]},"c":"x<y"}`))
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	b, err := Canonicalize(map[string]any{
		"c": "x<y",
		"a": map[string]any{"y": []int{3, 1, 2}, "z": true},
		"b": 1,
	})
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}

	want := `{"a":{"y":[3,1,2],"z":true},"b":1,"c":"x<y"}`
	if string(a) != want {
		t.Fatalf("canonical = %s, want %s", a, want)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ:\n%s\n%s", a, b)
	}
}

func TestCanonicalizePreservesLargeIntegers(t *testing.T) {
	got, err := Canonicalize(json.RawMessage(`{"amount":9007199254740993}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `{"amount":9007199254740993}` {
		t.Fatalf("canonical = %s", got)
	}
}

func TestCanonicalizeNormalizesNumbers(t *testing.T) {
	for _, in := range []string{`{"a":1}`, `{"a":1.0}`, `{"a":1e0}`, `{"a":10E-1}`, `{"a":0.1e1}`} {
		got, err := Canonicalize(json.RawMessage(in))
		if err != nil {
			t.Fatalf("canonicalize %s: %v", in, err)
		}
		if string(got) != `{"a":1}` {
			t.Fatalf("canonical(%s) = %s, want {\"a\":1}", in, got)
		}
	}

	cases := map[string]string{
		`-0.0`:                 `0`,
		`123.450`:              `123.45`,
		`0.000001`:             `0.000001`,
		`1.5e-7`:               `1.5e-7`,
		`1e20`:                 `100000000000000000000`,
		`1e21`:                 `1e+21`,
		`2.5E+25`:              `2.5e+25`,
		`-42.00`:               `-42`,
		`9007199254740993.0`:   `9007199254740993`,
		`[1.10,2e2,{"n":3.0}]`: `[1.1,200,{"n":3}]`,
	}
	for in, want := range cases {
		got, err := Canonicalize(json.RawMessage(in))
		if err != nil {
			t.Fatalf("canonicalize %s: %v", in, err)
		}
		if string(got) != want {
			t.Errorf("canonical(%s) = %s, want %s", in, got, want)
		}
	}

	if _, err := Canonicalize(json.RawMessage(`{"a":1e400}`)); err == nil {
		t.Fatal("expected error for a number outside float64 range")
	}
}

func TestEquivalentNumbersHashAlike(t *testing.T) {
	signer := newSigner(t)
	a, err := Mint(MintParams{Payload: json.RawMessage(`{"amount":1250}`), Signer: signer})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	b, err := Mint(MintParams{Payload: json.RawMessage(`{"amount":1.25e3}`), Signer: signer})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("hashes differ: %s %s", a.Hash, b.Hash)
	}
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	if _, err := Canonicalize(json.RawMessage(`{"a":1}{"b":2}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func newSigner(t *testing.T) *keys.Signer {
	t.Helper()
	s, err := keys.NewManager(keys.NewMemoryStore()).GetSigner(context.Background(), "rpt")
	if err != nil {
		t.Fatalf("get signer: %v", err)
	}
	return s
}

func TestMintAndVerify(t *testing.T) {
	signer := newSigner(t)
	rec, err := Mint(MintParams{
		Scope:   "org-1",
		Seq:     1,
		Payload: map[string]any{"remittance_id": "r-1", "status": "SETTLED", "amount": 1250},
		Signer:  signer,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if rec.PrevHash != "" || rec.KeyVersion != 1 || rec.KeyName != "rpt" {
		t.Fatalf("receipt = %+v", rec)
	}
	if !Verify(rec, signer.PublicKey()) {
		t.Fatal("fresh receipt does not verify")
	}
}

func TestVerifyDetectsPayloadTampering(t *testing.T) {
	signer := newSigner(t)
	rec, err := Mint(MintParams{
		Scope:   "org-1",
		Seq:     1,
		Payload: map[string]any{"remittance_id": "r-1", "status": "SETTLED", "amount": 1250},
		Signer:  signer,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	for _, tampered := range []string{
		`{"amount":1251,"remittance_id":"r-1","status":"SETTLED"}`,
		`{"amount":1250,"remittance_id":"r-2","status":"SETTLED"}`,
		`{"amount":1250,"remittance_id":"r-1","status":"FAILED"}`,
		`{"amount":1250,"remittance_id":"r-1"}`,
	} {
		mutated := rec
		mutated.Payload = json.RawMessage(tampered)
		if Verify(mutated, signer.PublicKey()) {
			t.Fatalf("tampered payload %s verified", tampered)
		}
	}

	// Reordering keys is not tampering.
	reordered := rec
	reordered.Payload = json.RawMessage(`{"status":"SETTLED","remittance_id":"r-1","amount":1250}`)
	if !Verify(reordered, signer.PublicKey()) {
		t.Fatal("reordered payload should still verify")
	}
}

func TestVerifyRejectsWrongKeyAndBadSignature(t *testing.T) {
	signer := newSigner(t)
	rec, err := Mint(MintParams{Scope: "org-1", Seq: 1, Payload: map[string]string{"k": "v"}, Signer: signer})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if Verify(rec, otherPub) {
		t.Fatal("verified against the wrong key")
	}

	corrupt := rec
	corrupt.Signature = "not-base64!"
	if Verify(corrupt, signer.PublicKey()) {
		t.Fatal("verified a corrupt signature")
	}

	relinked := rec
	relinked.PrevHash = "deadbeef"
	if Verify(relinked, signer.PublicKey()) {
		t.Fatal("prev_hash is not covered by the signature")
	}
}

func TestVerifyChainIntegrity(t *testing.T) {
	ctx := context.Background()
	m := keys.NewManager(keys.NewMemoryStore())
	ledger := NewLedger(NewMemoryReceiptStore(), m, "rpt")

	for i := 0; i < 3; i++ {
		if _, err := ledger.Append(ctx, "org-1", map[string]int{"n": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	recs, err := ledger.List(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !VerifyChain(ctx, recs, m) {
		t.Fatal("intact chain does not verify")
	}
	if !VerifyChain(ctx, recs, nil) {
		t.Fatal("intact chain does not verify with embedded keys")
	}

	broken := append([]domain.Receipt(nil), recs...)
	broken[1].PrevHash = strings.Repeat("0", 64)
	report := VerifyChainReport(ctx, broken, m)
	if report.OK || report.Index != 1 || report.Reason != ReasonPrevHashMismatch {
		t.Fatalf("report = %+v", report)
	}
	if VerifyChain(ctx, broken, m) {
		t.Fatal("chain with altered middle prev_hash verified")
	}
}

func TestVerifyChainWithoutSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	m := keys.NewManager(keys.NewMemoryStore())
	signer, err := m.GetSigner(ctx, "rpt")
	if err != nil {
		t.Fatalf("get signer: %v", err)
	}

	var (
		chain []domain.Receipt
		prev  string
	)
	for _, id := range []string{"a", "b", "c"} {
		rec, err := Mint(MintParams{ID: id, Payload: map[string]string{"id": id}, PrevHash: prev, Signer: signer})
		if err != nil {
			t.Fatalf("mint %s: %v", id, err)
		}
		chain = append(chain, rec)
		prev = rec.Hash
	}

	for _, resolver := range []KeyResolver{nil, m} {
		if report := VerifyChainReport(ctx, chain, resolver); !report.OK || report.Index != -1 {
			t.Fatalf("report = %+v", report)
		}
	}
}

func TestLedgerVerifyFlagsSequenceGap(t *testing.T) {
	ctx := context.Background()
	m := keys.NewManager(keys.NewMemoryStore())
	store := NewMemoryReceiptStore()
	ledger := NewLedger(store, m, "rpt")

	first, err := ledger.Append(ctx, "org-1", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	signer, err := m.GetSigner(ctx, "rpt")
	if err != nil {
		t.Fatalf("get signer: %v", err)
	}
	skipped, err := Mint(MintParams{Scope: "org-1", Seq: 3, Payload: map[string]int{"n": 3}, PrevHash: first.Hash, Signer: signer})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := store.AppendReceipt(ctx, skipped); err != nil {
		t.Fatalf("append receipt: %v", err)
	}

	// The links and signatures are intact; only the numbering is off.
	recs, err := ledger.List(ctx, "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !VerifyChain(ctx, recs, m) {
		t.Fatal("linked chain should verify without sequence checks")
	}

	report, length, err := ledger.Verify(ctx, "org-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK || report.Index != 1 || report.Reason != ReasonSequenceGap || length != 2 {
		t.Fatalf("report = %+v, length = %d", report, length)
	}
}

func TestChainSurvivesRotation(t *testing.T) {
	ctx := context.Background()
	m := keys.NewManager(keys.NewMemoryStore())
	ledger := NewLedger(NewMemoryReceiptStore(), m, "rpt")

	if _, err := ledger.Append(ctx, "org-1", map[string]string{"step": "before"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := m.RotateKey(ctx, "rpt"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	after, err := ledger.Append(ctx, "org-1", map[string]string{"step": "after"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if after.KeyVersion != 2 || after.Seq != 2 {
		t.Fatalf("receipt = %+v", after)
	}

	report, length, err := ledger.Verify(ctx, "org-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK || length != 2 {
		t.Fatalf("report = %+v, length = %d", report, length)
	}
}

func TestChainReportFlagsSubstitutedKey(t *testing.T) {
	ctx := context.Background()
	m := keys.NewManager(keys.NewMemoryStore())
	ledger := NewLedger(NewMemoryReceiptStore(), m, "rpt")

	rec, err := ledger.Append(ctx, "org-1", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Re-sign with a key the ring never issued.
	forger := keys.NewManager(keys.NewMemoryStore())
	signer, err := forger.GetSigner(ctx, "rpt")
	if err != nil {
		t.Fatalf("forger signer: %v", err)
	}
	forged, err := Mint(MintParams{ID: rec.ID, Scope: rec.Scope, Seq: 1, Payload: rec.Payload, Signer: signer})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if !VerifyChain(ctx, []domain.Receipt{forged}, nil) {
		t.Fatal("forged receipt should pass when the embedded key is trusted")
	}
	report := VerifyChainReport(ctx, []domain.Receipt{forged}, m)
	if report.OK || report.Reason != ReasonPublicKeyMismatch {
		t.Fatalf("report = %+v", report)
	}

	unknown := rec
	unknown.KeyVersion = 7
	report = VerifyChainReport(ctx, []domain.Receipt{unknown}, m)
	if report.Reason != ReasonUnknownKeyVersion {
		t.Fatalf("report = %+v", report)
	}
}

func TestVerifyChainEmpty(t *testing.T) {
	report := VerifyChainReport(context.Background(), nil, nil)
	if !report.OK || report.Index != -1 {
		t.Fatalf("report = %+v", report)
	}
}
