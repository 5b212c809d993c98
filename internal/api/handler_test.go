package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/punchamoorthee/remitgate/internal/adapter"
	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/keys"
	"github.com/punchamoorthee/remitgate/internal/models"
	"github.com/punchamoorthee/remitgate/internal/rpt"
	"github.com/punchamoorthee/remitgate/internal/service"
	"github.com/punchamoorthee/remitgate/internal/store"
)

type testServer struct {
	srv       *httptest.Server
	scheduler *service.Scheduler
	queue     *store.MemoryQueue
	rail      *adapter.MockRail
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	transfers := store.NewMemoryTransferStore()
	queue := store.NewMemoryQueue()
	gate := store.NewMemoryGate(domain.GateClosed)
	manager := keys.NewManager(keys.NewMemoryStore())
	ledger := rpt.NewLedger(rpt.NewMemoryReceiptStore(), manager, "rpt")
	rail := adapter.NewPayTo()
	sched := service.NewScheduler(transfers, queue, gate, adapter.NewRegistry(rail), ledger, service.Options{WorkerID: "api-test", MaxRequeues: 3})

	h := NewHandler(Deps{
		Transfers:   transfers,
		Queue:       queue,
		Gate:        gate,
		Idempotency: store.NewMemoryIdempotencyStore(),
		Scheduler:   sched,
		Ledger:      ledger,
		Keys:        manager,
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, scheduler: sched, queue: queue, rail: rail}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, header map[string]string) (*http.Response, []byte) {
	t.Helper()

	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func decode(t *testing.T, raw []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

var remittanceBody = []byte(`{"scope":"org-1","amount":1250,"currency":"aud","beneficiary":"ACCT-1"}`)

func TestCreateRemittanceRequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, "POST", "/api/v1/remittances", remittanceBody, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateRemittanceIdempotency(t *testing.T) {
	s := newTestServer(t)
	key := map[string]string{"Idempotency-Key": "k-1"}

	resp, first := s.do(t, "POST", "/api/v1/remittances", remittanceBody, key)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", resp.StatusCode, first)
	}
	var created models.RemittanceResponse
	decode(t, first, &created)
	if created.Remittance.Status != domain.StatusPending || created.Remittance.Currency != "AUD" {
		t.Fatalf("remittance = %+v", created.Remittance)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/v1/remittances/"+created.Remittance.ID {
		t.Fatalf("Location = %q", loc)
	}

	resp, replay := s.do(t, "POST", "/api/v1/remittances", remittanceBody, key)
	if resp.StatusCode != http.StatusCreated || !bytes.Equal(first, replay) {
		t.Fatalf("replay = %d %s", resp.StatusCode, replay)
	}
	entries, _ := s.queue.Drain(context.Background(), "org-1")
	if len(entries) != 1 {
		t.Fatalf("queue length = %d, want 1", len(entries))
	}

	other := []byte(`{"scope":"org-1","amount":99,"currency":"AUD","beneficiary":"ACCT-1"}`)
	resp, _ = s.do(t, "POST", "/api/v1/remittances", other, key)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("mismatch status = %d, want 422", resp.StatusCode)
	}
}

func TestCreateRemittanceValidation(t *testing.T) {
	s := newTestServer(t)
	cases := map[string][]byte{
		"malformed":  []byte(`{"scope":`),
		"no amount":  []byte(`{"scope":"org-1","currency":"AUD","beneficiary":"A"}`),
		"global":     []byte(`{"scope":"*","amount":1,"currency":"AUD","beneficiary":"A"}`),
		"bad ccy":    []byte(`{"scope":"org-1","amount":1,"currency":"AUSD","beneficiary":"A"}`),
		"no benefic": []byte(`{"scope":"org-1","amount":1,"currency":"AUD"}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, raw := s.do(t, "POST", "/api/v1/remittances", body, map[string]string{"Idempotency-Key": name})
			want := http.StatusUnprocessableEntity
			if name == "malformed" {
				want = http.StatusBadRequest
			}
			if resp.StatusCode != want {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, raw)
			}
		})
	}
}

func TestGateLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, raw := s.do(t, "GET", "/api/v1/gates/org-1", nil, nil)
	var gate models.GateResponse
	decode(t, raw, &gate)
	if gate.State != "CLOSED" {
		t.Fatalf("default state = %s, want CLOSED", gate.State)
	}

	resp, _ := s.do(t, "PUT", "/api/v1/gates/org-1", models.GateRequest{State: "ajar"}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid state status = %d", resp.StatusCode)
	}

	_, raw = s.do(t, "POST", "/api/v1/remittances", remittanceBody, map[string]string{"Idempotency-Key": "g-1"})
	var created models.RemittanceResponse
	decode(t, raw, &created)

	if res, _ := s.scheduler.ProcessNext(ctx, "org-1"); res.Outcome != service.OutcomeDeferred {
		t.Fatalf("outcome = %s, want deferred", res.Outcome)
	}

	resp, _ = s.do(t, "PUT", "/api/v1/gates/org-1", models.GateRequest{State: "open"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set gate status = %d", resp.StatusCode)
	}
	if res, _ := s.scheduler.ProcessNext(ctx, "org-1"); res.Outcome != service.OutcomeSettled {
		t.Fatalf("outcome = %s, want settled", res.Outcome)
	}

	_, raw = s.do(t, "GET", "/api/v1/remittances/"+created.Remittance.ID, nil, nil)
	var got models.RemittanceResponse
	decode(t, raw, &got)
	if got.Remittance.Status != domain.StatusSettled {
		t.Fatalf("status = %s, want SETTLED", got.Remittance.Status)
	}

	_, raw = s.do(t, "GET", "/api/v1/receipts/org-1", nil, nil)
	var recs models.ReceiptsResponse
	decode(t, raw, &recs)
	if len(recs.Receipts) != 1 {
		t.Fatalf("receipts = %d, want 1", len(recs.Receipts))
	}

	_, raw = s.do(t, "GET", "/api/v1/receipts/org-1/verify", nil, nil)
	var report models.ChainVerification
	decode(t, raw, &report)
	if !report.OK || report.Length != 1 || report.Index != -1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRemittanceOperatorRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.rail.Reject("ACCT-1")

	resp, _ := s.do(t, "GET", "/api/v1/remittances/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", resp.StatusCode)
	}

	_, raw := s.do(t, "POST", "/api/v1/remittances", remittanceBody, map[string]string{"Idempotency-Key": "op-1"})
	var created models.RemittanceResponse
	decode(t, raw, &created)
	id := created.Remittance.ID

	resp, _ = s.do(t, "POST", "/api/v1/remittances/"+id+"/cancel", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel pending status = %d, want 409", resp.StatusCode)
	}
	resp, _ = s.do(t, "POST", "/api/v1/remittances/"+id+"/requeue", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("requeue pending status = %d, want 409", resp.StatusCode)
	}

	s.do(t, "PUT", "/api/v1/gates/org-1", models.GateRequest{State: "OPEN"}, nil)
	if res, _ := s.scheduler.ProcessNext(ctx, "org-1"); res.Outcome != service.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}

	resp, raw = s.do(t, "POST", "/api/v1/remittances/"+id+"/requeue", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("requeue status = %d: %s", resp.StatusCode, raw)
	}
	var child models.RemittanceResponse
	decode(t, raw, &child)
	if child.Remittance.RetryOf != id || child.Remittance.Attempt != 2 {
		t.Fatalf("child = %+v", child.Remittance)
	}

	_, raw = s.do(t, "GET", "/api/v1/queues/org-1", nil, nil)
	var queue models.QueueResponse
	decode(t, raw, &queue)
	if len(queue.Entries) != 1 || queue.Entries[0].RemittanceID != child.Remittance.ID {
		t.Fatalf("queue = %+v", queue)
	}

	resp, raw = s.do(t, "POST", "/api/v1/queues/org-1/reconcile", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status = %d: %s", resp.StatusCode, raw)
	}
}

func TestKeyRoutes(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, "GET", "/api/v1/keys/rpt", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown key status = %d, want 404", resp.StatusCode)
	}

	for i := 0; i < 2; i++ {
		resp, raw := s.do(t, "POST", "/api/v1/keys/rpt/rotate", nil, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("rotate status = %d: %s", resp.StatusCode, raw)
		}
	}

	_, raw := s.do(t, "GET", "/api/v1/keys/rpt", nil, nil)
	var key models.KeyResponse
	decode(t, raw, &key)
	if key.Active != 2 || len(key.Versions) != 2 || !key.Versions[0].Retired() {
		t.Fatalf("key = %+v", key)
	}

	resp, _ = s.do(t, "POST", "/api/v1/keys/rpt/versions/9/retire", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("retire unknown status = %d, want 404", resp.StatusCode)
	}
	resp, _ = s.do(t, "POST", "/api/v1/keys/rpt/versions/2/retire", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retire status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, raw := s.do(t, "GET", "/health", nil, nil)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(raw, []byte(`"ok"`)) {
		t.Fatalf("health = %d %s", resp.StatusCode, raw)
	}
}
