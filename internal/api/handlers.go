package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/remitgate/internal/adapter"
	"github.com/punchamoorthee/remitgate/internal/domain"
	"github.com/punchamoorthee/remitgate/internal/models"
	"github.com/punchamoorthee/remitgate/internal/service"
	"github.com/punchamoorthee/remitgate/internal/store"
)

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) CreateRemittance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/remittances"
	timer := observe("POST", endpoint)
	defer timer.ObserveDuration()

	// 1. Validate Header
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		respondError(w, http.StatusBadRequest, "Missing Idempotency-Key header", "POST", endpoint)
		return
	}

	// 2. Read and Hash Body
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Stream read error", "POST", endpoint)
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))
	hash := sha256.Sum256(body)
	reqHash := hex.EncodeToString(hash[:])

	var req models.RemittanceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}
	n, err := domain.NewRemittance{
		Scope:         req.Scope,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Beneficiary:   req.Beneficiary,
		Method:        domain.Method(req.Method),
		CorrelationID: req.CorrelationID,
	}.Validate()
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error(), "POST", endpoint)
		return
	}

	// 3. Reserve the key; a completed key replays its stored response.
	existing, err := h.idem.Reserve(r.Context(), idemKey, reqHash)
	switch {
	case errors.Is(err, store.ErrIdempotencyConflict):
		respondError(w, http.StatusConflict, "Request processing in progress", "POST", endpoint)
		return
	case errors.Is(err, store.ErrIdempotencyMismatch):
		respondError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload", "POST", endpoint)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpoint)
		return
	}
	if existing != nil {
		respondRaw(w, existing.ResponseStatus, existing.ResponseBody, "POST", endpoint)
		return
	}

	// 4. Record and enqueue
	rem, err := h.scheduler.Enqueue(r.Context(), n)
	if err != nil {
		if relErr := h.idem.Release(r.Context(), idemKey); relErr != nil {
			log.Printf("api: release idempotency key %s: %v", idemKey, relErr)
		}
		log.Printf("api: enqueue remittance: %v", err)
		respondError(w, statusFor(err), err.Error(), "POST", endpoint)
		return
	}

	resp, err := json.Marshal(models.RemittanceResponse{Remittance: rem})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpoint)
		return
	}
	if err := h.idem.Complete(r.Context(), idemKey, http.StatusCreated, resp); err != nil {
		log.Printf("api: complete idempotency key %s: %v", idemKey, err)
	}
	w.Header().Set("Location", "/api/v1/remittances/"+rem.ID)
	respondRaw(w, http.StatusCreated, resp, "POST", endpoint)
}

func (h *Handler) GetRemittance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/remittances/{id}"
	timer := observe("GET", endpoint)
	defer timer.ObserveDuration()

	rem, err := h.transfers.GetRemittance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error(), "GET", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, models.RemittanceResponse{Remittance: rem}, "GET", endpoint)
}

func (h *Handler) CancelRemittance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/remittances/{id}/cancel"
	timer := observe("POST", endpoint)
	defer timer.ObserveDuration()

	var req models.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	res, err := h.scheduler.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil && !errors.Is(err, service.ErrReceiptNotMinted) {
		respondError(w, statusFor(err), err.Error(), "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, res, "POST", endpoint)
}

func (h *Handler) RequeueRemittance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/remittances/{id}/requeue"
	timer := observe("POST", endpoint)
	defer timer.ObserveDuration()

	rem, err := h.scheduler.Requeue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error(), "POST", endpoint)
		return
	}
	w.Header().Set("Location", "/api/v1/remittances/"+rem.ID)
	respondJSON(w, http.StatusCreated, models.RemittanceResponse{Remittance: rem}, "POST", endpoint)
}

func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/queues/{scope}"
	timer := observe("GET", endpoint)
	defer timer.ObserveDuration()

	scope := mux.Vars(r)["scope"]
	entries, err := h.queue.Drain(r.Context(), scope)
	if err != nil {
		respondError(w, statusFor(err), err.Error(), "GET", endpoint)
		return
	}
	if entries == nil {
		entries = []domain.QueueEntry{}
	}
	respondJSON(w, http.StatusOK, models.QueueResponse{Scope: scope, Entries: entries}, "GET", endpoint)
}

func (h *Handler) ReconcileScope(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/queues/{scope}/reconcile"
	timer := observe("POST", endpoint)
	defer timer.ObserveDuration()

	scope := mux.Vars(r)["scope"]
	results, err := h.scheduler.Reconcile(r.Context(), scope)
	if err != nil {
		log.Printf("api: reconcile %s: %v", scope, err)
		if results == nil {
			respondError(w, statusFor(err), err.Error(), "POST", endpoint)
			return
		}
	}
	if results == nil {
		results = []service.Result{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"scope": scope, "results": results}, "POST", endpoint)
}

func (h *Handler) GetGate(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/gates/{scope}"
	timer := observe("GET", endpoint)
	defer timer.ObserveDuration()

	scope := mux.Vars(r)["scope"]
	state, err := h.gate.State(r.Context(), scope)
	if err != nil {
		respondError(w, statusFor(err), err.Error(), "GET", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, models.GateResponse{Scope: scope, State: string(state)}, "GET", endpoint)
}

func (h *Handler) SetGate(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/gates/{scope}"
	timer := observe("PUT", endpoint)
	defer timer.ObserveDuration()

	var req models.GateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", "PUT", endpoint)
		return
	}
	state := domain.GateState(strings.ToUpper(strings.TrimSpace(req.State)))
	if !state.Valid() {
		respondError(w, http.StatusUnprocessableEntity, "state must be OPEN or CLOSED", "PUT", endpoint)
		return
	}

	scope := mux.Vars(r)["scope"]
	if err := h.gate.SetState(r.Context(), scope, state); err != nil {
		respondError(w, statusFor(err), err.Error(), "PUT", endpoint)
		return
	}
	service.ObserveGate(scope, state)
	log.Printf("api: gate %s set %s", scope, state)
	respondJSON(w, http.StatusOK, models.GateResponse{Scope: scope, State: string(state)}, "PUT", endpoint)
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/receipts/{scope}"
	timer := observe("GET", endpoint)
	defer timer.ObserveDuration()

	scope := mux.Vars(r)["scope"]
	recs, err := h.ledger.List(r.Context(), scope)
	if err != nil {
		respondError(w, statusFor(err), err.Error(), "GET", endpoint)
		return
	}
	if recs == nil {
		recs = []domain.Receipt{}
	}
	respondJSON(w, http.StatusOK, models.ReceiptsResponse{Scope: scope, Receipts: recs}, "GET", endpoint)
}

func (h *Handler) VerifyReceipts(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/receipts/{scope}/verify"
	timer := observe("GET", endpoint)
	defer timer.ObserveDuration()

	scope := mux.Vars(r)["scope"]
	report, length, err := h.ledger.Verify(r.Context(), scope)
	if err != nil {
		respondError(w, statusFor(err), err.Error(), "GET", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, models.ChainVerification{
		Scope:  scope,
		Length: length,
		OK:     report.OK,
		Index:  report.Index,
		Reason: report.Reason,
	}, "GET", endpoint)
}

func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/keys/{name}"
	timer := observe("GET", endpoint)
	defer timer.ObserveDuration()

	name := mux.Vars(r)["name"]
	versions, err := h.keys.Versions(r.Context(), name)
	if err != nil {
		respondError(w, statusFor(err), err.Error(), "GET", endpoint)
		return
	}
	if len(versions) == 0 {
		respondError(w, http.StatusNotFound, "key not found", "GET", endpoint)
		return
	}
	resp := models.KeyResponse{Name: name, Versions: versions}
	for _, v := range versions {
		if !v.Retired() && v.Version > resp.Active {
			resp.Active = v.Version
		}
	}
	respondJSON(w, http.StatusOK, resp, "GET", endpoint)
}

func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/keys/{name}/rotate"
	timer := observe("POST", endpoint)
	defer timer.ObserveDuration()

	name := mux.Vars(r)["name"]
	rec, err := h.keys.RotateKey(r.Context(), name)
	if err != nil {
		log.Printf("api: rotate key %s: %v", name, err)
		respondError(w, statusFor(err), err.Error(), "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusCreated, rec, "POST", endpoint)
}

func (h *Handler) RetireKey(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/keys/{name}/versions/{version}/retire"
	timer := observe("POST", endpoint)
	defer timer.ObserveDuration()

	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "version must be an integer", "POST", endpoint)
		return
	}
	if err := h.keys.RetireKey(r.Context(), vars["name"], version); err != nil {
		respondError(w, statusFor(err), err.Error(), "POST", endpoint)
		return
	}
	rec, err := h.keys.GetKeyRecord(r.Context(), vars["name"], version)
	if err != nil {
		respondError(w, statusFor(err), err.Error(), "POST", endpoint)
		return
	}
	respondJSON(w, http.StatusOK, rec, "POST", endpoint)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRemittanceNotFound), errors.Is(err, domain.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRemittance),
		errors.Is(err, domain.ErrInvalidGateState),
		errors.Is(err, service.ErrRequeueLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNotInFlight),
		errors.Is(err, service.ErrCreateInProgress),
		errors.Is(err, service.ErrNotFailed),
		errors.Is(err, store.ErrAlreadyRequeued),
		errors.Is(err, domain.ErrAlreadyQueued),
		errors.Is(err, adapter.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, adapter.ErrFatal), errors.Is(err, adapter.ErrNoAdapter):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
