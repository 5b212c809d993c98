package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/remitgate/internal/keys"
	"github.com/punchamoorthee/remitgate/internal/rpt"
	"github.com/punchamoorthee/remitgate/internal/service"
	"github.com/punchamoorthee/remitgate/internal/store"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remit_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remit_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Deps are the components the HTTP surface fronts.
type Deps struct {
	Transfers   store.TransferStore
	Queue       store.Queue
	Gate        store.Gate
	Idempotency store.IdempotencyStore
	Scheduler   *service.Scheduler
	Ledger      *rpt.Ledger
	Keys        *keys.Manager
}

type Handler struct {
	transfers store.TransferStore
	queue     store.Queue
	gate      store.Gate
	idem      store.IdempotencyStore
	scheduler *service.Scheduler
	ledger    *rpt.Ledger
	keys      *keys.Manager
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		transfers: d.Transfers,
		queue:     d.Queue,
		gate:      d.Gate,
		idem:      d.Idempotency,
		scheduler: d.Scheduler,
		ledger:    d.Ledger,
		keys:      d.Keys,
	}
}

// Router wires every route, including /health and /metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/remittances", h.CreateRemittance).Methods("POST")
	v1.HandleFunc("/remittances/{id}", h.GetRemittance).Methods("GET")
	v1.HandleFunc("/remittances/{id}/cancel", h.CancelRemittance).Methods("POST")
	v1.HandleFunc("/remittances/{id}/requeue", h.RequeueRemittance).Methods("POST")
	v1.HandleFunc("/queues/{scope}", h.GetQueue).Methods("GET")
	v1.HandleFunc("/queues/{scope}/reconcile", h.ReconcileScope).Methods("POST")
	v1.HandleFunc("/gates/{scope}", h.GetGate).Methods("GET")
	v1.HandleFunc("/gates/{scope}", h.SetGate).Methods("PUT")
	v1.HandleFunc("/receipts/{scope}", h.ListReceipts).Methods("GET")
	v1.HandleFunc("/receipts/{scope}/verify", h.VerifyReceipts).Methods("GET")
	v1.HandleFunc("/keys/{name}", h.GetKey).Methods("GET")
	v1.HandleFunc("/keys/{name}/rotate", h.RotateKey).Methods("POST")
	v1.HandleFunc("/keys/{name}/versions/{version}/retire", h.RetireKey).Methods("POST")
	return r
}

func observe(method, endpoint string) *prometheus.Timer {
	return prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
}

// Helpers
func respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

// respondRaw writes an already encoded body, used for idempotent replays.
func respondRaw(w http.ResponseWriter, code int, body []byte, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
