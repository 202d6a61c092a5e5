package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"reliable-jobs/internal/audit"
	"reliable-jobs/internal/breaker"
	"reliable-jobs/internal/models"
	"reliable-jobs/internal/queue"
	"reliable-jobs/internal/telemetry"
)

const (
	defaultDLQLimit = 50
	maxListLimit    = 1000

	producerRole = "producer"
)

// Server wires HTTP handlers for producers and operators.
type Server struct {
	queue    *queue.JobQueue
	chain    *audit.Chain
	breakers *breaker.Registry
	log      *zap.Logger
}

// New constructs the API server. breakers may be nil when the process does
// not call providers itself.
func New(q *queue.JobQueue, chain *audit.Chain, breakers *breaker.Registry, log *zap.Logger) *Server {
	return &Server{
		queue:    q,
		chain:    chain,
		breakers: breakers,
		log:      telemetry.OrNop(log),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/queue", s.handleQueue)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/breakers", s.handleBreakers)
	r.Route("/audit", func(r chi.Router) {
		r.Get("/", s.handleAuditList)
		r.Get("/verify", s.handleAuditVerify)
	})
	return r
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var job models.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_JOB", Message: err.Error()})
		return
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" && job.TenantID() == "" {
		job.Payload["tenantId"] = tenant
	}

	stored, err := s.queue.Enqueue(r.Context(), job, false)
	switch {
	case errors.Is(err, queue.ErrBackpressureRejected):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: queue.ErrBackpressureRejected.Error()})
		return
	case errors.Is(err, models.ErrInvalidJob):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_JOB", Message: err.Error()})
		return
	case err != nil:
		s.log.Error("enqueue failed", zap.String("job_type", job.Type), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "ENQUEUE_FAILED", Message: err.Error()})
		return
	}

	role := r.Header.Get("X-Actor-Role")
	if role == "" {
		role = producerRole
	}
	if _, err := s.chain.Append(r.Context(), audit.Entry{
		TenantID:  stored.TenantID(),
		PublishID: stored.PublishID(),
		EventType: models.EventJobEnqueued,
		ActorRole: role,
		Payload:   map[string]any{"jobId": stored.ID, "jobType": stored.Type},
	}); err != nil {
		s.log.Error("audit append failed", zap.String("job_id", stored.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, stored)
}

type queueResponse struct {
	Backend  string `json:"backend"`
	Depth    int    `json:"depth"`
	DLQDepth int    `json:"dlqDepth"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Size(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "QUEUE_UNAVAILABLE", Message: err.Error()})
		return
	}
	dlq, err := s.queue.DLQSize(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "QUEUE_UNAVAILABLE", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{Backend: s.queue.Backend().Name(), Depth: depth, DLQDepth: dlq})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.ListDlq(r.Context(), limitParam(r, defaultDLQLimit))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "QUEUE_UNAVAILABLE", Message: err.Error()})
		return
	}
	if items == nil {
		items = []models.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	items := []breaker.Snapshot{}
	if s.breakers != nil {
		items = append(items, s.breakers.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	events, err := s.chain.List(r.Context(), filterFromQuery(r), limitParam(r, audit.DefaultListLimit))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "AUDIT_UNAVAILABLE", Message: err.Error()})
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.chain.Verify(r.Context(), filterFromQuery(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "AUDIT_UNAVAILABLE", Message: err.Error()})
		return
	}
	code := http.StatusOK
	if !res.OK {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func filterFromQuery(r *http.Request) audit.Filter {
	q := r.URL.Query()
	return audit.Filter{TenantID: q.Get("tenantId"), PublishID: q.Get("publishId")}
}

// limitParam reads ?limit=, falling back to def for missing or bad values.
func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
