// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the submission and result surface
// (submit_job/cancel_job/get_job/list_my_jobs/list_workers/balance/grant)
// over HTTP, plus a live job-status push endpoint, as the dashboard the
// rest of the system reports status to.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/pkg/auth"
	"github.com/campusgrid/exchange/pkg/errors"
	"github.com/campusgrid/exchange/pkg/logging"
	"github.com/campusgrid/exchange/pkg/metrics"
)

// Store is the subset of internal/store.Store the API depends on.
type Store interface {
	EnqueueJob(ctx context.Context, j domain.Job) (domain.Job, error)
	CancelPending(ctx context.Context, jobID, submitterID string) (domain.Job, error)
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	ListMyJobs(ctx context.Context, userID string, limit, offset int) ([]domain.Job, error)
	ListWorkers(ctx context.Context, limit, offset int) ([]domain.Worker, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Grant(ctx context.Context, userID string, delta int64, reason string) error
}

// Server is the dashboard-facing HTTP API.
type Server struct {
	router   *mux.Router
	store    Store
	issuer   *auth.TokenIssuer
	validate *requestValidator
	logger   logging.Logger
	metrics  metrics.Collector
	upgrader websocket.Upgrader
}

// New builds a Server, panicking if the embedded OpenAPI document is
// malformed, since that can only happen from a programming error.
func New(store Store, issuer *auth.TokenIssuer, logger logging.Logger, collector metrics.Collector) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	s := &Server{
		store:   store,
		issuer:  issuer,
		logger:  logger,
		metrics: collector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.validate = newRequestValidator(specJSON)
	s.router = s.buildRouter()
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogMiddleware)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)

	authed.HandleFunc("/v1/jobs", s.withValidation(s.handleSubmitJob)).Methods(http.MethodPost)
	authed.HandleFunc("/v1/jobs", s.handleListMyJobs).Methods(http.MethodGet)
	authed.HandleFunc("/v1/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	authed.HandleFunc("/v1/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	authed.HandleFunc("/v1/jobs/{id}/watch", s.handleWatchJob).Methods(http.MethodGet)
	authed.HandleFunc("/v1/workers", s.handleListWorkers).Methods(http.MethodGet)
	authed.HandleFunc("/v1/balance", s.handleBalance).Methods(http.MethodGet)
	authed.HandleFunc("/v1/users/{userId}/grants", s.withValidation(s.handleGrant)).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.LogAPICall(s.logger, r.Method, r.URL.Path, "duration_ms", time.Since(start).Milliseconds()).Info("request handled")
	})
}

type principalKey struct{}

func principalFromContext(ctx context.Context) (*auth.Claims, bool) {
	p, ok := ctx.Value(principalKey{}).(*auth.Claims)
	return p, ok
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, errors.New(errors.CodePermissionDenied, "missing bearer token"))
			return
		}
		claims, err := s.issuer.Verify(token)
		if err != nil {
			writeError(w, errors.Wrap(errors.CodePermissionDenied, "invalid bearer token", err))
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// withValidation runs the embedded OpenAPI document's schema against the
// request body before calling handler, rejecting malformed submit_job and
// grant requests before they ever reach store logic. The body is restored
// onto the request afterward so handler can still decode it.
func (s *Server) withValidation(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, errors.Wrap(errors.CodeProtocolViolation, "read request body", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		if err := s.validate.Validate(r, bodyBytes); err != nil {
			writeError(w, errors.Wrap(errors.CodeProtocolViolation, "request failed schema validation", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		handler(w, r)
	}
}

type submitJobRequest struct {
	Title        string            `json:"title"`
	Code         string            `json:"code"`
	Requirements string            `json:"requirements"`
	Priority     int               `json:"priority"`
	Demands      demandsPayload    `json:"demands"`
}

type demandsPayload struct {
	CPUCores       int               `json:"cpu_cores"`
	RAMGB          float64           `json:"ram_gb"`
	GPURequired    bool              `json:"gpu_required"`
	DockerRequired bool              `json:"docker_required"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Tags           map[string]string `json:"tags"`
}

func (p demandsPayload) toDomain() domain.Demands {
	return domain.Demands{
		CPUCores:       p.CPUCores,
		RAMGB:          p.RAMGB,
		GPURequired:    p.GPURequired,
		DockerRequired: p.DockerRequired,
		TimeoutSeconds: p.TimeoutSeconds,
		Tags:           p.Tags,
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeProtocolViolation, "decode submit_job request", err))
		return
	}

	demands := req.Demands.toDomain()
	priority := req.Priority
	if priority == 0 {
		priority = domain.DefaultPriority
	}
	job := domain.Job{
		Title:        req.Title,
		SubmitterID:  principal.UserID,
		Code:         []byte(req.Code),
		Requirements: req.Requirements,
		Demands:      demands,
		CreditCost:   domain.Cost(demands),
		CreditReward: domain.Cost(demands),
		Priority:     priority,
	}

	created, err := s.store.EnqueueJob(r.Context(), job)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordSubmitted(priority)
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	jobID := mux.Vars(r)["id"]
	job, err := s.store.CancelPending(r.Context(), jobID, principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListMyJobs(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	limit, offset := pageParams(r)
	jobs, err := s.store.ListMyJobs(r.Context(), principal.UserID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	workers, err := s.store.ListWorkers(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	balance, err := s.store.Balance(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

type grantRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	if principal.Role != string(domain.RoleCoordinator) {
		writeError(w, errors.New(errors.CodePermissionDenied, "grant requires coordinator role"))
		return
	}
	userID := mux.Vars(r)["userId"]
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeProtocolViolation, "decode grant request", err))
		return
	}
	if err := s.store.Grant(r.Context(), userID, req.Delta, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordCreditFlow(string(domain.LedgerAdminAdjust), req.Delta)
	w.WriteHeader(http.StatusNoContent)
}

// handleWatchJob upgrades to a websocket and pushes a JSON event each time
// get_job's status for this job changes, until the job reaches a terminal
// state or the client disconnects.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogError(s.logger, err, "api.watch_upgrade", "job_id", jobID)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastStatus domain.JobStatus
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			job, err := s.store.GetJob(r.Context(), jobID)
			if err != nil {
				conn.WriteJSON(map[string]string{"error": err.Error()})
				return
			}
			if job.Status == lastStatus {
				continue
			}
			lastStatus = job.Status
			if err := conn.WriteJSON(map[string]string{"job_id": job.ID, "status": string(job.Status)}); err != nil {
				return
			}
			if job.Status.IsTerminal() {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pageParams(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := httpStatusForCode(code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": string(code), "message": err.Error()})
}

func httpStatusForCode(code errors.Code) int {
	switch code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodePermissionDenied:
		return http.StatusForbidden
	case errors.CodeInsufficientCredits, errors.CodeInvalidState, errors.CodeProtocolViolation:
		return http.StatusBadRequest
	case errors.CodeStoreConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// requestValidator wraps an embedded OpenAPI document, validating a
// request's body against the schema its path+method declare.
type requestValidator struct {
	router routers.Router
}

func newRequestValidator(spec string) *requestValidator {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData([]byte(spec))
	if err != nil {
		panic(err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		panic(err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		panic(err)
	}
	return &requestValidator{router: router}
}

// Validate checks r's already-read body (bodyBytes) against the schema the
// embedded document declares for r's matched route. A request with no
// matching documented operation (e.g. /healthz) is left unvalidated.
func (v *requestValidator) Validate(r *http.Request, bodyBytes []byte) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		return nil
	}
	if route.Operation.RequestBody == nil {
		return nil
	}
	validationReq := r.Clone(r.Context())
	validationReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	input := &openapi3filter.RequestValidationInput{
		Request:    validationReq,
		PathParams: pathParams,
		Route:      route,
	}
	return openapi3filter.ValidateRequestBody(r.Context(), input, route.Operation.RequestBody.Value)
}
