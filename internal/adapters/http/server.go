// Package httpadapter exposes the patrol service over JSON/HTTP.
package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"
	"github.com/sirupsen/logrus"

	"safetypatrol/internal/domain"
	"safetypatrol/internal/ports"
	"safetypatrol/internal/services/derivation"
	"safetypatrol/internal/services/lifecycle"
	"safetypatrol/internal/services/patrol"
	"safetypatrol/internal/services/rollups"
)

const maxBody = 1 << 20

// Service is what the transport needs from the application.
type Service interface {
	Inspection(id string) (domain.Inspection, error)
	Reports(f rollups.ReportFilter) []domain.Inspection
	Version() uint64
	CorrectiveActions() []domain.CorrectiveAction
	SubmitInspection(ctx context.Context, in domain.Inspection) (derivation.Report, error)
	RetryDerivation(ctx context.Context, inspectionID string, itemIDs []string) (derivation.Report, error)
	DeleteInspection(ctx context.Context, id string) error
	UpdateCorrectiveAction(ctx context.Context, id string, upd lifecycle.Update) error
	BuildingRollup(f rollups.Filter) rollups.BuildingRollup
	DivisionRollup(f rollups.Filter) rollups.DivisionRollup
	CustomItemRollup(f rollups.Filter) rollups.CustomItemRollup
	FollowUpBoard() rollups.FollowUpBoard
}

var _ Service = (*patrol.Service)(nil)

type Server struct {
	svc     Service
	metrics http.Handler
	log     logrus.FieldLogger
}

// New builds the transport. metrics may be nil to leave /metrics unmounted.
func New(svc Service, metrics http.Handler, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{svc: svc, metrics: metrics, log: log}
}

// Routes returns a chi.Router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.getHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/inspections", func(r chi.Router) {
		r.Get("/", s.listInspections)
		r.Post("/", s.postInspection)
		r.Get("/{id}", s.getInspection)
		r.Delete("/{id}", s.deleteInspection)
		r.Post("/{id}/derive", s.postDerive)
	})
	r.Route("/corrective-actions", func(r chi.Router) {
		r.Get("/", s.listCorrectiveActions)
		r.Patch("/{id}", s.patchCorrectiveAction)
	})
	r.Route("/rollups", func(r chi.Router) {
		r.Get("/buildings", s.getBuildings)
		r.Get("/divisions", s.getDivisions)
		r.Get("/custom-items", s.getCustomItems)
		r.Get("/follow-up", s.getFollowUp)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	ViewVersion uint64 `json:"view_version"`
}

func (s *Server) getHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", ViewVersion: s.svc.Version()})
}

// listInspections serves the inspection history. Here an omitted start or
// end leaves the range open on that side.
func (s *Server) listInspections(w http.ResponseWriter, r *http.Request) {
	var (
		start, end              *openapi_types.Date
		division, department, q *string
		f                       rollups.ReportFilter
	)
	if !bindQuery(w, r, map[string]any{
		"start": &start, "end": &end, "division": &division, "department": &department, "q": &q,
	}) {
		return
	}
	if start != nil {
		f.Start = start.Time
	}
	if end != nil {
		f.End = end.Time
	}
	f.Division, f.Department, f.Search = deref(division), deref(department), deref(q)
	writeJSON(w, http.StatusOK, nonNil(s.svc.Reports(f)))
}

func (s *Server) getInspection(w http.ResponseWriter, r *http.Request) {
	in, err := s.svc.Inspection(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) postInspection(w http.ResponseWriter, r *http.Request) {
	var in domain.Inspection
	if !s.decode(w, r, &in) {
		return
	}
	report, err := s.svc.SubmitInspection(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err, &report)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) deleteInspection(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteInspection(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deriveRequest struct {
	ItemIDs []string `json:"item_ids"`
}

func (s *Server) postDerive(w http.ResponseWriter, r *http.Request) {
	var req deriveRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	report, err := s.svc.RetryDerivation(r.Context(), chi.URLParam(r, "id"), req.ItemIDs)
	if err != nil {
		s.writeError(w, r, err, &report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listCorrectiveActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.svc.CorrectiveActions()))
}

func (s *Server) patchCorrectiveAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var upd lifecycle.Update
	if !s.decode(w, r, &upd) {
		return
	}
	if missingDetails(upd, s.currentDetails(id)) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    "action_details_required",
			Message: "action details are required once an action leaves under_review",
		})
		return
	}
	if err := s.svc.UpdateCorrectiveAction(r.Context(), id, upd); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// missingDetails applies the form rule: any status other than under_review
// needs non-empty action details, either in the update or already stored.
func missingDetails(upd lifecycle.Update, current string) bool {
	if upd.Status == nil || *upd.Status == domain.ActionUnderReview || !upd.Status.Valid() {
		return false
	}
	if upd.ActionDetails != nil {
		return *upd.ActionDetails == ""
	}
	return current == ""
}

func (s *Server) currentDetails(id string) string {
	for _, a := range s.svc.CorrectiveActions() {
		if a.ID == id {
			return a.ActionDetails
		}
	}
	return ""
}

func (s *Server) getBuildings(w http.ResponseWriter, r *http.Request) {
	f, ok := s.filter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.BuildingRollup(f))
}

func (s *Server) getDivisions(w http.ResponseWriter, r *http.Request) {
	f, ok := s.filter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.DivisionRollup(f))
}

func (s *Server) getCustomItems(w http.ResponseWriter, r *http.Request) {
	f, ok := s.filter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.CustomItemRollup(f))
}

func (s *Server) getFollowUp(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.FollowUpBoard())
}

// filter binds ?start=&end=&q=. Missing dates stay unset, which the rollups
// treat as an empty selection.
func (s *Server) filter(w http.ResponseWriter, r *http.Request) (rollups.Filter, bool) {
	var (
		start, end *openapi_types.Date
		q          *string
		f          rollups.Filter
	)
	if !bindQuery(w, r, map[string]any{"start": &start, "end": &end, "q": &q}) {
		return f, false
	}
	if start != nil {
		f.Range.Start = start.Time
	}
	if end != nil {
		f.Range.End = end.Time
	}
	f.Search = deref(q)
	return f, true
}

// bindQuery binds optional query parameters into the pointers in dests and
// answers 400 on the first malformed one.
func bindQuery(w http.ResponseWriter, r *http.Request, dests map[string]any) bool {
	query := r.URL.Query()
	for name, dest := range dests {
		if err := runtime.BindQueryParameter("form", true, false, name, query, dest); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_parameter", Message: err.Error()})
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_body", Message: err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Report  *derivation.Report `json:"report,omitempty"`
}

// writeError maps service errors to a status and a stable code. report, when
// given, is echoed so the caller can retry the failed items.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, report *derivation.Report) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, derivation.ErrInvalidInspection), errors.Is(err, lifecycle.ErrInvalidUpdate):
		status, code, report = http.StatusUnprocessableEntity, "invalid_input", nil
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, patrol.ErrInspectionNotFound):
		status, code, report = http.StatusNotFound, "not_found", nil
	case errors.Is(err, derivation.ErrPartialFailure):
		status, code = http.StatusServiceUnavailable, "partial_failure"
	case errors.Is(err, derivation.ErrStoreUnavailable), ports.IsRetryable(err):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, context.Canceled):
		status, code = 499, "canceled"
	}
	if report != nil && len(report.Failed) == 0 && status != http.StatusServiceUnavailable {
		report = nil
	}
	entry := s.log.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error(), Report: report})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
