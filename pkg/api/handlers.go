package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/binding"
	"github.com/coldtrace-labs/coldtrace/core/pkg/chain"
	"github.com/coldtrace-labs/coldtrace/core/pkg/commit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
	"github.com/coldtrace-labs/coldtrace/core/pkg/stage"
)

// Server wires the service behind the HTTP routes.
type Server struct {
	svc *Service
	log *slog.Logger
}

func NewServer(svc *Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, log: log}
}

// Handler returns the routed handler with logging and rate limiting applied.
func (s *Server) Handler(limiter *RateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sensors", s.handleRegisterSensor)
	mux.HandleFunc("GET /sensors", s.handleListSensors)
	mux.HandleFunc("GET /sensors/{id}/binding", s.handleSensorBinding)
	mux.HandleFunc("POST /shipments/{id}/bindings/{role}", s.handleBind)
	mux.HandleFunc("DELETE /shipments/{id}/bindings/{role}", s.handleUnbind)
	mux.HandleFunc("POST /readings", s.handleSubmitReading)
	mux.HandleFunc("POST /shipments", s.handleCreateShipment)
	mux.HandleFunc("POST /shipments/{id}/stage", s.handleUpdateStage)
	mux.HandleFunc("GET /shipments/{id}", s.handleGetShipment)
	mux.HandleFunc("GET /shipments/{id}/readings", s.handleRecentReadings)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestLogging(s.log, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, "malformed request body: "+err.Error())
		return false
	}
	return true
}

type registerSensorRequest struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Label string `json:"label,omitempty"`
	Owner string `json:"owner,omitempty"`
}

func (s *Server) handleRegisterSensor(w http.ResponseWriter, r *http.Request) {
	var req registerSensorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role := contracts.CustodyRole(req.Role)
	if !role.Valid() {
		WriteUnprocessable(w, "role must be transporter or retailer")
		return
	}
	if req.ID == "" {
		WriteUnprocessable(w, "sensor id required")
		return
	}
	sensor, err := s.svc.RegisterSensor(req.ID, role, req.Label, req.Owner)
	if err != nil {
		if errors.Is(err, binding.ErrSensorExists) {
			WriteConflict(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sensor)
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	role := contracts.CustodyRole(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		WriteUnprocessable(w, "role must be transporter or retailer")
		return
	}
	sensors := s.svc.ListSensors(role, r.URL.Query().Get("owner"))
	if sensors == nil {
		sensors = []*contracts.Sensor{}
	}
	writeJSON(w, http.StatusOK, sensors)
}

func (s *Server) handleSensorBinding(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.SensorBinding(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, binding.ErrBindingNotFound) {
			WriteNotFound(w, "sensor is not bound")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type bindRequest struct {
	SensorID string `json:"sensor_id"`
	Actor    string `json:"actor,omitempty"`
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	role := contracts.CustodyRole(r.PathValue("role"))
	if !role.Valid() {
		WriteUnprocessable(w, "role must be transporter or retailer")
		return
	}
	var req bindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	b, err := s.svc.BindSensor(r.PathValue("id"), role, req.SensorID, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, binding.ErrSensorNotRegistered):
			WriteNotFound(w, err.Error())
		case errors.Is(err, binding.ErrRoleMismatch):
			WriteUnprocessable(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	role := contracts.CustodyRole(r.PathValue("role"))
	if !role.Valid() {
		WriteUnprocessable(w, "role must be transporter or retailer")
		return
	}
	if err := s.svc.UnbindSensor(r.PathValue("id"), role); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitReadingRequest struct {
	SensorID    string    `json:"sensor_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CapturedAt  time.Time `json:"captured_at,omitzero"`
}

func (s *Server) handleSubmitReading(w http.ResponseWriter, r *http.Request) {
	var req submitReadingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SensorID == "" {
		WriteUnprocessable(w, "sensor_id required")
		return
	}
	result, err := s.svc.SubmitReading(r.Context(), req.SensorID, contracts.Reading{
		Temperature: req.Temperature,
		Humidity:    req.Humidity,
		CapturedAt:  req.CapturedAt,
	})
	if err != nil {
		if errors.Is(err, binding.ErrBindingNotFound) {
			WriteConflict(w, "sensor holds no live binding")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

type createShipmentRequest struct {
	ProductType string `json:"product_type"`
	CreatedBy   string `json:"created_by,omitempty"`
}

func (s *Server) handleCreateShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductType == "" {
		WriteUnprocessable(w, "product_type required")
		return
	}
	view, err := s.svc.CreateShipment(r.Context(), req.ProductType, req.CreatedBy)
	if err != nil {
		s.writeCommitError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

type updateStageRequest struct {
	Stage     string `json:"stage"`
	ActorRole string `json:"actor_role"`
}

type updateStageResponse struct {
	Transition *contracts.StageTransition `json:"transition"`
	Receipt    *contracts.CommitReceipt   `json:"receipt"`
}

func (s *Server) handleUpdateStage(w http.ResponseWriter, r *http.Request) {
	var req updateStageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	transition, receipt, err := s.svc.UpdateStage(r.Context(),
		r.PathValue("id"), contracts.Stage(req.Stage), contracts.ActorRole(req.ActorRole))
	if err != nil {
		var rej *stage.RejectionError
		switch {
		case errors.As(err, &rej) && rej.Reason == stage.ReasonUnauthorized:
			WriteForbidden(w, rej.Error())
		case errors.As(err, &rej):
			WriteConflict(w, rej.Error())
		case errors.Is(err, commit.ErrShipmentNotFound):
			WriteNotFound(w, "unknown shipment")
		default:
			s.writeCommitError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, updateStageResponse{Transition: transition, Receipt: receipt})
}

func (s *Server) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetShipment(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, commit.ErrShipmentNotFound) {
			WriteNotFound(w, "unknown shipment")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRecentReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := s.svc.RecentReadings(r.Context(), r.PathValue("id"), 200)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if readings == nil {
		readings = []contracts.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeCommitError maps orchestrator failures: transient ledger trouble is a
// gateway problem, everything else is internal.
func (s *Server) writeCommitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commit.ErrCommitFailed),
		errors.Is(err, chain.ErrUnavailable),
		errors.Is(err, chain.ErrBreakerOpen),
		errors.Is(err, chain.ErrConfirmationTimeout):
		WriteBadGateway(w, "ledger commit failed; the intent is queued for retry")
	case errors.Is(err, commit.ErrInFlight):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	default:
		WriteInternal(w, err)
	}
}
