package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaypoint/bulkmail/internal/domain"
	"github.com/relaypoint/bulkmail/internal/store"
	"github.com/relaypoint/bulkmail/internal/sysconfig"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := s.store.QueueStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

type serviceStatus struct {
	ID                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	Provider            string    `json:"provider"`
	Frozen              bool      `json:"frozen"`
	DailyQuota          int       `json:"daily_quota"`
	UsedQuota           int       `json:"used_quota"`
	RemainingQuota      int       `json:"remaining_quota"`
	SendIntervalMS      int       `json:"send_interval_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	svcs, err := s.store.ListEnabledServices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]serviceStatus, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, serviceStatus{
			ID:                  svc.ID,
			Name:                svc.Name,
			Provider:            svc.Provider,
			Frozen:              svc.Frozen,
			DailyQuota:          svc.DailyQuota,
			UsedQuota:           svc.UsedQuota,
			RemainingQuota:      svc.RemainingQuota(),
			SendIntervalMS:      svc.SendIntervalMS,
			ConsecutiveFailures: svc.ConsecutiveFailures,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	p, err := s.store.TaskProgress(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// taskControl adapts a store transition into a POST handler with uniform
// error mapping: unknown id is 404, an illegal transition is 409.
func (s *Server) taskControl(op func(ctx context.Context, id uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}
		err = op(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		default:
			var ill *domain.ErrIllegalTransition
			if errors.As(err, &ill) {
				writeError(w, http.StatusConflict, ill.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

// handleQuotaReset zeroes used_quota on every service. The daily reset cron
// calls it at each service's quota boundary.
func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ResetDailyQuotas(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[API] daily quota reset: %d services", n)
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	alerts, err := s.store.RecentAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []store.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sysconfig.Keys())
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	key := sysconfig.Key(chi.URLParam(r, "key"))
	v, err := s.sysCfg.Get(r.Context(), key)
	if errors.Is(err, sysconfig.ErrUnknownKey) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": v})
}

type configPutRequest struct {
	Value int    `json:"value"`
	Actor string `json:"actor"`
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	key := sysconfig.Key(chi.URLParam(r, "key"))

	var req configPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	err := s.sysCfg.Set(r.Context(), key, req.Value, actor)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": req.Value})
	case errors.Is(err, sysconfig.ErrUnknownKey):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sysconfig.ErrOutOfBounds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
