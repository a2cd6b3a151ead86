package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/popkeyd/popkeyd/internal/config"
	"github.com/popkeyd/popkeyd/internal/database"
	"github.com/popkeyd/popkeyd/internal/logger"
	"github.com/popkeyd/popkeyd/internal/queue"
	"github.com/popkeyd/popkeyd/internal/service"
)

// Handler holds all HTTP handlers
type Handler struct {
	db           *database.Postgres
	rdb          *database.Redis
	log          *logger.Logger
	cfg          *config.Config
	lifecycleSvc *service.LifecycleService
	lcParamsSvc  *service.LCParamsService
	assertionSvc *service.AssertionService
	revocations  *queue.Publisher
}

// New creates a new Handler instance
func New(db *database.Postgres, rdb *database.Redis, log *logger.Logger, cfg *config.Config, lifecycleSvc *service.LifecycleService, lcParamsSvc *service.LCParamsService, assertionSvc *service.AssertionService, revocations *queue.Publisher) *Handler {
	return &Handler{
		db:           db,
		rdb:          rdb,
		log:          log,
		cfg:          cfg,
		lifecycleSvc: lifecycleSvc,
		lcParamsSvc:  lcParamsSvc,
		assertionSvc: assertionSvc,
		revocations:  revocations,
	}
}

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// writeServiceError translates the lifecycle error taxonomy to HTTP.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Could not find the requested resource")
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, service.ErrInvalidState):
		writeError(w, http.StatusForbidden, "forbidden", "You are not allowed to perform this operation")
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
