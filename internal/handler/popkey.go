package handler

import (
	"net/http"
	"time"

	"github.com/popkeyd/popkeyd/internal/model"
	"github.com/popkeyd/popkeyd/internal/service"
)

// PubKeyResponse is the document projection returned by the key
// endpoints. The binding fields are present once the key is activated.
type PubKeyResponse struct {
	AssertionRef      string     `json:"assertion_ref"`
	PubKey            string     `json:"pub_key"`
	Status            string     `json:"status"`
	TTL               int64      `json:"ttl"`
	Version           int        `json:"version"`
	AssertionFileName string     `json:"assertion_file_name,omitempty"`
	AssertionType     string     `json:"assertion_type,omitempty"`
	FiscalCode        string     `json:"fiscal_code,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

func toPubKeyResponse(rec *model.PopKeyRecord) PubKeyResponse {
	resp := PubKeyResponse{
		AssertionRef: string(rec.Ref()),
		PubKey:       rec.Key(),
		Status:       string(rec.KeyStatus()),
		TTL:          int64(rec.TTL.Seconds()),
		Version:      rec.Version,
	}
	if bound, err := rec.Bound(); err == nil {
		expiresAt := bound.ExpiresAt
		resp.AssertionFileName = string(bound.AssertionFileName)
		resp.AssertionType = string(bound.AssertionType)
		resp.FiscalCode = string(bound.FiscalCode)
		resp.ExpiresAt = &expiresAt
	}
	return resp
}

// ReserveRequest is the body of POST /api/v1/pubkeys.
type ReserveRequest struct {
	PubKey string `json:"pub_key"`
	Algo   string `json:"algo"`
}

// ReservePubKey reserves a key identity ahead of login.
func (h *Handler) ReservePubKey(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.PubKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "pub_key is required")
		return
	}
	algo, err := model.ParseHashAlgorithm(req.Algo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rec, err := h.lifecycleSvc.Reserve(r.Context(), service.ReservePayload{
		PubKey: req.PubKey,
		Algo:   algo,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPubKeyResponse(rec))
}

// ActivateRequest is the body of PUT /api/v1/pubkeys/{assertion_ref}.
type ActivateRequest struct {
	FiscalCode    string    `json:"fiscal_code"`
	Assertion     string    `json:"assertion"`
	AssertionType string    `json:"assertion_type"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ActivatePubKey proves possession of a reserved key: it binds the
// submitted assertion to the key and marks it VALID.
func (h *Handler) ActivatePubKey(w http.ResponseWriter, r *http.Request) {
	ref, err := model.ParseAssertionRef(r.PathValue("assertion_ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var req ActivateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	fiscalCode, err := model.ParseFiscalCode(req.FiscalCode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	assertionType, err := model.ParseAssertionType(req.AssertionType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Assertion == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "assertion is required")
		return
	}
	if req.ExpiresAt.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "expires_at is required")
		return
	}

	rec, err := h.lifecycleSvc.Activate(r.Context(), ref, service.ActivationPayload{
		FiscalCode:    fiscalCode,
		Assertion:     req.Assertion,
		AssertionType: assertionType,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPubKeyResponse(rec))
}

// GenerateLCParamsRequest is the body of
// POST /api/v1/pubkeys/{assertion_ref}/generate.
type GenerateLCParamsRequest struct {
	OperationID string `json:"operation_id"`
}

// LCParamsResponse extends the document projection with the consumer
// auth bearer.
type LCParamsResponse struct {
	PubKeyResponse
	LCAuthenticationBearer string `json:"lc_authentication_bearer"`
}

// GenerateLCParams issues lollipop consumer params for a valid key.
func (h *Handler) GenerateLCParams(w http.ResponseWriter, r *http.Request) {
	ref, err := model.ParseAssertionRef(r.PathValue("assertion_ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var req GenerateLCParamsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.OperationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "operation_id is required")
		return
	}

	params, err := h.lcParamsSvc.Generate(r.Context(), ref, req.OperationID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, LCParamsResponse{
		PubKeyResponse:         toPubKeyResponse(params.Record),
		LCAuthenticationBearer: params.AuthBearer,
	})
}

// RevokePubKey enqueues a revocation for the key and its master alias.
// The sweep itself runs asynchronously off the queue.
func (h *Handler) RevokePubKey(w http.ResponseWriter, r *http.Request) {
	ref, err := model.ParseAssertionRef(r.PathValue("assertion_ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.revocations.Publish(r.Context(), ref); err != nil {
		h.log.Error().Err(err).Str("assertion_ref", string(ref)).Msg("failed to enqueue revocation")
		writeError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
