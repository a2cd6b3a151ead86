package handler

import (
	"net/http"

	"github.com/popkeyd/popkeyd/internal/middleware"
	"github.com/popkeyd/popkeyd/internal/model"
)

// AssertionResponse carries a stored assertion back to a lollipop
// consumer.
type AssertionResponse struct {
	AssertionType string `json:"assertion_type"`
	Assertion     string `json:"assertion"`
}

// GetAssertion returns the raw assertion bound to a valid key. The
// consumer auth middleware has already verified the bearer token; here
// we additionally require its scope to match the requested ref.
func (h *Handler) GetAssertion(w http.ResponseWriter, r *http.Request) {
	ref, err := model.ParseAssertionRef(r.PathValue("assertion_ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if middleware.GetAuthAssertionRef(r.Context()) != string(ref) {
		writeError(w, http.StatusForbidden, "forbidden", "You are not allowed to read this assertion")
		return
	}

	assertion, err := h.assertionSvc.Get(r.Context(), ref)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AssertionResponse{
		AssertionType: string(assertion.Type),
		Assertion:     assertion.Content,
	})
}
