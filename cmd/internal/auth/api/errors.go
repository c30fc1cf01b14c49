package api

import (
	"errors"
	"net/http"

	"pulse/cmd/internal/auth/account"
)

// statusOf maps every account.Kind to exactly one HTTP status.
func statusOf(k account.Kind) int {
	switch k {
	case account.KindValidation:
		return http.StatusBadRequest
	case account.KindUnauthorized:
		return http.StatusUnauthorized
	case account.KindNotFound:
		return http.StatusNotFound
	case account.KindConflict:
		return http.StatusConflict
	case account.KindUnexpected:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// writeAccountError renders an orchestrator error. Unexpected errors are
// logged with their cause and reach the client only as "internal error".
func (h *Handler) writeAccountError(w http.ResponseWriter, r *http.Request, event string, err error) {
	var e *account.Error
	if !errors.As(err, &e) || e.Kind == account.KindUnexpected {
		h.log.ErrorContext(r.Context(), event+".fail", "err", err)
		WriteInternalError(w)
		return
	}
	writeError(w, statusOf(e.Kind), e.Message, e.Fields)
}
