package httpx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/helix-identity/helix/internal/shared"
)

// RespondError maps identity-layer errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	if conflict, ok := shared.AsConflict(err); ok {
		Problem(w, http.StatusConflict, "Account Conflict",
			fmt.Sprintf("merge pending for %s method, key %s", conflict.Method, conflict.MergeKey))
		return
	}
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrUserExists):
		Problem(w, http.StatusConflict, "Duplicate Account", err.Error())
	case errors.Is(err, shared.ErrRateLimited):
		Problem(w, http.StatusTooManyRequests, "Rate Limited", err.Error())
	case errors.Is(err, shared.ErrWeakPassword),
		errors.Is(err, shared.ErrInvalidEmail),
		errors.Is(err, shared.ErrInvalidMergeKey),
		errors.Is(err, shared.ErrInvalidAuthMethod):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
