package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/xerrors"

	"licensekeeper/internal/license"
	"licensekeeper/internal/store"
)

var errUnauthenticated = xerrors.New("not authenticated")

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorResponse struct {
	Detail string       `json:"detail"`
	Errors []fieldError `json:"errors,omitempty"`
}

// invalidRequest collects every field problem found in one request.
type invalidRequest []fieldError

func (e invalidRequest) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return strings.Join(parts, "; ")
}

func invalidField(field, message string) invalidRequest {
	return invalidRequest{{Field: field, Message: message}}
}

// renderError writes err as a {"detail": ...} body. Unknown errors are
// logged and reported as a bare 500.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr    *license.ValidationError
		invalid invalidRequest
	)
	status, body := http.StatusInternalServerError, errorResponse{Detail: "Internal server error"}
	switch {
	case xerrors.Is(err, license.ErrNotFoundOrInactive):
		status, body.Detail = http.StatusNotFound, "Invalid or inactive license"
	case xerrors.Is(err, license.ErrExpired):
		status, body.Detail = http.StatusForbidden, "License has expired"
	case xerrors.Is(err, license.ErrIPNotAllowed):
		status, body.Detail = http.StatusForbidden, "IP address not allowed for this license"
	case xerrors.Is(err, store.ErrNotFound):
		status, body.Detail = http.StatusNotFound, "License not found"
	case xerrors.Is(err, errUnauthenticated):
		status, body.Detail = http.StatusUnauthorized, "Not authenticated"
		w.Header().Set("WWW-Authenticate", "Bearer")
	case xerrors.As(err, &verr):
		status, body.Detail = http.StatusUnprocessableEntity, verr.Error()
		body.Errors = []fieldError{{Field: verr.Field, Message: verr.Message}}
	case xerrors.As(err, &invalid):
		status, body.Detail = http.StatusUnprocessableEntity, invalid.Error()
		body.Errors = invalid
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}
