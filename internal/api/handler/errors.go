package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/d9705996/logexpert/internal/api/jsonapi"
	"github.com/d9705996/logexpert/internal/errs"
)

// renderError maps a domain error onto a JSON:API error response.
func renderError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var (
		validation *errs.ValidationError
		conflict   *errs.ConcurrencyConflictError
		transition *errs.InvalidTransitionError
		signature  *errs.SignatureInvalidError
	)
	switch {
	case errors.As(err, &validation):
		jsonapi.RenderFieldError(w, http.StatusUnprocessableEntity, "validation_failed",
			"Unprocessable Entity", validation.Error(), "/data/attributes/"+validation.Field)
	case errors.Is(err, errs.ErrNotFound):
		jsonapi.RenderError(w, http.StatusNotFound, "not_found", "Not Found", "the resource does not exist")
	case errors.As(err, &conflict):
		jsonapi.RenderError(w, http.StatusConflict, "concurrency_conflict", "Conflict", conflict.Error())
	case errors.As(err, &transition):
		jsonapi.RenderError(w, http.StatusConflict, "invalid_transition", "Conflict", transition.Error())
	case errors.As(err, &signature):
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_signature", "Bad Request", "webhook signature could not be verified")
	default:
		log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "the request could not be completed")
	}
}

func renderBadBody(w http.ResponseWriter, err error) {
	jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be a JSON:API document: "+err.Error())
}

func renderBadParam(w http.ResponseWriter, param, detail string) {
	jsonapi.RenderErrors(w, http.StatusBadRequest, []jsonapi.ErrorObject{{
		Status: http.StatusText(http.StatusBadRequest),
		Code:   "invalid_parameter",
		Title:  "Bad Request",
		Detail: detail,
		Source: &jsonapi.ErrorSource{Parameter: param},
	}})
}
