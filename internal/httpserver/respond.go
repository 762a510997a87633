package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/ndajr/shorturls/internal/shortener"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var notFoundBody = errorBody{
	Error:   "Not found",
	Message: "The requested resource was not found",
}

// handlerFunc is an http.HandlerFunc that can fail.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts h, mapping its error to a response.
func (rt router) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			rt.writeError(w, r, err)
		}
	}
}

func (rt router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr shortener.ValidationError
	switch {
	case errors.As(err, &verr):
		rt.validationFailed(w, r, verr.Reason)
	case errors.Is(err, shortener.ErrNotFound):
		rt.RequestLog.Warn(service, "controller", fmt.Sprintf("%s %s - Shortcode not found", r.Method, r.URL.Path))
		rt.writeJSON(w, http.StatusNotFound, notFoundBody)
	case errors.Is(err, shortener.ErrExpired):
		rt.RequestLog.Warn(service, "controller", fmt.Sprintf("%s %s - Short link expired", r.Method, r.URL.Path))
		rt.writeJSON(w, http.StatusGone, errorBody{Error: "Gone", Message: "The short link has expired"})
	case errors.Is(err, shortener.ErrShortcodeTaken):
		rt.writeJSON(w, http.StatusConflict, errorBody{Error: "Conflict", Message: "The requested shortcode is already in use"})
	default:
		rt.internalError(w, r, err)
	}
}

// internalError is the terminal error handler.
func (rt router) internalError(w http.ResponseWriter, r *http.Request, err error) {
	rt.RequestLog.Error(service, "handler", fmt.Sprintf("Unhandled error: %s", err))
	rt.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()), "error", err)
	rt.writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:   "Internal server error",
		Message: err.Error(),
	})
}

func (rt router) notFound(w http.ResponseWriter, r *http.Request) {
	rt.RequestLog.Warn(service, "handler", fmt.Sprintf("404 - Route not found: %s %s", r.Method, r.URL.Path))
	rt.writeJSON(w, http.StatusNotFound, notFoundBody)
}

func (rt router) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.Logger.Error("failed to write json response", "error", err)
	}
}
