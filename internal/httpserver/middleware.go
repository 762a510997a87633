package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/ndajr/shorturls/internal/shortener"
)

// maxBodyBytes caps the create request body.
const maxBodyBytes = 1 << 20

// requestLog records the start of every request and, once the handler has
// returned, the status and latency observed on the wrapped writer.
func (rt router) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		method, path := r.Method, r.URL.Path
		rt.RequestLog.Info(service, "middleware", fmt.Sprintf("%s %s - Request received", method, path))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rt.RequestLog.Info(service, "middleware", fmt.Sprintf("%s %s - Response sent (%d) in %dms",
				method, path, statusOf(ww), time.Since(start).Milliseconds()))
		}()
		next.ServeHTTP(ww, r)
	})
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

// recoverer turns a panic into the terminal 500 response.
func (rt router) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			rt.Logger.Error("recovered from panic", "path", r.URL.Path, "panic", rec,
				"request_id", middleware.GetReqID(r.Context()))
			rt.internalError(w, r, err)
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects clients that ran out of tokens.
func (rt router) rateLimit(next http.Handler) http.Handler {
	if rt.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := rt.Limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			rt.internalError(w, r, err)
			return
		}
		if !allowed {
			rt.writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:   "Too many requests",
				Message: "rate limit exceeded, please try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// createBody is the payload of POST /shorturls.
type createBody struct {
	URL       string `json:"url"`
	Shortcode string `json:"shortcode,omitempty"`
	Validity  *int   `json:"validity,omitempty"`
	QR        bool   `json:"qr,omitempty"`
}

func (b createBody) request() shortener.CreateRequest {
	req := shortener.CreateRequest{URL: b.URL, Shortcode: b.Shortcode}
	if b.Validity != nil {
		req.Validity = *b.Validity
	}
	return req
}

type createBodyKey struct{}

// validateCreate decodes and validates the create payload before the handler
// runs. The decoded body is passed on through the request context.
func (rt router) validateCreate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body createBody
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&body); err != nil {
			reason := "request body must be a JSON object"
			if errors.Is(err, io.EOF) {
				reason = "request body is required"
			}
			rt.validationFailed(w, r, reason)
			return
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			rt.validationFailed(w, r, "request body must be a single JSON object")
			return
		}
		if body.Validity != nil && *body.Validity <= 0 {
			rt.validationFailed(w, r, "validity must be a positive number of minutes")
			return
		}
		if err := shortener.Validate(body.request()); err != nil {
			rt.validationFailed(w, r, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), createBodyKey{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (rt router) validationFailed(w http.ResponseWriter, r *http.Request, reason string) {
	rt.RequestLog.Warn(service, "validation", fmt.Sprintf("%s %s - %s", r.Method, r.URL.Path, reason))
	rt.writeJSON(w, http.StatusBadRequest, errorBody{Error: "Validation failed", Message: reason})
}

// clientIP returns the caller address without its port. RealIP has already
// applied forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
