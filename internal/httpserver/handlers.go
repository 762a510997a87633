package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ndajr/shorturls/internal/core"
	"github.com/ndajr/shorturls/internal/shortener"
)

const healthTimeout = 2 * time.Second

type createResponse struct {
	Shortcode string    `json:"shortcode"`
	ShortLink string    `json:"shortLink"`
	Expiry    time.Time `json:"expiry"`
	QRCode    string    `json:"qrCode,omitempty"`
}

func (rt router) createShortURL(w http.ResponseWriter, r *http.Request) error {
	body, _ := r.Context().Value(createBodyKey{}).(createBody)

	m, err := rt.Service.CreateShortURL(r.Context(), body.request())
	if err != nil {
		return err
	}

	resp := createResponse{
		Shortcode: m.Shortcode,
		ShortLink: rt.Service.ShortLink(m.Shortcode),
		Expiry:    m.ExpiresAt,
	}
	if body.QR {
		if resp.QRCode, err = shortener.QRCode(resp.ShortLink); err != nil {
			return err
		}
	}

	rt.RequestLog.Info(service, "controller", "Short URL created: "+m.Shortcode)
	rt.writeJSON(w, http.StatusCreated, resp)
	return nil
}

func (rt router) getURLStatistics(w http.ResponseWriter, r *http.Request) error {
	stats, err := rt.Service.GetURLStatistics(r.Context(), chi.URLParam(r, "shortcode"))
	if err != nil {
		return err
	}
	if stats.Clicks == nil {
		stats.Clicks = []core.Click{}
	}
	rt.writeJSON(w, http.StatusOK, stats)
	return nil
}

func (rt router) redirect(w http.ResponseWriter, r *http.Request) error {
	shortcode := chi.URLParam(r, "shortcode")
	originalURL, err := rt.Service.RedirectToOriginalURL(r.Context(), shortcode, shortener.Visit{
		Referrer: r.Referer(),
		IP:       clientIP(r),
	})
	if err != nil {
		return err
	}

	rt.RequestLog.Info(service, "controller", "Redirecting "+shortcode+" to "+originalURL)
	http.Redirect(w, r, originalURL, http.StatusFound)
	return nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (rt router) health(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	for name, c := range rt.Checks {
		if err := c.Ping(ctx); err != nil {
			if resp.Checks == nil {
				resp.Checks = map[string]string{}
			}
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	rt.writeJSON(w, status, resp)
	return nil
}

func (rt router) swagger(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(rt.SwaggerJSON); err != nil {
		rt.Logger.Error("failed to respond with swagger.json content", "error", err)
	}
}
