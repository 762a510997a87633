// Package shortener creates short links, resolves them and reports their usage.
package shortener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ndajr/shorturls/internal/cachestore"
	"github.com/ndajr/shorturls/internal/core"
	"github.com/ndajr/shorturls/internal/datastore"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound       = datastore.ErrURLNotFound
	ErrShortcodeTaken = datastore.ErrShortcodeTaken
	ErrFailedToAddURL = datastore.ErrFailedToAddURL
	ErrExpired        = errors.New("short link expired")
)

// ValidationError reports a request the service refuses to process.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

const (
	// maxRetries is the number of times to retry generating a unique shortcode.
	maxRetries = 5
	// DefaultValidity applies when a request carries no validity.
	DefaultValidity = 30 * time.Minute
	// MaxValidity is the longest lifetime a request may ask for.
	MaxValidity = 365 * 24 * time.Hour
	// cacheWriteTimeout bounds the background cache fill after a miss.
	cacheWriteTimeout = 2 * time.Second
)

// Cache is the read-through cache in front of the store.
type Cache interface {
	GetMapping(ctx context.Context, shortcode string) (core.Mapping, error)
	SetMapping(ctx context.Context, m core.Mapping) error
	Delete(ctx context.Context, shortcode string) error
}

// CreateRequest describes a new short link. Validity is in minutes; zero
// means DefaultValidity. An empty Shortcode asks for a generated one.
type CreateRequest struct {
	URL       string
	Shortcode string
	Validity  int
}

// Visit carries what is known about the client following a short link.
type Visit struct {
	Referrer string
	IP       string
}

type Service struct {
	store           datastore.Store
	cache           Cache
	logger          *slog.Logger
	group           singleflight.Group
	now             func() time.Time
	baseURL         string
	defaultValidity time.Duration
}

type Option func(*Service)

// WithCache puts c in front of the store for redirects.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithDefaultValidity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultValidity = d
		}
	}
}

func New(logger *slog.Logger, store datastore.Store, opts ...Option) *Service {
	s := &Service{
		store:           store,
		logger:          logger,
		now:             time.Now,
		baseURL:         "http://localhost:3000",
		defaultValidity: DefaultValidity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShortLink returns the public URL of shortcode.
func (s *Service) ShortLink(shortcode string) string {
	return s.baseURL + "/" + shortcode
}

// Validate checks req without touching the store.
func Validate(req CreateRequest) error {
	u := strings.TrimSpace(req.URL)
	switch {
	case u == "":
		return ValidationError{Reason: "url is required"}
	case len(u) > core.MaxURLLength:
		return ValidationError{Reason: fmt.Sprintf("url exceeds maximum length of %d characters", core.MaxURLLength)}
	case !core.IsValidURL(u):
		return ValidationError{Reason: "url must be an absolute http or https URL"}
	case req.Validity < 0:
		return ValidationError{Reason: "validity must be a positive number of minutes"}
	case req.Validity > int(MaxValidity/time.Minute):
		return ValidationError{Reason: fmt.Sprintf("validity exceeds maximum of %d minutes", int(MaxValidity/time.Minute))}
	case core.IsReservedShortcode(req.Shortcode):
		return ValidationError{Reason: fmt.Sprintf("shortcode %q is reserved", req.Shortcode)}
	case req.Shortcode != "" && !core.IsValidShortcode(req.Shortcode):
		return ValidationError{Reason: "shortcode must be 4 to 20 alphanumeric characters"}
	}
	return nil
}

// CreateShortURL stores a new mapping. Generated shortcodes are retried on
// collision; a taken custom shortcode fails with ErrShortcodeTaken.
func (s *Service) CreateShortURL(ctx context.Context, req CreateRequest) (core.Mapping, error) {
	if err := Validate(req); err != nil {
		return core.Mapping{}, err
	}

	validity := s.defaultValidity
	if req.Validity > 0 {
		validity = time.Duration(req.Validity) * time.Minute
	}
	now := s.now().UTC()
	m := core.Mapping{
		ID:          uuid.New(),
		Shortcode:   req.Shortcode,
		OriginalURL: strings.TrimSpace(req.URL),
		CreatedAt:   now,
		ExpiresAt:   now.Add(validity),
	}

	if m.Shortcode != "" {
		out, err := s.store.AddURL(ctx, m)
		if err != nil {
			return core.Mapping{}, fmt.Errorf("shortener: %w", err)
		}
		return out, nil
	}

	for range maxRetries {
		code, err := core.GenerateShortcode(core.DefaultShortcodeLength)
		if err != nil {
			return core.Mapping{}, fmt.Errorf("shortener: %w", err)
		}
		if core.IsReservedShortcode(code) {
			continue
		}
		m.Shortcode = code

		out, err := s.store.AddURL(ctx, m)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrShortcodeTaken) {
			return core.Mapping{}, fmt.Errorf("shortener: %w", err)
		}
		s.logger.Info("collision detected, generating a new shortcode", "shortcode", code)
	}

	return core.Mapping{}, fmt.Errorf("shortener: %w", ErrFailedToAddURL)
}

// GetURLStatistics returns the mapping and its clicks.
func (s *Service) GetURLStatistics(ctx context.Context, shortcode string) (core.Stats, error) {
	stats, err := s.store.Stats(ctx, shortcode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return core.Stats{}, ErrNotFound
		}
		return core.Stats{}, fmt.Errorf("shortener: %w", err)
	}
	return stats, nil
}

// RedirectToOriginalURL resolves shortcode and records the visit.
func (s *Service) RedirectToOriginalURL(ctx context.Context, shortcode string, v Visit) (string, error) {
	m, err := s.lookup(ctx, shortcode)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	if m.Expired(now) {
		s.evict(ctx, shortcode)
		return "", ErrExpired
	}

	click := core.Click{
		Timestamp: now,
		Referrer:  v.Referrer,
		Location:  core.LocationFromIP(v.IP),
	}
	if err := s.store.RecordClick(ctx, shortcode, click); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("shortener: %w", err)
	}
	return m.OriginalURL, nil
}

func (s *Service) lookup(ctx context.Context, shortcode string) (core.Mapping, error) {
	if s.cache != nil {
		m, err := s.cache.GetMapping(ctx, shortcode)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, cachestore.ErrMiss) {
			s.logger.Warn("cache lookup failed, falling back to database", "shortcode", shortcode, "error", err)
		}
	}

	v, err, _ := s.group.Do(shortcode, func() (any, error) {
		return s.store.GetURL(ctx, shortcode)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return core.Mapping{}, ErrNotFound
		}
		s.logger.Error("failed to read url from db", "shortcode", shortcode, "error", err)
		return core.Mapping{}, fmt.Errorf("shortener: %w", err)
	}
	m := v.(core.Mapping)

	if s.cache != nil {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
			defer cancel()
			if err := s.cache.SetMapping(bgCtx, m); err != nil {
				s.logger.Error("failed to update cache in background", "shortcode", shortcode, "error", err)
			}
		}()
	}
	return m, nil
}

// evict drops shortcode from the cache. Reads refresh the cache TTL, so an
// expired mapping can outlive its expiry there until it is evicted.
func (s *Service) evict(ctx context.Context, shortcode string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, shortcode); err != nil {
		s.logger.Warn("failed to evict expired link from cache", "shortcode", shortcode, "error", err)
	}
}
