package shortener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ndajr/shorturls/internal/cachestore"
	"github.com/ndajr/shorturls/internal/core"
	"github.com/ndajr/shorturls/internal/datastore"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collidingStore reports the first n inserts as collisions.
type collidingStore struct {
	*datastore.MemoryStore
	collisions int
	attempts   int
}

func (s *collidingStore) AddURL(ctx context.Context, m core.Mapping) (core.Mapping, error) {
	s.attempts++
	if s.attempts <= s.collisions {
		return core.Mapping{}, datastore.ErrShortcodeTaken
	}
	return s.MemoryStore.AddURL(ctx, m)
}

// countingStore counts GetURL calls.
type countingStore struct {
	*datastore.MemoryStore
	gets atomic.Int64
}

func (s *countingStore) GetURL(ctx context.Context, code string) (core.Mapping, error) {
	s.gets.Add(1)
	return s.MemoryStore.GetURL(ctx, code)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]core.Mapping
	sets    chan core.Mapping
	deletes []string
	err     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]core.Mapping{}, sets: make(chan core.Mapping, 8)}
}

func (c *fakeCache) GetMapping(_ context.Context, code string) (core.Mapping, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return core.Mapping{}, c.err
	}
	m, ok := c.entries[code]
	if !ok {
		return core.Mapping{}, cachestore.ErrMiss
	}
	return m, nil
}

func (c *fakeCache) SetMapping(_ context.Context, m core.Mapping) error {
	c.mu.Lock()
	c.entries[m.Shortcode] = m
	c.mu.Unlock()
	c.sets <- m
	return nil
}

func (c *fakeCache) Delete(_ context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, code)
	c.deletes = append(c.deletes, code)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr bool
	}{
		{name: "valid", req: CreateRequest{URL: "https://example.com"}},
		{name: "valid with options", req: CreateRequest{URL: "http://example.com/x", Shortcode: "promo1", Validity: 5}},
		{name: "empty url", req: CreateRequest{}, wantErr: true},
		{name: "blank url", req: CreateRequest{URL: "   "}, wantErr: true},
		{name: "not a url", req: CreateRequest{URL: "not-a-url"}, wantErr: true},
		{name: "ftp", req: CreateRequest{URL: "ftp://x.com"}, wantErr: true},
		{name: "too long", req: CreateRequest{URL: "https://" + strings.Repeat("a", core.MaxURLLength)}, wantErr: true},
		{name: "negative validity", req: CreateRequest{URL: "https://example.com", Validity: -1}, wantErr: true},
		{name: "bad shortcode", req: CreateRequest{URL: "https://example.com", Shortcode: "a-b"}, wantErr: true},
		{name: "max validity", req: CreateRequest{URL: "https://example.com", Validity: int(MaxValidity / time.Minute)}},
		{name: "validity over max", req: CreateRequest{URL: "https://example.com", Validity: int(MaxValidity/time.Minute) + 1}, wantErr: true},
		{name: "validity overflowing duration", req: CreateRequest{URL: "https://example.com", Validity: 200000000}, wantErr: true},
		{name: "reserved health", req: CreateRequest{URL: "https://example.com", Shortcode: "health"}, wantErr: true},
		{name: "reserved shorturls", req: CreateRequest{URL: "https://example.com", Shortcode: "shorturls"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Reason)
		})
	}
}

func TestCreateShortURL(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	t.Run("generated shortcode with default validity", func(t *testing.T) {
		svc := New(testLogger(), datastore.NewMemoryStore(), WithClock(clk.Now))
		m, err := svc.CreateShortURL(ctx, CreateRequest{URL: " https://example.com "})
		require.NoError(t, err)
		require.Len(t, m.Shortcode, core.DefaultShortcodeLength)
		require.Equal(t, "https://example.com", m.OriginalURL)
		require.Equal(t, clk.Now(), m.CreatedAt)
		require.Equal(t, clk.Now().Add(DefaultValidity), m.ExpiresAt)
	})

	t.Run("custom shortcode and validity", func(t *testing.T) {
		svc := New(testLogger(), datastore.NewMemoryStore(), WithClock(clk.Now))
		m, err := svc.CreateShortURL(ctx, CreateRequest{URL: "https://example.com", Shortcode: "promo1", Validity: 90})
		require.NoError(t, err)
		require.Equal(t, "promo1", m.Shortcode)
		require.Equal(t, clk.Now().Add(90*time.Minute), m.ExpiresAt)

		_, err = svc.CreateShortURL(ctx, CreateRequest{URL: "https://other.example", Shortcode: "promo1"})
		require.ErrorIs(t, err, ErrShortcodeTaken)
	})

	t.Run("configured default validity", func(t *testing.T) {
		svc := New(testLogger(), datastore.NewMemoryStore(), WithClock(clk.Now), WithDefaultValidity(time.Hour))
		m, err := svc.CreateShortURL(ctx, CreateRequest{URL: "https://example.com"})
		require.NoError(t, err)
		require.Equal(t, clk.Now().Add(time.Hour), m.ExpiresAt)
	})

	t.Run("retries on collision", func(t *testing.T) {
		store := &collidingStore{MemoryStore: datastore.NewMemoryStore(), collisions: maxRetries - 1}
		svc := New(testLogger(), store)
		_, err := svc.CreateShortURL(ctx, CreateRequest{URL: "https://example.com"})
		require.NoError(t, err)
		require.Equal(t, maxRetries, store.attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		store := &collidingStore{MemoryStore: datastore.NewMemoryStore(), collisions: maxRetries}
		svc := New(testLogger(), store)
		_, err := svc.CreateShortURL(ctx, CreateRequest{URL: "https://example.com"})
		require.ErrorIs(t, err, ErrFailedToAddURL)
		require.Equal(t, maxRetries, store.attempts)
	})

	t.Run("validation error", func(t *testing.T) {
		svc := New(testLogger(), datastore.NewMemoryStore())
		_, err := svc.CreateShortURL(ctx, CreateRequest{URL: "not-a-url"})
		var verr ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestRedirectToOriginalURL(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(testLogger(), datastore.NewMemoryStore(), WithClock(clk.Now))

	m, err := svc.CreateShortURL(ctx, CreateRequest{URL: "https://example.com", Validity: 1})
	require.NoError(t, err)

	url, err := svc.RedirectToOriginalURL(ctx, m.Shortcode, Visit{Referrer: "https://ref.example", IP: "198.51.100.4"})
	require.NoError(t, err)
	require.Equal(t, "https://example.com", url)

	stats, err := svc.GetURLStatistics(ctx, m.Shortcode)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalClicks)
	require.Equal(t, "https://ref.example", stats.Clicks[0].Referrer)
	require.NotEmpty(t, stats.Clicks[0].Location)
	require.Equal(t, clk.Now(), stats.Clicks[0].Timestamp)

	_, err = svc.RedirectToOriginalURL(ctx, "missing", Visit{})
	require.ErrorIs(t, err, ErrNotFound)

	clk.Advance(time.Minute)
	_, err = svc.RedirectToOriginalURL(ctx, m.Shortcode, Visit{})
	require.ErrorIs(t, err, ErrExpired)

	stats, err = svc.GetURLStatistics(ctx, m.Shortcode)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalClicks)

	_, err = svc.GetURLStatistics(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedirectUsesCache(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: datastore.NewMemoryStore()}
	cache := newFakeCache()
	svc := New(testLogger(), store, WithCache(cache))

	m, err := svc.CreateShortURL(ctx, CreateRequest{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = svc.RedirectToOriginalURL(ctx, m.Shortcode, Visit{})
	require.NoError(t, err)
	select {
	case cached := <-cache.sets:
		require.Equal(t, m.Shortcode, cached.Shortcode)
	case <-time.After(time.Second):
		t.Fatal("cache was not filled after a miss")
	}

	_, err = svc.RedirectToOriginalURL(ctx, m.Shortcode, Visit{})
	require.NoError(t, err)
	require.Equal(t, int64(1), store.gets.Load())

	stats, err := svc.GetURLStatistics(ctx, m.Shortcode)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalClicks)
}

func TestRedirectEvictsExpiredCacheEntry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cache := newFakeCache()
	svc := New(testLogger(), datastore.NewMemoryStore(), WithCache(cache), WithClock(clk.Now))

	m, err := svc.CreateShortURL(ctx, CreateRequest{URL: "https://example.com", Validity: 1})
	require.NoError(t, err)
	require.NoError(t, cache.SetMapping(ctx, m))
	<-cache.sets

	clk.Advance(2 * time.Minute)
	_, err = svc.RedirectToOriginalURL(ctx, m.Shortcode, Visit{})
	require.ErrorIs(t, err, ErrExpired)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	require.Equal(t, []string{m.Shortcode}, cache.deletes)
	require.NotContains(t, cache.entries, m.Shortcode)
}

func TestRedirectFallsBackWhenCacheFails(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	cache.err = errors.New("connection refused")
	svc := New(testLogger(), datastore.NewMemoryStore(), WithCache(cache))

	m, err := svc.CreateShortURL(ctx, CreateRequest{URL: "https://example.com"})
	require.NoError(t, err)

	url, err := svc.RedirectToOriginalURL(ctx, m.Shortcode, Visit{})
	require.NoError(t, err)
	require.Equal(t, "https://example.com", url)
}

func TestShortLink(t *testing.T) {
	svc := New(testLogger(), datastore.NewMemoryStore(), WithBaseURL("https://sho.rt/"))
	require.Equal(t, "https://sho.rt/abc123", svc.ShortLink("abc123"))
}

func TestQRCode(t *testing.T) {
	png, err := QRCode("https://sho.rt/abc123")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(png, "data:image/png;base64,"))
}
