package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/ndajr/shorturls/internal/core"
)

type memoryRecord struct {
	mapping core.Mapping
	clicks  []core.Click
}

// MemoryStore keeps mappings in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) AddURL(_ context.Context, m core.Mapping) (core.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[m.Shortcode]; ok {
		return core.Mapping{}, ErrShortcodeTaken
	}
	s.records[m.Shortcode] = &memoryRecord{mapping: m}
	return m, nil
}

func (s *MemoryStore) GetURL(_ context.Context, shortcode string) (core.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[shortcode]
	if !ok {
		return core.Mapping{}, ErrURLNotFound
	}
	return r.mapping, nil
}

func (s *MemoryStore) RecordClick(_ context.Context, shortcode string, c core.Click) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[shortcode]
	if !ok {
		return ErrURLNotFound
	}
	r.clicks = append(r.clicks, c)
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, shortcode string) (core.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[shortcode]
	if !ok {
		return core.Stats{}, ErrURLNotFound
	}
	clicks := make([]core.Click, len(r.clicks))
	copy(clicks, r.clicks)
	return core.Stats{
		Mapping:     r.mapping,
		TotalClicks: int64(len(clicks)),
		Clicks:      clicks,
	}, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for code, r := range s.records {
		if r.mapping.Expired(before) {
			delete(s.records, code)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}
