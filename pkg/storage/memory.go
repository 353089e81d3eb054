package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the latest prediction per metric in a map.
// It is safe for concurrent use by multiple goroutines.
//
// With a TTL, a background goroutine drops predictions whose publish time is older
// than the TTL; call Stop to end it.
type MemoryStore struct {
	mu          sync.RWMutex
	predictions map[string]Prediction
	ttl         time.Duration
	now         func() time.Time

	ticker   *time.Ticker
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an in-memory store with no expiry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		predictions: make(map[string]Prediction),
		now:         time.Now,
	}
}

// NewMemoryStoreWithTTL creates an in-memory store that evicts predictions older
// than ttl, checking every cleanupInterval (one minute when non-positive).
// A non-positive ttl yields a store with no expiry.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	s := NewMemoryStore()
	if ttl <= 0 {
		return s
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s.ttl = ttl
	s.ticker = time.NewTicker(cleanupInterval)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.runCleanup()
	return s
}

// Stop ends the cleanup goroutine. Safe to call more than once, and on stores
// without a TTL.
func (s *MemoryStore) Stop() {
	if s.ticker == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		s.ticker.Stop()
	})
}

func (s *MemoryStore) runCleanup() {
	defer close(s.done)
	for {
		select {
		case <-s.ticker.C:
			s.evictExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	for metric, p := range s.predictions {
		if p.PublishedAt.Before(cutoff) {
			delete(s.predictions, metric)
		}
	}
}

// Put replaces the stored prediction for p.Metric.
func (s *MemoryStore) Put(ctx context.Context, p Prediction) error {
	if err := validateMetric(p.Metric); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions[p.Metric] = p
	return nil
}

// GetLatest returns the stored prediction for metric, if any.
func (s *MemoryStore) GetLatest(ctx context.Context, metric string) (Prediction, bool, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.predictions[metric]
	return p, ok, nil
}

// Len returns the number of stored predictions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.predictions)
}

// Delete removes the prediction for metric and reports whether one existed.
func (s *MemoryStore) Delete(metric string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.predictions[metric]
	delete(s.predictions, metric)
	return ok
}
