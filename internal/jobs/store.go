// Package jobs holds the in-memory store behind async job tokens.
//
// The store lives in the memory of one serving process. Running several instances
// behind a load balancer without sticky routing breaks polling: a poll can land on an
// instance that never saw the submit and will answer "not found".
package jobs

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/kiranshivaraju/imagetagger/pkg/models"
)

const (
	DefaultCapacity = 1000
	DefaultTTL      = 600 * time.Second
)

var (
	ErrNotFound          = errors.New("job not found or expired")
	ErrAlreadyFinished   = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store maps tokens to job records. Entries expire a fixed TTL after insertion and
// the oldest-inserted entries are evicted once capacity is reached. Expiry is lazy:
// it runs on Put, Get, Complete and Len, never in the background.
// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = oldest insertion
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

type entry struct {
	token      string
	job        models.Job
	insertedAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity overrides DefaultCapacity. Non-positive values are ignored.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put inserts or overwrites the record for token. An overwrite keeps the entry's
// original insertion time, so it does not extend its lifetime.
func (s *Store) Put(token string, job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	if el, ok := s.entries[token]; ok {
		el.Value.(*entry).job = job
		return
	}

	for s.order.Len() >= s.capacity {
		s.removeLocked(s.order.Front())
	}
	s.entries[token] = s.order.PushBack(&entry{token: token, job: job, insertedAt: now})
}

// Get returns the record for token, or false if it is unknown or expired.
func (s *Store) Get(token string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(s.now())

	el, ok := s.entries[token]
	if !ok {
		return models.Job{}, false
	}
	return copyJob(el.Value.(*entry).job), true
}

// Complete moves a pending record to its terminal state. It never re-creates an
// entry that was evicted or expired while the job was running.
func (s *Store) Complete(token string, job models.Job) error {
	if !job.Terminal() {
		return ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(s.now())

	el, ok := s.entries[token]
	if !ok {
		return ErrNotFound
	}
	e := el.Value.(*entry)
	if e.job.Terminal() {
		return ErrAlreadyFinished
	}
	e.job = job
	return nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(s.now())
	return s.order.Len()
}

// expireLocked drops expired entries. Insertion order equals expiry order because
// the TTL is fixed, so only the front of the queue needs checking.
func (s *Store) expireLocked(now time.Time) {
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if now.Sub(el.Value.(*entry).insertedAt) < s.ttl {
			return
		}
		s.removeLocked(el)
	}
}

func (s *Store) removeLocked(el *list.Element) {
	e := s.order.Remove(el).(*entry)
	delete(s.entries, e.token)
}

func copyJob(j models.Job) models.Job {
	if j.Tags != nil {
		j.Tags = append([]models.Tag(nil), j.Tags...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}
