// Package scheduler turns uploaded images into inference calls. Sync callers
// wait for the tags; async callers get a token right away and the result is
// written to the job store when the worker answers.
package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagetagger/pkg/models"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

const DefaultTimeout = 120 * time.Second

var (
	ErrInferenceTimeout = errors.New("inference timed out")
	ErrClosed           = errors.New("scheduler is shutting down")
)

// JobStore is the subset of *jobs.Store the scheduler writes to.
type JobStore interface {
	Put(token string, job models.Job)
	Complete(token string, job models.Job) error
}

// Recorder receives one entry per finished job.
type Recorder interface {
	Record(ctx context.Context, entry models.HistoryEntry) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, models.HistoryEntry) error { return nil }

// Scheduler dispatches images to a tagger and writes async results back to a JobStore.
type Scheduler struct {
	tagger   models.Tagger
	jobs     JobStore
	recorder Recorder
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	draining  bool
	inflight  sync.WaitGroup
	recording sync.WaitGroup
}

type Option func(*Scheduler)

// WithRecorder sets where finished jobs are recorded. Defaults to a no-op.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithTimeout bounds how long SubmitSync waits for a result.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(tagger models.Tagger, jobs JobStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		tagger:   tagger,
		jobs:     jobs,
		recorder: nopRecorder{},
		timeout:  DefaultTimeout,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitAsync stores a pending job under a new token, dispatches inference in
// the background and returns the token without waiting.
func (s *Scheduler) SubmitAsync(ctx context.Context, image []byte) (string, error) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	token := uuid.NewString()
	created := s.now()
	s.jobs.Put(token, models.NewPendingJob(token, created))

	go s.runAsync(token, image, created)

	return token, nil
}

// runAsync performs inference for an async job. It recovers from panics and
// always marks the job as succeeded or failed.
func (s *Scheduler) runAsync(token string, image []byte, created time.Time) {
	defer s.inflight.Done()

	pending := models.NewPendingJob(token, created)
	digest := imageDigest(image)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in async job", "error", r, "token", token)
			s.finish(models.ModeAsync, pending.Fail(fmt.Sprintf("panic: %v", r), s.now()), digest, len(image))
		}
	}()

	tags, err := s.dispatch(context.Background(), digest, image)
	var job models.Job
	if err != nil {
		job = pending.Fail(err.Error(), s.now())
	} else {
		job = pending.Succeed(tags, s.now())
	}
	s.finish(models.ModeAsync, job, digest, len(image))
}

// SubmitSync runs inference and waits for the result, for at most the
// configured timeout. The worker task keeps running after a timeout.
func (s *Scheduler) SubmitSync(ctx context.Context, image []byte) ([]models.Tag, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pending := models.NewPendingJob(uuid.NewString(), s.now())
	digest := imageDigest(image)

	tags, err := s.dispatch(ctx, digest, image)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrInferenceTimeout, s.timeout)
		}
		s.finish(models.ModeSync, pending.Fail(err.Error(), s.now()), digest, len(image))
		return nil, err
	}

	s.finish(models.ModeSync, pending.Succeed(tags, s.now()), digest, len(image))
	return tags, nil
}

// Wait blocks until every async job has written its result and every pending
// history write has returned, or ctx is done. New async submissions are refused
// once Wait has been called. Call it after the HTTP server has stopped so no
// sync request is still finishing.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		s.recording.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for async jobs: %w", ctx.Err())
	}
}

// dispatch runs the tagger once per distinct image among concurrent callers.
// The shared call is detached from ctx: a caller giving up does not cancel it.
func (s *Scheduler) dispatch(ctx context.Context, digest string, image []byte) ([]models.Tag, error) {
	ch := s.group.DoChan(digest, func() (any, error) {
		return s.tagSafely(image)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.([]models.Tag)
		tags := make([]models.Tag, len(shared))
		copy(tags, shared)
		return tags, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) tagSafely(image []byte) (tags []models.Tag, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in tagger", "error", r, "tagger", s.tagger.Name())
			tags, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	tags, err = s.tagger.Tag(context.Background(), image)
	if err != nil {
		return nil, err
	}
	if tags == nil {
		tags = []models.Tag{}
	}
	return models.ClampScores(tags), nil
}

// finish writes an async result back to the store and records the outcome.
// Sync history is written in the background so the response does not wait on it.
func (s *Scheduler) finish(mode string, job models.Job, digest string, size int) {
	entry := historyEntry(mode, job, digest, size)

	if mode == models.ModeAsync {
		if err := s.jobs.Complete(job.Token, job); err != nil {
			s.logger.Warn("dropping async result", "token", job.Token, "error", err)
		}
		s.record(entry)
	} else {
		s.recording.Add(1)
		go func() {
			defer s.recording.Done()
			s.record(entry)
		}()
	}

	s.logger.Info("job finished",
		"token", job.Token,
		"mode", mode,
		"status", job.Status,
		"tags", len(job.Tags),
		"duration_ms", entry.DurationMS,
	)
}

func (s *Scheduler) record(entry models.HistoryEntry) {
	if err := s.recorder.Record(context.Background(), entry); err != nil {
		s.logger.Warn("recording job history", "token", entry.Token, "error", err)
	}
}

func historyEntry(mode string, job models.Job, digest string, size int) models.HistoryEntry {
	completed := job.CreatedAt
	if job.CompletedAt != nil {
		completed = *job.CompletedAt
	}
	entry := models.HistoryEntry{
		Token:       job.Token,
		Mode:        mode,
		Status:      job.Status,
		TagCount:    len(job.Tags),
		ImageDigest: digest,
		ImageBytes:  size,
		DurationMS:  completed.Sub(job.CreatedAt).Milliseconds(),
		CreatedAt:   job.CreatedAt,
		CompletedAt: completed,
	}
	if job.Status == models.JobStatusFailed {
		msg := job.Error
		entry.ErrorMessage = &msg
	}
	return entry
}

func imageDigest(image []byte) string {
	sum := blake2b.Sum256(image)
	return hex.EncodeToString(sum[:])
}
