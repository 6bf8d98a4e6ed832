// Package worker runs the tagging model in a fixed pool of OS processes.
//
// Inference is CPU/GPU bound and the model handle is not reentrant, so every worker is
// a separate process that loads the model once and then serves one request at a time
// over a JSON-lines protocol on stdin/stdout. A crash inside the model runtime kills
// only that process; the pool fails the task in flight and respawns the slot.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/kiranshivaraju/imagetagger/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize      = 100
	defaultStartupTimeout = 2 * time.Minute
	defaultStopTimeout    = 5 * time.Second
)

var (
	ErrPoolClosed        = errors.New("worker pool closed")
	ErrWorkerCrashed     = errors.New("worker crashed")
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// InferenceError is a failure reported by the model itself, as opposed to a failure
// of the worker process.
type InferenceError struct {
	Message string
}

func (e *InferenceError) Error() string { return e.Message }

// Config describes how to launch worker processes.
type Config struct {
	Command        []string
	Count          int
	Settings       Settings
	QueueSize      int
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	// Env, when set, replaces the environment of worker processes.
	Env []string
}

type task struct {
	image  []byte
	result chan<- taskResult
}

type taskResult struct {
	tags []models.Tag
	err  error
}

// Pool implements models.Tagger on top of worker processes.
// Tasks are served in FIFO order by whichever worker frees up first.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	tasks  chan task
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a Pool. Call Start before submitting work.
func NewPool(cfg Config) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Pool{
		cfg:    cfg,
		logger: slog.Default().With("component", "worker_pool"),
		tasks:  make(chan task, cfg.QueueSize),
	}
}

func (p *Pool) Name() string { return "process-pool" }

// Start launches all worker processes in parallel and waits until each one reports
// ready. If any worker fails to start, the ones already running are stopped.
func (p *Pool) Start(ctx context.Context) error {
	if len(p.cfg.Command) == 0 {
		return fmt.Errorf("worker command is empty")
	}

	procs := make([]*process, p.cfg.Count)
	g, gctx := errgroup.WithContext(ctx)
	for i := range procs {
		g.Go(func() error {
			proc, err := p.spawn(gctx, i)
			if err != nil {
				return fmt.Errorf("start worker %d: %w", i, err)
			}
			procs[i] = proc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, proc := range procs {
			if proc != nil {
				proc.stop(p.cfg.StopTimeout)
			}
		}
		return err
	}

	for i, proc := range procs {
		p.wg.Add(1)
		go p.run(i, proc)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Count, "command", p.cfg.Command[0])
	return nil
}

// Tag queues image for inference and waits for the result or ctx. When ctx ends first
// the task stays queued and its worker still runs it to completion; the result is
// discarded. Process failures come back as ErrWorkerCrashed or ErrWorkerUnavailable
// without the underlying cause, which is logged instead.
func (p *Pool) Tag(ctx context.Context, image []byte) ([]models.Tag, error) {
	result := make(chan taskResult, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.tasks <- task{image: image, result: result}:
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case res := <-result:
		return res.tags, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting tasks, lets the workers drain the queue and then stops every
// worker process.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) run(id int, proc *process) {
	defer p.wg.Done()
	defer func() {
		if proc != nil {
			proc.stop(p.cfg.StopTimeout)
		}
	}()

	for t := range p.tasks {
		if proc == nil {
			var err error
			proc, err = p.spawn(context.Background(), id)
			if err != nil {
				p.logger.Error("worker restart failed", "worker", id, "error", err)
				t.result <- taskResult{err: ErrWorkerUnavailable}
				continue
			}
			p.logger.Info("worker restarted", "worker", id)
		}

		tags, err := proc.infer(t.image)
		if err != nil {
			var inferErr *InferenceError
			if !errors.As(err, &inferErr) {
				p.logger.Error("worker process failed", "worker", id, "error", err)
				proc.stop(p.cfg.StopTimeout)
				proc = nil
				err = ErrWorkerCrashed
			}
		}
		t.result <- taskResult{tags: tags, err: err}
	}
}

// process is one running worker. It is owned by a single run goroutine.
type process struct {
	id     int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func (p *Pool) spawn(ctx context.Context, id int) (*process, error) {
	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	if p.cfg.Env != nil {
		cmd.Env = p.cfg.Env
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	proc := &process{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}

	if err := proc.handshake(ctx, p.cfg.Settings, p.cfg.StartupTimeout); err != nil {
		proc.kill()
		return nil, err
	}
	p.logger.Debug("worker ready", "worker", id, "pid", cmd.Process.Pid)
	return proc, nil
}

func (w *process) handshake(ctx context.Context, settings Settings, timeout time.Duration) error {
	if err := w.send(settings); err != nil {
		return fmt.Errorf("send settings: %w", err)
	}

	type readResult struct {
		msg readyMessage
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		var msg readyMessage
		err := w.receive(&msg)
		ch <- readResult{msg: msg, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("read ready message: %w", res.err)
		}
		if res.msg.Status != statusReady {
			return fmt.Errorf("unexpected startup status %q: %s", res.msg.Status, res.msg.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("worker not ready after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *process) infer(image []byte) ([]models.Tag, error) {
	if err := w.send(Request{Image: image}); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	var resp Response
	if err := w.receive(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return nil, &InferenceError{Message: resp.Error}
	}
	return models.ClampScores(resp.Tags), nil
}

func (w *process) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.stdin.Write(append(b, '\n'))
	return err
}

func (w *process) receive(v any) error {
	line, err := w.stdout.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// stop closes stdin so the worker can exit on EOF, and kills it if it has not exited
// within grace.
func (w *process) stop(grace time.Duration) {
	w.stdin.Close()

	done := make(chan struct{})
	go func() {
		_ = w.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		_ = w.cmd.Process.Kill()
		<-done
	}
}

func (w *process) kill() {
	w.stdin.Close()
	_ = w.cmd.Process.Kill()
	_ = w.cmd.Wait()
}

var _ models.Tagger = (*Pool)(nil)
