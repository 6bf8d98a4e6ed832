// Package model selects the tagging backend the server runs on.
package model

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/imagetagger/internal/config"
	"github.com/kiranshivaraju/imagetagger/internal/model/mock"
	"github.com/kiranshivaraju/imagetagger/internal/worker"
	"github.com/kiranshivaraju/imagetagger/pkg/models"
)

// Backend is a Tagger with a lifecycle. Start must succeed before Tag is
// called; Close releases whatever Start acquired.
type Backend interface {
	models.Tagger
	Start(ctx context.Context) error
	Close() error
}

// NewBackend constructs the backend named in cfg.Backend.
// Called once at server startup.
func NewBackend(cfg config.WorkerConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendProcess:
		return worker.NewPool(worker.Config{
			Command: cfg.Command,
			Count:   cfg.Count,
			Settings: worker.Settings{
				ModelDir:  cfg.ModelDir,
				Threshold: cfg.ScoreThreshold,
			},
			StartupTimeout: cfg.StartupTimeout,
		}), nil
	case config.BackendDigest:
		return inProcess{Tagger: mock.NewDigestTagger(cfg.ScoreThreshold)}, nil
	default:
		return nil, fmt.Errorf("unknown tagger backend %q: must be one of %s, %s",
			cfg.Backend, config.BackendProcess, config.BackendDigest)
	}
}

// inProcess runs a tagger on the caller's goroutine. There is nothing to start or stop.
type inProcess struct {
	models.Tagger
}

func (inProcess) Start(context.Context) error { return nil }
func (inProcess) Close() error                { return nil }
