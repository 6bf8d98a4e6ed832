// Command fakeworker speaks the worker protocol on stdin/stdout with a
// deterministic tagger in place of a real model. Point WORKER_COMMAND at it
// to run the server without model weights.
package main

import (
	"log/slog"
	"os"

	"github.com/kiranshivaraju/imagetagger/internal/model/mock"
	"github.com/kiranshivaraju/imagetagger/internal/worker"
	"github.com/kiranshivaraju/imagetagger/pkg/models"
)

func main() {
	// stdout carries the protocol; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	err := worker.Serve(os.Stdin, os.Stdout, func(s worker.Settings) (models.Tagger, error) {
		slog.Info("fake model loaded", "model_dir", s.ModelDir, "threshold", s.Threshold)
		return mock.NewDigestTagger(s.Threshold), nil
	})
	if err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
