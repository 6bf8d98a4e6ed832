package model_test

import (
	"context"
	"testing"

	"github.com/kiranshivaraju/imagetagger/internal/config"
	"github.com/kiranshivaraju/imagetagger/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackend_Process(t *testing.T) {
	b, err := model.NewBackend(config.WorkerConfig{
		Backend: config.BackendProcess,
		Command: []string{"fakeworker"},
		Count:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, "process-pool", b.Name())
	assert.NoError(t, b.Close())
}

func TestNewBackend_Digest(t *testing.T) {
	b, err := model.NewBackend(config.WorkerConfig{
		Backend:        config.BackendDigest,
		ScoreThreshold: 0,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	first, err := b.Tag(context.Background(), []byte("image"))
	require.NoError(t, err)
	second, err := b.Tag(context.Background(), []byte("image"))
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := model.NewBackend(config.WorkerConfig{Backend: "onnx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tagger backend")
	assert.Contains(t, err.Error(), "onnx")
}

func TestNewBackend_Empty(t *testing.T) {
	_, err := model.NewBackend(config.WorkerConfig{})
	assert.Error(t, err)
}
