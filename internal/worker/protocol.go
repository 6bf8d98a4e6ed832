package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/kiranshivaraju/imagetagger/pkg/models"
)

// Settings is the first line the pool writes to every worker process. The worker loads
// its model once from these settings and then answers "ready".
type Settings struct {
	ModelDir  string  `json:"model_dir"`
	Threshold float64 `json:"threshold"`
}

type readyMessage struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Request is one inference call. Image is base64 encoded on the wire.
type Request struct {
	Image []byte `json:"image"`
}

// Response carries either Tags or Error.
type Response struct {
	Tags  []models.Tag `json:"tags"`
	Error string       `json:"error,omitempty"`
}

const statusReady = "ready"

// LoadFunc builds the worker's tagger from the pool's settings.
type LoadFunc func(Settings) (models.Tagger, error)

// Serve runs the worker side of the protocol on r/w until r reaches EOF. Each line on
// r is a JSON message; each answer is written to w as one JSON line.
func Serve(r io.Reader, w io.Writer, load LoadFunc) error {
	br := bufio.NewReader(r)
	enc := json.NewEncoder(w)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(line, &settings); err != nil {
		_ = enc.Encode(readyMessage{Status: "error", Error: "invalid settings"})
		return fmt.Errorf("decode settings: %w", err)
	}

	tagger, err := load(settings)
	if err != nil {
		_ = enc.Encode(readyMessage{Status: "error", Error: err.Error()})
		return fmt.Errorf("load model: %w", err)
	}
	if err := enc.Encode(readyMessage{Status: statusReady}); err != nil {
		return fmt.Errorf("write ready: %w", err)
	}

	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read request: %w", err)
		}

		var req Request
		var resp Response
		if jerr := json.Unmarshal(line, &req); jerr != nil {
			resp.Error = "invalid request"
		} else {
			resp = tagSafely(tagger, req.Image)
		}
		if werr := enc.Encode(resp); werr != nil {
			return fmt.Errorf("write response: %w", werr)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

// tagSafely turns a panicking model into an error response so one bad image cannot
// take the worker down.
func tagSafely(tagger models.Tagger, image []byte) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	tags, err := tagger.Tag(context.Background(), image)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if tags == nil {
		tags = []models.Tag{}
	}
	return Response{Tags: tags}
}
