package store

import (
	"context"

	"github.com/kiranshivaraju/imagetagger/pkg/models"
)

// Store is the job history interface. Rows are written once per finished job
// and are never used to answer polls.
type Store interface {
	Ping(ctx context.Context) error
	Record(ctx context.Context, entry models.HistoryEntry) error
}
