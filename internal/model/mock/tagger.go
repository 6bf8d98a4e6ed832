package mock

import (
	"context"
	"sort"

	"github.com/kiranshivaraju/imagetagger/pkg/models"
	"golang.org/x/crypto/blake2b"
)

// MockTagger satisfies models.Tagger for testing.
type MockTagger struct {
	Name_   string
	TagFunc func(ctx context.Context, image []byte) ([]models.Tag, error)
}

func (m *MockTagger) Name() string { return m.Name_ }

func (m *MockTagger) Tag(ctx context.Context, image []byte) ([]models.Tag, error) {
	if m.TagFunc != nil {
		return m.TagFunc(ctx, image)
	}
	return nil, nil
}

// SampleTags is the fixed result returned by NewMockTagger.
func SampleTags() []models.Tag {
	return []models.Tag{
		{Name: "1girl", Score: 0.9999815},
		{Name: "brown_hair", Score: 0.9981822},
		{Name: "solo", Score: 0.99046326},
		{Name: "rating:safe", Score: 0.999196},
	}
}

// NewMockTagger returns a MockTagger that always answers SampleTags.
func NewMockTagger() *MockTagger {
	return &MockTagger{
		Name_: "mock",
		TagFunc: func(_ context.Context, _ []byte) ([]models.Tag, error) {
			return SampleTags(), nil
		},
	}
}

// NewFailingTagger returns a MockTagger that always returns err.
func NewFailingTagger(err error) *MockTagger {
	return &MockTagger{
		Name_: "mock-failing",
		TagFunc: func(_ context.Context, _ []byte) ([]models.Tag, error) {
			return nil, err
		},
	}
}

// NewBlockingTagger returns a MockTagger that waits for release (or ctx) before
// answering SampleTags.
func NewBlockingTagger(release <-chan struct{}) *MockTagger {
	return &MockTagger{
		Name_: "mock-blocking",
		TagFunc: func(ctx context.Context, _ []byte) ([]models.Tag, error) {
			select {
			case <-release:
				return SampleTags(), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

var vocabulary = []string{
	"1girl", "solo", "short_hair", "brown_hair", "brown_eyes", "school_uniform",
	"sky", "cloud", "day", "outdoors", "flower", "upper_body", "smile", "rating:safe",
}

// DigestTagger derives tags from the BLAKE2b digest of the image. The same bytes always
// produce the same tags, which is enough to exercise the service end to end without a
// real model.
type DigestTagger struct {
	Threshold float64
}

// NewDigestTagger returns a DigestTagger that drops scores below threshold.
func NewDigestTagger(threshold float64) *DigestTagger {
	return &DigestTagger{Threshold: threshold}
}

func (d *DigestTagger) Name() string { return "digest" }

func (d *DigestTagger) Tag(_ context.Context, image []byte) ([]models.Tag, error) {
	sum := blake2b.Sum512(image)

	tags := make([]models.Tag, 0, len(vocabulary))
	for i, name := range vocabulary {
		score := float64(sum[i]) / 255.0
		if score >= d.Threshold {
			tags = append(tags, models.Tag{Name: name, Score: score})
		}
	}
	sort.SliceStable(tags, func(i, j int) bool { return tags[i].Score > tags[j].Score })
	return tags, nil
}

// Compile-time checks.
var (
	_ models.Tagger = (*MockTagger)(nil)
	_ models.Tagger = (*DigestTagger)(nil)
)
