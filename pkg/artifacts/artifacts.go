// Package artifacts reads raw worker report artifacts.
package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/config"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/results"
)

// ErrNotFound is returned by Reader.Get for a key that does not exist.
var ErrNotFound = errors.New("artifact not found")

// Reader reads artifacts by key. Keys are slash separated and relative to
// the backend root, e.g. "t1/Ab3dE/us-east-1/task.xml".
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Ref names one artifact to fetch and the region that produced it.
type Ref struct {
	Key    string
	Region string
}

// NewReader creates the reader for the enabled artifact backend.
func NewReader(log logrus.FieldLogger, cfg *config.ArtifactsConfig) (Reader, error) {
	switch {
	case cfg.S3 != nil && cfg.S3.Enabled:
		return NewS3Reader(log, cfg.S3), nil
	case cfg.Local != nil && cfg.Local.Enabled:
		return NewLocalReader(cfg.Local.Dir), nil
	default:
		return nil, fmt.Errorf("no artifact backend enabled")
	}
}

// FetchAll reads every referenced artifact with at most concurrency reads in
// flight. Results keep the order of refs. A missing artifact fails the whole
// fetch with an error wrapping results.ErrArtifactMissing.
func FetchAll(ctx context.Context, r Reader, refs []Ref, concurrency int) ([]results.RawResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	out := make([]results.RawResult, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, ref := range refs {
		g.Go(func() error {
			data, err := r.Get(gctx, ref.Key)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: %s", results.ErrArtifactMissing, ref.Key)
				}

				return fmt.Errorf("fetching %s: %w", ref.Key, err)
			}

			if data == nil {
				data = []byte{}
			}

			out[i] = results.RawResult{Key: ref.Key, Region: ref.Region, Data: data}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
