package platform

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
)

// RetryConfig bounds retries of transient platform errors.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
}

type retrying struct {
	log   logrus.FieldLogger
	inner Adapter
	cfg   RetryConfig
}

var _ Adapter = (*retrying)(nil)

// WithRetry wraps an adapter so Describe and Stop are retried with
// exponential backoff while they fail with ErrUnavailable. Launch is passed
// through untouched: a partially applied launch must never be repeated.
func WithRetry(log logrus.FieldLogger, inner Adapter, cfg RetryConfig) Adapter {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}

	return &retrying{
		log:   log.WithField("component", "platform-retry"),
		inner: inner,
		cfg:   cfg,
	}
}

func (r *retrying) Launch(ctx context.Context, count int, spec *LaunchSpec) ([]loadtest.TaskHandle, error) {
	return r.inner.Launch(ctx, count, spec)
}

func (r *retrying) Describe(ctx context.Context, handles []loadtest.TaskHandle) ([]loadtest.TaskStatus, error) {
	var statuses []loadtest.TaskStatus

	err := r.do(ctx, "describe", func() error {
		var err error

		statuses, err = r.inner.Describe(ctx, handles)

		return err
	})

	return statuses, err
}

func (r *retrying) Stop(ctx context.Context, handles []loadtest.TaskHandle) error {
	return r.do(ctx, "stop", func() error {
		return r.inner.Stop(ctx, handles)
	})
}

func (r *retrying) do(ctx context.Context, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(r.cfg.Attempts),
		retry.Delay(r.cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrUnavailable)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.log.WithError(err).WithFields(logrus.Fields{
				"op":      op,
				"attempt": n + 1,
			}).Warn("Platform call failed, retrying")
		}),
	)
}
