package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// requestCoalescer prevents cache stampede by sharing one store fetch among concurrent
// callers for the same key. The fetch runs detached from any single caller's cancellation,
// bounded by timeout; each caller still stops waiting when its own ctx is done.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// Do runs fn once per key among concurrent callers. shared reports whether the result
// was delivered to more than one caller.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]models.Reading, error)) ([]models.Reading, bool, error) {
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		defer cancel()
		return fn(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		readings, _ := res.Val.([]models.Reading)
		return readings, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
