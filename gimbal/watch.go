package gimbal

import (
	"context"
	"time"

	"github.com/w1xm/gimbal_interface/rotator"
)

// Watch polls both axes every interval and reports the result to cb until
// ctx is done. Query failures are reported in Status.Errors and the last
// known position is kept.
func (c *Controller) Watch(ctx context.Context, interval time.Duration, cb rotator.StatusCallback) error {
	for {
		status := c.Poll(ctx)
		cb(status)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Poll queries both axes once.
func (c *Controller) Poll(ctx context.Context) rotator.Status {
	errs := map[string]string{}
	for _, a := range rotator.Axes {
		if _, err := c.Position(ctx, a); err != nil {
			c.log.Debug().Err(err).Stringer("axis", a).Msg("poll failed")
			errs[a.String()] = err.Error()
		}
	}
	status := c.Snapshot()
	if len(errs) > 0 {
		status.Errors = errs
	}
	return status
}
