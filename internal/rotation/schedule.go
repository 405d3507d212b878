package rotation

import (
	"context"
	"time"
)

// RunEvery calls Rotate for role on every tick until ctx is done. Failures are
// logged and the loop keeps going: the active pool stays valid until its
// credentials expire, and the next tick may succeed.
func (o *Orchestrator) RunEvery(ctx context.Context, interval time.Duration, role string) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("rotating every %v", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Rotate(ctx, role); err != nil {
				o.logger.Error("scheduled rotation failed: %v", err)
			}
		}
	}
}
