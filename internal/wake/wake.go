// Package wake schedules a machine wake-up shortly before a delivery instant
// so sends are not missed while the host sleeps. The capability is
// fire-and-forget: failures are logged, never propagated.
package wake

import (
	"context"
	"time"
)

// Scheduler is the consumed wake capability. Implementations must be safe to
// no-op.
type Scheduler interface {
	ScheduleWakeAt(ctx context.Context, t time.Time) error
	Close() error
}

// Noop returns a Scheduler that does nothing. Used under isolation and on
// platforms without a wake facility.
func Noop() Scheduler { return noop{} }

type noop struct{}

func (noop) ScheduleWakeAt(ctx context.Context, t time.Time) error { return nil }
func (noop) Close() error                                          { return nil }
