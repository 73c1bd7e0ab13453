//go:build !linux

package wake

import (
	"context"
	"errors"

	"mhm/pkg/logx"
)

// NewSystemd is unavailable off Linux; callers fall back to Noop().
func NewSystemd(ctx context.Context, log logx.Logger) (Scheduler, error) {
	_ = ctx
	_ = log
	return nil, errors.New("wake: systemd timers are only available on linux")
}
