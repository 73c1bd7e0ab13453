//go:build linux

package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"mhm/pkg/logx"
)

// systemdScheduler arms transient systemd timer units (WakeSystem=true) so
// the host resumes from suspend shortly before a scheduled delivery.
type systemdScheduler struct {
	log logx.Logger

	mu   sync.Mutex
	conn *sd.Conn
	seq  uint64
}

// NewSystemd connects to the system bus. Callers should fall back to Noop()
// when this errors (no systemd, no permission, container).
func NewSystemd(ctx context.Context, log logx.Logger) (Scheduler, error) {
	conn, err := sd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("wake: system bus: %w", err)
	}
	return &systemdScheduler{log: log, conn: conn}, nil
}

func (s *systemdScheduler) ScheduleWakeAt(ctx context.Context, t time.Time) error {
	if !t.After(time.Now()) {
		return nil
	}

	s.mu.Lock()
	conn := s.conn
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	// Transient timer with no matching service: the unit exists purely to
	// wake the system and is collected by systemd after elapsing.
	unit := fmt.Sprintf("mhm-wake-%d-%d.timer", t.Unix(), seq)
	props := []sd.Property{
		sd.PropDescription("mhm wake timer"),
		{Name: "OnCalendar", Value: godbus.MakeVariant(t.Format("2006-01-02 15:04:05"))},
		{Name: "WakeSystem", Value: godbus.MakeVariant(true)},
		{Name: "RemainAfterElapse", Value: godbus.MakeVariant(false)},
	}

	ch := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(ctx, unit, "replace", props, ch); err != nil {
		return fmt.Errorf("wake: start transient timer: %w", err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("wake: transient timer %s: %s", unit, res)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if !s.log.IsZero() {
		s.log.Debug("wake timer armed", logx.String("unit", unit), logx.Time("at", t))
	}
	return nil
}

func (s *systemdScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}
