package delivery

import (
	"context"
	"time"

	"mhm/internal/channel"
	"mhm/internal/eventbus"
	"mhm/pkg/logx"
)

// RunMonitor polls channel health and restarts channels that report
// unhealthy, until ctx is canceled.
func (o *Orchestrator) RunMonitor(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.checkChannels(ctx)
		}
	}
}

func (o *Orchestrator) checkChannels(ctx context.Context) {
	for _, ch := range o.reg.Snapshot() {
		if ch.Ready() {
			continue
		}
		// A channel can report unready while its session is fine; do not
		// bounce a working connection.
		if cc, ok := ch.(channel.ConnectedChecker); ok && cc.ActuallyConnected() {
			continue
		}
		o.restartChannel(ctx, ch)
	}
}

func (o *Orchestrator) restartChannel(ctx context.Context, ch channel.Channel) {
	st := ch.Health()
	log := o.log.With(logx.String("channel", ch.Name()))
	log.Warn("channel unhealthy, restarting",
		logx.String("state", string(st.State)),
		logx.String("last_error", st.LastError))

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := ch.Shutdown(dctx); err != nil {
		log.Warn("shutdown before restart failed", logx.Err(err))
	}
	cancel()

	ictx, cancel := context.WithTimeout(ctx, o.cfg.InitTimeout)
	err := ch.Initialize(ictx)
	cancel()
	if err != nil {
		log.Error("channel restart failed", logx.Err(err))
	} else {
		log.Info("channel restarted")
	}
	o.bumpBus(eventbus.TypeChannelRestart, map[string]string{
		"channel": ch.Name(),
		"ok":      boolStr(err == nil),
	})
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RunInbound polls receiver-capable channels for user replies until ctx is
// canceled.
func (o *Orchestrator) RunInbound(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.InboundPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.pollInbound(ctx)
		}
	}
}

func (o *Orchestrator) pollInbound(ctx context.Context) {
	for _, ch := range o.reg.Snapshot() {
		rcv, ok := ch.(channel.Receiver)
		if !ok {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		msgs, err := rcv.Receive(rctx)
		cancel()
		if err != nil {
			o.log.Warn("inbound poll failed",
				logx.String("channel", ch.Name()), logx.Err(err))
			continue
		}
		for _, in := range msgs {
			o.handleInbound(in)
		}
	}
}
