package delivery

import (
	"context"
	"sync"
	"time"

	"mhm/internal/channel"
	"mhm/pkg/logx"
)

// defaultCheckinTTL bounds how long an unanswered check-in stays active.
const defaultCheckinTTL = 12 * time.Hour

// checkinFlows tracks which users have an open check-in conversation:
// started when the prompt goes out, closed by the user's reply, an expiry,
// or a broadcast.
type checkinFlows struct {
	mu     sync.Mutex
	ttl    time.Duration
	active map[string]time.Time
}

func newCheckinFlows(ttl time.Duration) *checkinFlows {
	if ttl <= 0 {
		ttl = defaultCheckinTTL
	}
	return &checkinFlows{ttl: ttl, active: map[string]time.Time{}}
}

func (f *checkinFlows) Start(userID string) {
	f.mu.Lock()
	f.active[userID] = time.Now()
	f.mu.Unlock()
}

func (f *checkinFlows) Active(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	started, ok := f.active[userID]
	if !ok {
		return false
	}
	if time.Since(started) > f.ttl {
		delete(f.active, userID)
		return false
	}
	return true
}

func (f *checkinFlows) Expire(userID string) {
	f.mu.Lock()
	delete(f.active, userID)
	f.mu.Unlock()
}

// checkinPrompt prefers a library message for the checkin category and
// falls back to a builtin prompt when none is configured. Library prompts
// keep their message ID so the send is recorded and deduplicated like any
// other library pick.
func (o *Orchestrator) checkinPrompt(ctx context.Context, userID string, now time.Time) (body, messageID string) {
	msg, err := o.selectPredefined(ctx, userID, categoryCheckin, now)
	if err == nil && msg.Body != "" {
		return msg.Body, msg.ID
	}
	return "How are you doing today?", ""
}

// CheckinActive reports whether the user has an open check-in.
func (o *Orchestrator) CheckinActive(userID string) bool {
	return o.flows.Active(userID)
}

// handleInbound routes one received message: a reply from a user with an
// open check-in closes the flow; anything else is just logged.
func (o *Orchestrator) handleInbound(in channel.Inbound) {
	userID := o.userForRecipient(in.Channel, in.Sender)
	if userID == "" {
		o.log.Debug("inbound from unknown sender",
			logx.String("channel", in.Channel),
			logx.String("sender", in.Sender))
		return
	}
	if o.flows.Active(userID) {
		o.flows.Expire(userID)
		o.log.Info("check-in answered",
			logx.String("user_id", userID),
			logx.String("channel", in.Channel))
		return
	}
	o.log.Debug("inbound outside a check-in",
		logx.String("user_id", userID),
		logx.String("channel", in.Channel))
}

// userForRecipient reverse-maps a channel sender to the user whose
// configured recipient it is.
func (o *Orchestrator) userForRecipient(channelName, sender string) string {
	users, err := o.prefs.Users()
	if err != nil {
		return ""
	}
	for _, u := range users {
		pref, err := o.prefs.ChannelFor(u)
		if err != nil {
			continue
		}
		if pref.Type == channelName && pref.Recipient == sender {
			return u
		}
	}
	return ""
}
