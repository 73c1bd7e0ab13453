// Package delivery owns the channel lifecycle and the send path: channel
// initialization with bounded retries, health monitoring, rate-limited
// sends with a network probe, deduplicated message selection, the failed
// send retry queue, and conversational check-in state.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mhm/internal/channel"
	"mhm/internal/eventbus"
	"mhm/internal/history"
	"mhm/internal/prefs"
	"mhm/internal/taskstore"
	"mhm/pkg/logx"
)

// categoryCheckin marks the conversational check-in prompt; it is composed
// locally instead of drawn from the message library alone.
const categoryCheckin = "checkin"

// categoryTaskReminder labels task reminder sends in opts and events.
const categoryTaskReminder = "task_reminder"

// Composer generates a message body instead of drawing from the predefined
// library. Optional; absent means predefined-only.
type Composer interface {
	CanCompose(category string) bool
	Compose(ctx context.Context, userID, category string) (body, messageID string, err error)
}

type Config struct {
	SendTimeout time.Duration
	InitTimeout time.Duration

	InitMaxAttempts int
	InitBackoff     time.Duration

	RatePerSec float64

	DedupWindow time.Duration
	DedupScan   int
	WindowBias  float64

	InboundPollInterval time.Duration
	MonitorInterval     time.Duration

	RetryInterval time.Duration
	RetryCap      int

	// ProbeAddr, when set, is dialed before every send to confirm the
	// network is up ("host:port"). Empty disables the probe.
	ProbeAddr    string
	ProbeTimeout time.Duration
}

func (c *Config) normalize() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.InitMaxAttempts <= 0 {
		c.InitMaxAttempts = 3
	}
	if c.InitBackoff <= 0 {
		c.InitBackoff = 2 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 60 * 24 * time.Hour
	}
	if c.DedupScan <= 0 {
		c.DedupScan = 50
	}
	if c.WindowBias <= 0 || c.WindowBias > 1 {
		c.WindowBias = 0.7
	}
	if c.InboundPollInterval <= 0 {
		c.InboundPollInterval = 30 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 200
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

type Deps struct {
	Registry *channel.Registry
	Prefs    prefs.Store
	Tasks    taskstore.Store
	History  history.Store // nil disables dedup and the sent record
	Bus      eventbus.Bus
	Composer Composer
}

// Orchestrator is the delivery side of the engine. Scheduler job actions
// call HandleMessageSending and HandleTaskReminder; everything else is
// channel plumbing around them.
type Orchestrator struct {
	cfg      Config
	log      logx.Logger
	reg      *channel.Registry
	prefs    prefs.Store
	tasks    taskstore.Store
	hist     history.Store
	bus      eventbus.Bus
	composer Composer
	retry    *RetryManager
	limiter  *rate.Limiter
	flows    *checkinFlows

	now   func() time.Time
	probe func(ctx context.Context) bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, deps Deps, log logx.Logger) (*Orchestrator, error) {
	cfg.normalize()
	if deps.Registry == nil {
		return nil, errors.New("delivery: channel registry is required")
	}
	if deps.Prefs == nil {
		return nil, errors.New("delivery: prefs store is required")
	}
	o := &Orchestrator{
		cfg:      cfg,
		log:      log,
		reg:      deps.Registry,
		prefs:    deps.Prefs,
		tasks:    deps.Tasks,
		hist:     deps.History,
		bus:      deps.Bus,
		composer: deps.Composer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		flows:    newCheckinFlows(0),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	o.probe = o.dialProbe
	o.retry = NewRetryManager(cfg.RetryInterval, cfg.RetryCap, o.resendEntry, log)
	return o, nil
}

// Retry exposes the retry queue so the app can run its drain loop.
func (o *Orchestrator) Retry() *RetryManager { return o.retry }

// ---- channel lifecycle ----

// InitializeChannels brings up each channel with bounded retries and
// registers it. A channel that keeps failing is still registered so the
// health monitor can keep trying; its sends queue for retry meanwhile.
func (o *Orchestrator) InitializeChannels(ctx context.Context, chans []channel.Channel) {
	for _, c := range chans {
		if err := o.initChannel(ctx, c); err != nil {
			o.log.Error("channel failed to initialize",
				logx.String("channel", c.Name()), logx.Err(err))
		}
		o.reg.Put(c)
	}
}

func (o *Orchestrator) initChannel(ctx context.Context, c chanLifecycle) error {
	var err error
	for attempt := 1; attempt <= o.cfg.InitMaxAttempts; attempt++ {
		ictx, cancel := context.WithTimeout(ctx, o.cfg.InitTimeout)
		err = c.Initialize(ictx)
		cancel()
		if err == nil {
			o.log.Info("channel initialized",
				logx.String("channel", c.Name()), logx.Int("attempt", attempt))
			return nil
		}
		// Init can report failure while the underlying session actually
		// came up; trust the connection check over the error.
		if cc, ok := c.(channel.ConnectedChecker); ok && cc.ActuallyConnected() {
			o.log.Warn("channel init errored but session is connected",
				logx.String("channel", c.Name()), logx.Err(err))
			return nil
		}
		if attempt < o.cfg.InitMaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.InitBackoff * time.Duration(attempt)):
			}
		}
	}
	return err
}

// chanLifecycle is the slice of channel.Channel init needs; it keeps
// initChannel testable with tiny fakes.
type chanLifecycle interface {
	Name() string
	Initialize(ctx context.Context) error
}

// StopAll shuts every registered channel down and empties the registry.
func (o *Orchestrator) StopAll(ctx context.Context) {
	for _, c := range o.reg.Snapshot() {
		if err := c.Shutdown(ctx); err != nil {
			o.log.Warn("channel shutdown failed",
				logx.String("channel", c.Name()), logx.Err(err))
		}
		o.reg.Remove(c.Name())
	}
}

// ---- send path ----

// SendViaChannel pushes one message through a named channel: readiness
// check, network probe, rate limit, bounded send. Failed sends carrying
// user and category opts are queued for retry. Returns true on success.
func (o *Orchestrator) SendViaChannel(ctx context.Context, name, recipient, body string, opts map[string]string) bool {
	log := o.log.With(logx.String("channel", name), logx.String("recipient", recipient))

	ch, ok := o.reg.Get(name)
	if !ok {
		log.Error("send to unknown channel")
		o.queueRetry(name, recipient, body, opts, "channel not registered")
		return false
	}
	if !sendable(ch) {
		log.Warn("channel not ready, queuing for retry")
		o.queueRetry(name, recipient, body, opts, "channel not ready")
		return false
	}
	if !o.networkUp(ctx) {
		log.Warn("network probe failed, queuing for retry")
		o.queueRetry(name, recipient, body, opts, "network down")
		return false
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	err := ch.Send(sctx, recipient, body, opts)
	cancel()
	if err != nil {
		log.Warn("send failed", logx.Err(err))
		o.publish(eventbus.TypeDeliveryFailed, name, opts, err)
		o.queueRetry(name, recipient, body, opts, err.Error())
		return false
	}

	o.publish(eventbus.TypeDeliverySent, name, opts, nil)
	return true
}

// sendable prefers the fine-grained capability checks over the coarse
// Ready flag, so a channel that can still push messages is not benched.
func sendable(ch channel.Channel) bool {
	if ch.Ready() {
		return true
	}
	if sc, ok := ch.(channel.SendChecker); ok && sc.CanSend() {
		return true
	}
	if cc, ok := ch.(channel.ConnectedChecker); ok && cc.ActuallyConnected() {
		return true
	}
	return false
}

func (o *Orchestrator) networkUp(ctx context.Context) bool {
	if o.cfg.ProbeAddr == "" {
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	return o.probe(pctx)
}

func (o *Orchestrator) dialProbe(ctx context.Context) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", o.cfg.ProbeAddr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// queueRetry enqueues a failed send for the retry drain. Only sends that
// carry user and category opts are retryable; ad hoc sends are not.
func (o *Orchestrator) queueRetry(name, recipient, body string, opts map[string]string, reason string) {
	userID := opts[channel.OptUserID]
	category := opts[channel.OptCategory]
	if userID == "" || category == "" {
		return
	}
	o.retry.Enqueue(RetryEntry{
		UserID:     userID,
		Category:   category,
		MessageID:  opts[channel.OptMessageID],
		Body:       body,
		Recipient:  recipient,
		Channel:    name,
		Reason:     reason,
		EnqueuedAt: o.now(),
	})
}

// resendEntry is the retry drain callback: one attempt, no re-enqueue
// (the entry stays queued on failure).
func (o *Orchestrator) resendEntry(ctx context.Context, e RetryEntry) bool {
	ch, ok := o.reg.Get(e.Channel)
	if !ok || !sendable(ch) || !o.networkUp(ctx) {
		return false
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return false
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	err := ch.Send(sctx, e.Recipient, e.Body, map[string]string{
		channel.OptUserID:   e.UserID,
		channel.OptCategory: e.Category,
	})
	cancel()
	if err != nil {
		o.log.Warn("retry send failed",
			logx.String("channel", e.Channel),
			logx.String("user_id", e.UserID),
			logx.Err(err))
		return false
	}

	o.log.Info("queued message delivered",
		logx.String("channel", e.Channel),
		logx.String("user_id", e.UserID),
		logx.String("category", e.Category),
		logx.Duration("delayed", o.now().Sub(e.EnqueuedAt)))
	o.bumpBus(eventbus.TypeDeliveryRetried, map[string]string{
		"channel": e.Channel, "user_id": e.UserID, "category": e.Category,
	})
	o.recordSent(ctx, e.UserID, e.Category, e.MessageID, e.Channel)
	return true
}

func (o *Orchestrator) publish(typ, channelName string, opts map[string]string, err error) {
	data := map[string]string{
		"channel":  channelName,
		"user_id":  opts[channel.OptUserID],
		"category": opts[channel.OptCategory],
	}
	if err != nil {
		data["error"] = err.Error()
	}
	o.bumpBus(typ, data)
}

func (o *Orchestrator) bumpBus(typ string, data map[string]string) {
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (o *Orchestrator) recordSent(ctx context.Context, userID, category, messageID, channelName string) {
	if o.hist == nil || messageID == "" {
		return
	}
	err := o.hist.RecordSent(ctx, history.SentMessage{
		UserID:    userID,
		Category:  category,
		MessageID: messageID,
		Channel:   channelName,
		SentAt:    o.now(),
	})
	if err != nil {
		o.log.Warn("history record failed", logx.Err(err))
	}
}

// ---- scheduled send entry points ----

// HandleMessageSending resolves the user's channel, picks or composes the
// message body for the category, and sends it. Called by scheduler job
// actions; an error triggers the scheduler's bounded action retry.
func (o *Orchestrator) HandleMessageSending(ctx context.Context, userID, category string) error {
	pref, err := o.prefs.ChannelFor(userID)
	if err != nil {
		return fmt.Errorf("no delivery channel for %s: %w", userID, err)
	}
	now := o.now()

	var body, msgID string
	switch {
	case category == categoryCheckin:
		body, msgID = o.checkinPrompt(ctx, userID, now)
	case o.composer != nil && o.composer.CanCompose(category):
		b, id, cerr := o.composer.Compose(ctx, userID, category)
		if cerr != nil {
			o.log.Warn("composer failed, falling back to library",
				logx.String("user_id", userID),
				logx.String("category", category),
				logx.Err(cerr))
		} else {
			body, msgID = b, id
		}
	}
	if body == "" {
		msg, serr := o.selectPredefined(ctx, userID, category, now)
		if serr != nil {
			return fmt.Errorf("select message for %s/%s: %w", userID, category, serr)
		}
		body, msgID = msg.Body, msg.ID
	}

	opts := map[string]string{
		channel.OptUserID:    userID,
		channel.OptCategory:  category,
		channel.OptScheduled: "1",
	}
	if msgID != "" {
		opts[channel.OptMessageID] = msgID
	}
	if !o.SendViaChannel(ctx, pref.Type, pref.Recipient, body, opts) {
		return fmt.Errorf("send %s to %s via %s failed", category, userID, pref.Type)
	}

	o.recordSent(ctx, userID, category, msgID, pref.Type)
	if category == categoryCheckin {
		o.flows.Start(userID)
	}
	return nil
}

// HandleTaskReminder sends one task reminder. A task that vanished or was
// completed after scheduling aborts silently; that is the normal race with
// the user finishing their work.
func (o *Orchestrator) HandleTaskReminder(ctx context.Context, userID, taskID string) error {
	if o.tasks == nil {
		return nil
	}
	t, err := o.tasks.TaskByID(ctx, userID, taskID)
	if errors.Is(err, taskstore.ErrNotFound) {
		o.log.Debug("reminder for vanished task skipped",
			logx.String("user_id", userID), logx.String("task_id", taskID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.Completed {
		return nil
	}

	pref, err := o.prefs.ChannelFor(userID)
	if err != nil {
		return fmt.Errorf("no delivery channel for %s: %w", userID, err)
	}

	opts := map[string]string{
		channel.OptUserID:    userID,
		channel.OptCategory:  categoryTaskReminder,
		channel.OptScheduled: "1",
	}
	if !o.SendViaChannel(ctx, pref.Type, pref.Recipient, taskReminderBody(t, o.now()), opts) {
		return fmt.Errorf("task reminder to %s via %s failed", userID, pref.Type)
	}
	if merr := o.tasks.MarkReminderSent(ctx, userID, taskID); merr != nil {
		o.log.Warn("mark reminder sent failed",
			logx.String("task_id", taskID), logx.Err(merr))
	}
	return nil
}

// taskReminderBody renders the reminder text with a priority marker and
// due-date context.
func taskReminderBody(t *taskstore.Task, now time.Time) string {
	marker := ""
	switch t.Priority {
	case taskstore.PriorityCritical:
		marker = "[!!] "
	case taskstore.PriorityHigh:
		marker = "[!] "
	}
	body := fmt.Sprintf("%sTask reminder: %s", marker, t.Title)
	if t.Description != "" {
		body += "\n" + t.Description
	}
	if t.Due != nil {
		if t.Due.Before(now) {
			body += fmt.Sprintf("\nDue: %s (overdue)", t.Due.Format("Mon, Jan 2"))
		} else {
			body += fmt.Sprintf("\nDue: %s", t.Due.Format("Mon, Jan 2"))
		}
	}
	if t.Priority != taskstore.PriorityNone && t.Priority != "" {
		body += fmt.Sprintf("\nPriority: %s", t.Priority)
	}
	return body
}

// Broadcast sends one body to every user's configured channel, for
// operator announcements. Returns how many sends succeeded. Broadcasts
// are not retried and expire any active check-in conversation.
func (o *Orchestrator) Broadcast(ctx context.Context, body string) int {
	users, err := o.prefs.Users()
	if err != nil {
		o.log.Error("broadcast cannot list users", logx.Err(err))
		return 0
	}
	sent := 0
	for _, u := range users {
		pref, err := o.prefs.ChannelFor(u)
		if err != nil {
			continue
		}
		opts := map[string]string{channel.OptUserID: u}
		if o.SendViaChannel(ctx, pref.Type, pref.Recipient, body, opts) {
			o.flows.Expire(u)
			sent++
		}
	}
	o.log.Info("broadcast done", logx.Int("sent", sent), logx.Int("users", len(users)))
	return sent
}
