// Package telegram adapts a Telegram bot into the channel capability.
// Recipients are chat IDs in decimal form.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"mhm/internal/channel"
	"mhm/pkg/logx"
)

const Name = "telegram"

type Config struct {
	Token       string
	PollTimeout time.Duration // long-poll timeout, default 10s
}

type Channel struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	bot     *tele.Bot
	lastErr string
	since   time.Time

	// inbound text messages queued by the bot handler, drained by Receive.
	inMu    sync.Mutex
	inbound []channel.Inbound
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	return &Channel{cfg: cfg, log: log, since: time.Now()}, nil
}

func (c *Channel) Name() string { return Name }

// Initialize creates the bot (telebot verifies the token against getMe).
// It is idempotent: a live bot is kept.
func (c *Channel) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.bot != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	type result struct {
		bot *tele.Bot
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{
			Token:  c.cfg.Token,
			Poller: &tele.LongPoller{Timeout: c.cfg.PollTimeout},
		})
		done <- result{bot: b, err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.since = time.Now()
		if r.err != nil {
			c.lastErr = r.err.Error()
			return r.err
		}
		c.bot = r.bot
		c.lastErr = ""
		c.bot.Handle(tele.OnText, c.onText)
		go c.bot.Start()
		return nil
	}
}

func (c *Channel) onText(tc tele.Context) error {
	m := tc.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	c.inMu.Lock()
	// Bound the queue; drop oldest rather than grow without limit.
	if len(c.inbound) >= 256 {
		c.inbound = c.inbound[1:]
	}
	c.inbound = append(c.inbound, channel.Inbound{
		Channel:    Name,
		Sender:     strconv.FormatInt(m.Sender.ID, 10),
		Body:       m.Text,
		ReceivedAt: time.Now(),
	})
	c.inMu.Unlock()
	return nil
}

func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot != nil
}

// ActuallyConnected reports whether the bot authenticated, independent of
// the coarser Ready flag.
func (c *Channel) ActuallyConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot != nil && c.bot.Me != nil
}

func (c *Channel) Send(ctx context.Context, recipient, body string, opts map[string]string) error {
	_ = opts
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return channel.ErrNotReady
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: recipient %q is not a chat id: %w", recipient, err)
	}

	// telebot calls are not ctx-aware; run in a goroutine and honor ctx.
	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(tele.ChatID(chatID), body)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
		}
		return err
	}
}

func (c *Channel) Receive(ctx context.Context) ([]channel.Inbound, error) {
	_ = ctx
	c.inMu.Lock()
	out := c.inbound
	c.inbound = nil
	c.inMu.Unlock()
	return out, nil
}

func (c *Channel) Health() channel.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := channel.StateStopped
	switch {
	case c.bot != nil:
		st = channel.StateReady
	case c.lastErr != "":
		st = channel.StateFailed
	}
	return channel.Status{Name: Name, State: st, LastError: c.lastErr, Since: c.since}
}

func (c *Channel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	bot := c.bot
	c.bot = nil
	c.since = time.Now()
	c.mu.Unlock()
	if bot == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		bot.Stop()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
