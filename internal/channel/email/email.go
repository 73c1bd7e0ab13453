// Package email adapts SMTP submission into the channel capability.
// Recipients are plain addresses. Inbound polling is delegated to an
// injectable fetch hook so mailbox protocol details stay out of the engine.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"mhm/internal/channel"
	"mhm/pkg/logx"
)

const Name = "email"

type Config struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// SendFunc submits one message. Overridable in tests.
type SendFunc func(ctx context.Context, cfg Config, to, body string) error

// FetchFunc returns newly received messages. Nil means the channel does not
// poll (Receive returns nothing).
type FetchFunc func(ctx context.Context) ([]channel.Inbound, error)

type Channel struct {
	cfg   Config
	log   logx.Logger
	send  SendFunc
	fetch FetchFunc

	mu      sync.Mutex
	ready   bool
	lastErr string
	since   time.Time
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: smtp host is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from address is empty")
	}
	return &Channel{cfg: cfg, log: log, send: smtpSend, since: time.Now()}, nil
}

// SetSender overrides the SMTP submission (tests).
func (c *Channel) SetSender(fn SendFunc) {
	if fn != nil {
		c.send = fn
	}
}

// SetFetcher installs the inbound mailbox hook.
func (c *Channel) SetFetcher(fn FetchFunc) { c.fetch = fn }

func (c *Channel) Name() string { return Name }

// Initialize verifies the SMTP endpoint is reachable. Idempotent.
func (c *Channel) Initialize(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.since = time.Now()
	if err != nil {
		c.ready = false
		c.lastErr = err.Error()
		return fmt.Errorf("email: dial %s: %w", addr, err)
	}
	_ = conn.Close()
	c.ready = true
	c.lastErr = ""
	return nil
}

func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Channel) Send(ctx context.Context, recipient, body string, opts map[string]string) error {
	_ = opts
	if !c.Ready() {
		return channel.ErrNotReady
	}
	err := c.send(ctx, c.cfg, recipient, body)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
	}
	return err
}

func (c *Channel) Receive(ctx context.Context) ([]channel.Inbound, error) {
	if c.fetch == nil {
		return nil, nil
	}
	return c.fetch(ctx)
}

func (c *Channel) Health() channel.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := channel.StateStopped
	switch {
	case c.ready:
		st = channel.StateReady
	case c.lastErr != "":
		st = channel.StateFailed
	}
	return channel.Status{Name: Name, State: st, LastError: c.lastErr, Since: c.since}
}

func (c *Channel) Shutdown(ctx context.Context) error {
	_ = ctx
	c.mu.Lock()
	c.ready = false
	c.since = time.Now()
	c.mu.Unlock()
	return nil
}

// smtpSend submits via a ctx-aware dial so a stuck server cannot hang the
// delivery loop past its deadline.
func smtpSend(ctx context.Context, cfg Config, to, body string) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	cl, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer cl.Close()

	if cfg.Username != "" {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			if err := cl.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return err
			}
		}
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := cl.Auth(auth); err != nil {
			return err
		}
	}

	if err := cl.Mail(cfg.From); err != nil {
		return err
	}
	if err := cl.Rcpt(to); err != nil {
		return err
	}
	w, err := cl.Data()
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		cfg.From, to, subjectLine(body), body)
	if _, err := w.Write([]byte(msg)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return cl.Quit()
}

func subjectLine(body string) string {
	line := body
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 78 {
		line = line[:75] + "..."
	}
	if line == "" {
		line = "(no subject)"
	}
	return line
}
