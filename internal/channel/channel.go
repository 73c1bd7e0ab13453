// Package channel defines the pluggable delivery capability (readiness,
// send, optional receive) and the registry of live channels.
package channel

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("channel: not registered")
	ErrNotReady = errors.New("channel: not ready")
)

// Option keys recognized by Send implementations and the orchestrator.
// Opts travel as a plain string map so ad-hoc callers stay simple.
const (
	OptUserID    = "user_id"
	OptCategory  = "category"
	OptMessageID = "message_id"
	OptScheduled = "scheduled" // "1" when the send came from a fired job
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Status is a point-in-time health record.
type Status struct {
	Name      string
	State     State
	LastError string
	Since     time.Time
}

// Inbound is a message received from a polling channel.
type Inbound struct {
	Channel    string
	Sender     string
	Body       string
	ReceivedAt time.Time
}

// Channel is the uniform delivery capability.
//
// Initialize must be idempotent; callers time-box it. Send must respect ctx.
type Channel interface {
	Name() string
	Initialize(ctx context.Context) error
	Ready() bool
	Send(ctx context.Context, recipient, body string, opts map[string]string) error
	Health() Status
	Shutdown(ctx context.Context) error
}

// Receiver is implemented by channels that support inbound polling (email).
type Receiver interface {
	Receive(ctx context.Context) ([]Inbound, error)
}

// ConnectedChecker is an escape hatch for chat-style channels whose health
// probe can lag the real connection state: a channel reporting not-ready but
// ActuallyConnected() true is accepted as initialized.
type ConnectedChecker interface {
	ActuallyConnected() bool
}

// SendChecker lets a channel veto sends more precisely than Ready().
type SendChecker interface {
	CanSend() bool
}
