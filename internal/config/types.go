package config

// Config is the engine's top-level configuration.
//
// All durations are Go duration strings (e.g. "30s", "2h"). Policy constants
// (conflict window, retry counts, poll intervals) deliberately live here
// instead of being baked into code; the defaults mirror long-standing
// production values.
type Config struct {
	// DataDir is the root for per-user data (preferences, stores).
	DataDir string `json:"data_dir"`

	// Isolation disables outward side effects (wake timers) for test and
	// sandbox runs.
	Isolation bool `json:"isolation,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Retry     RetryConfig     `json:"retry"`
	Monitor   MonitorConfig   `json:"monitor"`
	Channels  ChannelsConfig  `json:"channels"`
	History   HistoryConfig   `json:"history"`
	Tasks     TasksConfig     `json:"tasks"`
	Wake      WakeConfig      `json:"wake"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`

	FileEnabled bool   `json:"file_enabled,omitempty"`
	FilePath    string `json:"file_path,omitempty"`

	// Forwarding mirrors warn+ log lines onto the operator's delivery
	// channel. ForwardUserID names the user whose configured channel
	// receives them; empty disables forwarding.
	ForwardEnabled    bool   `json:"forward_enabled,omitempty"`
	ForwardUserID     string `json:"forward_user_id,omitempty"`
	ForwardMinLevel   string `json:"forward_min_level,omitempty"`
	ForwardRatePerSec int    `json:"forward_rate_per_sec,omitempty"`
}

// SchedulerConfig controls the job scheduling loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "10s"
//   - stop_timeout: "10s"
//   - min_lead: "30m" (window must start at least this far out, else tomorrow)
//   - conflict_window: "2h"
//   - slot_retries: 10
//   - action_retries: 3
//   - action_retry_delay: "30s"
//   - rebuild_at: "01:00", archive_at: "02:00", orphan_sweep_at: "03:00"
//   - wake_lead: "4m"
type SchedulerConfig struct {
	PollInterval     string `json:"poll_interval,omitempty"`
	StopTimeout      string `json:"stop_timeout,omitempty"`
	MinLead          string `json:"min_lead,omitempty"`
	ConflictWindow   string `json:"conflict_window,omitempty"`
	SlotRetries      int    `json:"slot_retries,omitempty"`
	ActionRetries    int    `json:"action_retries,omitempty"`
	ActionRetryDelay string `json:"action_retry_delay,omitempty"`
	RebuildAt        string `json:"rebuild_at,omitempty"`
	ArchiveAt        string `json:"archive_at,omitempty"`
	OrphanSweepAt    string `json:"orphan_sweep_at,omitempty"`
	WakeLead         string `json:"wake_lead,omitempty"`
	Timezone         string `json:"timezone,omitempty"` // IANA TZ; empty = local
}

// DeliveryConfig controls the orchestrator's send path.
//
// Defaults:
//   - send_timeout: "30s"
//   - init_timeout: "30s", init_max_attempts: 3, init_backoff: "2s" (x2 per attempt)
//   - rate_per_sec: 3
//   - dedup_window: "1440h" (60 days), dedup_scan: 50
//   - window_bias: 0.7 (chance of drawing a window-specific message)
//   - inbound_poll_interval: "30s"
type DeliveryConfig struct {
	SendTimeout         string  `json:"send_timeout,omitempty"`
	InitTimeout         string  `json:"init_timeout,omitempty"`
	InitMaxAttempts     int     `json:"init_max_attempts,omitempty"`
	InitBackoff         string  `json:"init_backoff,omitempty"`
	RatePerSec          int     `json:"rate_per_sec,omitempty"`
	DedupWindow         string  `json:"dedup_window,omitempty"`
	DedupScan           int     `json:"dedup_scan,omitempty"`
	WindowBias          float64 `json:"window_bias,omitempty"`
	InboundPollInterval string  `json:"inbound_poll_interval,omitempty"`

	// ProbeAddr is dialed (TCP) as a cheap network reachability check before
	// sends. Empty disables the probe.
	ProbeAddr    string `json:"probe_addr,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

// RetryConfig controls the failed-send retry queue.
//
// Defaults: interval "60s", max_entries 200 (oldest dropped beyond the cap).
type RetryConfig struct {
	Interval   string `json:"interval,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

// MonitorConfig controls channel health polling.
type MonitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "60s"
}

type ChannelsConfig struct {
	Telegram *TelegramChannelConfig `json:"telegram,omitempty"`
	Email    *EmailChannelConfig    `json:"email,omitempty"`
}

type TelegramChannelConfig struct {
	Token string `json:"token"`
}

type EmailChannelConfig struct {
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	From     string `json:"from"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// HistoryConfig controls the sent-message history store backing dedup and
// the daily archival job.
//
// Driver values: "sqlite" (default), "file", "none".
type HistoryConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	KeepFor     string `json:"keep_for,omitempty"`     // archival cutoff, default "1440h"
}

type TasksConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default) or "memory"
	Path   string `json:"path,omitempty"`
}

type WakeConfig struct {
	Enabled bool `json:"enabled"`
}
