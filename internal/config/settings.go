// Package config implements layered settings: global file, project file,
// and runtime overrides, merged in that order, with change notification.
package config

import "time"

// Settings is the merged configuration the session core consumes.
type Settings struct {
	// Provider and Model select the default LLM driver and model.
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`

	// ThinkingLevel is the default reasoning depth ("off".."xhigh").
	ThinkingLevel string `json:"thinking_level" yaml:"thinking_level"`

	Compaction CompactionSettings `json:"compaction" yaml:"compaction"`
	Retry      RetrySettings      `json:"retry" yaml:"retry"`
	Queue      QueueSettings      `json:"queue" yaml:"queue"`
	Rules      RuleSettings       `json:"rules" yaml:"rules"`
	Shell      ShellSettings      `json:"shell" yaml:"shell"`
	Log        LogSettings        `json:"log" yaml:"log"`
}

// CompactionSettings controls automatic context compaction.
type CompactionSettings struct {
	// Enabled turns on threshold-triggered compaction.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ReserveTokens is headroom kept free below the context window.
	// Compaction triggers when context tokens exceed window - reserve.
	// Default: 16384.
	ReserveTokens int `json:"reserve_tokens" yaml:"reserve_tokens"`

	// KeepRecentTokens is the approximate size of the tail retained
	// uncompacted. Default: 20000.
	KeepRecentTokens int `json:"keep_recent_tokens" yaml:"keep_recent_tokens"`
}

// RetrySettings controls automatic retry of transient provider errors.
type RetrySettings struct {
	// Enabled turns on auto retry. Default: true.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxRetries bounds retry attempts. Default: 5.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BaseDelayMs is the first backoff delay in milliseconds. Default: 2000.
	BaseDelayMs int `json:"base_delay_ms" yaml:"base_delay_ms"`
}

// QueueSettings controls steering and follow-up delivery.
type QueueSettings struct {
	// SteeringMode is "one-at-a-time" or "all". Default: one-at-a-time.
	SteeringMode string `json:"steering_mode" yaml:"steering_mode"`

	// FollowUpMode is "one-at-a-time" or "all". Default: one-at-a-time.
	FollowUpMode string `json:"follow_up_mode" yaml:"follow_up_mode"`

	// InterruptMode is "immediate" or "wait". Default: wait.
	InterruptMode string `json:"interrupt_mode" yaml:"interrupt_mode"`
}

// RuleSettings controls the stream-rule engine.
type RuleSettings struct {
	// RepeatMode is "once" or "after-gap". Default: once.
	RepeatMode string `json:"repeat_mode" yaml:"repeat_mode"`

	// RepeatGap is the number of turn ends before a rule may refire under
	// after-gap mode. Default: 5.
	RepeatGap int `json:"repeat_gap" yaml:"repeat_gap"`

	// ContextMode is "keep" or "discard": whether an aborted partial
	// message stays in the model context. Default: keep.
	ContextMode string `json:"context_mode" yaml:"context_mode"`
}

// ShellSettings controls bash/ssh execution.
type ShellSettings struct {
	// MaxOutputBytes caps output retained in memory. Default: 65536.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`

	// SpillThresholdBytes is total output beyond which a spill file is
	// created. Default: 262144.
	SpillThresholdBytes int `json:"spill_threshold_bytes" yaml:"spill_threshold_bytes"`

	// DefaultTimeout bounds command runtime when the caller sets none.
	// Default: 2m.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

// LogSettings controls structured logging.
type LogSettings struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the settings used when no file provides a value.
func Default() Settings {
	return Settings{
		Provider:      "anthropic",
		ThinkingLevel: "off",
		Compaction: CompactionSettings{
			Enabled:          true,
			ReserveTokens:    16384,
			KeepRecentTokens: 20000,
		},
		Retry: RetrySettings{
			Enabled:     true,
			MaxRetries:  5,
			BaseDelayMs: 2000,
		},
		Queue: QueueSettings{
			SteeringMode:  "one-at-a-time",
			FollowUpMode:  "one-at-a-time",
			InterruptMode: "wait",
		},
		Rules: RuleSettings{
			RepeatMode:  "once",
			RepeatGap:   5,
			ContextMode: "keep",
		},
		Shell: ShellSettings{
			MaxOutputBytes:      65536,
			SpillThresholdBytes: 262144,
			DefaultTimeout:      2 * time.Minute,
		},
		Log: LogSettings{Level: "info", Format: "text"},
	}
}
