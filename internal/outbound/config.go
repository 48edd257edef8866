package outbound

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ConcurrencyKind distinguishes the three concurrency modes a sink can be
// configured with. The zero value, ConcurrencyUnset, means "absent" during
// merge and is never observed in a resolved RequestSettings.
type ConcurrencyKind int

const (
	ConcurrencyUnset ConcurrencyKind = iota
	ConcurrencyNone
	ConcurrencyAdaptive
	ConcurrencyFixed
)

// Concurrency is the resolved sum type for RequestConfig.Concurrency:
// none, adaptive, or a fixed positive limit.
type Concurrency struct {
	Kind  ConcurrencyKind
	Fixed int // only meaningful when Kind == ConcurrencyFixed
}

func (c Concurrency) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ConcurrencyNone:
		return json.Marshal("none")
	case ConcurrencyAdaptive:
		return json.Marshal("adaptive")
	case ConcurrencyFixed:
		return json.Marshal(c.Fixed)
	default:
		return json.Marshal(nil)
	}
}

func (c *Concurrency) UnmarshalJSON(data []byte) error {
	var asInt int
	if err := json.Unmarshal(data, &asInt); err == nil {
		if asInt < 1 {
			return &ConfigError{Field: "concurrency", Msg: fmt.Sprintf("must be >= 1, got %d", asInt)}
		}
		*c = Concurrency{Kind: ConcurrencyFixed, Fixed: asInt}
		return nil
	}

	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return &ConfigError{Field: "concurrency", Msg: "must be a positive integer, \"adaptive\", or \"none\""}
	}

	switch asString {
	case "none":
		*c = Concurrency{Kind: ConcurrencyNone}
	case "adaptive":
		*c = Concurrency{Kind: ConcurrencyAdaptive}
	default:
		return &ConfigError{Field: "concurrency", Msg: fmt.Sprintf("unknown concurrency string %q", asString)}
	}
	return nil
}

// JitterMode selects how the Fibonacci retry layer randomizes backoff.
type JitterMode string

const (
	JitterNone JitterMode = "none"
	JitterFull JitterMode = "full"
)

// AdaptiveConcurrencySettings tunes the adaptive controller. Its internal
// AIMD algorithm is out of scope for this core (spec.md §1); only the
// tuning knobs a caller configures are modeled here.
type AdaptiveConcurrencySettings struct {
	DecreaseRatio   float64 `json:"decrease_ratio,omitempty"`
	AckRatio        float64 `json:"ack_ratio,omitempty"`
	InitialLimit    int     `json:"initial_concurrency,omitempty"`
	MinLimit        int     `json:"min_concurrency,omitempty"`
	MaxLimit        int     `json:"max_concurrency,omitempty"`
	RTTDecay        float64 `json:"rtt_deviation_scale,omitempty"`
}

// DefaultAdaptiveConcurrencySettings mirrors the global defaults a caller
// gets when adaptive_concurrency is entirely absent from its config.
func DefaultAdaptiveConcurrencySettings() AdaptiveConcurrencySettings {
	return AdaptiveConcurrencySettings{
		DecreaseRatio: 0.9,
		AckRatio:      1.0,
		InitialLimit:  1,
		MinLimit:      1,
		MaxLimit:      200,
		RTTDecay:      2.0,
	}
}

// RequestConfig is the user-facing, declarative configuration for a single
// outbound pipeline. Every field is optional: absent means "inherit from the
// component defaults, then the global defaults" (see Resolve).
type RequestConfig struct {
	Concurrency             *Concurrency                 `json:"concurrency,omitempty"`
	TimeoutSecs             *int64                        `json:"timeout_secs,omitempty"`
	RateLimitDurationSecs   *int64                        `json:"rate_limit_duration_secs,omitempty"`
	RateLimitNum            *int64                        `json:"rate_limit_num,omitempty"`
	RetryAttempts           *int64                        `json:"retry_attempts,omitempty"`
	RetryMaxDurationSecs    *int64                        `json:"retry_max_duration_secs,omitempty"`
	RetryInitialBackoffSecs *int64                        `json:"retry_initial_backoff_secs,omitempty"`
	RetryJitterMode         JitterMode                    `json:"retry_jitter_mode,omitempty"`
	AdaptiveConcurrency     *AdaptiveConcurrencySettings  `json:"adaptive_concurrency,omitempty"`
}

// RequestSettings is the fully resolved, immutable-after-construction
// counterpart to RequestConfig. Every field is populated.
type RequestSettings struct {
	// Concurrency is nil for "unbounded" (none mode) or "adaptive" (adaptive
	// mode, absent a fixed cap); otherwise it holds the fixed limit.
	Concurrency             *int
	ConcurrencyKind         ConcurrencyKind
	Timeout                 time.Duration
	RateLimitDuration       time.Duration
	RateLimitNum            int64
	RetryAttempts           int64
	RetryMaxDuration        time.Duration
	RetryInitialBackoff     time.Duration
	RetryJitterMode         JitterMode
	AdaptiveConcurrency     AdaptiveConcurrencySettings
}

// UnlimitedRateLimitNum is the "effectively unlimited" sentinel used when
// rate_limit_num is absent everywhere (spec.md §3 invariant).
const UnlimitedRateLimitNum = math.MaxInt64

// UnlimitedRetryAttempts is the "retry forever" sentinel used when
// retry_attempts is absent everywhere.
const UnlimitedRetryAttempts = math.MaxInt64

func globalDefaults() RequestSettings {
	return RequestSettings{
		Concurrency:         nil,
		ConcurrencyKind:     ConcurrencyAdaptive,
		Timeout:             60 * time.Second,
		RateLimitDuration:   1 * time.Second,
		RateLimitNum:        UnlimitedRateLimitNum,
		RetryAttempts:       UnlimitedRetryAttempts,
		RetryMaxDuration:    30 * time.Second,
		RetryInitialBackoff: 1 * time.Second,
		RetryJitterMode:     JitterFull,
		AdaptiveConcurrency: DefaultAdaptiveConcurrencySettings(),
	}
}

// Resolve merges user config over component defaults over the built-in
// global defaults, per-field, first-non-absent-wins. It never errors: every
// field is backed by a total global default. Parse-time validation (Concurrency
// == 0 or negative, unknown concurrency string) happens during JSON
// unmarshalling, not here.
func Resolve(user, component RequestConfig) RequestSettings {
	out := globalDefaults()

	if c := firstConcurrency(user.Concurrency, component.Concurrency); c != nil {
		switch c.Kind {
		case ConcurrencyNone:
			out.Concurrency = nil
			out.ConcurrencyKind = ConcurrencyNone
		case ConcurrencyAdaptive:
			out.Concurrency = nil
			out.ConcurrencyKind = ConcurrencyAdaptive
		case ConcurrencyFixed:
			n := c.Fixed
			out.Concurrency = &n
			out.ConcurrencyKind = ConcurrencyFixed
		}
	}

	if v := firstInt64(user.TimeoutSecs, component.TimeoutSecs); v != nil {
		out.Timeout = time.Duration(*v) * time.Second
	}
	if v := firstInt64(user.RateLimitDurationSecs, component.RateLimitDurationSecs); v != nil {
		out.RateLimitDuration = time.Duration(*v) * time.Second
	}
	if v := firstInt64(user.RateLimitNum, component.RateLimitNum); v != nil {
		out.RateLimitNum = *v
	}
	if v := firstInt64(user.RetryAttempts, component.RetryAttempts); v != nil {
		out.RetryAttempts = *v
	}
	if v := firstInt64(user.RetryMaxDurationSecs, component.RetryMaxDurationSecs); v != nil {
		out.RetryMaxDuration = time.Duration(*v) * time.Second
	}
	if v := firstInt64(user.RetryInitialBackoffSecs, component.RetryInitialBackoffSecs); v != nil {
		out.RetryInitialBackoff = time.Duration(*v) * time.Second
	}
	if user.RetryJitterMode != "" {
		out.RetryJitterMode = user.RetryJitterMode
	} else if component.RetryJitterMode != "" {
		out.RetryJitterMode = component.RetryJitterMode
	}
	if user.AdaptiveConcurrency != nil {
		out.AdaptiveConcurrency = *user.AdaptiveConcurrency
	} else if component.AdaptiveConcurrency != nil {
		out.AdaptiveConcurrency = *component.AdaptiveConcurrency
	}

	return out
}

func firstConcurrency(vals ...*Concurrency) *Concurrency {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt64(vals ...*int64) *int64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// ParseConfig unmarshals and validates a RequestConfig from its declarative
// JSON form. Concurrency == 0/negative and unknown concurrency strings are
// rejected during UnmarshalJSON itself; the remaining non-negative-integer
// and zero-rate-limit checks happen here, in Validate.
func ParseConfig(data []byte) (RequestConfig, error) {
	var cfg RequestConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RequestConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return RequestConfig{}, err
	}
	return cfg, nil
}

// Validate rejects negative durations/counts and a zero rate_limit_num
// (spec.md §3: "rate_limit_num = 0 is disallowed (parse error)").
func (c RequestConfig) Validate() error {
	nonNegative := map[string]*int64{
		"timeout_secs":               c.TimeoutSecs,
		"rate_limit_duration_secs":   c.RateLimitDurationSecs,
		"retry_attempts":             c.RetryAttempts,
		"retry_max_duration_secs":    c.RetryMaxDurationSecs,
		"retry_initial_backoff_secs": c.RetryInitialBackoffSecs,
	}
	for field, v := range nonNegative {
		if v != nil && *v < 0 {
			return &ConfigError{Field: field, Msg: fmt.Sprintf("must be non-negative, got %d", *v)}
		}
	}
	if c.RateLimitNum != nil {
		if *c.RateLimitNum < 0 {
			return &ConfigError{Field: "rate_limit_num", Msg: fmt.Sprintf("must be non-negative, got %d", *c.RateLimitNum)}
		}
		if *c.RateLimitNum == 0 {
			return &ConfigError{Field: "rate_limit_num", Msg: "zero disables all requests; omit the field for \"unlimited\" instead"}
		}
	}
	return nil
}
