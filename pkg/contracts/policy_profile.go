package contracts

// PolicyProfile configures the outbound delivery pipeline: which hosts may be
// reached, whether HMAC signing is mandatory, payload and time limits, retry
// shape, and throttling.
type PolicyProfile struct {
	ID              string          `json:"id" yaml:"id"`
	AllowedTargets  []string        `json:"allowed_targets" yaml:"allowed_targets"`
	RequireHMAC     bool            `json:"require_hmac" yaml:"require_hmac"`
	TimeoutMs       int             `json:"timeout_ms" yaml:"timeout_ms"`
	MaxPayloadBytes int             `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	AllowRealSend   bool            `json:"allow_real_send" yaml:"allow_real_send"`
	RetryEnabled    bool            `json:"retry_enabled" yaml:"retry_enabled"`
	MaxAttempts     int             `json:"max_attempts" yaml:"max_attempts"`
	RetryOnStatus   []int           `json:"retry_on_status" yaml:"retry_on_status"`
	BaseBackoffMs   int             `json:"base_backoff_ms" yaml:"base_backoff_ms"`
	MaxBackoffMs    int             `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	RateLimit       RateLimitPolicy `json:"rate_limit" yaml:"rate_limit"`

	// AuthMode selects an additional auth header: "" (none) or "bearer_jwt".
	AuthMode string `json:"auth_mode,omitempty" yaml:"auth_mode,omitempty"`

	// KeyDerivation selects the signing key scheme: "" (master secret as-is)
	// or "per_target" (HKDF-derived per destination host).
	KeyDerivation string `json:"key_derivation,omitempty" yaml:"key_derivation,omitempty"`
}

// RateLimitPolicy is the cooldown configuration for a profile.
type RateLimitPolicy struct {
	Enabled    bool  `json:"enabled" yaml:"enabled"`
	CooldownMs int64 `json:"cooldown_ms" yaml:"cooldown_ms"`

	// Strict flips a throttled outcome from ok=true/THROTTLED to
	// ok=false/THROTTLED_STRICT.
	Strict bool `json:"strict" yaml:"strict"`

	// MaxRPS caps process-wide outbound sends. 0 disables the cap.
	MaxRPS float64 `json:"max_rps,omitempty" yaml:"max_rps,omitempty"`
}

// AuthMode values.
const (
	AuthModeNone      = ""
	AuthModeBearerJWT = "bearer_jwt"
)

// KeyDerivation values.
const (
	KeyDerivationNone      = ""
	KeyDerivationPerTarget = "per_target"
)

// TargetAllowed reports whether a hostname is in the profile's target set.
func (p PolicyProfile) TargetAllowed(host string) bool {
	for _, t := range p.AllowedTargets {
		if t == host {
			return true
		}
	}
	return false
}
