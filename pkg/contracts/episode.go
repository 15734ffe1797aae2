package contracts

// Episode type identifiers.
const (
	EpisodeTypeExecutionStep    = "execution_step"
	EpisodeTypeRunSummary       = "execution_run_summary"
	EpisodeTypeSecurityEvent    = "security_event/policy_violation"
	SecurityEventSchemaID       = "security_event_episode"
	ExecutionEpisodeSchemaID    = "episode"
	SecurityModelVersionCurrent = "1.0"
)

// Result statuses for episodes.
// Values: pending, in_progress, completed, failed, partial, cancelled, skipped.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusPartial    = "partial"
	StatusCancelled  = "cancelled"
	StatusSkipped    = "skipped"
)

// Security event categories.
// Values: auth, authorization, policy_violation, instruction_misuse,
// data_access, rate_limit, config, infrastructure, other.
const (
	CategoryAuth              = "auth"
	CategoryAuthorization     = "authorization"
	CategoryPolicyViolation   = "policy_violation"
	CategoryInstructionMisuse = "instruction_misuse"
	CategoryDataAccess        = "data_access"
	CategoryRateLimit         = "rate_limit"
	CategoryConfig            = "config"
	CategoryInfrastructure    = "infrastructure"
	CategoryOther             = "other"
)

// Severities, ordered.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityAtLeastHigh reports whether s forces the run's fatal flag.
func SeverityAtLeastHigh(s string) bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ExecutionEpisodeKeys is the allow-list of top-level keys an execution
// episode may carry; anything else is relocated into meta_episode before
// schema validation.
var ExecutionEpisodeKeys = map[string]bool{
	"episode_id":      true,
	"episode_type":    true,
	"mova_version":    true,
	"recorded_at":     true,
	"executor":        true,
	"result_status":   true,
	"result_summary":  true,
	"input_data_refs": true,
	"meta_episode":    true,
}

// SecurityEpisodeKeys extends the execution allow-list with the security
// fields.
var SecurityEpisodeKeys = map[string]bool{
	"episode_id":              true,
	"episode_type":            true,
	"mova_version":            true,
	"recorded_at":             true,
	"executor":                true,
	"result_status":           true,
	"result_summary":          true,
	"input_data_refs":         true,
	"meta_episode":            true,
	"security_event_type":     true,
	"security_event_category": true,
	"severity":                true,
	"policy_profile_id":       true,
	"security_model_version":  true,
	"detection_source":        true,
}
