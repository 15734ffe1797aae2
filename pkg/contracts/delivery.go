package contracts

// OutcomeCode is the stable, finite vocabulary describing the terminal state
// of a delivery attempt.
type OutcomeCode string

const (
	OutcomeDelivered           OutcomeCode = "DELIVERED"
	OutcomeSuppressedDuplicate OutcomeCode = "SUPPRESSED_DUPLICATE"
	OutcomeIdempotencyConflict OutcomeCode = "IDEMPOTENCY_CONFLICT"
	OutcomeMissingIdemKey      OutcomeCode = "MISSING_IDEMPOTENCY_KEY"
	OutcomeThrottled           OutcomeCode = "THROTTLED"
	OutcomeThrottledStrict     OutcomeCode = "THROTTLED_STRICT"
	OutcomeRetryExhausted      OutcomeCode = "RETRY_EXHAUSTED"
	OutcomeNonRetryableStatus  OutcomeCode = "NON_RETRYABLE_HTTP_STATUS"
	OutcomeNetworkError        OutcomeCode = "NETWORK_ERROR"
	OutcomePolicyDenied        OutcomeCode = "POLICY_DENIED"
	OutcomeBadRequest          OutcomeCode = "BAD_REQUEST"
	OutcomeUnauthorized        OutcomeCode = "UNAUTHORIZED"
)

// DriverKindWebhookV1 is the only real-send delivery driver in this version.
const DriverKindWebhookV1 = "http_webhook_delivery_v1"

// ResultCore is the deterministic subset of a delivery result. Two runs with
// identical inputs differ only in RequestID and RunID. Timestamps, hashes,
// policy decisions, and latencies belong in evidence.json, never here.
type ResultCore struct {
	RequestID  string `json:"request_id"`
	RunID      string `json:"run_id"`
	DriverKind string `json:"driver_kind"`
	TargetURL  string `json:"target_url"`
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"status_code,omitempty"`
	DryRun     bool   `json:"dry_run"`
}

// Per-attempt statuses.
const (
	AttemptDelivered        = "DELIVERED"
	AttemptRetryableFail    = "RETRYABLE_FAIL"
	AttemptNonRetryableFail = "NON_RETRYABLE_FAIL"
)

// DeliveryAttempt records one try against the target.
type DeliveryAttempt struct {
	Attempt          int    `json:"attempt"`
	Status           string `json:"status"`
	HTTPStatus       int    `json:"http_status,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	PlannedBackoffMs int64  `json:"planned_backoff_ms"`
}

// DeliveryEvidence is the non-deterministic companion of ResultCore, written
// to evidence.json.
type DeliveryEvidence struct {
	ProfileID            string            `json:"profile_id"`
	TargetHost           string            `json:"target_host"`
	PolicyDecision       string            `json:"policy_decision"`
	PolicyReason         string            `json:"policy_reason,omitempty"`
	BodySHA256           string            `json:"body_sha256"`
	ResponseBodySHA256   string            `json:"response_body_sha256,omitempty"`
	DurationMs           int64             `json:"duration_ms"`
	Timestamp            string            `json:"timestamp"`
	Suppressed           bool              `json:"suppressed"`
	OriginalEvidencePath string            `json:"original_evidence_path,omitempty"`
	Attempts             []DeliveryAttempt `json:"attempts,omitempty"`
	AttemptsTotal        int               `json:"attempts_total"`
	OutcomeCode          OutcomeCode       `json:"outcome_code"`
	RateLimitRemainingMs int64             `json:"rate_limit_remaining_ms,omitempty"`
}

// Receipt is what the orchestrator hands back to its caller: the
// deterministic core, the outcome, and where the full evidence lives.
type Receipt struct {
	OK           bool        `json:"ok"`
	Outcome      OutcomeCode `json:"outcome"`
	Core         ResultCore  `json:"result_core"`
	EvidencePath string      `json:"evidence_path"`
	Reason       string      `json:"reason,omitempty"`
}
