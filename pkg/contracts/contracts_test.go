package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindClassify(t *testing.T) {
	cases := []struct {
		kind     ErrorKind
		category string
		severity string
	}{
		{ErrValidationFailed, CategoryPolicyViolation, SeverityHigh},
		{ErrToolNotAllowlisted, CategoryAuthorization, SeverityHigh},
		{ErrDestinationNotAllowlisted, CategoryAuthorization, SeverityHigh},
		{ErrLimitsNotSpecified, CategoryConfig, SeverityMedium},
		{ErrInputValidationFailed, CategoryPolicyViolation, SeverityMedium},
		{ErrOutputValidationFailed, CategoryPolicyViolation, SeverityMedium},
		{ErrHandlerNotFound, CategoryConfig, SeverityHigh},
		{ErrExecutionError, CategoryInfrastructure, SeverityHigh},
		{ErrTimeout, CategoryRateLimit, SeverityHigh},
		{ErrResourceBudgetExceeded, CategoryPolicyViolation, SeverityHigh},
	}

	for _, tc := range cases {
		cat, sev := tc.kind.Classify()
		assert.Equal(t, tc.category, cat, string(tc.kind))
		assert.Equal(t, tc.severity, sev, string(tc.kind))
	}
}

func TestErrorKindClassify_UnknownIsNotBenign(t *testing.T) {
	cat, sev := ErrorKind("made_up").Classify()
	assert.Equal(t, CategoryOther, cat)
	assert.Equal(t, SeverityHigh, sev)
}

func TestErrorKindFatal(t *testing.T) {
	assert.True(t, ErrValidationFailed.Fatal())
	assert.True(t, ErrTimeout.Fatal())
	assert.False(t, ErrLimitsNotSpecified.Fatal())
	assert.False(t, ErrInputValidationFailed.Fatal())
}

func TestStepEffectiveOnError(t *testing.T) {
	assert.Equal(t, OnErrorFatal, Step{}.EffectiveOnError())
	assert.Equal(t, OnErrorFatal, Step{OnError: "bogus"}.EffectiveOnError())
	assert.Equal(t, OnErrorSoft, Step{OnError: OnErrorSoft}.EffectiveOnError())
}

func TestToolPoolFind(t *testing.T) {
	pool := ToolPool{Tools: []Tool{
		{ID: "noop_connector_1", Connector: "noop"},
		{ID: "hooks", Connector: "http"},
	}}

	tool, ok := pool.Find("hooks")
	assert.True(t, ok)
	assert.Equal(t, "http", tool.Connector)

	_, ok = pool.Find("absent")
	assert.False(t, ok)
}

func TestPolicyProfileTargetAllowed(t *testing.T) {
	p := PolicyProfile{AllowedTargets: []string{"hooks.internal", "127.0.0.1"}}
	assert.True(t, p.TargetAllowed("hooks.internal"))
	assert.False(t, p.TargetAllowed("evil.example.com"))
}

func TestSeverityAtLeastHigh(t *testing.T) {
	assert.True(t, SeverityAtLeastHigh(SeverityHigh))
	assert.True(t, SeverityAtLeastHigh(SeverityCritical))
	assert.False(t, SeverityAtLeastHigh(SeverityMedium))
	assert.False(t, SeverityAtLeastHigh(SeverityInfo))
}
