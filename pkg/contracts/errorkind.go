package contracts

// ErrorKind is the stable taxonomy used to classify step and delivery
// failures into security-event categories.
type ErrorKind string

const (
	ErrValidationFailed          ErrorKind = "validation_failed"
	ErrToolNotAllowlisted        ErrorKind = "tool_not_allowlisted"
	ErrDestinationNotAllowlisted ErrorKind = "destination_not_allowlisted"
	ErrLimitsNotSpecified        ErrorKind = "limits_not_specified"
	ErrInputValidationFailed     ErrorKind = "input_validation_failed"
	ErrOutputValidationFailed    ErrorKind = "output_validation_failed"
	ErrHandlerNotFound           ErrorKind = "handler_not_found"
	ErrExecutionError            ErrorKind = "execution_error"
	ErrTimeout                   ErrorKind = "timeout"
	ErrResourceBudgetExceeded    ErrorKind = "resource_budget_exceeded"
)

// classification pairs a security-event category with a severity.
type classification struct {
	Category string
	Severity string
}

var errorTaxonomy = map[ErrorKind]classification{
	ErrValidationFailed:          {CategoryPolicyViolation, SeverityHigh},
	ErrToolNotAllowlisted:        {CategoryAuthorization, SeverityHigh},
	ErrDestinationNotAllowlisted: {CategoryAuthorization, SeverityHigh},
	ErrLimitsNotSpecified:        {CategoryConfig, SeverityMedium},
	ErrInputValidationFailed:     {CategoryPolicyViolation, SeverityMedium},
	ErrOutputValidationFailed:    {CategoryPolicyViolation, SeverityMedium},
	ErrHandlerNotFound:           {CategoryConfig, SeverityHigh},
	ErrExecutionError:            {CategoryInfrastructure, SeverityHigh},
	ErrTimeout:                   {CategoryRateLimit, SeverityHigh},
	ErrResourceBudgetExceeded:    {CategoryPolicyViolation, SeverityHigh},
}

// Classify returns the security-event category and severity for a kind.
// Unknown kinds classify as other/high: an unmapped failure must not slip
// through as benign.
func (k ErrorKind) Classify() (category, severity string) {
	if c, ok := errorTaxonomy[k]; ok {
		return c.Category, c.Severity
	}
	return CategoryOther, SeverityHigh
}

// Fatal reports whether an event of this kind forces the run to failed.
func (k ErrorKind) Fatal() bool {
	_, sev := k.Classify()
	return SeverityAtLeastHigh(sev)
}
