package protocol

// Failure codes carried in Result.Code. Every failed operation, whether it
// surfaces over HTTP, the websocket, or a tool result, uses one of these.
const (
	CodeUnknownSession    = "unknown_session"
	CodeUnknownProvider   = "unknown_provider"
	CodeTurnInProgress    = "turn_in_progress"
	CodeToolNotFound      = "tool_not_found"
	CodeValidationError   = "validation_error"
	CodePolicyDenied      = "policy_denied"
	CodePathOutsideRoots  = "path_outside_roots"
	CodeProviderTransport = "provider_transport"
	CodeProviderAuth      = "provider_auth"
	CodeProviderTimeout   = "provider_timeout"
	CodeCancelled         = "cancelled"
	CodeBudgetExceeded    = "budget_exceeded"
	CodeLockConflict      = "lock_conflict"
	CodeCorrupt           = "corrupt"
	CodeConflict          = "conflict"
	CodeGatewayStopping   = "gateway_stopping"
	CodeBusy              = "busy"
	CodeStaleRevision     = "stale_revision"
	CodeInternal          = "internal_error"
)

// HTTP-layer codes used by the control API in addition to the above.
const (
	CodeUnauthorized   = "unauthorized"
	CodeRateLimited    = "mutation_rate_limited"
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
)

// Issue is one structured problem inside a validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Result is the uniform failure envelope: {ok:false, code, message, issues?}.
// Successful responses embed their payload directly and set Ok true.
type Result struct {
	Ok      bool    `json:"ok"`
	Code    string  `json:"code,omitempty"`
	Message string  `json:"message,omitempty"`
	Issues  []Issue `json:"issues,omitempty"`
}

// Fail builds a failure Result.
func Fail(code, message string) Result {
	return Result{Ok: false, Code: code, Message: message}
}

// FailWithIssues builds a validation failure carrying structured issues.
func FailWithIssues(code, message string, issues []Issue) Result {
	return Result{Ok: false, Code: code, Message: message, Issues: issues}
}
