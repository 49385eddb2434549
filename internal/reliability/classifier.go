package reliability

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeError classifies realtime session error events. The result
// is only reported in diagnostics; nothing is retried.
func IsRetryableRealtimeError(errType, code string) bool {
	switch errType {
	case "server_error", "rate_limit_exceeded":
		return true
	}
	switch code {
	case "rate_limit_exceeded", "server_error", "resource_exhausted":
		return true
	default:
		return false
	}
}
