package upstream

// IsRetryableStatus reports whether statusCode should be treated as a
// retryable channel failure (spec §4.4/§7: >=500, 408, 425, 429).
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429:
		return true
	}
	return statusCode >= 500
}

// IsRetryableWithAnotherKey reports whether statusCode should cause the
// current channel attempt to retry with the next enabled API key before
// falling through to the next channel (spec §4.4.1: 401, 403, 429).
func IsRetryableWithAnotherKey(statusCode int) bool {
	return statusCode == 401 || statusCode == 403 || statusCode == 429
}
