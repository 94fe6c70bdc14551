package session

import (
	"errors"
	"net"
	"strings"
)

// retryablePatterns are error message substrings that indicate transient
// transport faults, the failure modes consumer proxies produce in the wild.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
	"proxyconnect",
}

// IsRetryable reports whether err is temporary and worth one retry on a
// different egress path.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
