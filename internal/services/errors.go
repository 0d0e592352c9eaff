package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrTransient          = errors.New("transient failure")
	ErrTimeout            = errors.New("timeout")
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrEncoderUnavailable = errors.New("encoder unavailable")
	ErrEncoderProcess     = errors.New("encoder process failure")
	ErrWorkspaceInvalid   = errors.New("workspace invalid")
)

// Wrap builds an error message that includes pipeline context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// rateLimitCode is the provider error code attached to 403 responses when the
// request budget for the current window is exhausted.
const rateLimitCode = "ErrTooManyRequests"

// ClassifyStatus maps a generator HTTP failure to a sentinel marker. Only 403
// responses are considered fatal to the whole run; the provider reports both
// throttling and real permission problems through that status and
// distinguishes them by error code.
func ClassifyStatus(statusCode int, apiCode string) error {
	if statusCode == http.StatusForbidden {
		if strings.TrimSpace(apiCode) == rateLimitCode {
			return ErrRateLimited
		}
		return ErrPermissionDenied
	}
	return ErrTransient
}

// Aborts reports whether err must end the whole run instead of downgrading a
// single segment.
func Aborts(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrPermissionDenied)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
